package rewards

import "thunderfuel/core/types"

const (
	// DefaultUploadRewardRate pays 2 tokens per uploaded GB.
	DefaultUploadRewardRate uint64 = 2_000_000_000
	// DefaultNodeRewardRate pays 5 tokens per super node operating hour.
	DefaultNodeRewardRate uint64 = 5_000_000_000
	// DefaultSeedRewardRate pays 0.1 tokens per seeding hour.
	DefaultSeedRewardRate uint64 = 100_000_000

	// MinUptimePercent is the uptime floor for node rewards.
	MinUptimePercent uint8 = 90

	percentDenominator uint64 = 100
)

// MinNodeStake is the 10,000 token stake floor for super node eligibility and
// for a single stake deposit.
var MinNodeStake = types.MustTokens(10_000)

// UptimeBonusPercent returns the node reward multiplier, in percent, for the
// reported uptime.
func UptimeBonusPercent(uptime uint8) uint64 {
	switch {
	case uptime >= 99:
		return 120
	case uptime >= 95:
		return 110
	default:
		return 100
	}
}

// PopularityMultiplierPercent returns the seeding reward multiplier, in
// percent, for the reported file popularity. Tiers are evaluated in order and
// are intentionally not monotonic: ranks 21-49 earn no bonus while both the
// popular and the rare bands do.
func PopularityMultiplierPercent(popularity uint8) uint64 {
	switch {
	case popularity >= 80:
		return 150
	case popularity >= 50:
		return 125
	case popularity <= 20:
		return 200
	default:
		return 100
	}
}
