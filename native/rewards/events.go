package rewards

import (
	"strconv"

	"thunderfuel/core/events"
	"thunderfuel/core/types"
	"thunderfuel/crypto"
)

const (
	// EventTypePoolInitialized is emitted once when the reward pool is created.
	EventTypePoolInitialized = "rewards.pool.initialized"
	// EventTypeUploadReward is emitted when a participant is paid for an upload.
	EventTypeUploadReward = "rewards.upload"
	// EventTypeNodeReward is emitted when a super node operator is paid.
	EventTypeNodeReward = "rewards.node"
	// EventTypeSeedReward is emitted when a participant is paid for seeding.
	EventTypeSeedReward = "rewards.seed"
	// EventTypeSpeedBoost is emitted when balance is consumed for a speed boost.
	EventTypeSpeedBoost = "rewards.speed_boost"
	// EventTypeStake is emitted when balance moves into stake.
	EventTypeStake = "rewards.stake"
	// EventTypeUnstake is emitted when stake moves back into balance.
	EventTypeUnstake = "rewards.unstake"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func addr(raw [20]byte) string {
	return crypto.FromRaw(raw).String()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// PoolInitializedEvent records the creation of the reward pool.
func PoolInitializedEvent(pool *RewardPool) *types.Event {
	return &types.Event{
		Type: EventTypePoolInitialized,
		Attributes: map[string]string{
			"authority":  addr(pool.Authority),
			"uploadRate": u64(pool.UploadRewardRate),
			"nodeRate":   u64(pool.NodeRewardRate),
			"seedRate":   u64(pool.SeedRewardRate),
		},
	}
}

// UploadRewardEvent records an upload reward credit.
func UploadRewardEvent(user [20]byte, amount, sizeGB, rarityMultiplier uint64) *types.Event {
	return &types.Event{
		Type: EventTypeUploadReward,
		Attributes: map[string]string{
			"user":             addr(user),
			"amount":           u64(amount),
			"sizeGb":           u64(sizeGB),
			"rarityMultiplier": u64(rarityMultiplier),
		},
	}
}

// NodeRewardEvent records a super node reward credit.
func NodeRewardEvent(user [20]byte, amount, durationHours uint64, uptime uint8) *types.Event {
	return &types.Event{
		Type: EventTypeNodeReward,
		Attributes: map[string]string{
			"user":             addr(user),
			"amount":           u64(amount),
			"durationHours":    u64(durationHours),
			"uptimePercentage": u64(uint64(uptime)),
		},
	}
}

// SeedRewardEvent records a seeding reward credit.
func SeedRewardEvent(user [20]byte, amount, durationHours uint64, popularity uint8) *types.Event {
	return &types.Event{
		Type: EventTypeSeedReward,
		Attributes: map[string]string{
			"user":           addr(user),
			"amount":         u64(amount),
			"durationHours":  u64(durationHours),
			"filePopularity": u64(uint64(popularity)),
		},
	}
}

// SpeedBoostEvent records balance consumed for download acceleration.
func SpeedBoostEvent(user [20]byte, amount, newBalance uint64) *types.Event {
	return &types.Event{
		Type: EventTypeSpeedBoost,
		Attributes: map[string]string{
			"user":       addr(user),
			"amount":     u64(amount),
			"newBalance": u64(newBalance),
		},
	}
}

// StakeEvent records a balance to stake transfer.
func StakeEvent(user [20]byte, amount, totalStaked uint64) *types.Event {
	return &types.Event{
		Type: EventTypeStake,
		Attributes: map[string]string{
			"user":        addr(user),
			"amount":      u64(amount),
			"totalStaked": u64(totalStaked),
		},
	}
}

// UnstakeEvent records a stake to balance transfer.
func UnstakeEvent(user [20]byte, amount, remainingStaked uint64) *types.Event {
	return &types.Event{
		Type: EventTypeUnstake,
		Attributes: map[string]string{
			"user":            addr(user),
			"amount":          u64(amount),
			"remainingStaked": u64(remainingStaked),
		},
	}
}
