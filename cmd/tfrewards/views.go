package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"thunderfuel/core"
	"thunderfuel/core/state"
	"thunderfuel/core/types"
	"thunderfuel/crypto"
	"thunderfuel/native/rewards"
)

type ledgerView struct {
	Owner              string `yaml:"owner" json:"owner"`
	Balance            string `yaml:"balance" json:"balance"`
	StakedAmount       string `yaml:"stakedAmount" json:"stakedAmount"`
	TotalUploadedGB    uint64 `yaml:"totalUploadedGb" json:"totalUploadedGb"`
	TotalConsumed      string `yaml:"totalConsumed" json:"totalConsumed"`
	SeedingHours       uint64 `yaml:"seedingHours" json:"seedingHours"`
	NodeOperationHours uint64 `yaml:"nodeOperationHours" json:"nodeOperationHours"`
	ReputationScore    uint32 `yaml:"reputationScore" json:"reputationScore"`
}

type poolView struct {
	Authority        string `yaml:"authority" json:"authority"`
	TotalRewards     string `yaml:"totalRewards" json:"totalRewards"`
	TotalDistributed string `yaml:"totalDistributed" json:"totalDistributed"`
	UploadRewardRate string `yaml:"uploadRewardRate" json:"uploadRewardRate"`
	NodeRewardRate   string `yaml:"nodeRewardRate" json:"nodeRewardRate"`
	SeedRewardRate   string `yaml:"seedRewardRate" json:"seedRewardRate"`
}

type eventView struct {
	Sequence   uint64            `yaml:"sequence" json:"sequence"`
	Type       string            `yaml:"type" json:"type"`
	Attributes map[string]string `yaml:"attributes" json:"attributes"`
}

type receiptView struct {
	Operation string      `yaml:"operation" json:"operation"`
	Caller    string      `yaml:"caller" json:"caller"`
	Nonce     uint64      `yaml:"nonce" json:"nonce"`
	Amount    string      `yaml:"amount,omitempty" json:"amount,omitempty"`
	Events    []eventView `yaml:"events" json:"events"`
	Ledger    *ledgerView `yaml:"ledger,omitempty" json:"ledger,omitempty"`
	Pool      *poolView   `yaml:"pool,omitempty" json:"pool,omitempty"`
}

type rejectionView struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newLedgerView(l *rewards.Ledger) *ledgerView {
	if l == nil {
		return nil
	}
	return &ledgerView{
		Owner:              crypto.FromRaw(l.Owner).String(),
		Balance:            types.FormatUnits(l.Balance),
		StakedAmount:       types.FormatUnits(l.StakedAmount),
		TotalUploadedGB:    l.TotalUploaded,
		TotalConsumed:      types.FormatUnits(l.TotalConsumed),
		SeedingHours:       l.SeedingHours,
		NodeOperationHours: l.NodeOperationHours,
		ReputationScore:    l.ReputationScore,
	}
}

func newPoolView(p *rewards.RewardPool) *poolView {
	if p == nil {
		return nil
	}
	return &poolView{
		Authority:        crypto.FromRaw(p.Authority).String(),
		TotalRewards:     types.FormatUnits(p.TotalRewards),
		TotalDistributed: types.FormatUnits(p.TotalDistributed),
		UploadRewardRate: types.FormatUnits(p.UploadRewardRate),
		NodeRewardRate:   types.FormatUnits(p.NodeRewardRate),
		SeedRewardRate:   types.FormatUnits(p.SeedRewardRate),
	}
}

func newEventViews(records []state.EventRecord) []eventView {
	views := make([]eventView, 0, len(records))
	for _, record := range records {
		if record.Event == nil {
			continue
		}
		views = append(views, eventView{
			Sequence:   record.Sequence,
			Type:       record.Event.Type,
			Attributes: record.Event.Attributes,
		})
	}
	return views
}

func newReceiptView(r *core.Receipt) *receiptView {
	view := &receiptView{
		Operation: string(r.Kind),
		Caller:    crypto.FromRaw(r.Caller).String(),
		Nonce:     r.Nonce,
		Events:    newEventViews(r.Events),
		Ledger:    newLedgerView(r.Ledger),
		Pool:      newPoolView(r.Pool),
	}
	if r.Amount > 0 {
		view.Amount = types.FormatUnits(r.Amount)
	}
	return view
}

func writeOutput(w io.Writer, format string, value interface{}) error {
	switch format {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
