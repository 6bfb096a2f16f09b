package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"thunderfuel/cmd/internal/passphrase"
	"thunderfuel/core"
	"thunderfuel/core/tx"
	"thunderfuel/core/types"
	"thunderfuel/crypto"
)

var commandKinds = map[string]tx.Kind{
	"init":          tx.KindInitialize,
	"reward-upload": tx.KindRewardUpload,
	"reward-node":   tx.KindRewardSuperNode,
	"reward-seed":   tx.KindRewardSeeding,
	"consume":       tx.KindConsumeForSpeed,
	"stake":         tx.KindStakeForNode,
	"unstake":       tx.KindUnstakeTokens,
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("keystore", "operator.keystore", "Output path for the keystore file")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fail(stderr, fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *out))
		} else if !errors.Is(err, os.ErrNotExist) {
			return fail(stderr, err)
		}
	}
	secret, err := passphrase.NewSource(passphrase.DefaultEnvVar).Get()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err)
	}
	if err := crypto.SaveToKeystore(*out, key, secret); err != nil {
		return fail(stderr, fmt.Errorf("failed to write keystore: %w", err))
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	keystore := fs.String("keystore", "", "Keystore path (defaults to the configured KeystorePath)")
	verify := fs.Bool("verify", false, "Unlock the keystore and check the key matches its recorded address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()
	if *verify {
		key, err := a.loadKey(*keystore)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintln(stdout, key.PubKey().Address().String())
		return 0
	}
	addr, err := crypto.KeystoreAddress(a.keystorePath(*keystore))
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

type operationFlags struct {
	sizeGB     uint64
	rarity     uint64
	hours      uint64
	uptime     uint
	popularity uint
	amount     string
}

func (f *operationFlags) register(fs *flag.FlagSet, kind tx.Kind) {
	switch kind {
	case tx.KindRewardUpload:
		fs.Uint64Var(&f.sizeGB, "size-gb", 0, "Uploaded size in whole gigabytes")
		fs.Uint64Var(&f.rarity, "rarity", 1, "Rarity multiplier")
	case tx.KindRewardSuperNode:
		fs.Uint64Var(&f.hours, "hours", 0, "Operating duration in hours")
		fs.UintVar(&f.uptime, "uptime", 100, "Uptime percentage (0-100)")
	case tx.KindRewardSeeding:
		fs.Uint64Var(&f.hours, "hours", 0, "Seeding duration in hours")
		fs.UintVar(&f.popularity, "popularity", 50, "File popularity (1-100)")
	case tx.KindConsumeForSpeed, tx.KindStakeForNode, tx.KindUnstakeTokens:
		fs.StringVar(&f.amount, "amount", "", "Token amount (decimal tokens or raw units with a u suffix)")
	}
}

func (f *operationFlags) build(kind tx.Kind) (tx.Operation, error) {
	op := tx.Operation{Kind: kind}
	switch kind {
	case tx.KindRewardUpload:
		op.SizeGB = f.sizeGB
		op.Rarity = f.rarity
	case tx.KindRewardSuperNode:
		if f.uptime > 255 {
			return op, fmt.Errorf("uptime %d out of range", f.uptime)
		}
		op.DurationHours = f.hours
		op.Uptime = uint8(f.uptime)
	case tx.KindRewardSeeding:
		if f.popularity > 255 {
			return op, fmt.Errorf("popularity %d out of range", f.popularity)
		}
		op.DurationHours = f.hours
		op.Popularity = uint8(f.popularity)
	case tx.KindConsumeForSpeed, tx.KindStakeForNode, tx.KindUnstakeTokens:
		amount, err := types.ParseUnits(f.amount)
		if err != nil {
			return op, fmt.Errorf("-amount: %w", err)
		}
		op.Amount = amount
	}
	return op, nil
}

func runOperation(command string, args []string, stdout, stderr io.Writer) int {
	kind, ok := commandKinds[command]
	if !ok {
		return fail(stderr, fmt.Errorf("unknown operation %q", command))
	}
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	keystore := fs.String("keystore", "", "Keystore path (defaults to the configured KeystorePath)")
	nonce := fs.Int64("nonce", -1, "Operation nonce (defaults to the caller's next nonce)")
	signOnly := fs.Bool("sign-only", false, "Print the signed operation as JSON instead of applying it (requires -nonce)")
	output := fs.String("output", "yaml", "Receipt format: yaml or json")
	var opFlags operationFlags
	opFlags.register(fs, kind)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	op, err := opFlags.build(kind)
	if err != nil {
		return fail(stderr, err)
	}
	if *signOnly && *nonce < 0 {
		return fail(stderr, errors.New("-sign-only requires -nonce"))
	}

	a, err := openApp(*configPath, stderr, !*signOnly)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	key, err := a.loadKey(*keystore)
	if err != nil {
		return fail(stderr, err)
	}
	if *nonce >= 0 {
		op.Nonce = uint64(*nonce)
	} else {
		next, err := a.exec.NextNonce(key.PubKey().Address().Raw())
		if err != nil {
			return fail(stderr, err)
		}
		op.Nonce = next
	}
	if err := op.Sign(key); err != nil {
		return fail(stderr, err)
	}

	if *signOnly {
		encoded, err := json.Marshal(op)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintln(stdout, string(encoded))
		return 0
	}

	receipt, err := a.exec.Apply(context.Background(), &op)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v (code %s)\n", err, core.OutcomeCode(err))
		return 1
	}
	if err := writeOutput(stdout, *output, newReceiptView(receipt)); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// batchEntry is one operation in an apply-batch YAML file. Callers and nonces
// come from the keystore key and the ledger.
type batchEntry struct {
	Kind          string `yaml:"kind"`
	SizeGB        uint64 `yaml:"sizeGb"`
	Rarity        uint64 `yaml:"rarity"`
	DurationHours uint64 `yaml:"durationHours"`
	Uptime        uint8  `yaml:"uptime"`
	Popularity    uint8  `yaml:"popularity"`
	Amount        string `yaml:"amount"`
}

func (e batchEntry) operation() (tx.Operation, error) {
	kind := tx.Kind(strings.TrimSpace(e.Kind))
	if mapped, ok := commandKinds[string(kind)]; ok {
		kind = mapped
	}
	if !kind.Valid() {
		return tx.Operation{}, fmt.Errorf("%w: %q", tx.ErrUnknownKind, e.Kind)
	}
	op := tx.Operation{
		Kind:          kind,
		SizeGB:        e.SizeGB,
		Rarity:        e.Rarity,
		DurationHours: e.DurationHours,
		Uptime:        e.Uptime,
		Popularity:    e.Popularity,
	}
	if strings.TrimSpace(e.Amount) != "" {
		amount, err := types.ParseUnits(e.Amount)
		if err != nil {
			return tx.Operation{}, err
		}
		op.Amount = amount
	}
	return op, nil
}

func runApplyBatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("apply-batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	keystore := fs.String("keystore", "", "Keystore path (defaults to the configured KeystorePath)")
	file := fs.String("file", "", "YAML file holding a list of operations")
	output := fs.String("output", "yaml", "Receipt format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*file) == "" {
		return fail(stderr, errors.New("-file is required"))
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fail(stderr, err)
	}
	var entries []batchEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fail(stderr, fmt.Errorf("parse %s: %w", *file, err))
	}
	ops := make([]tx.Operation, 0, len(entries))
	for i, entry := range entries {
		op, err := entry.operation()
		if err != nil {
			return fail(stderr, fmt.Errorf("entry %d: %w", i, err))
		}
		ops = append(ops, op)
	}

	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()
	key, err := a.loadKey(*keystore)
	if err != nil {
		return fail(stderr, err)
	}
	next, err := a.exec.NextNonce(key.PubKey().Address().Raw())
	if err != nil {
		return fail(stderr, err)
	}

	receipts := make([]*receiptView, 0, len(ops))
	status := 0
	for i := range ops {
		op := ops[i]
		op.Nonce = next
		if err := op.Sign(key); err != nil {
			return fail(stderr, err)
		}
		receipt, err := a.exec.Apply(context.Background(), &op)
		if err != nil {
			fmt.Fprintf(stderr, "Error: entry %d (%s): %v (code %s)\n", i, op.Kind, err, core.OutcomeCode(err))
			status = 1
			break
		}
		next++
		receipts = append(receipts, newReceiptView(receipt))
	}
	if err := writeOutput(stdout, *output, receipts); err != nil {
		return fail(stderr, err)
	}
	return status
}
