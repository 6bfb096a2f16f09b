package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"thunderfuel/crypto"
	"thunderfuel/integrations/exports"
)

func runLedger(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	address := fs.String("address", "", "Participant address (defaults to the keystore key)")
	keystore := fs.String("keystore", "", "Keystore path used when -address is empty")
	output := fs.String("output", "yaml", "Output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	owner, err := a.resolveAddress(*address, *keystore)
	if err != nil {
		return fail(stderr, err)
	}
	ledger, err := a.exec.Ledger(owner)
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeOutput(stdout, *output, newLedgerView(ledger)); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runPool(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	output := fs.String("output", "yaml", "Output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	pool, err := a.exec.Pool()
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeOutput(stdout, *output, newPoolView(pool)); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runNonce(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("nonce", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	address := fs.String("address", "", "Participant address (defaults to the keystore key)")
	keystore := fs.String("keystore", "", "Keystore path used when -address is empty")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	owner, err := a.resolveAddress(*address, *keystore)
	if err != nil {
		return fail(stderr, err)
	}
	next, err := a.exec.NextNonce(owner)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "%s %d\n", crypto.FromRaw(owner).String(), next)
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	from := fs.Uint64("from", 0, "Only list events with a sequence greater than this cursor")
	limit := fs.Int("limit", 100, "Maximum number of events (0 for all)")
	output := fs.String("output", "yaml", "Output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	records, err := a.exec.EventsSince(*from, *limit)
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeOutput(stdout, *output, newEventViews(records)); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	format := fs.String("format", "jsonl", "Export format: jsonl, csv or parquet")
	out := fs.String("out", "", "Output file (required for parquet; stdout otherwise)")
	from := fs.Uint64("from", 0, "Only export events with a sequence greater than this cursor")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	records, err := a.exec.EventsSince(*from, 0)
	if err != nil {
		return fail(stderr, err)
	}

	var (
		data     []byte
		checksum string
	)
	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "jsonl":
		data, checksum, err = exports.EventsJSONL(records)
	case "csv":
		data, checksum, err = exports.EventsCSV(records)
	case "parquet":
		if strings.TrimSpace(*out) == "" {
			return fail(stderr, fmt.Errorf("-out is required for parquet exports"))
		}
		rows, err := exports.WriteEventsParquet(*out, records)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stderr, "wrote %d events to %s\n", rows, *out)
		return 0
	default:
		return fail(stderr, fmt.Errorf("unsupported format %q", *format))
	}
	if err != nil {
		return fail(stderr, err)
	}

	if strings.TrimSpace(*out) == "" {
		_, _ = stdout.Write(data)
	} else if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stderr, "sha256 %s (%d events)\n", checksum, len(records))
	return 0
}
