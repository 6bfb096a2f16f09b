package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultConfig = "./config.toml"
	serviceName   = "thunderfuel-rewards"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "init", "reward-upload", "reward-node", "reward-seed", "consume", "stake", "unstake":
		return runOperation(args[0], args[1:], stdout, stderr)
	case "apply-batch":
		return runApplyBatch(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stdin, stdout, stderr)
	case "ledger":
		return runLedger(args[1:], stdout, stderr)
	case "pool":
		return runPool(args[1:], stdout, stderr)
	case "nonce":
		return runNonce(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "index":
		return runIndex(args[1:], stdout, stderr)
	case "relay":
		return runRelay(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	lines := []string{
		"Usage: tfrewards <command> [flags]",
		"",
		"Keys:",
		"  keygen         Generate an operator key into an encrypted keystore",
		"  address        Print the bech32 address of the keystore key",
		"",
		"Operations (signed with the keystore key):",
		"  init           Create the reward pool with the default rates",
		"  reward-upload  Credit an upload reward (-size-gb, -rarity)",
		"  reward-node    Credit a super node reward (-hours, -uptime)",
		"  reward-seed    Credit a seeding reward (-hours, -popularity)",
		"  consume        Spend balance on a speed boost (-amount)",
		"  stake          Move balance into node stake (-amount)",
		"  unstake        Move stake back into balance (-amount)",
		"  apply-batch    Sign and apply operations listed in a YAML file",
		"  serve          Apply signed JSON operations read from stdin",
		"",
		"Queries:",
		"  ledger         Show a participant ledger",
		"  pool           Show the reward pool",
		"  nonce          Show the next nonce for an address",
		"  events         List committed events",
		"",
		"Integrations:",
		"  export         Export events as jsonl, csv or parquet",
		"  index          Mirror events into the sqlite indexer",
		"  relay          Deliver events to a signed webhook endpoint",
		"",
		"Amounts accept decimal tokens (1.5) or raw units with a u suffix (1500000000u).",
		"The keystore passphrase is read from TF_KEYSTORE_PASSPHRASE or prompted.",
	}
	return strings.Join(lines, "\n")
}
