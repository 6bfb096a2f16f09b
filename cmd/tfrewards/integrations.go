package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"thunderfuel/integrations/webhooks"
	"thunderfuel/services/indexer"
)

const defaultWebhookSecretEnv = "TF_WEBHOOK_SECRET"

func openIndexer(dsn string) (*indexer.Indexer, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("indexer DSN not configured (set [Indexer] DSN or pass -dsn)")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open indexer database: %w", err)
	}
	return indexer.New(db)
}

func runIndex(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	dsn := fs.String("dsn", "", "sqlite DSN (defaults to [Indexer] DSN)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	target := *dsn
	if strings.TrimSpace(target) == "" {
		target = a.cfg.Indexer.DSN
	}
	idx, err := openIndexer(target)
	if err != nil {
		return fail(stderr, err)
	}
	idx.SetLogger(a.logger)

	ctx := context.Background()
	n, err := idx.Sync(ctx, a.exec)
	if err != nil {
		return fail(stderr, err)
	}
	counts, err := idx.CountByType(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "indexed %d new events\n", n)
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(stdout, "  %-28s %d\n", t, counts[t])
	}
	return 0
}

func runRelay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	url := fs.String("url", "", "Webhook endpoint")
	secretEnv := fs.String("secret-env", defaultWebhookSecretEnv, "Environment variable holding the HMAC secret")
	from := fs.Uint64("from", 0, "Deliver events with a sequence greater than this cursor")
	timeout := fs.Duration("timeout", time.Minute, "Maximum time to wait for deliveries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	secret := os.Getenv(*secretEnv)
	if secret == "" {
		return fail(stderr, fmt.Errorf("%s is not set", *secretEnv))
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
	dispatcher, err := webhooks.NewDispatcher(*url, []byte(secret), webhooks.WithNetwork(a.cfg.NetworkName))
	if err != nil {
		return fail(stderr, err)
	}
	defer dispatcher.Close()

	for _, record := range records {
		if err := dispatcher.EnqueueEvent(record); err != nil {
			return fail(stderr, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	drainErr := dispatcher.Shutdown(ctx)
	delivered, failed := dispatcher.Stats()
	fmt.Fprintf(stdout, "delivered %d, failed %d, cursor %d\n", delivered, failed, max(*from, dispatcher.Cursor()))
	if drainErr != nil {
		return fail(stderr, fmt.Errorf("timed out with %d of %d deliveries settled", delivered+failed, len(records)))
	}
	if failed > 0 {
		return 1
	}
	return 0
}
