package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"thunderfuel/core"
	"thunderfuel/core/state"
	"thunderfuel/core/tx"
	"thunderfuel/integrations/webhooks"
)

const maxOperationLine = 64 * 1024

// runServe hosts the ledger for a stream of signed operations, one JSON
// object per line on stdin. Each line yields one JSON line on stdout: the
// receipt or a rejection with its code. The process exits at end of input.
//
// With -webhook-url every committed event after the starting cursor is
// relayed. On exit the relay drains its queue and prints the cursor to resume
// from with -webhook-from.
func runServe(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address (defaults to MetricsAddress; \"off\" disables)")
	webhookURL := fs.String("webhook-url", "", "Relay committed events to this endpoint")
	secretEnv := fs.String("secret-env", defaultWebhookSecretEnv, "Environment variable holding the webhook HMAC secret")
	webhookFrom := fs.Int64("webhook-from", -1, "Relay events after this sequence (defaults to the current log tail)")
	drainTimeout := fs.Duration("drain-timeout", 30*time.Second, "Maximum time to finish webhook deliveries on exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(*configPath, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	followers, cancelFollowers := context.WithCancel(ctx)
	defer func() {
		cancelFollowers()
		wg.Wait()
	}()

	addr := strings.TrimSpace(*metricsAddr)
	if addr == "" {
		addr = a.cfg.MetricsAddress
	}
	if addr != "" && addr != "off" {
		srv, err := startMetricsServer(addr, a.logger)
		if err != nil {
			return fail(stderr, err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if dsn := strings.TrimSpace(a.cfg.Indexer.DSN); dsn != "" {
		idx, err := openIndexer(dsn)
		if err != nil {
			return fail(stderr, err)
		}
		idx.SetLogger(a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := idx.Run(followers, a.exec); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("indexer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if strings.TrimSpace(*webhookURL) != "" {
		secret := os.Getenv(*secretEnv)
		if secret == "" {
			return fail(stderr, fmt.Errorf("%s is not set", *secretEnv))
		}
		from := uint64(*webhookFrom)
		if *webhookFrom < 0 {
			if from, err = a.exec.LastSequence(); err != nil {
				return fail(stderr, err)
			}
		}
		dispatcher, err := webhooks.NewDispatcher(*webhookURL, []byte(secret), webhooks.WithNetwork(a.cfg.NetworkName))
		if err != nil {
			return fail(stderr, err)
		}
		relay := &webhookRelay{exec: a.exec, dispatcher: dispatcher, logger: a.logger, last: from}
		relayCtx, stopRelay := context.WithCancel(context.Background())
		relayDone := make(chan error, 1)
		go func() { relayDone <- relay.run(relayCtx) }()
		defer func() {
			stopRelay()
			if err := <-relayDone; err != nil {
				a.logger.Error("webhook relay stopped", slog.String("error", err.Error()))
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
			defer cancel()
			if err := dispatcher.Shutdown(drainCtx); err != nil {
				a.logger.Warn("webhook deliveries abandoned at shutdown", slog.String("error", err.Error()))
			}
			delivered, failed := dispatcher.Stats()
			cursor := max(from, dispatcher.Cursor())
			a.logger.Info("webhook relay drained",
				slog.Uint64("delivered", delivered),
				slog.Uint64("failed", failed),
				slog.Uint64("cursor", cursor))
			fmt.Fprintf(stderr, "webhook relay delivered %d, failed %d, cursor %d\n", delivered, failed, cursor)
		}()
	}

	if err := serveOperations(ctx, a.exec, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fail(stderr, err)
	}
	return 0
}

// webhookRelay forwards committed events to a dispatcher in sequence order.
// Gaps in the live stream are filled from the durable log.
type webhookRelay struct {
	exec       *core.Executor
	dispatcher *webhooks.Dispatcher
	logger     *slog.Logger
	last       uint64
}

// run follows the event stream until ctx ends, then forwards whatever was
// committed but not yet seen.
func (r *webhookRelay) run(ctx context.Context) error {
	updates, cancel, backlog, err := r.exec.Subscribe(ctx, r.last)
	if err != nil {
		return err
	}
	defer cancel()
	for _, record := range backlog {
		if err := r.forward(record); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return r.catchUp()
		case record, ok := <-updates:
			if !ok {
				return r.catchUp()
			}
			if err := r.forward(record); err != nil {
				return err
			}
		}
	}
}

func (r *webhookRelay) forward(record state.EventRecord) error {
	if record.Sequence <= r.last {
		return nil
	}
	if record.Sequence > r.last+1 {
		missed, err := r.exec.EventsSince(r.last, int(record.Sequence-r.last-1))
		if err != nil {
			return err
		}
		for _, m := range missed {
			if err := r.dispatcher.EnqueueEvent(m); err != nil {
				return err
			}
			r.last = m.Sequence
		}
		r.logger.Warn("webhook relay backfilled missed events", slog.Int("count", len(missed)))
	}
	if err := r.dispatcher.EnqueueEvent(record); err != nil {
		return err
	}
	r.last = record.Sequence
	return nil
}

func (r *webhookRelay) catchUp() error {
	records, err := r.exec.EventsSince(r.last, 0)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := r.forward(record); err != nil {
			return err
		}
	}
	return nil
}

func startMetricsServer(addr string, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("address", ln.Addr().String()))
	return srv, nil
}

func serveOperations(ctx context.Context, exec *core.Executor, stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 4096), maxOperationLine)
	enc := json.NewEncoder(stdout)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var op tx.Operation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			if err := enc.Encode(rejectionView{Error: err.Error(), Code: core.CodeInvalid}); err != nil {
				return err
			}
			continue
		}
		receipt, err := exec.Apply(ctx, &op)
		if err != nil {
			if err := enc.Encode(rejectionView{Error: err.Error(), Code: core.OutcomeCode(err)}); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(newReceiptView(receipt)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
