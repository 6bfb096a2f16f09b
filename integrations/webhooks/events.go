package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"thunderfuel/core/state"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultTimeout     = 15 * time.Second

	HeaderEvent     = "X-TF-Event"
	HeaderSequence  = "X-TF-Sequence"
	HeaderSignature = "X-TF-Signature"
)

// ErrDispatcherClosed is returned by EnqueueEvent once Shutdown or Close has
// been called.
var ErrDispatcherClosed = errors.New("webhook: dispatcher closed")

// EventPayload is the body posted for each committed ledger event.
type EventPayload struct {
	Type        string            `json:"type"`
	Sequence    uint64            `json:"sequence"`
	Network     string            `json:"network,omitempty"`
	Attributes  map[string]string `json:"attributes"`
	DeliveryID  string            `json:"deliveryId"`
	DeliveredAt time.Time         `json:"deliveredAt"`
}

// Dispatcher delivers ledger events to an HTTP endpoint with HMAC-SHA256
// signatures, retrying failed deliveries with exponential backoff.
// Deliveries are made one at a time in enqueue order.
//
// Cursor tracks the highest sequence up to which every enqueued event was
// delivered. A relay restarted from the cursor re-sends anything after it.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	network     string
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup

	intake sync.RWMutex
	closed bool

	mu        sync.Mutex
	delivered uint64
	failed    uint64
	cursor    uint64
	stalled   bool
}

type delivery struct {
	eventType string
	sequence  uint64
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithNetwork stamps payloads with the ledger network name.
func WithNetwork(network string) Option {
	return func(d *Dispatcher) { d.network = network }
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Shutdown stops intake and waits for the worker to deliver everything
// already queued. When ctx ends first, the remaining deliveries are abandoned
// and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	drained := make(chan struct{})
	go func() {
		d.stopIntake()
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-drained
		return ctx.Err()
	}
}

// Close stops the dispatcher immediately, abandoning the inflight delivery
// and anything still queued.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.stopIntake()
	d.wg.Wait()
}

func (d *Dispatcher) stopIntake() {
	d.intake.Lock()
	defer d.intake.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

// Stats reports delivered and abandoned deliveries.
func (d *Dispatcher) Stats() (delivered, failed uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, d.failed
}

// Cursor returns the sequence of the last event delivered with nothing
// abandoned before it.
func (d *Dispatcher) Cursor() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// EnqueueEvent queues record for delivery. It blocks while the queue is full
// and fails with ErrDispatcherClosed after shutdown.
func (d *Dispatcher) EnqueueEvent(record state.EventRecord) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if record.Event == nil {
		return errors.New("webhook: empty event record")
	}
	payload := EventPayload{
		Type:        record.Event.Type,
		Sequence:    record.Sequence,
		Network:     d.network,
		Attributes:  record.Event.Attributes,
		DeliveryID:  uuid.NewString(),
		DeliveredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d.intake.RLock()
	defer d.intake.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- delivery{eventType: payload.Type, sequence: payload.Sequence, body: data}:
		return nil
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout())
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			d.settle(job.sequence, true)
			return
		}
		if attempt >= d.maxAttempts || d.ctx.Err() != nil {
			d.settle(job.sequence, false)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.settle(job.sequence, false)
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

// timeout bounds a single attempt. A client without a timeout would
// otherwise expire every request immediately.
func (d *Dispatcher) timeout() time.Duration {
	if d.client.Timeout > 0 {
		return d.client.Timeout
	}
	return defaultTimeout
}

func (d *Dispatcher) settle(sequence uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ok {
		d.failed++
		d.stalled = true
		return
	}
	d.delivered++
	if !d.stalled && sequence > d.cursor {
		d.cursor = sequence
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderSequence, strconv.FormatUint(job.sequence, 10))
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
