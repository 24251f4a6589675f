// Package webhooks notifies external services of deal lifecycle changes.
//
// Events are derived from session snapshots: a status change, the adoption
// of an escrow contract, and the outcome of an action. Deliveries are
// signed with HMAC-SHA256 when the endpoint has a secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventStatusChanged   EventType = "deal.status_changed"
	EventEscrowAdopted   EventType = "deal.escrow_adopted"
	EventActionConfirmed EventType = "deal.action_confirmed"
	EventActionFailed    EventType = "deal.action_failed"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Escrowsync-Event"
	HeaderTimestamp = "X-Escrowsync-Timestamp"
	HeaderSignature = "X-Escrowsync-Signature"
)

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	DealID    string         `json:"dealId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Endpoint is a receiver of events. An empty Events list receives all.
type Endpoint struct {
	URL    string
	Secret string
	Events []EventType
}

func (e Endpoint) wants(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Config for a Notifier.
type Config struct {
	Endpoints []Endpoint
	QueueSize int
	Policy    retry.Policy
	Timeout   time.Duration // per attempt
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
		Policy:    retry.Policy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		Timeout:   10 * time.Second,
	}
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// observed is what the notifier last saw of a deal.
type observed struct {
	status    string
	escrow    string
	pendingID string
	outcome   dealstate.Outcome
}

// Notifier turns snapshots into events and delivers them in the
// background. Observe never blocks; events are dropped when the queue is
// full.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	last   map[string]observed
	closed bool

	queue   chan *Event
	started atomic.Bool
	done    chan struct{}
}

// New creates a Notifier. Call Start to begin delivering.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Policy.Attempts <= 0 {
		cfg.Policy = def.Policy
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
		last:   make(map[string]observed),
		queue:  make(chan *Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return len(n.cfg.Endpoints) > 0
}

// Observe diffs snap against the previous snapshot of the same deal and
// queues the resulting events. The first snapshot of a deal sets the
// baseline and emits nothing.
func (n *Notifier) Observe(snap dealstate.Snapshot) {
	if !n.Enabled() || snap.Record == nil {
		return
	}
	cur := observed{
		status: string(snap.Record.Status),
		escrow: snap.Record.EscrowAddress,
	}
	if p := snap.Pending; p != nil {
		cur.pendingID = p.ID
		cur.outcome = p.Outcome
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	prev, seen := n.last[snap.DealID]
	n.last[snap.DealID] = cur
	if !seen {
		return
	}

	if cur.status != prev.status {
		n.enqueue(snap.DealID, EventStatusChanged, map[string]any{
			"from":   prev.status,
			"to":     cur.status,
			"escrow": cur.escrow,
		})
	}
	if prev.escrow == "" && cur.escrow != "" {
		n.enqueue(snap.DealID, EventEscrowAdopted, map[string]any{
			"escrow": cur.escrow,
		})
	}
	if p := snap.Pending; p != nil && (p.ID != prev.pendingID || p.Outcome != prev.outcome) {
		data := map[string]any{
			"action": p.Action,
			"mode":   string(p.Mode),
		}
		if p.TxHash != "" {
			data["txHash"] = p.TxHash
		}
		switch p.Outcome {
		case dealstate.OutcomeConfirmed:
			n.enqueue(snap.DealID, EventActionConfirmed, data)
		case dealstate.OutcomeFailed:
			n.enqueue(snap.DealID, EventActionFailed, data)
		}
	}
}

// Forget drops the baseline for dealID.
func (n *Notifier) Forget(dealID string) {
	n.mu.Lock()
	delete(n.last, dealID)
	n.mu.Unlock()
}

// enqueue is called with n.mu held.
func (n *Notifier) enqueue(dealID string, t EventType, data map[string]any) {
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		DealID:    dealID,
		Timestamp: n.now().UTC(),
		Data:      data,
	}
	select {
	case n.queue <- ev:
		emitTotal.WithLabelValues(string(t)).Inc()
	default:
		dropped.Inc()
		n.logger.Warn("webhook queue full, dropping event", "deal_id", dealID, "event", t)
	}
}

// Start delivers queued events in the background until ctx is cancelled
// or Close is called, then drains what is already queued.
func (n *Notifier) Start(ctx context.Context) {
	if n.started.Swap(true) {
		return
	}
	go n.run(ctx)
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case ev, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(ctx, ev)
		case <-ctx.Done():
			n.drain()
			return
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(ctx, ev)
		default:
			return
		}
	}
}

// Close stops accepting events and, if Start was called, waits for it to
// deliver what is queued.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	if n.started.Load() {
		<-n.done
	}
}

func (n *Notifier) deliver(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("webhook marshal failed", "event", ev.Type, "error", err)
		return
	}
	for _, ep := range n.cfg.Endpoints {
		if !ep.wants(ev.Type) {
			continue
		}
		err := n.cfg.Policy.Do(ctx, func(ctx context.Context) error {
			return n.send(ctx, ep, ev, payload)
		})
		if err != nil {
			deliveries.WithLabelValues("failed").Inc()
			n.logger.Warn("webhook delivery failed",
				"deal_id", ev.DealID, "event", ev.Type, "url", ep.URL, "error", err)
			continue
		}
		deliveries.WithLabelValues("ok").Inc()
	}
}

func (n *Notifier) send(ctx context.Context, ep Endpoint, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return retry.ClassifyStatus(resp.StatusCode, string(body))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
