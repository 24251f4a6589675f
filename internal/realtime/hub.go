// Package realtime streams deal state to WebSocket clients.
//
// Instead of polling GET /v1/deals/:dealId, a UI connects to /v1/ws, sends
// {"op":"subscribe","dealIds":["..."]} and receives a deal.snapshot event
// whenever one of those sessions changes. The latest snapshot of every open
// session is replayed on subscribe so a client never starts blind.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/metrics"
)

// EventType names an outbound frame.
type EventType string

const (
	EventDealSnapshot EventType = "deal.snapshot"
	EventSessionOpen  EventType = "deal.session_opened"
	EventSessionClose EventType = "deal.session_closed"
	EventError        EventType = "error"
)

// Event is one outbound frame.
type Event struct {
	Type      EventType `json:"type"`
	DealID    string    `json:"dealId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Command is one inbound frame. An empty DealIDs on subscribe means every deal.
type Command struct {
	Op      string   `json:"op"` // "subscribe" or "unsubscribe"
	DealIDs []string `json:"dealIds"`
}

const (
	DefaultMaxClients = 10000
	sendBuffer        = 64
	readLimit         = 16 * 1024
	pongWait          = 60 * time.Second
	pingEvery         = pongWait / 2
	writeWait         = 10 * time.Second
)

var (
	ErrHubClosed  = errors.New("realtime: hub closed")
	ErrHubFull    = errors.New("realtime: too many clients")
	errUnknownOp  = errors.New("unknown op")
	errBadCommand = errors.New("malformed command")
)

// Option configures a Hub.
type Option func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithAllowedOrigins restricts browser upgrades to the given origins. "*"
// allows any. Same-host origins and clients without an Origin header are
// always accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.origins = make(map[string]bool, len(origins))
		for _, o := range origins {
			h.origins[strings.TrimRight(o, "/")] = true
		}
	}
}

// subscriber is a connected client. Its topic set is guarded by Hub.mu.
type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	all   bool
	deals map[string]struct{}
}

// Hub fans deal events out to subscribers.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int
	origins    map[string]bool

	mu      sync.Mutex
	closed  bool
	clients map[*subscriber]struct{}
	byDeal  map[string]map[*subscriber]struct{}
	latest  map[string]dealstate.Snapshot

	published atomic.Int64
	dropped   atomic.Int64
	accepted  atomic.Int64
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		clients:    make(map[*subscriber]struct{}),
		byDeal:     make(map[string]map[*subscriber]struct{}),
		latest:     make(map[string]dealstate.Snapshot),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return h.origins["*"] || h.origins[origin]
}

// Run blocks until ctx ends, then disconnects every client and refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for sub := range h.clients {
		h.dropLocked(sub)
	}
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// ---------------------------------------------------------------------------
// Publishing
// ---------------------------------------------------------------------------

// PublishSnapshot records snap as the deal's latest state and sends it to
// the deal's subscribers. Its signature matches session.Manager.Subscribe.
func (h *Hub) PublishSnapshot(snap dealstate.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest[snap.DealID] = snap
	h.fanoutLocked(snap.DealID, encode(Event{
		Type:      EventDealSnapshot,
		DealID:    snap.DealID,
		Timestamp: time.Now().UTC(),
		Data:      snap,
	}))
}

// PublishSession announces a session being opened or closed. Closing also
// forgets the deal's cached snapshot.
func (h *Hub) PublishSession(dealID string, open bool) {
	typ := EventSessionOpen
	if !open {
		typ = EventSessionClose
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if !open {
		delete(h.latest, dealID)
	}
	h.fanoutLocked(dealID, encode(Event{Type: typ, DealID: dealID, Timestamp: time.Now().UTC()}))
}

func (h *Hub) fanoutLocked(dealID string, frame []byte) {
	h.published.Add(1)
	for sub := range h.clients {
		if sub.all {
			h.deliverLocked(sub, frame)
		}
	}
	for sub := range h.byDeal[dealID] {
		if !sub.all {
			h.deliverLocked(sub, frame)
		}
	}
}

// deliverLocked never blocks: a subscriber whose buffer is full is cut off
// and has to reconnect, which replays current state.
func (h *Hub) deliverLocked(sub *subscriber, frame []byte) {
	select {
	case sub.send <- frame:
	default:
		h.dropped.Add(1)
		h.logger.Warn("websocket client too slow, disconnecting")
		h.dropLocked(sub)
	}
}

func encode(ev Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		b, _ = json.Marshal(Event{Type: EventError, DealID: ev.DealID, Timestamp: ev.Timestamp, Data: err.Error()})
	}
	return b
}

// ---------------------------------------------------------------------------
// Subscriber registry
// ---------------------------------------------------------------------------

func (h *Hub) add(sub *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if len(h.clients) >= h.maxClients {
		return ErrHubFull
	}
	h.clients[sub] = struct{}{}
	h.accepted.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	return nil
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	h.dropLocked(sub)
	h.mu.Unlock()
}

// dropLocked unregisters sub and closes its send channel exactly once.
func (h *Hub) dropLocked(sub *subscriber) {
	if _, ok := h.clients[sub]; !ok {
		return
	}
	delete(h.clients, sub)
	for id := range sub.deals {
		h.unindexLocked(sub, id)
	}
	close(sub.send)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) unindexLocked(sub *subscriber, dealID string) {
	set := h.byDeal[dealID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.byDeal, dealID)
	}
}

// apply executes a client command and replays the cached snapshots the
// subscription now covers.
func (h *Hub) apply(sub *subscriber, cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub]; !ok {
		return ErrHubClosed
	}

	switch cmd.Op {
	case "subscribe":
		var replay []string
		if len(cmd.DealIDs) == 0 {
			sub.all = true
			for id := range h.latest {
				replay = append(replay, id)
			}
		}
		for _, id := range cmd.DealIDs {
			if id == "" {
				continue
			}
			if _, ok := sub.deals[id]; !ok {
				sub.deals[id] = struct{}{}
				if h.byDeal[id] == nil {
					h.byDeal[id] = make(map[*subscriber]struct{})
				}
				h.byDeal[id][sub] = struct{}{}
			}
			replay = append(replay, id)
		}
		for _, id := range replay {
			if snap, ok := h.latest[id]; ok {
				h.deliverLocked(sub, encode(Event{Type: EventDealSnapshot, DealID: id, Timestamp: time.Now().UTC(), Data: snap}))
			}
		}
	case "unsubscribe":
		if len(cmd.DealIDs) == 0 {
			sub.all = false
		}
		for _, id := range cmd.DealIDs {
			delete(sub.deals, id)
			h.unindexLocked(sub, id)
		}
	default:
		return errUnknownOp
	}
	return nil
}

// Watching reports whether any client subscribed to dealID by id.
func (h *Hub) Watching(dealID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byDeal[dealID]) > 0
}

// Stats reports connection and traffic counters.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"connectedClients": len(h.clients),
		"watchedDeals":     len(h.byDeal),
		"cachedSnapshots":  len(h.latest),
		"publishedEvents":  h.published.Load(),
		"droppedClients":   h.dropped.Load(),
		"acceptedClients":  h.accepted.Load(),
	}
}

// ---------------------------------------------------------------------------
// Connection handling
// ---------------------------------------------------------------------------

// HandleWebSocket upgrades the request and serves the client until it leaves.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	refuse := h.closed || len(h.clients) >= h.maxClients
	h.mu.Unlock()
	if refuse {
		http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		deals: make(map[string]struct{}),
	}
	if err := h.add(sub); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.remove(sub)
		_ = sub.conn.Close()
	}()

	sub.conn.SetReadLimit(readLimit)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			h.replyError(sub, errBadCommand)
			continue
		}
		if err := h.apply(sub, cmd); err != nil {
			if errors.Is(err, ErrHubClosed) {
				return
			}
			h.replyError(sub, err)
		}
	}
}

func (h *Hub) replyError(sub *subscriber, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sub]; ok {
		h.deliverLocked(sub, encode(Event{Type: EventError, Timestamp: time.Now().UTC(), Data: err.Error()}))
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
