package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
)

func testHub(opts ...Option) *Hub {
	return NewHub(slog.Default(), opts...)
}

// attach registers an in-process subscriber with no socket behind it.
func attach(t *testing.T, h *Hub, buffer int) *subscriber {
	t.Helper()
	sub := &subscriber{send: make(chan []byte, buffer), deals: make(map[string]struct{})}
	require.NoError(t, h.add(sub))
	return sub
}

func next(t *testing.T, sub *subscriber) Event {
	t.Helper()
	select {
	case frame, ok := <-sub.send:
		require.True(t, ok, "send channel closed")
		var ev Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertIdle(t *testing.T, sub *subscriber) {
	t.Helper()
	select {
	case frame := <-sub.send:
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

func funded(id string) dealstate.Snapshot {
	return dealstate.Snapshot{
		DealID: id,
		Loaded: true,
		Record: &deal.Record{DealID: id, Amount: "5", Status: deal.StatusFunded},
	}
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func TestHub_DealSubscription(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 8)
	require.NoError(t, h.apply(sub, Command{Op: "subscribe", DealIDs: []string{"deal-2"}}))

	h.PublishSnapshot(funded("deal-1"))
	assertIdle(t, sub)

	h.PublishSnapshot(funded("deal-2"))
	ev := next(t, sub)
	assert.Equal(t, EventDealSnapshot, ev.Type)
	assert.Equal(t, "deal-2", ev.DealID)
}

func TestHub_WildcardSubscription(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 8)
	require.NoError(t, h.apply(sub, Command{Op: "subscribe"}))

	h.PublishSession("deal-1", true)
	h.PublishSnapshot(funded("deal-9"))

	assert.Equal(t, EventSessionOpen, next(t, sub).Type)
	assert.Equal(t, "deal-9", next(t, sub).DealID)
}

func TestHub_NoSubscriptionReceivesNothing(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 8)

	h.PublishSnapshot(funded("deal-1"))
	assertIdle(t, sub)
}

func TestHub_WildcardAndDealDeliverOnce(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 8)
	require.NoError(t, h.apply(sub, Command{Op: "subscribe", DealIDs: []string{"deal-1"}}))
	require.NoError(t, h.apply(sub, Command{Op: "subscribe"}))

	h.PublishSnapshot(funded("deal-1"))
	assert.Equal(t, "deal-1", next(t, sub).DealID)
	assertIdle(t, sub)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 8)
	require.NoError(t, h.apply(sub, Command{Op: "subscribe", DealIDs: []string{"deal-1", "deal-2"}}))
	require.NoError(t, h.apply(sub, Command{Op: "unsubscribe", DealIDs: []string{"deal-1"}}))

	h.PublishSnapshot(funded("deal-1"))
	assertIdle(t, sub)
	h.PublishSnapshot(funded("deal-2"))
	assert.Equal(t, "deal-2", next(t, sub).DealID)

	assert.Equal(t, 1, h.Stats()["watchedDeals"])
	assert.False(t, h.Watching("deal-1"))
	assert.True(t, h.Watching("deal-2"))
}

func TestHub_UnknownOp(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 8)
	assert.ErrorIs(t, h.apply(sub, Command{Op: "shout"}), errUnknownOp)
}

// ---------------------------------------------------------------------------
// Snapshot replay
// ---------------------------------------------------------------------------

func TestHub_ReplaysLatestOnSubscribe(t *testing.T) {
	h := testHub()
	h.PublishSnapshot(dealstate.Snapshot{DealID: "deal-1", Version: 1})
	h.PublishSnapshot(dealstate.Snapshot{DealID: "deal-1", Version: 2})

	sub := attach(t, h, 8)
	require.NoError(t, h.apply(sub, Command{Op: "subscribe", DealIDs: []string{"deal-1", "deal-unknown"}}))

	ev := next(t, sub)
	assert.Equal(t, "deal-1", ev.DealID)
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, data["version"])
	assertIdle(t, sub)
}

func TestHub_SessionCloseForgetsSnapshot(t *testing.T) {
	h := testHub()
	h.PublishSnapshot(funded("deal-1"))
	assert.Equal(t, 1, h.Stats()["cachedSnapshots"])

	h.PublishSession("deal-1", false)
	assert.Equal(t, 0, h.Stats()["cachedSnapshots"])

	sub := attach(t, h, 8)
	require.NoError(t, h.apply(sub, Command{Op: "subscribe", DealIDs: []string{"deal-1"}}))
	assertIdle(t, sub)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub()
	slow := attach(t, h, 0) // unbuffered and never drained
	require.NoError(t, h.apply(slow, Command{Op: "subscribe"}))

	h.PublishSession("deal-1", true)

	stats := h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["droppedClients"])
	_, ok := <-slow.send
	assert.False(t, ok, "send channel should be closed")
}

func TestHub_MaxClients(t *testing.T) {
	h := testHub(WithMaxClients(1))
	attach(t, h, 1)
	assert.ErrorIs(t, h.add(&subscriber{send: make(chan []byte), deals: map[string]struct{}{}}), ErrHubFull)
}

func TestHub_RunClosesClients(t *testing.T) {
	h := testHub()
	sub := attach(t, h, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	_, ok := <-sub.send
	assert.False(t, ok)
	assert.ErrorIs(t, h.add(&subscriber{send: make(chan []byte), deals: map[string]struct{}{}}), ErrHubClosed)

	// Publishing after shutdown is a no-op.
	h.PublishSnapshot(funded("deal-1"))
	assert.Equal(t, 0, h.Stats()["cachedSnapshots"])
}

// ---------------------------------------------------------------------------
// Origin check
// ---------------------------------------------------------------------------

func TestHub_CheckOrigin(t *testing.T) {
	h := testHub(WithAllowedOrigins([]string{"https://app.example.com/"}))

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same host", "http://api.local", true},
		{"allowed", "https://app.example.com", true},
		{"foreign", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://api.local/v1/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, h.checkOrigin(r))
		})
	}

	assert.True(t, testHub(WithAllowedOrigins([]string{"*"})).checkOrigin(func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.local/v1/ws", nil)
		r.Header.Set("Origin", "https://anywhere.example")
		return r
	}()))
}

// ---------------------------------------------------------------------------
// End to end over a real socket
// ---------------------------------------------------------------------------

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	h.PublishSnapshot(funded("deal-1"))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteJSON(Command{Op: "subscribe", DealIDs: []string{"deal-1"}}))

	var replayed Event
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, EventDealSnapshot, replayed.Type)
	assert.Equal(t, "deal-1", replayed.DealID)

	h.PublishSession("deal-1", false)
	var closed Event
	require.NoError(t, conn.ReadJSON(&closed))
	assert.Equal(t, EventSessionClose, closed.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var bad Event
	require.NoError(t, conn.ReadJSON(&bad))
	assert.Equal(t, EventError, bad.Type)
	assert.Equal(t, errBadCommand.Error(), bad.Data)
}

func TestHub_RefusesWhenClosed(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
