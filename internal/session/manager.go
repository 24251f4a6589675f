package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/scheduler"
)

// ErrTooManySessions is returned by Open when the session cap is reached.
var ErrTooManySessions = errors.New("session: too many open sessions")

// Manager opens and closes sessions by deal id. Sessions nobody has used
// for Config.IdleTimeout are closed by a background sweep.
type Manager struct {
	store      deal.Store
	reconciler Reconciler
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	stateOpts  []dealstate.Option
	now        func() time.Time
	keepAlive  func(dealID string) bool
	reaper     *scheduler.Task

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*Session
	closed   bool
	sinks    []func(dealstate.Snapshot)
	onClose  []func(dealID string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStateOptions passes options to every new dealstate.State.
func WithStateOptions(opts ...dealstate.Option) ManagerOption {
	return func(m *Manager) { m.stateOpts = append(m.stateOpts, opts...) }
}

// WithKeepAlive exempts deals for which fn reports true from idle eviction,
// e.g. deals a realtime client is watching.
func WithKeepAlive(fn func(dealID string) bool) ManagerOption {
	return func(m *Manager) { m.keepAlive = fn }
}

// WithClock overrides time.Now for idle tracking.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager and starts its idle sweep. Sessions live until
// they idle out, Close or Shutdown, independent of the context of the
// request that opened them.
func NewManager(store deal.Store, rec Reconciler, disp Dispatcher, cfg Config, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.AllowanceMaxAge <= 0 {
		cfg.AllowanceMaxAge = def.AllowanceMaxAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      store,
		reconciler: rec,
		dispatcher: disp,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}

	sweep := min(cfg.IdleTimeout/4, time.Minute)
	if sweep <= 0 {
		sweep = cfg.IdleTimeout
	}
	m.reaper = scheduler.NewTask("evict", sweep, func(context.Context) { m.EvictIdle() }, logger)
	m.reaper.Start(ctx)
	return m
}

// Subscribe registers fn to receive every snapshot change of every session.
func (m *Manager) Subscribe(fn func(dealstate.Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, fn)
}

// OnClose registers fn to run after a session is closed or evicted.
func (m *Manager) OnClose(fn func(dealID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// Open returns the session for dealID, starting one if needed.
func (m *Manager) Open(dealID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[dealID]; ok {
		m.mu.Unlock()
		<-s.Ready()
		s.touch()
		return s, nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		sessionsRefused.Inc()
		return nil, ErrTooManySessions
	}
	s := newSession(dealID, m.store, m.reconciler, m.dispatcher, m.cfg, m.logger, m.publish, m.stateOpts...)
	s.now = m.now
	s.touch()
	m.sessions[dealID] = s
	m.mu.Unlock()

	s.start(m.ctx)
	sessionsOpen.Inc()
	sessionsOpened.Inc()
	m.logger.Info("session opened", "deal_id", dealID)
	return s, nil
}

// Get returns an open session once its initial fetch has completed.
func (m *Manager) Get(dealID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[dealID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	<-s.Ready()
	s.touch()
	return s, nil
}

// Close stops the session for dealID.
func (m *Manager) Close(dealID string) error {
	m.mu.Lock()
	s, ok := m.sessions[dealID]
	delete(m.sessions, dealID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.stop(s, "closed")
	return nil
}

// EvictIdle closes sessions unused for longer than the idle timeout and
// returns their deal ids.
func (m *Manager) EvictIdle() []string {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	var evicted []*Session
	for _, s := range idle {
		if m.keepAlive != nil && m.keepAlive(s.DealID()) {
			s.touch()
			continue
		}
		m.mu.Lock()
		// A request may have used it since the scan.
		if cur, ok := m.sessions[s.DealID()]; ok && cur == s && s.LastUsed().Before(cutoff) {
			delete(m.sessions, s.DealID())
			evicted = append(evicted, s)
		}
		m.mu.Unlock()
	}

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		m.stop(s, "idle")
		sessionsEvicted.Inc()
		ids = append(ids, s.DealID())
	}
	sort.Strings(ids)
	return ids
}

// DealIDs lists open sessions in sorted order.
func (m *Manager) DealIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		open = append(open, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.reaper.Stop()
	m.reaper.Wait()
	m.cancel()
	for _, s := range open {
		s.Close()
		sessionsOpen.Dec()
	}
}

func (m *Manager) stop(s *Session, reason string) {
	s.Close()
	sessionsOpen.Dec()
	m.logger.Info("session closed", "deal_id", s.DealID(), "reason", reason)

	m.mu.Lock()
	hooks := append([]func(string){}, m.onClose...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(s.DealID())
	}
}

func (m *Manager) publish(snap dealstate.Snapshot) {
	m.mu.Lock()
	sinks := append([]func(dealstate.Snapshot){}, m.sinks...)
	m.mu.Unlock()
	for _, fn := range sinks {
		fn(snap)
	}
}
