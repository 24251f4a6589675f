// Package session keeps one deal live: it refreshes the stored record,
// reconciles it against chain on a status-dependent cadence, and routes
// viewer actions to the dispatcher.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/dispatch"
	"github.com/mbd888/escrowsync/internal/identity"
	"github.com/mbd888/escrowsync/internal/reconcile"
	"github.com/mbd888/escrowsync/internal/scheduler"
)

var (
	ErrSessionNotFound = errors.New("session: no open session for deal")
	ErrClosed          = errors.New("session: manager closed")
)

// Reconciler runs reconciliation passes. Satisfied by *reconcile.Reconciler.
type Reconciler interface {
	Run(ctx context.Context, st *dealstate.State, signers []identity.Signer) reconcile.Result
}

// Dispatcher starts actions. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, st *dealstate.State, req dispatch.Request) (*dispatch.Result, error)
	ViewFor(snap dealstate.Snapshot, viewer identity.Viewer) dispatch.View
	RefreshAllowance(ctx context.Context, st *dealstate.State, viewer identity.Viewer) dealstate.Snapshot
}

// Config controls session timing.
type Config struct {
	RefreshInterval time.Duration
	ActiveInterval  time.Duration // created and funded
	IdleInterval    time.Duration
	PendingTimeout  time.Duration
	FetchTimeout    time.Duration
	IdleTimeout     time.Duration // close a session nobody used for this long
	MaxSessions     int
	AllowanceMaxAge time.Duration // reuse a viewer's allowance reading this long
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 5 * time.Second,
		ActiveInterval:  4 * time.Second,
		IdleInterval:    15 * time.Second,
		PendingTimeout:  10 * time.Minute,
		FetchTimeout:    10 * time.Second,
		IdleTimeout:     15 * time.Minute,
		MaxSessions:     1000,
		AllowanceMaxAge: 5 * time.Second,
	}
}

// ReconcileInterval picks the reconcile cadence for status.
func (c Config) ReconcileInterval(status deal.Status) time.Duration {
	if status == deal.StatusCreated || status == deal.StatusFunded {
		return c.ActiveInterval
	}
	return c.IdleInterval
}

// View is a snapshot of the deal as one viewer sees it.
type View struct {
	dealstate.Snapshot
	Roles        identity.Roles    `json:"roles"`
	Role         identity.Role     `json:"role"`
	LegalActions []dispatch.Action `json:"legalActions"`
}

// Session owns the live state of one deal.
type Session struct {
	state      *dealstate.State
	store      deal.Store
	reconciler Reconciler
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger

	refreshTask   *scheduler.Task
	reconcileTask *scheduler.Task

	mu      sync.Mutex
	viewer  identity.Viewer
	onEvent func(dealstate.Snapshot)

	now      func() time.Time
	lastUsed atomic.Int64

	changed chan struct{}
	started chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSession(dealID string, store deal.Store, rec Reconciler, disp Dispatcher, cfg Config, logger *slog.Logger, onEvent func(dealstate.Snapshot), opts ...dealstate.Option) *Session {
	s := &Session{
		state:      dealstate.New(dealID, opts...),
		store:      store,
		reconciler: rec,
		dispatcher: disp,
		cfg:        cfg,
		logger:     logger.With("deal_id", dealID),
		onEvent:    onEvent,
		now:        time.Now,
		changed:    make(chan struct{}, 1),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.refreshTask = scheduler.NewTask("refresh", cfg.RefreshInterval, s.refresh, s.logger)
	s.reconcileTask = scheduler.NewTask("reconcile", cfg.IdleInterval, s.reconcileTick, s.logger)
	s.state.Listen(func(dealstate.Snapshot) {
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastUsed.Store(s.now().UnixNano())
}

// LastUsed is when a viewer last looked at or acted on the deal.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// DealID returns the deal this session tracks.
func (s *Session) DealID() string { return s.state.DealID() }

// State exposes the underlying container.
func (s *Session) State() *dealstate.State { return s.state }

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() dealstate.Snapshot { return s.state.Snapshot() }

// start fetches the record, then starts both tasks and an immediate pass.
func (s *Session) start(ctx context.Context) {
	defer close(s.started)
	ctx, s.cancel = context.WithCancel(ctx)
	s.refresh(ctx)

	s.reconcileTask.Restart(s.cfg.ReconcileInterval(s.currentStatus()))
	s.refreshTask.Start(ctx)
	s.reconcileTask.Start(ctx)
	s.reconcileTask.Trigger()

	go s.watch(ctx)
}

// Ready is closed once the initial fetch has completed and the tasks run.
func (s *Session) Ready() <-chan struct{} { return s.started }

// Close cancels both tasks and waits for in-flight runs.
func (s *Session) Close() {
	<-s.started
	s.cancel()
	s.refreshTask.Stop()
	s.reconcileTask.Stop()
	s.refreshTask.Wait()
	s.reconcileTask.Wait()
	<-s.done
}

// SetViewer records whose allowances the reconciler should track.
func (s *Session) SetViewer(v identity.Viewer) {
	s.mu.Lock()
	s.viewer = v
	s.mu.Unlock()
}

// Viewer returns the tracked viewer.
func (s *Session) Viewer() identity.Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

// ViewFor renders the deal for v without changing the tracked viewer. The
// allowance shown is v's own, read first when the deal awaits funding and v
// has no recent reading.
func (s *Session) ViewFor(ctx context.Context, v identity.Viewer) View {
	s.touch()
	s.refreshAllowanceFor(ctx, v)

	snap := s.state.Snapshot()
	view := s.dispatcher.ViewFor(snap, v)
	snap.Allowance = snap.AllowanceFor(v.Signers())
	return View{
		Snapshot:     snap,
		Roles:        view.Roles,
		Role:         view.Role,
		LegalActions: dispatch.LegalActions(view),
	}
}

// Dispatch starts an action on behalf of req.Viewer.
func (s *Session) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	s.touch()
	s.SetViewer(req.Viewer)
	return s.dispatcher.Dispatch(ctx, s.state, req)
}

// ReconcileNow runs one pass synchronously.
func (s *Session) ReconcileNow(ctx context.Context) reconcile.Result {
	return s.reconciler.Run(ctx, s.state, s.Viewer().Signers())
}

func (s *Session) refresh(ctx context.Context) {
	defer s.state.Sweep(s.cfg.PendingTimeout)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	rec, err := s.store.Fetch(fetchCtx, s.DealID())
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		s.state.MarkNotFound()
	case err != nil:
		if ctx.Err() == nil {
			s.logger.Warn("deal refresh failed", "error", err)
		}
	default:
		s.state.ApplyFetched(rec)
	}
}

func (s *Session) refreshAllowanceFor(ctx context.Context, v identity.Viewer) {
	signers := v.Signers()
	rec := s.state.Record()
	if len(signers) == 0 || rec == nil || rec.Status != deal.StatusCreated || rec.EscrowAddress == "" {
		return
	}
	if s.state.AllowanceFresh(signers, s.cfg.AllowanceMaxAge) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	s.dispatcher.RefreshAllowance(ctx, s.state, v)
}

func (s *Session) reconcileTick(ctx context.Context) {
	if s.state.Record() == nil {
		return
	}
	res := s.reconciler.Run(ctx, s.state, s.Viewer().Signers())
	if err := res.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("reconcile pass incomplete", "error", err)
	}
}

// watch restarts the reconcile task when the cadence bucket changes and
// forwards snapshots to the event sink.
func (s *Session) watch(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changed:
		}
		snap := s.state.Snapshot()
		want := s.cfg.ReconcileInterval(statusOf(snap))
		if want != s.reconcileTask.Interval() {
			s.logger.Debug("reconcile cadence changed", "interval", want)
			s.reconcileTask.Restart(want)
		}
		if s.onEvent != nil {
			s.onEvent(snap)
		}
	}
}

func (s *Session) currentStatus() deal.Status {
	if rec := s.state.Record(); rec != nil {
		return rec.Status
	}
	return ""
}

func statusOf(snap dealstate.Snapshot) deal.Status {
	if snap.Record == nil {
		return ""
	}
	return snap.Record.Status
}
