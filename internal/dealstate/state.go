// Package dealstate holds everything known about one deal in a single
// owned container. Writers go through whole-tuple methods; readers get deep
// copies and never touch the live state.
package dealstate

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/allowance"
	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/identity"
	"github.com/mbd888/escrowsync/internal/idgen"
)

// maxAllowances bounds how many signer sets keep an allowance snapshot.
const maxAllowances = 16

var (
	ErrBusy           = errors.New("dealstate: a direct action is already in flight")
	ErrEscrowConflict = errors.New("dealstate: escrow address already adopted")
	ErrNotLoaded      = errors.New("dealstate: deal record not loaded")
)

// Mode is how an action is executed.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeDelegated Mode = "delegated"
)

// Outcome of a pending action.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// PendingAction marks an action that has been initiated but whose effect
// has not yet been observed on chain.
type PendingAction struct {
	ID             string      `json:"id"`
	Action         string      `json:"action"`
	Mode           Mode        `json:"mode"`
	StartedAt      time.Time   `json:"startedAt"`
	BaselineStatus deal.Status `json:"baselineStatus"`
	TxHash         string      `json:"txHash,omitempty"`
	Outcome        Outcome     `json:"outcome"`
	ExpiresAt      time.Time   `json:"expiresAt,omitzero"`
}

// InFlight reports whether the action still blocks new direct dispatches.
func (p *PendingAction) InFlight() bool {
	return p != nil && p.Mode == ModeDirect && p.Outcome == OutcomePending
}

// Level of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a transient user-facing message.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Snapshot is a deep, JSON-serialisable copy of the state.
type Snapshot struct {
	DealID        string                         `json:"dealId"`
	Loaded        bool                           `json:"loaded"`
	NotFound      bool                           `json:"notFound"`
	Record        *deal.Record                   `json:"record,omitempty"`
	Replicated    *deal.Tuple                    `json:"replicated,omitempty"`
	Chain         *chain.Snapshot                `json:"chain,omitempty"`
	ChainObserved bool                           `json:"chainObserved"`
	Winner        string                         `json:"winner,omitempty"`
	Allowance     *allowance.Snapshot            `json:"allowance,omitempty"`
	Allowances    map[string]*allowance.Snapshot `json:"-"`
	Pending       *PendingAction                 `json:"pending,omitempty"`
	Notifications []Notification                 `json:"notifications"`
	Version       uint64                         `json:"version"`
}

// Arbiter returns the on-chain arbiter, or "" before the escrow is read.
func (s Snapshot) Arbiter() string {
	if s.Chain == nil {
		return ""
	}
	return s.Chain.Arbiter.Hex()
}

// AllowanceFor returns the allowance last read for signers, or nil when
// those signers were never checked.
func (s Snapshot) AllowanceFor(signers []identity.Signer) *allowance.Snapshot {
	return s.Allowances[identity.SignerKey(signers)]
}

// Listener observes state changes. It runs after the lock is released.
type Listener func(Snapshot)

// Option configures a State.
type Option func(*State)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// State is the single owner of a deal's in-memory view.
type State struct {
	mu sync.Mutex

	dealID        string
	notFound      bool
	record        *deal.Record
	replicated    *deal.Tuple
	chainSnap     *chain.Snapshot
	chainObserved bool
	winner        string
	allowances    map[string]allowanceEntry
	lastAllowance string
	pending       *PendingAction
	notes         []Notification
	version       uint64

	listeners []Listener
	now       func() time.Time
}

type allowanceEntry struct {
	snap      *allowance.Snapshot
	checkedAt time.Time
}

// New creates an empty state for dealID.
func New(dealID string, opts ...Option) *State {
	s := &State{dealID: dealID, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DealID returns the deal this state belongs to.
func (s *State) DealID() string { return s.dealID }

// Listen registers fn to be called after every change.
func (s *State) Listen(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Record returns a copy of the in-memory record, or nil before the first fetch.
func (s *State) Record() *deal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Replicated returns the tuple the store is believed to hold.
func (s *State) Replicated() (deal.Tuple, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replicated == nil {
		return deal.Tuple{}, false
	}
	return *s.replicated, true
}

// Winner returns the recorded dispute winner.
func (s *State) Winner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winner
}

// Pending returns a copy of the pending action, if any.
func (s *State) Pending() *PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePending(s.pending)
}

// -----------------------------------------------------------------------------
// Record and chain mutations
// -----------------------------------------------------------------------------

// ApplyFetched merges a record read from the store. Unknown local fields are
// filled and the replicated tuple is updated, but an on-chain observed status
// and an adopted escrow address are never overridden. Once an escrow is
// known the fetched status may raise the local one but never lower it.
func (s *State) ApplyFetched(rec *deal.Record) {
	if rec == nil {
		return
	}
	s.mutate(func() bool {
		fetched := rec.Clone()
		tuple := fetched.Tuple()
		s.replicated = &tuple
		s.notFound = false

		if s.record == nil {
			s.record = fetched
			return true
		}

		before := *s.record
		cur := s.record
		cur.SellerAddress = fetched.SellerAddress
		cur.SellerUserID = fetched.SellerUserID
		cur.BuyerAddress = fetched.BuyerAddress
		cur.BuyerUserID = fetched.BuyerUserID
		cur.Amount = fetched.Amount
		cur.Token = fetched.Token
		cur.Deadline = fetched.Deadline
		cur.ChannelID = fetched.ChannelID
		if cur.EscrowAddress == "" {
			cur.EscrowAddress = fetched.EscrowAddress
		}
		// A locally adopted escrow already implies created; the store may
		// still hold the row written before adoption.
		stale := cur.EscrowAddress != "" && fetched.Status.Rank() < cur.Status.Rank()
		if !s.chainObserved && !stale {
			s.applyStatusLocked(fetched.Status)
		}
		return before != *cur
	})
}

// MarkNotFound records that the store has no such deal.
func (s *State) MarkNotFound() {
	s.mutate(func() bool {
		if s.notFound {
			return false
		}
		s.notFound = true
		return true
	})
}

// AdoptEscrow sets the escrow address once. A different address than the one
// already adopted is refused. The local status is raised to created when it
// ranks below it.
func (s *State) AdoptEscrow(addr string) (changed bool, err error) {
	s.mutate(func() bool {
		if s.record == nil {
			err = ErrNotLoaded
			return false
		}
		if s.record.EscrowAddress != "" {
			if !strings.EqualFold(s.record.EscrowAddress, addr) {
				err = ErrEscrowConflict
			}
			return false
		}
		s.record.EscrowAddress = addr
		if s.record.Status.Rank() < deal.StatusCreated.Rank() {
			s.applyStatusLocked(deal.StatusCreated)
		}
		changed = true
		return true
	})
	return changed, err
}

// ApplyChain stores a fresh escrow snapshot and overwrites the in-memory
// status with the mapped on-chain status. It returns the previous status.
func (s *State) ApplyChain(snap *chain.Snapshot, status deal.Status) (previous deal.Status, err error) {
	s.mutate(func() bool {
		if s.record == nil {
			err = ErrNotLoaded
			return false
		}
		previous = s.record.Status
		changed := !sameSnapshot(s.chainSnap, snap) || !s.chainObserved || previous != status
		s.chainSnap = cloneChain(snap)
		s.chainObserved = true
		s.applyStatusLocked(status)
		return changed
	})
	return previous, err
}

// BeginWrite records tuple as replicated ahead of a store write. It returns
// the previous replicated tuple for RollbackWrite, and false when the store
// already holds tuple.
func (s *State) BeginWrite(tuple deal.Tuple) (prev *deal.Tuple, needed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replicated != nil && s.replicated.Equal(tuple) {
		return nil, false
	}
	if s.replicated != nil {
		cp := *s.replicated
		prev = &cp
	}
	s.replicated = &tuple
	return prev, true
}

// RollbackWrite restores prev after a failed write, unless something newer
// has been recorded since.
func (s *State) RollbackWrite(tuple deal.Tuple, prev *deal.Tuple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replicated != nil && s.replicated.Equal(tuple) {
		s.replicated = prev
	}
}

// SetWinner records the dispute winner.
func (s *State) SetWinner(addr string) {
	s.mutate(func() bool {
		if s.winner == addr {
			return false
		}
		s.winner = addr
		return true
	})
}

// SetAllowance stores the allowance read for signers. Each signer set keeps
// its own snapshot; the oldest is dropped past a small bound.
func (s *State) SetAllowance(signers []identity.Signer, snap allowance.Snapshot) {
	key := identity.SignerKey(signers)
	now := s.now()
	s.mutate(func() bool {
		if s.allowances == nil {
			s.allowances = make(map[string]allowanceEntry)
		}
		prev, ok := s.allowances[key]
		changed := !ok || !sameAllowance(prev.snap, &snap) || s.lastAllowance != key
		s.allowances[key] = allowanceEntry{snap: snap.Clone(), checkedAt: now}
		s.lastAllowance = key
		s.trimAllowancesLocked()
		return changed
	})
}

// Allowance returns a copy of the most recently stored allowance snapshot.
func (s *State) Allowance() *allowance.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowances[s.lastAllowance].snap.Clone()
}

// AllowanceFor returns a copy of the allowance stored for signers.
func (s *State) AllowanceFor(signers []identity.Signer) *allowance.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowances[identity.SignerKey(signers)].snap.Clone()
}

// AllowanceFresh reports whether signers were checked within maxAge.
func (s *State) AllowanceFresh(signers []identity.Signer, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.allowances[identity.SignerKey(signers)]
	return ok && s.now().Sub(e.checkedAt) < maxAge
}

func (s *State) trimAllowancesLocked() {
	for len(s.allowances) > maxAllowances {
		var (
			oldest string
			at     time.Time
			found  bool
		)
		for k, e := range s.allowances {
			if k == s.lastAllowance {
				continue
			}
			if !found || e.checkedAt.Before(at) {
				oldest, at, found = k, e.checkedAt, true
			}
		}
		delete(s.allowances, oldest)
	}
}

// applyStatusLocked sets the status and clears a pending action whose
// baseline differs from it.
func (s *State) applyStatusLocked(status deal.Status) {
	s.record.Status = status
	if s.pending != nil && s.pending.BaselineStatus != status {
		s.pending = nil
	}
}

// -----------------------------------------------------------------------------
// Pending actions and notifications
// -----------------------------------------------------------------------------

// BeginAction installs a pending marker with the current status as baseline.
// It refuses while a direct action is in flight.
func (s *State) BeginAction(action string, mode Mode) (*PendingAction, error) {
	var (
		out *PendingAction
		err error
	)
	s.mutate(func() bool {
		if s.record == nil {
			err = ErrNotLoaded
			return false
		}
		if s.pending.InFlight() {
			err = ErrBusy
			return false
		}
		s.pending = &PendingAction{
			ID:             idgen.WithPrefix("act_"),
			Action:         action,
			Mode:           mode,
			StartedAt:      s.now(),
			BaselineStatus: s.record.Status,
			Outcome:        OutcomePending,
		}
		out = clonePending(s.pending)
		return true
	})
	return out, err
}

// SetTxHash attaches the submitted transaction to the pending action.
func (s *State) SetTxHash(id, txHash string) {
	s.updatePending(id, func(p *PendingAction) { p.TxHash = txHash })
}

// FailAction marks the pending action failed; it is cleared after ttl.
func (s *State) FailAction(id string, ttl time.Duration) {
	now := s.now()
	s.updatePending(id, func(p *PendingAction) {
		p.Outcome = OutcomeFailed
		p.ExpiresAt = now.Add(ttl)
	})
}

// ConfirmAction marks the pending action confirmed; it is cleared after ttl
// unless a status change clears it first.
func (s *State) ConfirmAction(id string, ttl time.Duration) {
	now := s.now()
	s.updatePending(id, func(p *PendingAction) {
		p.Outcome = OutcomeConfirmed
		p.ExpiresAt = now.Add(ttl)
	})
}

// ClearAction removes the pending action if it is still id.
func (s *State) ClearAction(id string) {
	s.mutate(func() bool {
		if s.pending == nil || s.pending.ID != id {
			return false
		}
		s.pending = nil
		return true
	})
}

func (s *State) updatePending(id string, fn func(*PendingAction)) {
	s.mutate(func() bool {
		if s.pending == nil || s.pending.ID != id {
			return false
		}
		fn(s.pending)
		return true
	})
}

// Notify appends a notification that expires after ttl.
func (s *State) Notify(level Level, message string, ttl time.Duration) {
	now := s.now()
	s.mutate(func() bool {
		s.notes = append(s.notes, Notification{
			ID:        idgen.WithPrefix("ntf_"),
			Level:     level,
			Message:   message,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
		return true
	})
}

// Sweep drops expired notifications and pending markers. A marker still
// pending after pendingTimeout is dropped as well.
func (s *State) Sweep(pendingTimeout time.Duration) {
	now := s.now()
	s.mutate(func() bool {
		changed := false
		kept := s.notes[:0]
		for _, n := range s.notes {
			if now.Before(n.ExpiresAt) {
				kept = append(kept, n)
				continue
			}
			changed = true
		}
		s.notes = kept

		if p := s.pending; p != nil {
			expired := !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
			stale := pendingTimeout > 0 && p.Outcome == OutcomePending && now.Sub(p.StartedAt) >= pendingTimeout
			if expired || stale {
				s.pending = nil
				changed = true
			}
		}
		return changed
	})
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// mutate runs fn under the lock and notifies listeners when fn reports a change.
func (s *State) mutate(fn func() bool) {
	s.mu.Lock()
	changed := fn()
	if !changed {
		s.mu.Unlock()
		return
	}
	s.version++
	listeners := s.listeners
	var snap Snapshot
	if len(listeners) > 0 {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		DealID:        s.dealID,
		Loaded:        s.record != nil,
		NotFound:      s.notFound,
		Record:        s.record.Clone(),
		Chain:         cloneChain(s.chainSnap),
		ChainObserved: s.chainObserved,
		Winner:        s.winner,
		Allowance:     s.allowances[s.lastAllowance].snap.Clone(),
		Pending:       clonePending(s.pending),
		Notifications: append([]Notification{}, s.notes...),
		Version:       s.version,
	}
	if s.replicated != nil {
		t := *s.replicated
		snap.Replicated = &t
	}
	if len(s.allowances) > 0 {
		snap.Allowances = make(map[string]*allowance.Snapshot, len(s.allowances))
		for k, e := range s.allowances {
			snap.Allowances[k] = e.snap.Clone()
		}
	}
	return snap
}

func clonePending(p *PendingAction) *PendingAction {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func cloneChain(c *chain.Snapshot) *chain.Snapshot {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Amount != nil {
		cp.Amount = new(big.Int).Set(c.Amount)
	}
	return &cp
}

func sameSnapshot(a, b *chain.Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	if (a.Amount == nil) != (b.Amount == nil) || (a.Amount != nil && a.Amount.Cmp(b.Amount) != 0) {
		return false
	}
	x, y := *a, *b
	x.Amount, y.Amount = nil, nil
	return x == y
}

func sameAllowance(a, b *allowance.Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Sufficient == b.Sufficient &&
		cmpInt(a.Direct, b.Direct) && cmpInt(a.Delegated, b.Delegated) &&
		cmpInt(a.Required, b.Required) && len(a.Errors) == len(b.Errors)
}

func cmpInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
