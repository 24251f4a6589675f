// Package reconcile brings a deal's in-memory view and its stored record in
// line with the escrow contract, which is always authoritative.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/escrowsync/internal/allowance"
	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/identity"
	"github.com/mbd888/escrowsync/internal/syncutil"
	"github.com/mbd888/escrowsync/internal/traces"
)

// ChainReader reads escrow state. Satisfied by *chain.Reader.
type ChainReader interface {
	DealInfo(ctx context.Context, escrow common.Address) (*chain.Snapshot, error)
	DisputeWinner(ctx context.Context, escrow common.Address) (common.Address, bool, error)
}

// EscrowLocator finds a deal's escrow. Satisfied by *locator.Locator.
type EscrowLocator interface {
	Locate(ctx context.Context, rec *deal.Record) (common.Address, bool)
}

// AllowanceChecker aggregates token allowances. Satisfied by *allowance.Aggregator.
type AllowanceChecker interface {
	Check(ctx context.Context, token, escrow common.Address, signers []identity.Signer, amount string, decimals int) allowance.Snapshot
}

// Config for a Reconciler.
type Config struct {
	Token          common.Address // Fallback when the escrow snapshot is not yet read
	TokenDecimals  int
	PersistTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TokenDecimals:  6,
		PersistTimeout: 15 * time.Second,
	}
}

// Result summarises one pass. A pass never fails as a whole; Errors lists
// the reads and writes that did.
type Result struct {
	Located       bool          `json:"located"`
	StatusChanged bool          `json:"statusChanged"`
	Status        deal.Status   `json:"status,omitempty"`
	Wrote         bool          `json:"wrote"`
	Errors        []error       `json:"-"`
	Duration      time.Duration `json:"duration"`
}

// Err joins the pass errors, or nil for a clean pass.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Reconciler runs reconciliation passes. Safe for concurrent use; passes
// over the same state may overlap.
type Reconciler struct {
	reader    ChainReader
	locator   EscrowLocator
	allowance AllowanceChecker
	store     deal.Store
	cfg       Config
	logger    *slog.Logger

	writeLock *syncutil.KeyLock
	wg        sync.WaitGroup
}

// New creates a Reconciler.
func New(reader ChainReader, loc EscrowLocator, agg AllowanceChecker, store deal.Store, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Reconciler{
		reader:    reader,
		locator:   loc,
		allowance: agg,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		writeLock: syncutil.NewKeyLock(),
	}
}

// Wait blocks until background persists have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Run performs one pass over st. signers are the viewer identities whose
// allowance is refreshed while the deal awaits funding.
func (r *Reconciler) Run(ctx context.Context, st *dealstate.State, signers []identity.Signer) Result {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "reconcile.pass", traces.DealID(st.DealID()))
	defer span.End()

	res := r.run(ctx, st, signers)
	res.Duration = time.Since(start)

	passDuration.Observe(res.Duration.Seconds())
	if res.Status != "" {
		span.SetAttributes(traces.Status(string(res.Status)))
	}
	if rec := st.Record(); rec != nil && rec.EscrowAddress != "" {
		span.SetAttributes(traces.EscrowAddr(rec.EscrowAddress))
	}
	if len(res.Errors) > 0 {
		passesTotal.WithLabelValues("partial").Inc()
		span.SetStatus(codes.Error, res.Err().Error())
	} else {
		passesTotal.WithLabelValues("clean").Inc()
	}
	return res
}

func (r *Reconciler) run(ctx context.Context, st *dealstate.State, signers []identity.Signer) Result {
	var res Result
	log := r.logger.With("deal_id", st.DealID())

	rec := st.Record()
	if rec == nil {
		res.Errors = append(res.Errors, dealstate.ErrNotLoaded)
		return res
	}

	// (a) discovery
	if !rec.HasEscrow() {
		addr, ok := r.locator.Locate(ctx, rec)
		if !ok {
			return res
		}
		if _, err := st.AdoptEscrow(addr.Hex()); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
		res.Located = true
		escrowsLocated.Inc()
		log.Info("escrow adopted", "escrow", addr.Hex())

		rec = st.Record()
		tuple := rec.Tuple()
		if prev, needed := st.BeginWrite(tuple); needed {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
				defer cancel()
				if err := r.persist(pctx, st, tuple, prev); err != nil {
					log.Warn("failed to persist discovered escrow", "escrow", tuple.EscrowAddress, "error", err)
				}
			}()
		}
	}

	escrow, err := chain.ParseAddress(rec.EscrowAddress)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}

	// (b) read and map
	snap, err := r.reader.DealInfo(ctx, escrow)
	if err != nil {
		readErrors.WithLabelValues("deal_info").Inc()
		log.Warn("escrow read failed", "escrow", escrow.Hex(), "error", err)
		res.Errors = append(res.Errors, fmt.Errorf("read escrow: %w", err))
		r.refreshAllowance(ctx, st, rec, escrow, nil, signers, &res)
		return res
	}

	status, err := chain.StatusFromCode(snap.StatusCode)
	if err != nil {
		anomalies.Inc()
		log.Warn("unknown escrow status code, treating as created", "escrow", escrow.Hex(), "code", snap.StatusCode)
	}
	res.Status = status

	// (c) apply and replicate
	previous, err := st.ApplyChain(snap, status)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	if previous != status {
		res.StatusChanged = true
		if !previous.CanAdvanceTo(status) {
			log.Warn("status regressed to on-chain value", "from", previous, "to", status)
		} else {
			log.Info("status advanced", "from", previous, "to", status)
		}
	}

	tuple := deal.Tuple{Status: status, EscrowAddress: rec.EscrowAddress}
	if prev, needed := st.BeginWrite(tuple); needed {
		if err := r.persist(ctx, st, tuple, prev); err != nil {
			log.Warn("failed to write deal status", "status", status, "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("write status: %w", err))
		} else {
			res.Wrote = true
		}
	}

	// (d) dispute winner
	if status == deal.StatusResolved && st.Winner() == "" {
		winner, ok, err := r.reader.DisputeWinner(ctx, escrow)
		switch {
		case err != nil:
			readErrors.WithLabelValues("dispute_logs").Inc()
			log.Warn("dispute log scan failed", "escrow", escrow.Hex(), "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("scan dispute logs: %w", err))
		case ok:
			st.SetWinner(winner.Hex())
		}
	}

	// (e) allowance
	r.refreshAllowance(ctx, st, rec, escrow, snap, signers, &res)
	return res
}

func (r *Reconciler) refreshAllowance(ctx context.Context, st *dealstate.State, rec *deal.Record, escrow common.Address, snap *chain.Snapshot, signers []identity.Signer, res *Result) {
	if cur := st.Record(); cur == nil || cur.Status != deal.StatusCreated {
		return
	}
	token := r.cfg.Token
	if snap != nil && snap.Token != (common.Address{}) {
		token = snap.Token
	}
	if token == (common.Address{}) {
		return
	}

	a := r.allowance.Check(ctx, token, escrow, signers, rec.Amount, r.cfg.TokenDecimals)
	if len(a.Errors) > 0 {
		readErrors.WithLabelValues("allowance").Inc()
		res.Errors = append(res.Errors, fmt.Errorf("allowance: %s", strings.Join(a.Errors, "; ")))
	}
	st.SetAllowance(signers, a)
}

// Adopt records escrow as the deal's contract and persists the resulting
// tuple synchronously. Used when a confirmed create transaction names the
// new escrow directly.
func (r *Reconciler) Adopt(ctx context.Context, st *dealstate.State, escrow string) error {
	if _, err := st.AdoptEscrow(escrow); err != nil {
		return err
	}
	rec := st.Record()
	tuple := rec.Tuple()
	prev, needed := st.BeginWrite(tuple)
	if !needed {
		return nil
	}
	return r.persist(ctx, st, tuple, prev)
}

// persist writes tuple unless a newer tuple has been recorded in the
// meantime. Writes for one deal are serialised so that a slow background
// write cannot land after a newer one.
func (r *Reconciler) persist(ctx context.Context, st *dealstate.State, tuple deal.Tuple, prev *deal.Tuple) error {
	unlock, err := r.writeLock.Lock(ctx, st.DealID())
	if err != nil {
		st.RollbackWrite(tuple, prev)
		return err
	}
	defer unlock()

	if cur, ok := st.Replicated(); ok && !cur.Equal(tuple) {
		storeWrites.WithLabelValues("superseded").Inc()
		return nil
	}

	if err := r.store.UpdateStatus(ctx, st.DealID(), tuple.Status, tuple.EscrowAddress); err != nil {
		storeWrites.WithLabelValues("error").Inc()
		st.RollbackWrite(tuple, prev)
		return err
	}
	storeWrites.WithLabelValues("ok").Inc()
	return nil
}
