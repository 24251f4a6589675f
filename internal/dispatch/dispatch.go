// Package dispatch gates escrow actions on reconciled status and viewer
// role, then drives them either through a local signer or through the chat
// relay.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/escrowsync/internal/allowance"
	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/identity"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/relay"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/units"
)

var (
	ErrNotAllowed     = errors.New("dispatch: action not allowed")
	ErrUnknownAction  = errors.New("dispatch: unknown action")
	ErrWrongNetwork   = errors.New("dispatch: signer is connected to the wrong network")
	ErrNoSigner       = errors.New("dispatch: no signer configured for direct actions")
	ErrSignerMismatch = errors.New("dispatch: viewer wallet is not the configured signer")
	ErrMissingParam   = errors.New("dispatch: missing action parameter")
	ErrBusy           = dealstate.ErrBusy
)

// RelayClient forwards delegated requests. Satisfied by *relay.Client.
type RelayClient interface {
	RequestTransaction(ctx context.Context, req relay.Request) (*relay.Response, error)
}

// EscrowLocator finds a deal's escrow. Satisfied by *locator.Locator.
type EscrowLocator interface {
	Locate(ctx context.Context, rec *deal.Record) (common.Address, bool)
}

// EscrowAdopter adopts and persists an escrow. Satisfied by *reconcile.Reconciler.
type EscrowAdopter interface {
	Adopt(ctx context.Context, st *dealstate.State, escrow string) error
}

// AllowanceChecker aggregates token allowances. Satisfied by *allowance.Aggregator.
type AllowanceChecker interface {
	Check(ctx context.Context, token, escrow common.Address, signers []identity.Signer, amount string, decimals int) allowance.Snapshot
}

// Config for a Dispatcher.
type Config struct {
	ChainID        int64
	Factory        common.Address
	Token          common.Address
	TokenDecimals  int
	Arbiter        common.Address
	NotifyTTL      time.Duration
	ConfirmTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TokenDecimals:  units.StablecoinDecimals,
		NotifyTTL:      8 * time.Second,
		ConfirmTimeout: chain.DefaultConfirmationTimeout,
	}
}

// RelayContext describes the chat surface the request came from.
type RelayContext struct {
	Active    bool   `json:"active"`
	ChannelID string `json:"channelId,omitempty"`
}

// Request is one action request.
type Request struct {
	Action      Action          `json:"action"`
	FavorSeller *bool           `json:"favorSeller,omitempty"`
	Viewer      identity.Viewer `json:"viewer"`
	Relay       RelayContext    `json:"relay"`
}

// Result describes what was started.
type Result struct {
	Action    Action            `json:"action"`
	Mode      dealstate.Mode    `json:"mode"`
	PendingID string            `json:"pendingId,omitempty"`
	TxHash    string            `json:"txHash,omitempty"`
	Outcome   dealstate.Outcome `json:"outcome"`
	Message   string            `json:"message,omitempty"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSubmitter enables direct mode.
func WithSubmitter(s chain.Submitter) Option {
	return func(d *Dispatcher) { d.submitter = s }
}

// WithConfirmHook is called after a direct transaction confirms, typically
// to schedule an immediate reconciliation pass.
func WithConfirmHook(fn func(st *dealstate.State)) Option {
	return func(d *Dispatcher) { d.onConfirmed = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher validates and executes actions.
type Dispatcher struct {
	submitter   chain.Submitter
	relay       RelayClient
	locator     EscrowLocator
	adopter     EscrowAdopter
	allowance   AllowanceChecker
	cfg         Config
	logger      *slog.Logger
	onConfirmed func(st *dealstate.State)
	now         func() time.Time

	wg sync.WaitGroup
}

// New creates a Dispatcher. Without WithSubmitter only delegated actions work.
func New(relayClient RelayClient, loc EscrowLocator, adopter EscrowAdopter, agg AllowanceChecker, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = def.TokenDecimals
	}
	if cfg.NotifyTTL <= 0 {
		cfg.NotifyTTL = def.NotifyTTL
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	d := &Dispatcher{
		relay:     relayClient,
		locator:   loc,
		adopter:   adopter,
		allowance: agg,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wait blocks until confirmation watchers have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ViewFor computes the legality view of snap for viewer.
func (d *Dispatcher) ViewFor(snap dealstate.Snapshot, viewer identity.Viewer) View {
	if snap.Record == nil {
		return View{Role: identity.RoleNone}
	}
	rec := snap.Record
	roles := identity.Resolve(viewer,
		identity.Party{Address: rec.BuyerAddress, UserID: rec.BuyerUserID},
		identity.Party{Address: rec.SellerAddress, UserID: rec.SellerUserID},
		d.arbiterOf(snap))

	deadlinePassed := rec.DeadlinePassed(d.now())
	if snap.Chain != nil && snap.Chain.Deadline > 0 {
		deadlinePassed = d.now().Unix() > snap.Chain.Deadline
	}

	return View{
		Status:              rec.Status,
		Roles:               roles,
		Role:                roles.Primary(),
		DeadlinePassed:      deadlinePassed,
		AllowanceSufficient: sufficient(snap.AllowanceFor(viewer.Signers())),
	}
}

// arbiterOf prefers the arbiter read from the escrow and falls back to the
// configured one before the first chain read.
func (d *Dispatcher) arbiterOf(snap dealstate.Snapshot) string {
	if a := snap.Arbiter(); a != "" {
		return a
	}
	if d.cfg.Arbiter != (common.Address{}) {
		return d.cfg.Arbiter.Hex()
	}
	return ""
}

func sufficient(a *allowance.Snapshot) bool {
	return a != nil && a.Sufficient
}

// Dispatch checks legality and starts req. Illegal requests return before
// any marker is set or anything is submitted.
func (d *Dispatcher) Dispatch(ctx context.Context, st *dealstate.State, req Request) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "dispatch.action",
		traces.DealID(st.DealID()), traces.Action(string(req.Action)))
	defer func() {
		if res != nil && res.TxHash != "" {
			span.SetAttributes(traces.TxHash(res.TxHash))
		}
		traces.End(span, err)
	}()

	if _, err := ParseAction(string(req.Action)); err != nil {
		return nil, err
	}
	if req.Action == ActionResolve && req.FavorSeller == nil {
		return nil, fmt.Errorf("%w: resolve requires favorSeller", ErrMissingParam)
	}

	snap := st.Snapshot()
	if snap.Record == nil {
		return nil, dealstate.ErrNotLoaded
	}

	if req.Action == ActionApprove || req.Action == ActionFund {
		snap = d.RefreshAllowance(ctx, st, req.Viewer)
	}

	view := d.ViewFor(snap, req.Viewer)
	if err := Allowed(req.Action, view); err != nil {
		return nil, err
	}

	channel := req.Relay.ChannelID
	if channel == "" {
		channel = snap.Record.ChannelID
	}
	if req.Relay.Active && channel != "" {
		span.SetAttributes(traces.Mode(string(dealstate.ModeDelegated)))
		return d.delegated(ctx, st, req, channel)
	}
	span.SetAttributes(traces.Mode(string(dealstate.ModeDirect)))
	return d.direct(ctx, st, snap, req)
}

// -----------------------------------------------------------------------------
// Delegated mode
// -----------------------------------------------------------------------------

func (d *Dispatcher) delegated(ctx context.Context, st *dealstate.State, req Request, channel string) (*Result, error) {
	p, err := st.BeginAction(string(req.Action), dealstate.ModeDelegated)
	if err != nil {
		return nil, err
	}
	log := d.logger.With("deal_id", st.DealID(), "action", req.Action, "mode", dealstate.ModeDelegated)

	// The relay call outlives the caller: a disconnecting client must not
	// leave the marker without an outcome.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	_, err = d.relay.RequestTransaction(rctx, relay.Request{
		DealID:             st.DealID(),
		Action:             string(req.Action),
		UserID:             req.Viewer.UserID,
		ChannelID:          channel,
		SmartWalletAddress: req.Viewer.SmartWalletAddress,
	})
	res := &Result{Action: req.Action, Mode: dealstate.ModeDelegated, PendingID: p.ID}
	if err != nil {
		log.Warn("relay request failed", "error", err)
		countAction(req.Action, dealstate.ModeDelegated, "failed")
		st.FailAction(p.ID, d.cfg.NotifyTTL)
		st.Notify(dealstate.LevelError, fmt.Sprintf("Could not send %s request to chat: %v", req.Action, err), d.cfg.NotifyTTL)
		res.Outcome = dealstate.OutcomeFailed
		res.Message = err.Error()
		return res, err
	}

	log.Info("relay request accepted")
	countAction(req.Action, dealstate.ModeDelegated, "requested")
	st.Notify(dealstate.LevelInfo, fmt.Sprintf("Sent %s request to chat. Confirm it there to continue.", req.Action), d.cfg.NotifyTTL)
	res.Outcome = dealstate.OutcomePending
	res.Message = "request sent to chat"
	return res, nil
}

// -----------------------------------------------------------------------------
// Direct mode
// -----------------------------------------------------------------------------

func (d *Dispatcher) direct(ctx context.Context, st *dealstate.State, snap dealstate.Snapshot, req Request) (*Result, error) {
	if d.submitter == nil {
		return nil, ErrNoSigner
	}
	if w := req.Viewer.WalletAddress; w != "" && !strings.EqualFold(w, d.submitter.Address().Hex()) {
		return nil, ErrSignerMismatch
	}

	chainID, err := d.submitter.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if chainID.Cmp(big.NewInt(d.cfg.ChainID)) != 0 {
		return nil, fmt.Errorf("%w: connected to %s, want %d", ErrWrongNetwork, chainID, d.cfg.ChainID)
	}

	to, data, err := d.calldata(snap, req)
	if err != nil {
		return nil, err
	}

	p, err := st.BeginAction(string(req.Action), dealstate.ModeDirect)
	if err != nil {
		return nil, err
	}
	log := d.logger.With("deal_id", st.DealID(), "action", req.Action, "mode", dealstate.ModeDirect)
	res := &Result{Action: req.Action, Mode: dealstate.ModeDirect, PendingID: p.ID}

	txHash, err := d.submitter.Submit(ctx, to, data)
	if err != nil {
		log.Warn("transaction submission failed", "error", err)
		countAction(req.Action, dealstate.ModeDirect, "failed")
		st.FailAction(p.ID, d.cfg.NotifyTTL)
		st.Notify(dealstate.LevelError, fmt.Sprintf("%s failed: %v", req.Action, err), d.cfg.NotifyTTL)
		res.Outcome = dealstate.OutcomeFailed
		res.Message = err.Error()
		return res, err
	}

	log.Info("transaction submitted", "tx", txHash)
	countAction(req.Action, dealstate.ModeDirect, "submitted")
	submitted := d.now()
	st.SetTxHash(p.ID, txHash)
	st.Notify(dealstate.LevelInfo, fmt.Sprintf("%s submitted, waiting for confirmation", req.Action), d.cfg.NotifyTTL)
	res.TxHash = txHash
	res.Outcome = dealstate.OutcomePending

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ConfirmTimeout)
		defer cancel()
		d.await(wctx, st, p.ID, req, txHash, log)
		metrics.ActionConfirmDuration.WithLabelValues(string(req.Action)).Observe(d.now().Sub(submitted).Seconds())
	}()
	return res, nil
}

func (d *Dispatcher) await(ctx context.Context, st *dealstate.State, pendingID string, req Request, txHash string, log *slog.Logger) {
	receipt, err := d.submitter.WaitForConfirmation(ctx, txHash, d.cfg.ConfirmTimeout)
	if err != nil {
		log.Warn("transaction not confirmed", "tx", txHash, "error", err)
		countAction(req.Action, dealstate.ModeDirect, "unconfirmed")
		st.FailAction(pendingID, d.cfg.NotifyTTL)
		st.Notify(dealstate.LevelError, fmt.Sprintf("%s was not confirmed: %v", req.Action, err), d.cfg.NotifyTTL)
		return
	}
	log.Info("transaction confirmed", "tx", txHash)
	countAction(req.Action, dealstate.ModeDirect, "confirmed")

	switch req.Action {
	case ActionCreate:
		d.adoptCreated(ctx, st, pendingID, receipt, log)
	case ActionApprove:
		d.RefreshAllowance(ctx, st, req.Viewer)
		st.ClearAction(pendingID)
	default:
		st.ConfirmAction(pendingID, d.cfg.NotifyTTL)
	}
	st.Notify(dealstate.LevelSuccess, fmt.Sprintf("%s confirmed", req.Action), d.cfg.NotifyTTL)

	if d.onConfirmed != nil {
		d.onConfirmed(st)
	}
}

func (d *Dispatcher) adoptCreated(ctx context.Context, st *dealstate.State, pendingID string, receipt *types.Receipt, log *slog.Logger) {
	escrow, err := chain.ParseEscrowCreated(receipt, d.cfg.Factory)
	if err != nil {
		log.Warn("no EscrowCreated event in receipt, searching registry", "error", err)
		addr, ok := d.locator.Locate(ctx, st.Record())
		if !ok {
			// Reconciliation will find it once the registry catches up.
			st.ConfirmAction(pendingID, d.cfg.NotifyTTL)
			return
		}
		escrow = addr
	}
	if err := d.adopter.Adopt(ctx, st, escrow.Hex()); err != nil {
		log.Warn("failed to adopt created escrow", "escrow", escrow.Hex(), "error", err)
		st.ConfirmAction(pendingID, d.cfg.NotifyTTL)
	}
}

func (d *Dispatcher) calldata(snap dealstate.Snapshot, req Request) (common.Address, []byte, error) {
	rec := snap.Record

	if req.Action == ActionCreate {
		seller, err := chain.ParseAddress(rec.SellerAddress)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("seller: %w", err)
		}
		amount, ok := units.Parse(rec.Amount, d.cfg.TokenDecimals)
		if !ok {
			return common.Address{}, nil, fmt.Errorf("invalid deal amount %q", rec.Amount)
		}
		data, err := chain.PackCreateEscrow(chain.CreateParams{
			Seller:   seller,
			Token:    d.cfg.Token,
			Amount:   amount,
			Deadline: rec.Deadline,
			Arbiter:  d.cfg.Arbiter,
			DealID:   rec.DealID,
		})
		return d.cfg.Factory, data, err
	}

	escrow, err := chain.ParseAddress(rec.EscrowAddress)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("escrow: %w", err)
	}

	var data []byte
	switch req.Action {
	case ActionApprove:
		amount, ok := units.Parse(rec.Amount, d.cfg.TokenDecimals)
		if !ok {
			return common.Address{}, nil, fmt.Errorf("invalid deal amount %q", rec.Amount)
		}
		data, err = chain.PackApprove(escrow, amount)
		return d.tokenFor(snap), data, err
	case ActionFund:
		data, err = chain.PackFund()
	case ActionRelease:
		data, err = chain.PackRelease()
	case ActionRefund:
		data, err = chain.PackRefund()
	case ActionDispute:
		data, err = chain.PackDispute()
	case ActionResolve:
		data, err = chain.PackResolve(*req.FavorSeller)
	}
	return escrow, data, err
}

func (d *Dispatcher) tokenFor(snap dealstate.Snapshot) common.Address {
	if snap.Chain != nil && snap.Chain.Token != (common.Address{}) {
		return snap.Chain.Token
	}
	return d.cfg.Token
}

// RefreshAllowance re-reads viewer's allowance toward the deal's escrow and
// returns the updated snapshot. Without an escrow there is nothing to read.
func (d *Dispatcher) RefreshAllowance(ctx context.Context, st *dealstate.State, viewer identity.Viewer) dealstate.Snapshot {
	snap := st.Snapshot()
	if snap.Record == nil || d.allowance == nil {
		return snap
	}
	escrow, err := chain.ParseAddress(snap.Record.EscrowAddress)
	if err != nil {
		return snap
	}
	token := d.tokenFor(snap)
	if token == (common.Address{}) {
		return snap
	}
	signers := viewer.Signers()
	a := d.allowance.Check(ctx, token, escrow, signers, snap.Record.Amount, d.cfg.TokenDecimals)
	st.SetAllowance(signers, a)
	return st.Snapshot()
}

func countAction(a Action, mode dealstate.Mode, result string) {
	metrics.ActionsTotal.WithLabelValues(string(a), string(mode), result).Inc()
}
