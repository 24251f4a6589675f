// Package allowance decides whether a viewer's token approval covers the
// deal amount, counting either the direct wallet or the delegated wallet.
package allowance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/identity"
	"github.com/mbd888/escrowsync/internal/units"
)

// Reader reads ERC-20 allowances. Satisfied by *chain.Reader.
type Reader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Snapshot is the aggregated allowance for one viewer and escrow.
type Snapshot struct {
	Direct     *big.Int `json:"direct"`
	Delegated  *big.Int `json:"delegated"`
	Required   *big.Int `json:"required"`
	Sufficient bool     `json:"sufficient"`
	Errors     []string `json:"errors,omitempty"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := &Snapshot{Sufficient: s.Sufficient}
	cp.Direct = copyInt(s.Direct)
	cp.Delegated = copyInt(s.Delegated)
	cp.Required = copyInt(s.Required)
	if s.Errors != nil {
		cp.Errors = append([]string(nil), s.Errors...)
	}
	return cp
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Aggregator computes allowance snapshots.
type Aggregator struct {
	reader Reader
	logger *slog.Logger
}

// New creates an Aggregator.
func New(reader Reader, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{reader: reader, logger: logger}
}

// Check reads the allowance of each signer toward escrow. A missing identity
// counts as zero without a read; a failed read counts as zero and is listed
// in Errors. decimals <= 0 means the stablecoin's 6.
func (a *Aggregator) Check(ctx context.Context, token, escrow common.Address, signers []identity.Signer, amount string, decimals int) Snapshot {
	if decimals <= 0 {
		decimals = units.StablecoinDecimals
	}

	snap := Snapshot{Direct: new(big.Int), Delegated: new(big.Int)}
	required, ok := units.Parse(amount, decimals)
	if !ok {
		snap.Required = new(big.Int)
		snap.Errors = append(snap.Errors, fmt.Sprintf("invalid amount %q", amount))
		return snap
	}
	snap.Required = required

	for _, s := range signers {
		v, err := a.read(ctx, token, escrow, s)
		if err != nil {
			a.logger.Warn("allowance read failed", "kind", s.Kind, "owner", s.Address, "error", err)
			snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", s.Kind, err))
			continue
		}
		switch s.Kind {
		case identity.KindDirect:
			snap.Direct = v
		case identity.KindDelegated:
			snap.Delegated = v
		}
	}

	snap.Sufficient = units.Covers(snap.Direct, required) || units.Covers(snap.Delegated, required)
	return snap
}

func (a *Aggregator) read(ctx context.Context, token, escrow common.Address, s identity.Signer) (*big.Int, error) {
	owner, err := chain.ParseAddress(s.Address)
	if err != nil {
		return nil, err
	}
	return a.reader.Allowance(ctx, token, owner, escrow)
}
