// Package locator finds the escrow contract instance that belongs to a deal
// by walking the factory's per-party registries and matching memo hashes.
package locator

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/deal"
)

// Registry is the subset of chain reads the locator needs. Satisfied by
// *chain.Reader.
type Registry interface {
	BuyerEscrows(ctx context.Context, buyer common.Address) ([]common.Address, error)
	SellerEscrows(ctx context.Context, seller common.Address) ([]common.Address, error)
	DealInfo(ctx context.Context, escrow common.Address) (*chain.Snapshot, error)
}

// Locator resolves deal ids to escrow addresses.
type Locator struct {
	registry Registry
	logger   *slog.Logger
}

// New creates a Locator.
func New(registry Registry, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{registry: registry, logger: logger}
}

// Locate returns the most recently registered escrow whose memo hash equals
// keccak256(dealID). Registry and candidate read failures are logged and
// skipped; ok is false when nothing matched.
func (l *Locator) Locate(ctx context.Context, rec *deal.Record) (common.Address, bool) {
	if rec == nil {
		return common.Address{}, false
	}
	want := chain.MemoHash(rec.DealID)
	log := l.logger.With("deal_id", rec.DealID)

	buyerList := l.list(ctx, log, "buyer", rec.BuyerAddress, l.registry.BuyerEscrows)
	sellerList := l.list(ctx, log, "seller", rec.SellerAddress, l.registry.SellerEscrows)

	for _, candidate := range Candidates(buyerList, sellerList) {
		if ctx.Err() != nil {
			return common.Address{}, false
		}
		snap, err := l.registry.DealInfo(ctx, candidate)
		if err != nil {
			log.Debug("skipping unreadable escrow candidate", "escrow", candidate.Hex(), "error", err)
			continue
		}
		if snap.MemoHash == want {
			log.Info("escrow located", "escrow", candidate.Hex())
			return candidate, true
		}
	}
	return common.Address{}, false
}

func (l *Locator) list(ctx context.Context, log *slog.Logger, side, party string,
	read func(context.Context, common.Address) ([]common.Address, error)) []common.Address {
	addr, err := chain.ParseAddress(party)
	if err != nil {
		// Parties known only by user id have no on-chain registry
		return nil
	}
	out, err := read(ctx, addr)
	if err != nil {
		log.Warn("escrow registry read failed", "side", side, "party", party, "error", err)
		return nil
	}
	return out
}

// Candidates unions append-ordered registries, keeps the last position of
// an address seen more than once and returns the result newest first.
func Candidates(lists ...[]common.Address) []common.Address {
	var all []common.Address
	for _, l := range lists {
		all = append(all, l...)
	}

	seen := make(map[common.Address]struct{}, len(all))
	order := make([]common.Address, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if _, dup := seen[all[i]]; dup {
			continue
		}
		seen[all[i]] = struct{}{}
		order = append(order, all[i])
	}
	return order
}
