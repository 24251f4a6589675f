// Package deal defines the off-chain Deal Record and the store it lives in.
//
// Lifecycle:
//  1. An external flow creates the record in draft
//  2. The buyer deploys an escrow contract (created)
//  3. The buyer funds it (funded)
//  4. Release, refund, or dispute; a dispute ends in resolved
//
// The record is mutated here only when on-chain truth diverges from it.
package deal

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDealNotFound   = errors.New("deal not found")
	ErrInvalidStatus  = errors.New("invalid deal status")
	ErrEscrowMismatch = errors.New("escrow address already set to a different contract")
)

// Record is the canonical off-chain description of an agreement.
type Record struct {
	DealID        string `json:"dealId"`
	SellerAddress string `json:"sellerAddress,omitempty"`
	SellerUserID  string `json:"sellerUserId,omitempty"`
	BuyerAddress  string `json:"buyerAddress,omitempty"`
	BuyerUserID   string `json:"buyerUserId,omitempty"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	Deadline      int64  `json:"deadline"`
	Status        Status `json:"status"`
	EscrowAddress string `json:"escrowAddress,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// HasEscrow reports whether the on-chain contract is known.
func (r *Record) HasEscrow() bool {
	return r != nil && r.EscrowAddress != ""
}

// DeadlinePassed reports whether the refund deadline is behind now.
func (r *Record) DeadlinePassed(now time.Time) bool {
	return r.Deadline > 0 && now.Unix() > r.Deadline
}

// Tuple is the pair of fields the reconciler derives from chain state.
// It is always written whole.
type Tuple struct {
	Status        Status `json:"status"`
	EscrowAddress string `json:"escrowAddress,omitempty"`
}

// Tuple returns the reconciled fields of the record.
func (r *Record) Tuple() Tuple {
	return Tuple{Status: r.Status, EscrowAddress: r.EscrowAddress}
}

// Equal compares two tuples, ignoring address case.
func (t Tuple) Equal(o Tuple) bool {
	return t.Status == o.Status && strings.EqualFold(t.EscrowAddress, o.EscrowAddress)
}

// Store persists deal records. Implementations must make UpdateStatus an
// idempotent overwrite.
type Store interface {
	Fetch(ctx context.Context, dealID string) (*Record, error)
	UpdateStatus(ctx context.Context, dealID string, status Status, escrowAddress string) error
}
