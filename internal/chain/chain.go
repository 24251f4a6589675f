// Package chain reads escrow state from the factory and escrow contracts and
// submits escrow transactions through a local signer.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowsync/internal/deal"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrUnknownStatusCode = errors.New("chain: unknown escrow status code")
	ErrTransactionFailed = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrEventNotFound     = errors.New("chain: event not found in receipt")
	ErrMalformedResponse = errors.New("chain: malformed contract response")
)

// TxError wraps submission and confirmation failures with context.
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Caller is the read-only slice of an Ethereum client.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	Caller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Snapshot is the state returned by an escrow's getDealInfo().
type Snapshot struct {
	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	Token      common.Address `json:"token"`
	Amount     *big.Int       `json:"amount"`
	Deadline   int64          `json:"deadline"`
	Arbiter    common.Address `json:"arbiter"`
	MemoHash   common.Hash    `json:"memoHash"`
	StatusCode uint8          `json:"statusCode"`
	FundedAt   int64          `json:"fundedAt"`
}

var statusByCode = [...]deal.Status{
	deal.StatusCreated,
	deal.StatusFunded,
	deal.StatusReleased,
	deal.StatusRefunded,
	deal.StatusDisputed,
	deal.StatusResolved,
}

// StatusFromCode maps the contract's status enum to a deal status.
func StatusFromCode(code uint8) (deal.Status, error) {
	if int(code) >= len(statusByCode) {
		return deal.StatusCreated, fmt.Errorf("%w: %d", ErrUnknownStatusCode, code)
	}
	return statusByCode[code], nil
}

// MemoHash is the keccak256 of the deal id, stored by the factory at
// creation time to bind an escrow to its deal.
func MemoHash(dealID string) common.Hash {
	return crypto.Keccak256Hash([]byte(dealID))
}

// ParseAddress validates a hex address. Empty and non-hex input is rejected.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
