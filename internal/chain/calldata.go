package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CreateParams are the createEscrow arguments.
type CreateParams struct {
	Seller   common.Address
	Token    common.Address
	Amount   *big.Int
	Deadline int64
	Arbiter  common.Address
	DealID   string
}

// PackCreateEscrow builds factory calldata binding the escrow to DealID.
func PackCreateEscrow(p CreateParams) ([]byte, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("createEscrow: amount must be positive")
	}
	return factoryABI.Pack("createEscrow",
		p.Seller, p.Token, p.Amount, big.NewInt(p.Deadline), p.Arbiter, [32]byte(MemoHash(p.DealID)))
}

// PackApprove builds token calldata granting spender amount.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackFund builds escrow calldata for fund().
func PackFund() ([]byte, error) { return escrowABI.Pack("fund") }

// PackRelease builds escrow calldata for release().
func PackRelease() ([]byte, error) { return escrowABI.Pack("release") }

// PackRefund builds escrow calldata for refundAfterDeadline().
func PackRefund() ([]byte, error) { return escrowABI.Pack("refundAfterDeadline") }

// PackDispute builds escrow calldata for openDispute().
func PackDispute() ([]byte, error) { return escrowABI.Pack("openDispute") }

// PackResolve builds escrow calldata for resolve(favorSeller).
func PackResolve(favorSeller bool) ([]byte, error) { return escrowABI.Pack("resolve", favorSeller) }
