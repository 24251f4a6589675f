package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Reader issues read-only calls against the factory, escrow and token
// contracts. It holds no state beyond the client and may be shared.
type Reader struct {
	client  Caller
	factory common.Address
}

// NewReader creates a Reader for the given factory.
func NewReader(client Caller, factory common.Address) *Reader {
	return &Reader{client: client, factory: factory}
}

// Factory returns the registry address.
func (r *Reader) Factory() common.Address {
	return r.factory
}

// BuyerEscrows lists escrows created for buyer, in registry append order.
func (r *Reader) BuyerEscrows(ctx context.Context, buyer common.Address) ([]common.Address, error) {
	return r.escrowList(ctx, "getBuyerEscrows", buyer)
}

// SellerEscrows lists escrows naming seller, in registry append order.
func (r *Reader) SellerEscrows(ctx context.Context, seller common.Address) ([]common.Address, error) {
	return r.escrowList(ctx, "getSellerEscrows", seller)
}

func (r *Reader) escrowList(ctx context.Context, method string, party common.Address) ([]common.Address, error) {
	out, err := r.call(ctx, factoryABI, r.factory, method, party)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrMalformedResponse, method, len(out))
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", ErrMalformedResponse, method, out[0])
	}
	return addrs, nil
}

// DealInfo reads getDealInfo() from an escrow contract.
func (r *Reader) DealInfo(ctx context.Context, escrow common.Address) (*Snapshot, error) {
	out, err := r.call(ctx, escrowABI, escrow, "getDealInfo")
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("%w: getDealInfo returned %d values", ErrMalformedResponse, len(out))
	}

	snap := &Snapshot{}
	var (
		amount, deadline, fundedAt *big.Int
		memo                       [32]byte
		oks                        [9]bool
	)
	snap.Buyer, oks[0] = out[0].(common.Address)
	snap.Seller, oks[1] = out[1].(common.Address)
	snap.Token, oks[2] = out[2].(common.Address)
	amount, oks[3] = out[3].(*big.Int)
	deadline, oks[4] = out[4].(*big.Int)
	snap.Arbiter, oks[5] = out[5].(common.Address)
	memo, oks[6] = out[6].([32]byte)
	snap.StatusCode, oks[7] = out[7].(uint8)
	fundedAt, oks[8] = out[8].(*big.Int)
	for i, ok := range oks {
		if !ok {
			return nil, fmt.Errorf("%w: getDealInfo value %d has type %T", ErrMalformedResponse, i, out[i])
		}
	}

	snap.Amount = amount
	snap.Deadline = deadline.Int64()
	snap.MemoHash = common.Hash(memo)
	snap.FundedAt = fundedAt.Int64()
	return snap, nil
}

// Allowance reads the ERC-20 allowance owner has granted spender.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := r.call(ctx, erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: allowance returned %d values", ErrMalformedResponse, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: allowance returned %T", ErrMalformedResponse, out[0])
	}
	return v, nil
}

// DisputeWinner scans the escrow's DisputeResolved logs from genesis and
// returns the winner of the first one. ok is false when none was emitted.
func (r *Reader) DisputeWinner(ctx context.Context, escrow common.Address) (winner common.Address, ok bool, err error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{escrow},
		Topics:    [][]common.Hash{{DisputeResolvedTopic}},
	}

	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		// Topics[1] = winner (indexed)
		if len(vLog.Topics) < 2 {
			continue
		}
		return common.HexToAddress(vLog.Topics[1].Hex()), true, nil
	}
	return common.Address{}, false, nil
}

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrMalformedResponse, method, err)
	}
	return out, nil
}
