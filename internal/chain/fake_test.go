package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeClient answers contract calls from canned, ABI-encoded responses keyed
// by target address and 4-byte selector.
type fakeClient struct {
	mu        sync.Mutex
	responses map[common.Address]map[string][]byte
	failing   map[common.Address]bool
	logs      []types.Log
	receipts  map[common.Hash]*types.Receipt
	sent      []*types.Transaction
	chainID   int64
	calls     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[common.Address]map[string][]byte),
		failing:   make(map[common.Address]bool),
		receipts:  make(map[common.Hash]*types.Receipt),
		chainID:   84532,
	}
}

func (f *fakeClient) respond(to common.Address, selector []byte, data []byte) {
	if f.responses[to] == nil {
		f.responses[to] = make(map[string][]byte)
	}
	f.responses[to][string(selector)] = data
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing[*call.To] {
		return nil, errors.New("execution reverted")
	}
	data, ok := f.responses[*call.To][string(call.Data[:4])]
	if !ok {
		return nil, errors.New("no contract code at address")
	}
	return data, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, l := range f.logs {
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		if len(q.Topics) > 0 && len(l.Topics) > 0 && l.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeClient) Close() {}
