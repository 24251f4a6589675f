package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/deal"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var (
	factoryAddr = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	escrowAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tokenAddr   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	buyerAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sellerAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	arbiterAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func packOutputs(t *testing.T, method string, values ...any) []byte {
	t.Helper()
	m := factoryABI.Methods[method]
	if _, ok := escrowABI.Methods[method]; ok {
		m = escrowABI.Methods[method]
	}
	if _, ok := erc20ABI.Methods[method]; ok {
		m = erc20ABI.Methods[method]
	}
	data, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	return data
}

func selector(method string) []byte {
	if m, ok := factoryABI.Methods[method]; ok {
		return m.ID
	}
	if m, ok := escrowABI.Methods[method]; ok {
		return m.ID
	}
	return erc20ABI.Methods[method].ID
}

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code    uint8
		want    deal.Status
		wantErr bool
	}{
		{0, deal.StatusCreated, false},
		{1, deal.StatusFunded, false},
		{2, deal.StatusReleased, false},
		{3, deal.StatusRefunded, false},
		{4, deal.StatusDisputed, false},
		{5, deal.StatusResolved, false},
		{6, deal.StatusCreated, true},
		{255, deal.StatusCreated, true},
	}

	for _, tt := range tests {
		got, err := StatusFromCode(tt.code)
		assert.Equal(t, tt.want, got, "code %d", tt.code)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownStatusCode)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestMemoHash(t *testing.T) {
	// keccak256("") is a well-known constant
	assert.Equal(t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		MemoHash("").Hex())
	assert.NotEqual(t, MemoHash("deal-1"), MemoHash("deal-2"))
	assert.Equal(t, MemoHash("deal-1"), MemoHash("deal-1"))
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0x1111111111111111111111111111111111111111 ")
	require.NoError(t, err)
	assert.Equal(t, buyerAddr, addr)

	for _, bad := range []string{"", "0x123", "not-an-address", "user-42"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestReader_EscrowLists(t *testing.T) {
	client := newFakeClient()
	client.respond(factoryAddr, selector("getBuyerEscrows"),
		packOutputs(t, "getBuyerEscrows", []common.Address{escrowAddr, arbiterAddr}))
	client.respond(factoryAddr, selector("getSellerEscrows"),
		packOutputs(t, "getSellerEscrows", []common.Address{}))

	r := NewReader(client, factoryAddr)
	got, err := r.BuyerEscrows(context.Background(), buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{escrowAddr, arbiterAddr}, got)

	got, err = r.SellerEscrows(context.Background(), sellerAddr)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReader_DealInfo(t *testing.T) {
	client := newFakeClient()
	memo := MemoHash("deal-1")
	client.respond(escrowAddr, selector("getDealInfo"), packOutputs(t, "getDealInfo",
		buyerAddr, sellerAddr, tokenAddr, big.NewInt(100_000_000), big.NewInt(1_900_000_000),
		arbiterAddr, [32]byte(memo), uint8(1), big.NewInt(1_800_000_000)))

	snap, err := NewReader(client, factoryAddr).DealInfo(context.Background(), escrowAddr)
	require.NoError(t, err)
	assert.Equal(t, buyerAddr, snap.Buyer)
	assert.Equal(t, sellerAddr, snap.Seller)
	assert.Equal(t, arbiterAddr, snap.Arbiter)
	assert.Equal(t, memo, snap.MemoHash)
	assert.Equal(t, uint8(1), snap.StatusCode)
	assert.Equal(t, int64(1_900_000_000), snap.Deadline)
	assert.Equal(t, int64(1_800_000_000), snap.FundedAt)
	assert.Equal(t, 0, snap.Amount.Cmp(big.NewInt(100_000_000)))
}

func TestReader_CallFailure(t *testing.T) {
	client := newFakeClient()
	client.failing[escrowAddr] = true

	_, err := NewReader(client, factoryAddr).DealInfo(context.Background(), escrowAddr)
	assert.Error(t, err)
}

func TestReader_Allowance(t *testing.T) {
	client := newFakeClient()
	client.respond(tokenAddr, selector("allowance"), packOutputs(t, "allowance", big.NewInt(42)))

	v, err := NewReader(client, factoryAddr).Allowance(context.Background(), tokenAddr, buyerAddr, escrowAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())
}

func TestReader_DisputeWinner(t *testing.T) {
	client := newFakeClient()
	r := NewReader(client, factoryAddr)

	_, ok, err := r.DisputeWinner(context.Background(), escrowAddr)
	require.NoError(t, err)
	assert.False(t, ok)

	sig := escrowABI.Events["DisputeResolved"].ID
	client.logs = []types.Log{
		{Address: escrowAddr, Topics: []common.Hash{sig, common.BytesToHash(sellerAddr.Bytes())}},
		{Address: escrowAddr, Topics: []common.Hash{sig, common.BytesToHash(buyerAddr.Bytes())}},
	}
	winner, ok, err := r.DisputeWinner(context.Background(), escrowAddr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sellerAddr, winner, "first event wins")
}

func TestParseEscrowCreated(t *testing.T) {
	sig := factoryABI.Events["EscrowCreated"].ID
	receipt := &types.Receipt{Logs: []*types.Log{
		// Token Transfer emitted by another contract is ignored
		{Address: tokenAddr, Topics: []common.Hash{sig, common.BytesToHash(arbiterAddr.Bytes())}},
		{Address: factoryAddr, Topics: []common.Hash{sig, common.BytesToHash(escrowAddr.Bytes()), common.BigToHash(big.NewInt(7))}},
	}}

	got, err := ParseEscrowCreated(receipt, factoryAddr)
	require.NoError(t, err)
	assert.Equal(t, escrowAddr, got)

	_, err = ParseEscrowCreated(&types.Receipt{}, factoryAddr)
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = ParseEscrowCreated(nil, factoryAddr)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestPackCalldata(t *testing.T) {
	data, err := PackCreateEscrow(CreateParams{
		Seller: sellerAddr, Token: tokenAddr, Amount: big.NewInt(1), Deadline: 10,
		Arbiter: arbiterAddr, DealID: "deal-1",
	})
	require.NoError(t, err)
	assert.Equal(t, selector("createEscrow"), data[:4])

	_, err = PackCreateEscrow(CreateParams{DealID: "deal-1"})
	assert.Error(t, err)

	data, err = PackResolve(true)
	require.NoError(t, err)
	assert.Equal(t, selector("resolve"), data[:4])
	assert.Equal(t, byte(1), data[len(data)-1])

	data, err = PackApprove(escrowAddr, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, selector("approve"), data[:4])
}

func TestTxError(t *testing.T) {
	err := &TxError{Op: "send", TxHash: "0xabc123", Err: errors.New("network error")}
	assert.Contains(t, err.Error(), "0xabc123")

	err = &TxError{Op: "confirm", Err: ErrTransactionFailed}
	assert.Contains(t, err.Error(), "confirm failed")
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestNewSigner_InvalidKey(t *testing.T) {
	_, err := NewSigner(SignerConfig{PrivateKey: "tooshort"}, WithClient(newFakeClient()))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSigner_SubmitAndConfirm(t *testing.T) {
	client := newFakeClient()
	s, err := NewSigner(SignerConfig{PrivateKey: "0x" + testKey},
		WithClient(client), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	data, err := PackFund()
	require.NoError(t, err)
	hash, err := s.Submit(context.Background(), escrowAddr, data)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, DefaultGasLimit, client.sent[0].Gas())
	assert.Equal(t, escrowAddr, *client.sent[0].To())

	client.mu.Lock()
	client.receipts[common.HexToHash(hash)] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	client.mu.Unlock()

	receipt, err := s.WaitForConfirmation(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestSigner_WaitForConfirmation(t *testing.T) {
	client := newFakeClient()
	s, err := NewSigner(SignerConfig{PrivateKey: testKey},
		WithClient(client), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	reverted := common.HexToHash("0x01")
	client.receipts[reverted] = &types.Receipt{Status: types.ReceiptStatusFailed}
	_, err = s.WaitForConfirmation(context.Background(), reverted.Hex(), time.Second)
	assert.ErrorIs(t, err, ErrTransactionFailed)

	_, err = s.WaitForConfirmation(context.Background(), "0x02", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
