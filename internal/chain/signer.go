package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 2 * time.Minute

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Submitter sends transactions on behalf of a connected signer.
type Submitter interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, to common.Address, data []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error)
}

// SignerConfig configures a local-key Signer.
type SignerConfig struct {
	RPCURL     string
	PrivateKey string // Hex string, 0x prefix optional
}

// SignerOption configures the signer.
type SignerOption func(*Signer)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) SignerOption {
	return func(s *Signer) {
		s.client = client
	}
}

// WithPollInterval overrides ConfirmationPollInterval.
func WithPollInterval(d time.Duration) SignerOption {
	return func(s *Signer) {
		s.pollInterval = d
	}
}

// Signer signs and submits transactions with a single private key.
type Signer struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	pollInterval time.Duration
}

var _ Submitter = (*Signer)(nil)

// NewSigner creates a Signer, dialing RPCURL unless a client is supplied.
func NewSigner(cfg SignerConfig, opts ...SignerOption) (*Signer, error) {
	key := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	s := &Signer{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		pollInterval: ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}
	return s, nil
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain id of the network the signer is connected to.
func (s *Signer) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return id, nil
}

// Submit signs a zero-value call to `to` and broadcasts it.
func (s *Signer) Submit(ctx context.Context, to common.Address, data []byte) (string, error) {
	chainID, err := s.ChainID(ctx)
	if err != nil {
		return "", &TxError{Op: "chain_id", Err: err}
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TxError{Op: "gas_price", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.privateKey)
	if err != nil {
		return "", &TxError{Op: "sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForConfirmation polls until the transaction is mined or timeout passes.
// A reverted transaction returns a TxError wrapping ErrTransactionFailed.
func (s *Signer) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return receipt, nil
		}
	}
}

// Close closes the client connection.
func (s *Signer) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
