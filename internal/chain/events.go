package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event signatures.
var (
	EscrowCreatedTopic   = factoryABI.Events["EscrowCreated"].ID
	DisputeResolvedTopic = escrowABI.Events["DisputeResolved"].ID
)

// ParseEscrowCreated extracts the new escrow address from a createEscrow
// receipt. Only logs emitted by factory are considered.
func ParseEscrowCreated(receipt *types.Receipt, factory common.Address) (common.Address, error) {
	if receipt == nil {
		return common.Address{}, ErrEventNotFound
	}
	for _, vLog := range receipt.Logs {
		if vLog == nil || vLog.Address != factory {
			continue
		}
		// Topics[0] = signature, Topics[1] = escrowAddress (indexed)
		if len(vLog.Topics) < 2 || vLog.Topics[0] != EscrowCreatedTopic {
			continue
		}
		return common.HexToAddress(vLog.Topics[1].Hex()), nil
	}
	return common.Address{}, ErrEventNotFound
}
