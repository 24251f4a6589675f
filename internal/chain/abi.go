package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const factoryABIJSON = `[
	{"inputs":[{"name":"buyer","type":"address"}],"name":"getBuyerEscrows","outputs":[{"name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"seller","type":"address"}],"name":"getSellerEscrows","outputs":[{"name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"seller","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"arbiter","type":"address"},{"name":"memoHash","type":"bytes32"}],"name":"createEscrow","outputs":[{"name":"","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowAddress","type":"address"},{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":false,"name":"buyer","type":"address"},{"indexed":false,"name":"seller","type":"address"},{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"deadline","type":"uint256"},{"indexed":false,"name":"arbiter","type":"address"},{"indexed":false,"name":"memoHash","type":"bytes32"}],"name":"EscrowCreated","type":"event"}
]`

const escrowABIJSON = `[
	{"inputs":[],"name":"getDealInfo","outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"arbiter","type":"address"},{"name":"memoHash","type":"bytes32"},{"name":"status","type":"uint8"},{"name":"fundedAt","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"fund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"refundAfterDeadline","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"openDispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"favorSeller","type":"bool"}],"name":"resolve","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"winner","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"DisputeResolved","type":"event"}
]`

// ERC20 minimal ABI for allowance and approve
const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	factoryABI = mustParseABI(factoryABIJSON)
	escrowABI  = mustParseABI(escrowABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: parse ABI: " + err.Error())
	}
	return parsed
}
