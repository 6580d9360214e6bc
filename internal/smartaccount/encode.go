// Package smartaccount encodes calls for the Coinbase Smart Wallet and
// manages EIP-7702 delegation of an agent's EOA to it.
package smartaccount

import (
	"math/big"
	"strings"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const walletJSON = `[
{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
{"type":"function","name":"executeBatch","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}],"outputs":[]},
{"type":"function","name":"initialize","stateMutability":"payable","inputs":[{"name":"owners","type":"bytes[]"}],"outputs":[]},
{"type":"function","name":"setImplementation","stateMutability":"payable","inputs":[{"name":"newImplementation","type":"address"},{"name":"callData","type":"bytes"},{"name":"validator","type":"address"},{"name":"expiry","type":"uint256"},{"name":"signature","type":"bytes"},{"name":"allowCrossChainReplay","type":"bool"}],"outputs":[]}
]`

const nonceTrackerJSON = `[{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`

var (
	WalletABI       = mustParse(walletJSON)
	NonceTrackerABI = mustParse(nonceTrackerJSON)

	signatureArgs = abi.Arguments{{Type: mustTuple(
		abi.ArgumentMarshaling{Name: "ownerIndex", Type: "uint8"},
		abi.ArgumentMarshaling{Name: "signatureData", Type: "bytes"},
	)}}
	addressArgs = abi.Arguments{{Type: mustType("address")}}
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("smartaccount: invalid abi: " + err.Error())
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func mustTuple(components ...abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

// walletCall mirrors the executeBatch tuple.
type walletCall struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// BuildExecuteCallData wraps calls for the smart wallet: one call uses
// execute, several use executeBatch. Order is preserved.
func BuildExecuteCallData(calls []model.EncodedCall) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, apperrors.NewInvalidRequest("no calls provided for smart wallet execution")
	case 1:
		c := calls[0]
		return WalletABI.Pack("execute", c.To, c.ValueOrZero(), []byte(c.Data))
	}
	batch := make([]walletCall, len(calls))
	for i, c := range calls {
		batch[i] = walletCall{Target: c.To, Value: c.ValueOrZero(), Data: c.Data}
	}
	return WalletABI.Pack("executeBatch", batch)
}

// EncodeUserOperationSignature wraps a raw signature as
// abi.encode((uint8 ownerIndex, bytes signatureData)) so the wallet knows
// which owner signed.
func EncodeUserOperationSignature(signature []byte, ownerIndex uint8) ([]byte, error) {
	return signatureArgs.Pack(struct {
		OwnerIndex    uint8
		SignatureData []byte
	}{ownerIndex, signature})
}

// EncodeInitialize builds initialize(bytes[] owners) with each owner
// abi-encoded as an address word.
func EncodeInitialize(owners []common.Address) ([]byte, error) {
	if len(owners) == 0 {
		return nil, apperrors.NewInvalidRequest("at least one owner is required")
	}
	encoded := make([][]byte, len(owners))
	for i, owner := range owners {
		word, err := addressArgs.Pack(owner)
		if err != nil {
			return nil, err
		}
		encoded[i] = word
	}
	return WalletABI.Pack("initialize", encoded)
}

// EncodeSetImplementation builds the proxy call that points the delegated
// EOA at newImpl and runs callData against it.
func EncodeSetImplementation(newImpl common.Address, callData []byte, validator common.Address, expiry *big.Int, signature []byte) ([]byte, error) {
	return WalletABI.Pack("setImplementation", newImpl, callData, validator, expiry, signature, false)
}
