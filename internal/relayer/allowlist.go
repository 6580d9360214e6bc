package relayer

import (
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultAllowed are the only targets a sponsored operation may call.
var DefaultAllowed = []common.Address{
	common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), // USDC (Base)
	common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), // EntryPoint v0.6
	common.HexToAddress("0x4200000000000000000000000000000000000006"), // WETH
	common.HexToAddress("0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf"), // cbBTC
	common.HexToAddress("0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb"), // Morpho Blue
	common.HexToAddress("0x0000000f2eB9f69274678c76222B35eEc7588a65"), // USDC yield vault
	common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63"), // ENS public resolver
	common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"), // ENS registry
	common.HexToAddress("0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"), // LI.FI diamond
}

// AllowList is a fixed set of call targets. A nil list allows nothing.
type AllowList struct {
	set map[common.Address]struct{}
}

func NewAllowList(addrs ...common.Address) *AllowList {
	a := &AllowList{set: make(map[common.Address]struct{}, len(addrs))}
	for _, addr := range addrs {
		a.set[addr] = struct{}{}
	}
	return a
}

// DefaultAllowList is DefaultAllowed plus explicit additions.
func DefaultAllowList(extra ...common.Address) *AllowList {
	return NewAllowList(append(append([]common.Address{}, DefaultAllowed...), extra...)...)
}

func (a *AllowList) Allowed(addr common.Address) bool {
	if a == nil {
		return false
	}
	_, ok := a.set[addr]
	return ok
}

func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.set)
}

// Check rejects the batch if any call targets an address outside the list.
func (a *AllowList) Check(calls []model.EncodedCall) error {
	for i, call := range calls {
		if !a.Allowed(call.To) {
			return apperrors.Newf(apperrors.ErrCallNotAllowed, "call to %s is not allowed for user operations", call.To.Hex()).
				WithDetail("index", i)
		}
	}
	return nil
}
