package protocol

import (
	"fmt"
	"math/big"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketParams identifies a Morpho Blue market. Field names follow the
// contract tuple so the ABI packer can map them.
type MarketParams struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	Irm             common.Address
	Lltv            *big.Int
}

func MarketParamsOf(m *model.Market) MarketParams {
	lltv := m.LLTVRaw
	if lltv == nil {
		lltv = new(big.Int)
	}
	return MarketParams{
		LoanToken:       m.LoanAsset,
		CollateralToken: m.CollateralAsset,
		Oracle:          m.Oracle,
		Irm:             m.IRM,
		Lltv:            lltv,
	}
}

// ID is keccak256(abi.encode(params)), the key Morpho stores the market under.
func (p MarketParams) ID() common.Hash {
	packed, err := abi.Arguments{
		{Type: mustType("address")}, {Type: mustType("address")}, {Type: mustType("address")},
		{Type: mustType("address")}, {Type: mustType("uint256")},
	}.Pack(p.LoanToken, p.CollateralToken, p.Oracle, p.Irm, p.Lltv)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(packed)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func pack(contract abi.ABI, fn string, args ...any) ([]byte, error) {
	for i, a := range args {
		if v, ok := a.(*big.Int); ok && v == nil {
			return nil, fmt.Errorf("%s: argument %d is nil", fn, i)
		}
	}
	data, err := contract.Pack(fn, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", fn, err)
	}
	return data, nil
}

func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return pack(ERC20ABI, "approve", spender, amount)
}

func EncodeSupplyCollateral(mp MarketParams, assets *big.Int, onBehalf common.Address) ([]byte, error) {
	return pack(MorphoABI, "supplyCollateral", mp, assets, onBehalf, []byte{})
}

// EncodeBorrow borrows an exact asset amount; shares is passed as zero.
func EncodeBorrow(mp MarketParams, assets *big.Int, onBehalf, receiver common.Address) ([]byte, error) {
	return pack(MorphoABI, "borrow", mp, assets, new(big.Int), onBehalf, receiver)
}

// EncodeRepayAssets repays an exact asset amount.
func EncodeRepayAssets(mp MarketParams, assets *big.Int, onBehalf common.Address) ([]byte, error) {
	return pack(MorphoABI, "repay", mp, assets, new(big.Int), onBehalf, []byte{})
}

// EncodeRepayShares burns an exact share amount, which clears the debt fully
// regardless of interest accrued since it was read.
func EncodeRepayShares(mp MarketParams, shares *big.Int, onBehalf common.Address) ([]byte, error) {
	return pack(MorphoABI, "repay", mp, new(big.Int), shares, onBehalf, []byte{})
}

func EncodeWithdrawCollateral(mp MarketParams, assets *big.Int, onBehalf, receiver common.Address) ([]byte, error) {
	return pack(MorphoABI, "withdrawCollateral", mp, assets, onBehalf, receiver)
}

func EncodeDeposit(assets *big.Int, receiver common.Address) ([]byte, error) {
	return pack(VaultABI, "deposit", assets, receiver)
}

func EncodeWithdraw(assets *big.Int, receiver, owner common.Address) ([]byte, error) {
	return pack(VaultABI, "withdraw", assets, receiver, owner)
}

func EncodeRedeem(shares *big.Int, receiver, owner common.Address) ([]byte, error) {
	return pack(VaultABI, "redeem", shares, receiver, owner)
}
