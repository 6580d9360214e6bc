package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/borrowbot/keeper/internal/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PositionState is a user's raw position in one Morpho market.
type PositionState struct {
	SupplyShares *big.Int
	BorrowShares *big.Int
	Collateral   *big.Int
}

// MarketState holds the market totals needed for share conversions.
type MarketState struct {
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LastUpdate        *big.Int
	Fee               *big.Int
}

// BorrowAssets values borrow shares in loan-asset units, rounded up.
func (m MarketState) BorrowAssets(shares *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return new(big.Int)
	}
	return ToAssetsUp(shares, m.TotalBorrowAssets, m.TotalBorrowShares)
}

// LivePosition is everything the health check needs from chain.
type LivePosition struct {
	Collateral   *big.Int
	BorrowShares *big.Int
	BorrowAssets *big.Int
	VaultShares  *big.Int
	VaultAssets  *big.Int
	IdleLoan     *big.Int // loan asset sitting in the wallet
}

// Reader decodes protocol state through the chain-read seam.
type Reader struct {
	caller chain.Caller
	morpho common.Address
}

func NewReader(caller chain.Caller, morpho common.Address) *Reader {
	return &Reader{caller: caller, morpho: morpho}
}

func (r *Reader) Position(ctx context.Context, id common.Hash, user common.Address) (PositionState, error) {
	out, err := r.caller.CallFunctionByName(ctx, r.morpho, MorphoABI, "position", []any{id, user}, nil)
	if err != nil {
		return PositionState{}, err
	}
	values, err := bigs(out, 3)
	if err != nil {
		return PositionState{}, fmt.Errorf("decode position: %w", err)
	}
	return PositionState{SupplyShares: values[0], BorrowShares: values[1], Collateral: values[2]}, nil
}

func (r *Reader) MarketState(ctx context.Context, id common.Hash) (MarketState, error) {
	out, err := r.caller.CallFunctionByName(ctx, r.morpho, MorphoABI, "market", []any{id}, nil)
	if err != nil {
		return MarketState{}, err
	}
	v, err := bigs(out, 6)
	if err != nil {
		return MarketState{}, fmt.Errorf("decode market: %w", err)
	}
	return MarketState{
		TotalSupplyAssets: v[0],
		TotalSupplyShares: v[1],
		TotalBorrowAssets: v[2],
		TotalBorrowShares: v[3],
		LastUpdate:        v[4],
		Fee:               v[5],
	}, nil
}

// MarketParams reads the params registered under id.
func (r *Reader) MarketParams(ctx context.Context, id common.Hash) (MarketParams, error) {
	out, err := r.caller.CallFunctionByName(ctx, r.morpho, MorphoABI, "idToMarketParams", []any{id}, nil)
	if err != nil {
		return MarketParams{}, err
	}
	if len(out) != 5 {
		return MarketParams{}, fmt.Errorf("decode idToMarketParams: got %d values", len(out))
	}
	mp := MarketParams{}
	var ok [5]bool
	mp.LoanToken, ok[0] = out[0].(common.Address)
	mp.CollateralToken, ok[1] = out[1].(common.Address)
	mp.Oracle, ok[2] = out[2].(common.Address)
	mp.Irm, ok[3] = out[3].(common.Address)
	mp.Lltv, ok[4] = out[4].(*big.Int)
	for i, good := range ok {
		if !good {
			return MarketParams{}, fmt.Errorf("decode idToMarketParams: value %d has type %T", i, out[i])
		}
	}
	return mp, nil
}

func (r *Reader) Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.single(ctx, token, ERC20ABI, "balanceOf", owner)
}

func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.single(ctx, token, ERC20ABI, "allowance", owner, spender)
}

func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := r.caller.CallFunctionByName(ctx, token, ERC20ABI, "decimals", nil, nil)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decode decimals: got %d values", len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decode decimals: unexpected %T", out[0])
	}
	return d, nil
}

// VaultPosition returns the owner's vault shares and their asset value.
func (r *Reader) VaultPosition(ctx context.Context, vault, owner common.Address) (shares, assets *big.Int, err error) {
	shares, err = r.single(ctx, vault, VaultABI, "balanceOf", owner)
	if err != nil {
		return nil, nil, err
	}
	if shares.Sign() == 0 {
		return shares, new(big.Int), nil
	}
	assets, err = r.ConvertToAssets(ctx, vault, shares, nil)
	if err != nil {
		return nil, nil, err
	}
	return shares, assets, nil
}

// ConvertToAssets asks the vault for the asset value of shares at block.
func (r *Reader) ConvertToAssets(ctx context.Context, vault common.Address, shares, block *big.Int) (*big.Int, error) {
	out, err := r.caller.CallFunctionByName(ctx, vault, VaultABI, "convertToAssets", []any{shares}, block)
	if err != nil {
		return nil, err
	}
	v, err := bigs(out, 1)
	if err != nil {
		return nil, fmt.Errorf("decode convertToAssets: %w", err)
	}
	return v[0], nil
}

// Live reads collateral, debt, vault and idle balances for one wallet.
func (r *Reader) Live(ctx context.Context, id common.Hash, user, vault, loanAsset common.Address) (*LivePosition, error) {
	pos, err := r.Position(ctx, id, user)
	if err != nil {
		return nil, err
	}
	borrowAssets := new(big.Int)
	if pos.BorrowShares.Sign() > 0 {
		state, err := r.MarketState(ctx, id)
		if err != nil {
			return nil, err
		}
		borrowAssets = state.BorrowAssets(pos.BorrowShares)
	}
	shares, assets, err := r.VaultPosition(ctx, vault, user)
	if err != nil {
		return nil, err
	}
	idle, err := r.Balance(ctx, loanAsset, user)
	if err != nil {
		return nil, err
	}
	return &LivePosition{
		Collateral:   pos.Collateral,
		BorrowShares: pos.BorrowShares,
		BorrowAssets: borrowAssets,
		VaultShares:  shares,
		VaultAssets:  assets,
		IdleLoan:     idle,
	}, nil
}

func (r *Reader) single(ctx context.Context, to common.Address, contract abi.ABI, fn string, args ...any) (*big.Int, error) {
	out, err := r.caller.CallFunctionByName(ctx, to, contract, fn, args, nil)
	if err != nil {
		return nil, err
	}
	v, err := bigs(out, 1)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fn, err)
	}
	return v[0], nil
}

func bigs(out []any, n int) ([]*big.Int, error) {
	if len(out) != n {
		return nil, fmt.Errorf("got %d values, want %d", len(out), n)
	}
	values := make([]*big.Int, n)
	for i, o := range out {
		v, ok := o.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("value %d has type %T", i, o)
		}
		values[i] = v
	}
	return values, nil
}
