package protocol

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	weth   = common.HexToAddress("0x4200000000000000000000000000000000000006")
	vault  = common.HexToAddress("0x0000000f2eB9f69274678c76222B35eEc7588a65")
	morpho = common.HexToAddress("0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb")
	user   = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func testParams() MarketParams {
	lltv, _ := new(big.Int).SetString("860000000000000000", 10)
	return MarketParams{
		LoanToken:       usdc,
		CollateralToken: weth,
		Oracle:          common.HexToAddress("0xFEa2D58cEfCb9fcb597723c6bAE66fFE4193aFE4"),
		Irm:             common.HexToAddress("0x46415998764C29aB2a25CbeA6254146D50D22687"),
		Lltv:            lltv,
	}
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestEncodersUseCanonicalSelectors(t *testing.T) {
	mp := testParams()
	amount := big.NewInt(1_000_000)
	tuple := "(address,address,address,address,uint256)"

	cases := []struct {
		name string
		sig  string
		enc  func() ([]byte, error)
	}{
		{"approve", "approve(address,uint256)", func() ([]byte, error) { return EncodeApprove(morpho, amount) }},
		{"supplyCollateral", "supplyCollateral" + "(" + tuple + ",uint256,address,bytes)", func() ([]byte, error) { return EncodeSupplyCollateral(mp, amount, user) }},
		{"borrow", "borrow(" + tuple + ",uint256,uint256,address,address)", func() ([]byte, error) { return EncodeBorrow(mp, amount, user, user) }},
		{"repay", "repay(" + tuple + ",uint256,uint256,address,bytes)", func() ([]byte, error) { return EncodeRepayAssets(mp, amount, user) }},
		{"withdrawCollateral", "withdrawCollateral(" + tuple + ",uint256,address,address)", func() ([]byte, error) { return EncodeWithdrawCollateral(mp, amount, user, user) }},
		{"deposit", "deposit(uint256,address)", func() ([]byte, error) { return EncodeDeposit(amount, user) }},
		{"withdraw", "withdraw(uint256,address,address)", func() ([]byte, error) { return EncodeWithdraw(amount, user, user) }},
		{"redeem", "redeem(uint256,address,address)", func() ([]byte, error) { return EncodeRedeem(amount, user, user) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.enc()
			require.NoError(t, err)
			assert.Equal(t, selector(tc.sig), data[:4])
		})
	}
}

func TestEncodeRepaySharesZeroesAssets(t *testing.T) {
	data, err := EncodeRepayShares(testParams(), big.NewInt(777), user)
	require.NoError(t, err)

	args, err := MorphoABI.Methods["repay"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(0), args[1].(*big.Int).Int64())
	assert.Equal(t, int64(777), args[2].(*big.Int).Int64())
	assert.Equal(t, user, args[3].(common.Address))
}

func TestEncodeRejectsNilAmount(t *testing.T) {
	_, err := EncodeDeposit(nil, user)
	assert.Error(t, err)
}

func TestMarketParamsID(t *testing.T) {
	mp := testParams()
	manual := crypto.Keccak256Hash(
		common.LeftPadBytes(mp.LoanToken.Bytes(), 32),
		common.LeftPadBytes(mp.CollateralToken.Bytes(), 32),
		common.LeftPadBytes(mp.Oracle.Bytes(), 32),
		common.LeftPadBytes(mp.Irm.Bytes(), 32),
		common.LeftPadBytes(mp.Lltv.Bytes(), 32),
	)
	assert.Equal(t, manual, mp.ID())

	m := &model.Market{LoanAsset: usdc, CollateralAsset: weth, Oracle: mp.Oracle, IRM: mp.Irm, LLTVRaw: mp.Lltv}
	assert.Equal(t, mp.ID(), MarketParamsOf(m).ID())
}

func assetsFloor(shares, totalAssets, totalShares *big.Int) *big.Int {
	n := new(big.Int).Mul(shares, plus(totalAssets, VirtualAssets))
	return n.Quo(n, plus(totalShares, VirtualShares))
}

func TestRoundingDirections(t *testing.T) {
	totalAssets := big.NewInt(1_000_001)
	totalShares := big.NewInt(3_000_000_000_000)
	shares := big.NewInt(1_234_567_891)

	up := ToAssetsUp(shares, totalAssets, totalShares)
	down := assetsFloor(shares, totalAssets, totalShares)
	assert.Equal(t, int64(1), new(big.Int).Sub(up, down).Int64())

	assert.Equal(t, int64(0), ToAssetsUp(new(big.Int), totalAssets, totalShares).Int64())
	assert.Equal(t, int64(0), MulDivUp(big.NewInt(5), big.NewInt(5), new(big.Int)).Int64())
	assert.Equal(t, int64(5), MulDivUp(big.NewInt(9), big.NewInt(1), big.NewInt(2)).Int64())
}

func TestRoundingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("debt rounds up by at most one unit", prop.ForAll(
		func(shares, totalAssets, totalShares int64) bool {
			s, ta, ts := big.NewInt(shares), big.NewInt(totalAssets), big.NewInt(totalShares)
			diff := new(big.Int).Sub(ToAssetsUp(s, ta, ts), assetsFloor(s, ta, ts))
			return diff.Sign() >= 0 && diff.Cmp(big.NewInt(1)) <= 0
		},
		gen.Int64Range(0, 1<<40), gen.Int64Range(0, 1<<40), gen.Int64Range(0, 1<<50),
	))

	properties.Property("exact quotients are not rounded", prop.ForAll(
		func(q, d int64) bool {
			x := big.NewInt(q * d)
			return MulDivUp(x, big.NewInt(1), big.NewInt(d)).Int64() == q
		},
		gen.Int64Range(0, 1<<30), gen.Int64Range(1, 1<<20),
	))

	properties.TestingRun(t)
}

type fakeCaller struct {
	responses map[string][]any
	blocks    []*big.Int
	err       error
}

func (f *fakeCaller) CallFunctionByName(_ context.Context, _ common.Address, _ abi.ABI, fn string, _ []any, block *big.Int) ([]any, error) {
	f.blocks = append(f.blocks, block)
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.responses[fn]
	if !ok {
		return nil, errors.New("unexpected call " + fn)
	}
	return out, nil
}

func TestReaderLivePosition(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]any{
		"position":        {big.NewInt(0), big.NewInt(2_000_000_000_000), big.NewInt(50_000_000_000_000_000)},
		"market":          {big.NewInt(0), big.NewInt(0), big.NewInt(10_000_000), big.NewInt(20_000_000_000_000), big.NewInt(0), big.NewInt(0)},
		"balanceOf":       {big.NewInt(900)},
		"convertToAssets": {big.NewInt(950)},
	}}
	r := NewReader(caller, morpho)
	live, err := r.Live(context.Background(), testParams().ID(), user, vault, usdc)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(50_000_000_000_000_000), live.Collateral)
	// 2e12 * (1e7+1) / (2e13+1e6), rounded up
	assert.Equal(t, int64(1_000_001), live.BorrowAssets.Int64())
	assert.Equal(t, int64(900), live.VaultShares.Int64())
	assert.Equal(t, int64(950), live.VaultAssets.Int64())
	assert.Equal(t, int64(900), live.IdleLoan.Int64())
}

func TestReaderSkipsMarketReadWithoutDebt(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]any{
		"position":  {big.NewInt(0), big.NewInt(0), big.NewInt(10)},
		"balanceOf": {big.NewInt(0)},
	}}
	live, err := NewReader(caller, morpho).Live(context.Background(), common.Hash{}, user, vault, usdc)
	require.NoError(t, err)
	assert.Zero(t, live.BorrowAssets.Sign())
	assert.Zero(t, live.VaultAssets.Sign())
}

func TestReaderPropagatesErrors(t *testing.T) {
	caller := &fakeCaller{err: errors.New("rpc down")}
	_, err := NewReader(caller, morpho).Position(context.Background(), common.Hash{}, user)
	assert.EqualError(t, err, "rpc down")
}

func TestReaderDecimalsAndHistoricalRate(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]any{
		"decimals":        {uint8(6)},
		"convertToAssets": {big.NewInt(1_050_000)},
	}}
	r := NewReader(caller, morpho)
	d, err := r.Decimals(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)

	block := big.NewInt(123)
	v, err := r.ConvertToAssets(context.Background(), vault, big.NewInt(1_000_000), block)
	require.NoError(t, err)
	assert.Equal(t, int64(1_050_000), v.Int64())
	assert.Equal(t, block, caller.blocks[len(caller.blocks)-1])
}
