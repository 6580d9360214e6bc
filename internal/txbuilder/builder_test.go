package txbuilder

import (
	"math/big"
	"testing"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/protocol"
	"github.com/ethereum/go-ethereum/common"
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

func testBuilder() *Builder {
	return New(8453, usdc, vault, morpho)
}

func market() protocol.MarketParams {
	lltv, _ := new(big.Int).SetString("860000000000000000", 10)
	return protocol.MarketParams{
		LoanToken:       usdc,
		CollateralToken: weth,
		Oracle:          common.HexToAddress("0xFEa2D58cEfCb9fcb597723c6bAE66fFE4193aFE4"),
		Irm:             common.HexToAddress("0x46415998764C29aB2a25CbeA6254146D50D22687"),
		Lltv:            lltv,
	}
}

// step names a call by target and method for order assertions.
func steps(t *testing.T, calls []model.EncodedCall) []string {
	t.Helper()
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		var contract = protocol.ERC20ABI
		prefix := "token."
		switch c.To {
		case morpho:
			contract, prefix = protocol.MorphoABI, "morpho."
		case vault:
			contract, prefix = protocol.VaultABI, "vault."
		}
		method, err := contract.MethodById(c.Data[:4])
		require.NoError(t, err)
		names = append(names, prefix+method.Name)
		assert.Zero(t, c.ValueOrZero().Sign())
	}
	return names
}

func TestOpenOrder(t *testing.T) {
	calls, err := testBuilder().Open(OpenParams{
		User: user, Collateral: weth,
		CollateralAmount: big.NewInt(1e18), BorrowAmount: big.NewInt(1_500_000_000),
		Market: market(), NeedsCollateralApproval: true, NeedsLoanApproval: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"token.approve", "morpho.supplyCollateral", "morpho.borrow", "token.approve", "vault.deposit"}, steps(t, calls))
	assert.Equal(t, weth, calls[0].To)
	assert.Equal(t, usdc, calls[3].To)
}

func TestOpenOmitsApprovals(t *testing.T) {
	calls, err := testBuilder().Open(OpenParams{
		User: user, Collateral: weth,
		CollateralAmount: big.NewInt(1e18), BorrowAmount: big.NewInt(1_500_000_000),
		Market: market(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"morpho.supplyCollateral", "morpho.borrow", "vault.deposit"}, steps(t, calls))
}

func TestOpenOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("open keeps approve?, supply, borrow, approve?, deposit", prop.ForAll(
		func(coll, borrow int64, approveColl, approveLoan bool) bool {
			calls, err := testBuilder().Open(OpenParams{
				User: user, Collateral: weth,
				CollateralAmount: big.NewInt(coll), BorrowAmount: big.NewInt(borrow),
				Market: market(), NeedsCollateralApproval: approveColl, NeedsLoanApproval: approveLoan,
			})
			if err != nil {
				return false
			}
			want := []string{}
			if approveColl {
				want = append(want, "token.approve")
			}
			want = append(want, "morpho.supplyCollateral", "morpho.borrow")
			if approveLoan {
				want = append(want, "token.approve")
			}
			want = append(want, "vault.deposit")
			got := steps(t, calls)
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 1<<62), gen.Int64Range(1, 1<<62), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestPartialRepayOrder(t *testing.T) {
	calls, err := testBuilder().PartialRepay(RepayParams{User: user, Amount: big.NewInt(15_000_000), Market: market(), NeedsLoanApproval: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"vault.withdraw", "token.approve", "morpho.repay"}, steps(t, calls))

	args, err := protocol.MorphoABI.Methods["repay"].Inputs.Unpack(calls[2].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), args[1].(*big.Int).Int64())
	assert.Zero(t, args[2].(*big.Int).Sign())
}

func TestAutoBorrowOrder(t *testing.T) {
	calls, err := testBuilder().AutoBorrow(BorrowParams{User: user, Amount: big.NewInt(10_000_000), Market: market(), NeedsLoanApproval: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"morpho.borrow", "token.approve", "vault.deposit"}, steps(t, calls))

	calls, err = testBuilder().AutoBorrow(BorrowParams{User: user, Amount: big.NewInt(10_000_000), Market: market()})
	require.NoError(t, err)
	assert.Equal(t, []string{"morpho.borrow", "vault.deposit"}, steps(t, calls))
}

func TestCloseWithKnownShares(t *testing.T) {
	calls, err := testBuilder().Close(CloseParams{
		User: user, CollateralAmount: big.NewInt(1e18), RepayAmount: big.NewInt(85_000_000),
		VaultAssets: big.NewInt(90_000_000), VaultShares: big.NewInt(88_000_000), BorrowShares: big.NewInt(84_000_000_000_000),
		Market: market(), NeedsLoanApproval: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vault.redeem", "token.approve", "morpho.repay", "morpho.withdrawCollateral"}, steps(t, calls))

	approve, err := protocol.ERC20ABI.Methods["approve"].Inputs.Unpack(calls[1].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(170_000_000), approve[1].(*big.Int).Int64())

	repay, err := protocol.MorphoABI.Methods["repay"].Inputs.Unpack(calls[2].Data[4:])
	require.NoError(t, err)
	assert.Zero(t, repay[1].(*big.Int).Sign())
	assert.Equal(t, int64(84_000_000_000_000), repay[2].(*big.Int).Int64())
}

func TestCloseFallsBackToAssets(t *testing.T) {
	calls, err := testBuilder().Close(CloseParams{
		User: user, CollateralAmount: big.NewInt(1e18), RepayAmount: big.NewInt(85_000_000),
		VaultAssets: big.NewInt(90_000_000), Market: market(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vault.withdraw", "morpho.repay", "morpho.withdrawCollateral"}, steps(t, calls))

	repay, err := protocol.MorphoABI.Methods["repay"].Inputs.Unpack(calls[1].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(85_000_000), repay[1].(*big.Int).Int64())
}

func TestCloseNeedsVaultAmount(t *testing.T) {
	_, err := testBuilder().Close(CloseParams{User: user, CollateralAmount: big.NewInt(1), RepayAmount: big.NewInt(1), Market: market()})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))
}

func TestIdleSweepAndWithdraw(t *testing.T) {
	calls, err := testBuilder().IdleSweep(user, big.NewInt(5_000_000))
	require.NoError(t, err)
	assert.Equal(t, []string{"token.approve", "vault.deposit"}, steps(t, calls))

	calls, err = testBuilder().Withdraw(user, big.NewInt(1_000))
	require.NoError(t, err)
	assert.Equal(t, []string{"vault.redeem"}, steps(t, calls))
}

func TestRejectsInvalidInput(t *testing.T) {
	b := testBuilder()

	_, err := b.AutoBorrow(BorrowParams{User: user, Amount: big.NewInt(0), Market: market()})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	wrongLoan := market()
	wrongLoan.LoanToken = weth
	_, err = b.PartialRepay(RepayParams{User: user, Amount: big.NewInt(1), Market: wrongLoan})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	_, err = b.Open(OpenParams{User: user, Collateral: usdc, CollateralAmount: big.NewInt(1), BorrowAmount: big.NewInt(1), Market: market()})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	_, err = b.IdleSweep(user, nil)
	assert.Error(t, err)
}
