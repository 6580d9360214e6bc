// Package txbuilder composes protocol calls into the ordered batches each
// rebalancing scenario needs. Batch order is part of the contract: approvals
// precede the call that spends them, and nothing is ever reordered.
package txbuilder

import (
	"math/big"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/protocol"
	"github.com/ethereum/go-ethereum/common"
)

// Builder is stateless apart from the deployment addresses it targets.
type Builder struct {
	chainID   int64
	loanAsset common.Address
	vault     common.Address
	morpho    common.Address
}

func New(chainID int64, loanAsset, vault, morpho common.Address) *Builder {
	return &Builder{chainID: chainID, loanAsset: loanAsset, vault: vault, morpho: morpho}
}

func (b *Builder) ChainID() int64            { return b.chainID }
func (b *Builder) LoanAsset() common.Address { return b.loanAsset }
func (b *Builder) Vault() common.Address     { return b.vault }
func (b *Builder) Morpho() common.Address    { return b.morpho }

type OpenParams struct {
	User                    common.Address
	Collateral              common.Address
	CollateralAmount        *big.Int
	BorrowAmount            *big.Int
	Market                  protocol.MarketParams
	NeedsCollateralApproval bool
	NeedsLoanApproval       bool
}

type RepayParams struct {
	User              common.Address
	Amount            *big.Int
	Market            protocol.MarketParams
	NeedsLoanApproval bool
}

type BorrowParams struct {
	User              common.Address
	Amount            *big.Int
	Market            protocol.MarketParams
	NeedsLoanApproval bool
}

// CloseParams describes a full unwind. VaultShares and BorrowShares are nil
// when unknown, in which case the asset amounts are used instead.
type CloseParams struct {
	User              common.Address
	CollateralAmount  *big.Int
	RepayAmount       *big.Int
	VaultAssets       *big.Int
	VaultShares       *big.Int
	BorrowShares      *big.Int
	Market            protocol.MarketParams
	NeedsLoanApproval bool
}

// Open supplies collateral, borrows against it and parks the loan in the vault.
func (b *Builder) Open(p OpenParams) ([]model.EncodedCall, error) {
	if err := b.checkMarket(p.Market); err != nil {
		return nil, err
	}
	if p.Collateral != p.Market.CollateralToken {
		return nil, apperrors.NewInvalidRequest("collateral does not match market")
	}
	if err := positive("collateral amount", p.CollateralAmount); err != nil {
		return nil, err
	}
	if err := positive("borrow amount", p.BorrowAmount); err != nil {
		return nil, err
	}

	batch := newBatch()
	if p.NeedsCollateralApproval {
		batch.add(p.Collateral)(protocol.EncodeApprove(b.morpho, p.CollateralAmount))
	}
	batch.add(b.morpho)(protocol.EncodeSupplyCollateral(p.Market, p.CollateralAmount, p.User))
	batch.add(b.morpho)(protocol.EncodeBorrow(p.Market, p.BorrowAmount, p.User, p.User))
	if p.NeedsLoanApproval {
		batch.add(b.loanAsset)(protocol.EncodeApprove(b.vault, p.BorrowAmount))
	}
	batch.add(b.vault)(protocol.EncodeDeposit(p.BorrowAmount, p.User))
	return batch.done("open")
}

// PartialRepay pulls the amount out of the vault and repays it. Collateral
// stays in place.
func (b *Builder) PartialRepay(p RepayParams) ([]model.EncodedCall, error) {
	if err := b.checkMarket(p.Market); err != nil {
		return nil, err
	}
	if err := positive("repay amount", p.Amount); err != nil {
		return nil, err
	}

	batch := newBatch()
	batch.add(b.vault)(protocol.EncodeWithdraw(p.Amount, p.User, p.User))
	if p.NeedsLoanApproval {
		batch.add(b.loanAsset)(protocol.EncodeApprove(b.morpho, p.Amount))
	}
	batch.add(b.morpho)(protocol.EncodeRepayAssets(p.Market, p.Amount, p.User))
	return batch.done("partial_repay")
}

// AutoBorrow borrows more against existing collateral and deposits it.
func (b *Builder) AutoBorrow(p BorrowParams) ([]model.EncodedCall, error) {
	if err := b.checkMarket(p.Market); err != nil {
		return nil, err
	}
	if err := positive("borrow amount", p.Amount); err != nil {
		return nil, err
	}

	batch := newBatch()
	batch.add(b.morpho)(protocol.EncodeBorrow(p.Market, p.Amount, p.User, p.User))
	if p.NeedsLoanApproval {
		batch.add(b.loanAsset)(protocol.EncodeApprove(b.vault, p.Amount))
	}
	batch.add(b.vault)(protocol.EncodeDeposit(p.Amount, p.User))
	return batch.done("auto_borrow")
}

// Close unwinds the whole position. The approval covers twice the repay
// amount so interest accrued between read and execution cannot make the
// repay revert; repaying by shares clears the debt exactly.
func (b *Builder) Close(p CloseParams) ([]model.EncodedCall, error) {
	if err := b.checkMarket(p.Market); err != nil {
		return nil, err
	}
	if err := positive("collateral amount", p.CollateralAmount); err != nil {
		return nil, err
	}
	if err := positive("repay amount", p.RepayAmount); err != nil {
		return nil, err
	}

	batch := newBatch()
	switch {
	case known(p.VaultShares):
		batch.add(b.vault)(protocol.EncodeRedeem(p.VaultShares, p.User, p.User))
	case known(p.VaultAssets):
		batch.add(b.vault)(protocol.EncodeWithdraw(p.VaultAssets, p.User, p.User))
	default:
		return nil, apperrors.NewInvalidRequest("close requires vault shares or vault assets")
	}
	if p.NeedsLoanApproval {
		allowance := new(big.Int).Mul(p.RepayAmount, big.NewInt(2))
		batch.add(b.loanAsset)(protocol.EncodeApprove(b.morpho, allowance))
	}
	if known(p.BorrowShares) {
		batch.add(b.morpho)(protocol.EncodeRepayShares(p.Market, p.BorrowShares, p.User))
	} else {
		batch.add(b.morpho)(protocol.EncodeRepayAssets(p.Market, p.RepayAmount, p.User))
	}
	batch.add(b.morpho)(protocol.EncodeWithdrawCollateral(p.Market, p.CollateralAmount, p.User, p.User))
	return batch.done("close")
}

// IdleSweep deposits loan asset sitting unrouted in the wallet.
func (b *Builder) IdleSweep(user common.Address, amount *big.Int) ([]model.EncodedCall, error) {
	if err := positive("sweep amount", amount); err != nil {
		return nil, err
	}
	batch := newBatch()
	batch.add(b.loanAsset)(protocol.EncodeApprove(b.vault, amount))
	batch.add(b.vault)(protocol.EncodeDeposit(amount, user))
	return batch.done("idle_sweep")
}

// Withdraw redeems vault shares to the wallet, leaving the loan open.
func (b *Builder) Withdraw(user common.Address, shares *big.Int) ([]model.EncodedCall, error) {
	if err := positive("shares", shares); err != nil {
		return nil, err
	}
	batch := newBatch()
	batch.add(b.vault)(protocol.EncodeRedeem(shares, user, user))
	return batch.done("withdraw")
}

func (b *Builder) checkMarket(mp protocol.MarketParams) error {
	if mp.LoanToken != b.loanAsset {
		return apperrors.Newf(apperrors.ErrInvalidRequest, "market loan token %s is not %s", mp.LoanToken.Hex(), b.loanAsset.Hex())
	}
	if mp.Lltv == nil || mp.Lltv.Sign() <= 0 {
		return apperrors.NewInvalidRequest("market lltv missing")
	}
	return nil
}

func positive(name string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidRequest, "%s must be positive", name)
	}
	return nil
}

func known(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// batch collects calls and remembers the first encoding error.
type batch struct {
	calls []model.EncodedCall
	err   error
}

func newBatch() *batch {
	return &batch{calls: make([]model.EncodedCall, 0, 5)}
}

func (b *batch) add(to common.Address) func([]byte, error) {
	return func(data []byte, err error) {
		if b.err != nil {
			return
		}
		if err != nil {
			b.err = apperrors.New(apperrors.ErrInvalidRequest, "failed to encode call", err)
			return
		}
		b.calls = append(b.calls, model.EncodedCall{To: to, Data: data, Value: new(big.Int)})
	}
}

func (b *batch) done(scenario string) ([]model.EncodedCall, error) {
	if b.err != nil {
		return nil, b.err
	}
	logger.Debug("built call batch", "scenario", scenario, "calls", len(b.calls))
	return b.calls, nil
}
