package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/pkg/metrics"
	"github.com/borrowbot/keeper/internal/smartaccount"
	"github.com/borrowbot/keeper/internal/txbuilder"
	"github.com/ethereum/go-ethereum/common"
)

// submitState is what the keeper knows about a submitted operation.
type submitState int

const (
	submitNone submitState = iota
	submitLanded
	// submitUnknown means the receipt poll timed out. The operation may still
	// land under the same EntryPoint nonce.
	submitUnknown
)

// act submits the automatic action and reports what is known about it.
func (m *Monitor) act(ctx context.Context, ev *Evaluation, user *model.User, log *slog.Logger) submitState {
	res := ev.Result
	kind := res.Action
	amountUSD := m.loanUSD(res.ActionAmount)
	log = log.With("action", kind.String(), "amount", res.ActionAmount.String())
	if m.opts.DryRun {
		log.Info("Dry run, action not submitted", "reason", res.Reason)
		return submitNone
	}

	log.Info("Executing action", "amount_usd", amountUSD, "reason", res.Reason)
	receipt, err := m.submit(ctx, ev)
	details := map[string]any{
		"amount":     res.ActionAmount.String(),
		"amount_usd": amountUSD,
		"old_ltv":    res.CurrentLTV,
		"target_ltv": res.TargetLTV,
		"reason":     res.Reason,
	}
	if apperrors.Is(err, apperrors.ErrTimeout) {
		metrics.ActionsSubmitted.WithLabelValues(kind.String(), "timeout").Inc()
		details["outcome"] = "unknown"
		details["code"] = apperrors.ErrTimeout
		details["error"] = err.Error()
		log.Warn("Action outcome unknown, receipt not seen before timeout", "error", err)
		m.recorder.record(ctx, model.NewActionLog(ev.Agent.ID, kind.String(), res.ActionAmount.String(), nil, details))
		return submitUnknown
	}
	details["success"] = err == nil
	if err != nil {
		metrics.ActionsSubmitted.WithLabelValues(kind.String(), "failed").Inc()
		appErr := apperrors.Wrap(err)
		details["error"] = err.Error()
		details["code"] = appErr.Type
		if appErr.Details != nil {
			details["error_details"] = appErr.Details
		}
		log.Error("Action failed", "code", appErr.Type, "error", err)
		m.recorder.record(ctx, model.NewActionLog(ev.Agent.ID, kind.String(), res.ActionAmount.String(), nil, details))
		return submitNone
	}

	metrics.ActionsSubmitted.WithLabelValues(kind.String(), "success").Inc()
	opHash := receipt.UserOpHash.Hex()
	details["user_op_hash"] = opHash
	details["tx_hash"] = receipt.TxHash().Hex()
	m.recorder.record(ctx, model.NewActionLog(ev.Agent.ID, kind.String(), res.ActionAmount.String(), &opHash, details))
	log.Info("Action executed", "user_op_hash", opHash)

	var notifyErr error
	switch kind {
	case model.ActionAutoRepay:
		newLTV := projectedLTV(ev.DebtUSD-amountUSD, ev.CollateralUSD)
		notifyErr = m.caps.SendAutoRepaySuccess(ctx, ev.Agent, user, amountUSD, res.CurrentLTV, newLTV, true)
	case model.ActionAutoOptimize:
		newLTV := projectedLTV(ev.DebtUSD+amountUSD, ev.CollateralUSD)
		notifyErr = m.caps.SendAutoOptimizeSuccess(ctx, ev.Agent, user, amountUSD, res.CurrentLTV, newLTV, priceContext(ev.Analysis))
	}
	if notifyErr != nil {
		log.Warn("Notification failed", "error", notifyErr)
	}
	return submitLanded
}

func (m *Monitor) submit(ctx context.Context, ev *Evaluation) (*model.UserOperationReceipt, error) {
	owner, err := m.owner(ev.Agent)
	if err != nil {
		return nil, err
	}
	mp, err := m.chain.MarketParams(ctx, ev.MarketID)
	if err != nil {
		return nil, err
	}
	wallet := ev.Agent.Wallet()
	amount := ev.Result.ActionAmount

	var calls []model.EncodedCall
	switch ev.Result.Action {
	case model.ActionAutoRepay:
		approve, err := m.needsApproval(ctx, wallet, m.builder.Morpho(), amount)
		if err != nil {
			return nil, err
		}
		calls, err = m.builder.PartialRepay(txbuilder.RepayParams{
			User: wallet, Amount: amount, Market: mp, NeedsLoanApproval: approve,
		})
		if err != nil {
			return nil, err
		}
	case model.ActionAutoOptimize:
		approve, err := m.needsApproval(ctx, wallet, m.builder.Vault(), amount)
		if err != nil {
			return nil, err
		}
		calls, err = m.builder.AutoBorrow(txbuilder.BorrowParams{
			User: wallet, Amount: amount, Market: mp, NeedsLoanApproval: approve,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "action %s is not automatic", ev.Result.Action)
	}
	return m.exec.ExecuteCalls(ctx, owner, calls)
}

func (m *Monitor) owner(agent *model.Agent) (smartaccount.HashSigner, error) {
	if m.exec == nil || m.keys == nil {
		return nil, apperrors.NewConfig("relayer or agent keys not configured")
	}
	owner, ok := m.keys.Signer(agent.Wallet())
	if !ok {
		return nil, apperrors.NewConfig("no signing key for wallet " + agent.WalletAddress)
	}
	return owner, nil
}

func (m *Monitor) needsApproval(ctx context.Context, wallet, spender common.Address, amount *big.Int) (bool, error) {
	allowance, err := m.chain.Allowance(ctx, m.builder.LoanAsset(), wallet, spender)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(amount) < 0, nil
}

// sweepIdle deposits loan asset left in the wallet into the vault.
func (m *Monitor) sweepIdle(ctx context.Context, ev *Evaluation, user *model.User, log *slog.Logger) bool {
	idle := ev.Live.IdleLoan
	if idle == nil || idle.Sign() <= 0 {
		return false
	}
	usd := m.loanUSD(idle)
	if usd < m.opts.IdleSweepMinUSD {
		return false
	}
	if ev.Constitution != nil && ev.Constitution.Paused {
		log.Info("Idle balance left in wallet, agent paused", "idle_usd", usd)
		return false
	}
	if m.opts.DryRun {
		log.Info("Dry run, idle sweep not submitted", "idle_usd", usd)
		return false
	}

	owner, err := m.owner(ev.Agent)
	if err != nil {
		log.Warn("Idle sweep skipped", "error", err)
		return false
	}
	calls, err := m.builder.IdleSweep(ev.Agent.Wallet(), idle)
	if err != nil {
		log.Warn("Idle sweep skipped", "error", err)
		return false
	}
	receipt, err := m.exec.ExecuteCalls(ctx, owner, calls)
	details := map[string]any{"amount": idle.String(), "amount_usd": usd}
	if apperrors.Is(err, apperrors.ErrTimeout) {
		metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeIdleSweep, "timeout").Inc()
		details["outcome"] = "unknown"
		details["error"] = err.Error()
		log.Warn("Idle sweep outcome unknown", "error", err)
		m.recorder.record(ctx, model.NewActionLog(ev.Agent.ID, model.ActionTypeIdleSweep, idle.String(), nil, details))
		return false
	}
	details["success"] = err == nil
	if err != nil {
		metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeIdleSweep, "failed").Inc()
		details["error"] = err.Error()
		log.Error("Idle sweep failed", "error", err)
		m.recorder.record(ctx, model.NewActionLog(ev.Agent.ID, model.ActionTypeIdleSweep, idle.String(), nil, details))
		return false
	}

	metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeIdleSweep, "success").Inc()
	opHash := receipt.UserOpHash.Hex()
	details["user_op_hash"] = opHash
	m.recorder.record(ctx, model.NewActionLog(ev.Agent.ID, model.ActionTypeIdleSweep, idle.String(), &opHash, details))
	log.Info("Idle balance swept into vault", "amount_usd", usd, "user_op_hash", opHash)
	if err := m.caps.SendIdleSweep(ctx, ev.Agent, user, usd); err != nil {
		log.Warn("Notification failed", "error", err)
	}
	return true
}

// warn sends a throttled warning for manual-repay or critical positions.
func (m *Monitor) warn(ctx context.Context, ev *Evaluation, user *model.User, critical bool, log *slog.Logger) bool {
	res := ev.Result
	if res.Action != model.ActionManualRepay && !critical {
		return false
	}
	interval := m.opts.WarnInterval
	if critical {
		interval = m.opts.UrgentInterval
	}
	if !m.due(ctx, ev.Agent.ID, model.NotificationCriticalLTV, interval, log) {
		return false
	}
	if m.opts.DryRun {
		log.Info("Dry run, warning not sent", "critical", critical)
		return false
	}
	if err := m.caps.SendCriticalLTVWarning(ctx, ev.Agent, user, res.CurrentLTV, res.MaxLTV); err != nil {
		log.Warn("Notification failed", "error", err)
	}
	return true
}

func (m *Monitor) digest(ctx context.Context, ev *Evaluation, user *model.User, log *slog.Logger) bool {
	if !m.due(ctx, ev.Agent.ID, model.NotificationDailyDigest, m.opts.DigestInterval, log) {
		return false
	}
	if m.opts.DryRun {
		return false
	}
	if err := m.caps.SendDailyDigest(ctx, ev.Agent, user, ev.Result.CurrentLTV, ev.CollateralUSD, ev.DebtUSD); err != nil {
		log.Warn("Notification failed", "error", err)
	}
	return true
}

// due reports whether no notification of kind was logged within interval.
// A failed lookup counts as not due.
func (m *Monitor) due(ctx context.Context, agentID, kind string, interval time.Duration, log *slog.Logger) bool {
	last, err := m.store.GetLatestActionByType(ctx, agentID, model.ActionTypeNotification, kind)
	if err != nil {
		log.Warn("Failed to load last notification", "kind", kind, "error", err)
		return false
	}
	if last == nil {
		return true
	}
	return m.now().Sub(last.CreatedAt) >= interval
}

// ClosePosition unwinds an agent's whole position in one batch and marks
// it closed.
func (m *Monitor) ClosePosition(ctx context.Context, agentID string) (*model.UserOperationReceipt, error) {
	p, err := m.store.GetPositionByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	release, ok := m.lease.Acquire(ctx, fmt.Sprintf("position:%d", p.ID), m.opts.LeaseTTL)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "position %d is busy", p.ID)
	}
	defer release()
	ctx = withPosition(ctx, p.ID)

	owner, err := m.owner(agent)
	if err != nil {
		return nil, err
	}
	id := p.MarketKey()
	if p.MarketID == "" {
		loan := m.builder.LoanAsset()
		market, err := m.markets.GetMarket(ctx, m.opts.ChainID, p.Collateral(), &loan)
		if err != nil {
			return nil, err
		}
		if market == nil {
			return nil, apperrors.NewNotFound("market not found for " + p.CollateralAsset)
		}
		id = market.UniqueKey
	}
	mp, err := m.chain.MarketParams(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet := agent.Wallet()
	live, err := m.chain.Live(ctx, id, wallet, m.builder.Vault(), m.builder.LoanAsset())
	if err != nil {
		return nil, err
	}
	repay := live.BorrowAssets
	approve, err := m.needsApproval(ctx, wallet, m.builder.Morpho(), new(big.Int).Mul(repay, big.NewInt(2)))
	if err != nil {
		return nil, err
	}
	calls, err := m.builder.Close(txbuilder.CloseParams{
		User:              wallet,
		CollateralAmount:  live.Collateral,
		RepayAmount:       repay,
		VaultAssets:       live.VaultAssets,
		VaultShares:       live.VaultShares,
		BorrowShares:      live.BorrowShares,
		Market:            mp,
		NeedsLoanApproval: approve,
	})
	if err != nil {
		return nil, err
	}
	receipt, err := m.exec.ExecuteCalls(ctx, owner, calls)
	if err != nil {
		metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeClose, "failed").Inc()
		return nil, err
	}
	metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeClose, "success").Inc()

	closed := *p
	closed.Status = model.PositionClosed
	if err := m.store.UpdatePosition(ctx, &closed); err != nil {
		logger.LogError(ctx, err, "Position closed on chain but status update failed", "position_id", p.ID)
		return receipt, err
	}
	opHash := receipt.UserOpHash.Hex()
	m.recorder.record(ctx, model.NewActionLog(agentID, model.ActionTypeClose, live.Collateral.String(), &opHash, map[string]any{
		"collateral": live.Collateral.String(),
		"repaid":     repay.String(),
		"tx_hash":    receipt.TxHash().Hex(),
	}))
	logger.Info("Position closed", "agent_id", agentID, "position_id", p.ID, "user_op_hash", opHash)
	return receipt, nil
}

// WithdrawFromVault redeems vault shares to the agent wallet. The loan stays
// open, so the caller owns the resulting LTV.
func (m *Monitor) WithdrawFromVault(ctx context.Context, agentID string, shares *big.Int) (*model.UserOperationReceipt, error) {
	p, err := m.store.GetPositionByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	release, ok := m.lease.Acquire(ctx, fmt.Sprintf("position:%d", p.ID), m.opts.LeaseTTL)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "position %d is busy", p.ID)
	}
	defer release()
	ctx = withPosition(ctx, p.ID)

	owner, err := m.owner(agent)
	if err != nil {
		return nil, err
	}
	calls, err := m.builder.Withdraw(agent.Wallet(), shares)
	if err != nil {
		return nil, err
	}
	receipt, err := m.exec.ExecuteCalls(ctx, owner, calls)
	if err != nil {
		metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeVaultWithdraw, "failed").Inc()
		return nil, err
	}
	metrics.ActionsSubmitted.WithLabelValues(model.ActionTypeVaultWithdraw, "success").Inc()
	opHash := receipt.UserOpHash.Hex()
	m.recorder.record(ctx, model.NewActionLog(agentID, model.ActionTypeVaultWithdraw, shares.String(), &opHash, map[string]any{
		"shares":  shares.String(),
		"tx_hash": receipt.TxHash().Hex(),
	}))
	logger.Info("Vault shares redeemed", "agent_id", agentID, "shares", shares.String(), "user_op_hash", opHash)
	return receipt, nil
}

func projectedLTV(debtUSD, collateralUSD float64) float64 {
	if collateralUSD <= 0 || debtUSD <= 0 {
		return 0
	}
	return debtUSD / collateralUSD
}

func priceContext(a *model.PriceAnalysis) string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("price $%.2f, %+.1f%% over 24h, trend %s", a.CurrentPrice, a.Change24h*100, a.Trend)
}
