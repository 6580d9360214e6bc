// Package monitor runs the periodic position-management cycle: evaluate every
// active position, execute automatic actions, sweep idle funds and keep the
// owner informed.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"runtime/debug"
	"sync"
	"time"

	"github.com/borrowbot/keeper/internal/health"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/pkg/metrics"
	"github.com/borrowbot/keeper/internal/protocol"
	"github.com/borrowbot/keeper/internal/repository"
	"github.com/borrowbot/keeper/internal/txbuilder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	ChainID           int64
	Interval          time.Duration
	Concurrency       int
	CriticalThreshold float64 // fraction of lltv
	WarnInterval      time.Duration
	UrgentInterval    time.Duration
	DigestInterval    time.Duration
	IdleSweepMinUSD   float64
	LeaseTTL          time.Duration
	DryRun            bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 300 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.CriticalThreshold <= 0 {
		o.CriticalThreshold = 0.80
	}
	if o.WarnInterval <= 0 {
		o.WarnInterval = 4 * time.Hour
	}
	if o.UrgentInterval <= 0 {
		o.UrgentInterval = time.Hour
	}
	if o.DigestInterval <= 0 {
		o.DigestInterval = 24 * time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 5 * time.Minute
	}
	return o
}

type Deps struct {
	Store    Store
	Markets  MarketData
	Prices   Prices
	Chain    ChainState
	Engine   *health.Engine
	Builder  *txbuilder.Builder
	Executor Executor
	Keys     KeySource
	Context  Context
	Recorder *Recorder
	Lease    repository.Lease
}

type Monitor struct {
	opts     Options
	store    Store
	markets  MarketData
	prices   Prices
	chain    ChainState
	engine   *health.Engine
	builder  *txbuilder.Builder
	exec     Executor
	keys     KeySource
	caps     Context
	recorder *Recorder
	lease    repository.Lease
	now      func() time.Time
}

func New(d Deps, opts Options) *Monitor {
	m := &Monitor{
		opts:     opts.withDefaults(),
		store:    d.Store,
		markets:  d.Markets,
		prices:   d.Prices,
		chain:    d.Chain,
		engine:   d.Engine,
		builder:  d.Builder,
		exec:     d.Executor,
		keys:     d.Keys,
		caps:     d.Context,
		recorder: d.Recorder,
		lease:    d.Lease,
		now:      time.Now,
	}
	if m.engine == nil {
		m.engine = health.NewEngine(health.DefaultParams())
	}
	if m.caps == nil {
		m.caps = NoopContext{}
	}
	if m.recorder == nil {
		m.recorder = NewRecorder(d.Store, nil)
	}
	if m.lease == nil {
		m.lease = repository.NewLocalLease()
	}
	return m
}

// Run checks positions immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	logger.Info("Position monitor started", "interval", m.opts.Interval.String(),
		"concurrency", m.opts.Concurrency, "dry_run", m.opts.DryRun)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logger.LogError(ctx, err, "Monitoring cycle failed")
		}
		select {
		case <-ctx.Done():
			logger.Info("Position monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CycleReport counts what happened to each position in one cycle.
type CycleReport struct {
	CycleID  string
	Total    int
	Checked  int
	Executed int
	Pending  int
	Swept    int
	Warned   int
	Digests  int
	Skipped  int
	Failed   int
}

type outcome struct {
	checked  bool
	executed bool
	pending  bool
	swept    bool
	warned   bool
	digest   bool
	skipped  bool
	err      error
}

func (r *CycleReport) add(o outcome) {
	switch {
	case o.err != nil:
		r.Failed++
	case o.skipped:
		r.Skipped++
	}
	if o.checked {
		r.Checked++
	}
	if o.executed {
		r.Executed++
	}
	if o.pending {
		r.Pending++
	}
	if o.swept {
		r.Swept++
	}
	if o.warned {
		r.Warned++
	}
	if o.digest {
		r.Digests++
	}
}

// RunCycle processes every active position once. Position failures are
// counted in the report; only a failure to list positions is returned.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	start := m.now()
	report := CycleReport{CycleID: uuid.NewString()}
	ctx = withCycle(ctx, report.CycleID)

	positions, err := m.store.GetActivePositions(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(positions)
	logger.Info("Checking LTV for active positions", "cycle_id", report.CycleID, "count", len(positions))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i := range positions {
		p := positions[i]
		g.Go(func() error {
			o := m.safeCheck(gctx, &p)
			mu.Lock()
			report.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	logger.Info("Cycle complete", "cycle_id", report.CycleID, "checked", report.Checked,
		"executed", report.Executed, "pending", report.Pending, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

// safeCheck isolates one position: panics and errors end here.
func (m *Monitor) safeCheck(ctx context.Context, p *model.Position) (o outcome) {
	log := logger.With("cycle_id", cycleOf(ctx), "position_id", p.ID, "agent_id", p.AgentID)
	defer func() {
		if r := recover(); r != nil {
			err := apperrors.Newf(apperrors.ErrSystemPanic, "panic checking position %d: %v", p.ID, r)
			log.Error("Position check panicked", "error", err, "stack", string(debug.Stack()))
			metrics.PositionErrors.WithLabelValues(string(apperrors.ErrSystemPanic)).Inc()
			o.err = err
		}
	}()

	o = m.checkPosition(ctx, p, log)
	if o.err != nil {
		appErr := apperrors.Wrap(o.err)
		metrics.PositionErrors.WithLabelValues(string(appErr.Type)).Inc()
		if appErr.Retryable() {
			log.Warn("Skipping position this cycle", "code", appErr.Type, "error", o.err)
		} else {
			log.Error("Error checking position", "code", appErr.Type, "error", o.err)
		}
	}
	return o
}

func (m *Monitor) checkPosition(ctx context.Context, p *model.Position, log *slog.Logger) outcome {
	var o outcome
	release, ok := m.lease.Acquire(ctx, fmt.Sprintf("position:%d", p.ID), m.opts.LeaseTTL)
	if !ok {
		log.Debug("Position leased by another worker")
		o.skipped = true
		return o
	}
	defer release()
	ctx = withPosition(ctx, p.ID)

	agent, err := m.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		o.err = err
		return o
	}
	user, err := m.store.GetUser(ctx, agent.UserID)
	if err != nil {
		log.Warn("Owner not found, notifications disabled", "user_id", agent.UserID, "error", err)
		user = nil
	}

	ev, err := m.evaluate(ctx, p, agent)
	if err != nil {
		o.err = err
		return o
	}
	o.checked = true
	if ev.TargetClamped {
		m.persistTarget(ctx, p, ev.Position.TargetLTV, log)
	}
	m.logCheck(ctx, ev)

	res := ev.Result
	metrics.HealthChecks.WithLabelValues(res.Action.String()).Inc()
	if res.SuppressedBy != "" {
		metrics.OptimizeSuppressed.WithLabelValues(res.SuppressedBy).Inc()
	}
	if ev.Market == nil {
		log.Warn("Market not found, skipping actions", "collateral", p.CollateralAsset)
		return o
	}

	state := submitNone
	switch {
	case res.Action.Automatic():
		state = m.act(ctx, ev, user, log)
	case res.Action == model.ActionManualRepay:
		log.Warn("Position needs manual repay", "reason", res.Reason)
	case res.Action == model.ActionNone:
	default:
		log.Error("Unknown action kind", "action", res.Action.String())
	}
	o.executed = state == submitLanded
	o.pending = state == submitUnknown

	if state == submitNone {
		o.swept = m.sweepIdle(ctx, ev, user, log)
	}
	critical := m.isCritical(res)
	o.warned = m.warn(ctx, ev, user, critical, log)
	if !res.NeedsAction && !critical {
		o.digest = m.digest(ctx, ev, user, log)
	}
	return o
}

// Evaluation is everything one health check read and decided.
type Evaluation struct {
	Position      *model.Position
	Agent         *model.Agent
	Market        *model.Market
	MarketID      common.Hash
	Price         model.AssetPrice
	Live          *protocol.LivePosition
	Constitution  *model.Constitution
	Analysis      *model.PriceAnalysis
	YieldAPY      *float64
	Result        model.HealthCheckResult
	CollateralUSD float64
	DebtUSD       float64
	TargetClamped bool
}

// EvaluateAgent runs a side-effect free health check for one agent.
func (m *Monitor) EvaluateAgent(ctx context.Context, agentID string) (*Evaluation, error) {
	p, err := m.store.GetPositionByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return m.evaluate(ctx, p, agent)
}

func (m *Monitor) evaluate(ctx context.Context, p *model.Position, agent *model.Agent) (*Evaluation, error) {
	pos := *p
	ev := &Evaluation{Position: &pos, Agent: agent}

	loan := m.builder.LoanAsset()
	market, err := m.markets.GetMarket(ctx, m.opts.ChainID, pos.Collateral(), &loan)
	if err != nil {
		return nil, err
	}
	ev.Market = market
	if market == nil {
		ev.Result = m.engine.Evaluate(health.Input{Position: ev.Position})
		return ev, nil
	}
	ev.MarketID = market.UniqueKey
	if pos.MarketID != "" {
		ev.MarketID = pos.MarketKey()
	}

	price, err := m.prices.GetAssetCurrentPrice(ctx, m.opts.ChainID, pos.Collateral())
	if err != nil {
		return nil, err
	}
	ev.Price = price

	live, err := m.chain.Live(ctx, ev.MarketID, agent.Wallet(), m.builder.Vault(), loan)
	if err != nil {
		return nil, err
	}
	ev.Live = live

	constitution, constitutionErr := m.caps.GetConstitution(ctx, agent)
	if constitutionErr != nil {
		logger.Warn("Constitution unavailable", "agent_id", agent.ID, "error", constitutionErr)
	}
	ev.Constitution = constitution
	if target, clamped := m.engine.ClampTarget(pos.TargetLTV, constitution); clamped {
		pos.TargetLTV = target
		ev.TargetClamped = true
	}

	if apy, err := m.caps.YieldAPY(ctx); err == nil {
		ev.YieldAPY = &apy
	}
	analysis, err := m.caps.GetPriceAnalysis(ctx, m.opts.ChainID, pos.Collateral())
	if err != nil {
		logger.Debug("Price analysis unavailable", "asset", pos.CollateralAsset, "error", err)
	}
	ev.Analysis = analysis

	decimals := market.CollateralDecimals
	if decimals == 0 {
		decimals = 18
	}
	ev.Result = m.engine.Evaluate(health.Input{
		Position:           ev.Position,
		Market:             market,
		Collateral:         live.Collateral,
		CollateralDecimals: decimals,
		BorrowAssets:       live.BorrowAssets,
		VaultAssets:        live.VaultAssets,
		CollateralPriceUSD: price.PriceUSD,
		Constitution:       constitution,
		YieldAPY:           ev.YieldAPY,
		Analysis:           analysis,
	})
	if constitutionErr != nil && ev.Result.Action == model.ActionAutoOptimize {
		ev.Result.NeedsAction = false
		ev.Result.Action = model.ActionNone
		ev.Result.ActionAmount = new(big.Int)
		ev.Result.SuppressedBy = "constitution_unavailable"
		ev.Result.Reason = "Optimization suppressed: constitution unavailable"
	}

	ev.CollateralUSD = toUnits(live.Collateral, int32(decimals)).Mul(decimal.NewFromFloat(price.PriceUSD)).InexactFloat64()
	ev.DebtUSD = m.loanUSD(live.BorrowAssets)
	return ev, nil
}

func (m *Monitor) persistTarget(ctx context.Context, p *model.Position, target float64, log *slog.Logger) {
	old := p.TargetLTV
	updated := *p
	updated.TargetLTV = target
	if err := m.store.UpdatePosition(ctx, &updated); err != nil {
		log.Warn("Failed to lower target to constitution max", "error", err)
		return
	}
	log.Info("Target lowered to constitution max", "old_target", old, "new_target", target)
	m.recorder.record(ctx, model.NewActionLog(p.AgentID, model.ActionTypeTargetUpdate, fmt.Sprintf("%.4f", target), nil,
		map[string]any{"old_target_ltv": old, "new_target_ltv": target, "reason": "constitution max ltv"}))
}

func (m *Monitor) logCheck(ctx context.Context, ev *Evaluation) {
	res := ev.Result
	logger.Info("LTV check",
		"agent_id", res.AgentID, "position_id", res.PositionID,
		"current_ltv", res.CurrentLTV, "target_ltv", res.TargetLTV, "max_ltv", res.MaxLTV,
		"action", res.Action.String(), "reason", res.Reason)
	details := res.Details()
	if res.SuppressedBy != "" {
		details["suppressed_by"] = res.SuppressedBy
	}
	m.recorder.record(ctx, model.NewActionLog(res.AgentID, model.ActionTypeLTVCheck, res.Action.LogValue(), nil, details))
}

func (m *Monitor) isCritical(res model.HealthCheckResult) bool {
	return res.MaxLTV > 0 && res.CurrentLTV >= m.opts.CriticalThreshold*res.MaxLTV
}

func (m *Monitor) loanUSD(v *big.Int) float64 {
	return toUnits(v, m.engine.Params().LoanDecimals).InexactFloat64()
}

func toUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
