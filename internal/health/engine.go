// Package health decides, for one position, whether debt should be repaid,
// more should be borrowed, or nothing should happen. Evaluation is pure: it
// reads nothing and writes nothing, so every decision can be replayed.
package health

import (
	"fmt"
	"math"
	"math/big"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/shopspring/decimal"
)

// Gate labels reported in HealthCheckResult.SuppressedBy.
const (
	GateSpread             = "spread"
	GateGain               = "gain"
	GateVolatility         = "volatility"
	GateConstitutionSpread = "constitution_spread"
	GateCollateral         = "collateral"
	GateMaxPosition        = "max_position"
	GatePaused             = "paused"
)

type Params struct {
	MarginUpper         float64
	MarginLower         float64
	MinActionUSD        float64
	MinOptimizeGainUSD  float64
	VolatilityThreshold float64
	LoanDecimals        int32
}

func DefaultParams() Params {
	return Params{
		MarginUpper:         0.05,
		MarginLower:         0.05,
		MinActionUSD:        1.0,
		MinOptimizeGainUSD:  100.0,
		VolatilityThreshold: 0.02,
		LoanDecimals:        6,
	}
}

// Input is everything one evaluation looks at. Amounts are raw token units
// read from chain in the same cycle. YieldAPY and Analysis are optional gate
// signals; a nil signal skips its gate.
type Input struct {
	Position           *model.Position
	Market             *model.Market
	Collateral         *big.Int
	CollateralDecimals uint8
	BorrowAssets       *big.Int
	VaultAssets        *big.Int
	CollateralPriceUSD float64
	Constitution       *model.Constitution
	YieldAPY           *float64
	Analysis           *model.PriceAnalysis
}

type Engine struct {
	params Params
}

func NewEngine(params Params) *Engine {
	if params.LoanDecimals <= 0 {
		params.LoanDecimals = 6
	}
	return &Engine{params: params}
}

func (e *Engine) Params() Params { return e.params }

// position values derived once per evaluation.
type snapshot struct {
	collateralUSD decimal.Decimal
	borrowUSD     decimal.Decimal
	vaultUSD      decimal.Decimal
	ltv           decimal.Decimal
	target        decimal.Decimal
}

func (e *Engine) Evaluate(in Input) model.HealthCheckResult {
	res := model.HealthCheckResult{
		PositionID:   in.Position.ID,
		AgentID:      in.Position.AgentID,
		TargetLTV:    in.Position.TargetLTV,
		ActionAmount: new(big.Int),
	}
	if in.Market == nil {
		res.Reason = "Market not found"
		return res
	}
	res.MaxLTV = in.Market.LLTV

	s := e.snapshot(in)
	if !s.collateralUSD.IsPositive() {
		res.Reason = "No collateral value"
		return res
	}
	res.CurrentLTV = s.ltv.InexactFloat64()

	e.decide(in, s, &res)
	e.applyConstitution(in, s, &res)
	return res
}

func (e *Engine) snapshot(in Input) snapshot {
	price := decimal.NewFromFloat(in.CollateralPriceUSD)
	s := snapshot{
		collateralUSD: units(in.Collateral, int32(in.CollateralDecimals)).Mul(price),
		borrowUSD:     units(in.BorrowAssets, e.params.LoanDecimals),
		vaultUSD:      units(in.VaultAssets, e.params.LoanDecimals),
		target:        decimal.NewFromFloat(in.Position.TargetLTV),
	}
	if s.collateralUSD.IsPositive() {
		s.ltv = s.borrowUSD.DivRound(s.collateralUSD, 18)
	}
	return s
}

// decide applies the band rules around the position's own target.
func (e *Engine) decide(in Input, s snapshot, res *model.HealthCheckResult) {
	upper := s.target.Add(decimal.NewFromFloat(e.params.MarginUpper))
	lower := s.target.Sub(decimal.NewFromFloat(e.params.MarginLower))

	switch {
	// 1. Above the band: bring debt back to target.
	case s.ltv.GreaterThan(upper):
		repayUSD := s.borrowUSD.Sub(s.target.Mul(s.collateralUSD))
		amount := e.toUnitsUp(repayUSD)
		if e.belowMinimum(amount) {
			res.Reason = fmt.Sprintf("Repay amount $%s below minimum", e.usd(amount))
			return
		}
		res.Reason = fmt.Sprintf("LTV %s exceeds upper threshold %s", pct(s.ltv), pct(upper))
		e.setRepay(in, amount, res)

	// 2. Below the band: borrow up to target if it pays and the market is calm.
	case s.ltv.LessThan(lower):
		borrowUSD := s.target.Mul(s.collateralUSD).Sub(s.borrowUSD)
		amount := e.toUnitsDown(borrowUSD)
		if e.belowMinimum(amount) {
			res.Reason = fmt.Sprintf("Borrow amount $%s below minimum", e.usd(amount))
			return
		}
		if gate, reason := e.optimizeGates(in, amount); gate != "" {
			res.Reason = reason
			res.SuppressedBy = gate
			return
		}
		res.NeedsAction = true
		res.Action = model.ActionAutoOptimize
		res.ActionAmount = amount
		res.Reason = fmt.Sprintf("LTV %s below lower threshold %s", pct(s.ltv), pct(lower))

	// 3. Inside the band.
	default:
		res.Reason = fmt.Sprintf("LTV %s within acceptable range", pct(s.ltv))
	}
}

// setRepay picks auto or manual repay depending on vault coverage.
func (e *Engine) setRepay(in Input, amount *big.Int, res *model.HealthCheckResult) {
	res.NeedsAction = true
	res.ActionAmount = amount
	vault := in.VaultAssets
	if vault == nil {
		vault = new(big.Int)
	}
	if vault.Cmp(amount) >= 0 {
		res.Action = model.ActionAutoRepay
		return
	}
	res.Action = model.ActionManualRepay
	res.Reason += fmt.Sprintf(". Insufficient vault funds ($%s < $%s)", e.usd(vault), e.usd(amount))
}

func (e *Engine) optimizeGates(in Input, amount *big.Int) (string, string) {
	if in.YieldAPY != nil {
		yield := *in.YieldAPY
		borrowAPY := in.Market.BorrowAPY
		spread := yield - borrowAPY
		if spread <= 0 {
			return GateSpread, fmt.Sprintf("Optimization suppressed: negative spread (yield %.2f%% - borrow %.2f%% = %.2f%%)",
				yield*100, borrowAPY*100, spread*100)
		}
		gain := e.unitsToUSD(amount).InexactFloat64() * spread
		if gain < e.params.MinOptimizeGainUSD {
			return GateGain, fmt.Sprintf("Optimization suppressed: projected annual gain $%.2f below $%.0f minimum",
				gain, e.params.MinOptimizeGainUSD)
		}
	}
	if in.Analysis.IsVolatile(e.params.VolatilityThreshold) {
		return GateVolatility, fmt.Sprintf("Optimization suppressed: high volatility (1h change: %+.2f%%, 24h vol: %.2f%%)",
			in.Analysis.Change1h*100, in.Analysis.Volatility24h*100)
	}
	return "", ""
}

// applyConstitution layers owner guardrails over the base decision.
func (e *Engine) applyConstitution(in Input, s snapshot, res *model.HealthCheckResult) {
	c := in.Constitution
	if c == nil {
		return
	}

	// Max LTV is a hard ceiling regardless of the position's own target.
	if finite(c.MaxLTV) && !isRepay(res.Action) {
		maxLTV := decimal.NewFromFloat(*c.MaxLTV)
		if s.ltv.GreaterThan(maxLTV) {
			amount := e.toUnitsUp(s.borrowUSD.Sub(maxLTV.Mul(s.collateralUSD)))
			if !e.belowMinimum(amount) {
				res.Reason = fmt.Sprintf("LTV %s exceeds constitution max %s", pct(s.ltv), pct(maxLTV))
				res.SuppressedBy = ""
				e.setRepay(in, amount, res)
			}
		}
	}

	if res.Action == model.ActionAutoOptimize {
		e.constrainOptimize(in, s, res)
	}

	if c.Paused {
		switch res.Action {
		case model.ActionAutoRepay:
			res.Action = model.ActionManualRepay
			res.Reason += ". Agent paused by owner"
		case model.ActionAutoOptimize:
			suppress(res, GatePaused, "Optimization suppressed: agent paused by owner")
		}
	}
}

func (e *Engine) constrainOptimize(in Input, s snapshot, res *model.HealthCheckResult) {
	c := in.Constitution
	if c.MinSpread != nil {
		if !finite(c.MinSpread) {
			suppress(res, GateConstitutionSpread, "Optimization suppressed: constitution minimum spread is not a number")
			return
		}
		if in.YieldAPY == nil {
			suppress(res, GateConstitutionSpread, "Optimization suppressed: yield unavailable to verify constitution minimum spread")
			return
		}
		spread := *in.YieldAPY - in.Market.BorrowAPY
		if spread < *c.MinSpread {
			suppress(res, GateConstitutionSpread, fmt.Sprintf("Optimization suppressed: spread %.2f%% below constitution minimum %.2f%%",
				spread*100, *c.MinSpread*100))
			return
		}
	}
	if !c.AllowsCollateral(in.Position.Collateral()) {
		suppress(res, GateCollateral, fmt.Sprintf("Optimization suppressed: collateral %s not allowed by constitution", in.Position.CollateralAsset))
		return
	}
	if c.MaxPositionUSD != nil {
		if !finite(c.MaxPositionUSD) {
			suppress(res, GateMaxPosition, "Optimization suppressed: constitution max position is not a number")
			return
		}
		room := decimal.NewFromFloat(*c.MaxPositionUSD).Sub(s.borrowUSD)
		capped := e.toUnitsDown(room)
		if capped.Cmp(res.ActionAmount) < 0 {
			if e.belowMinimum(capped) {
				suppress(res, GateMaxPosition, fmt.Sprintf("Optimization suppressed: position at constitution max $%.2f", *c.MaxPositionUSD))
				return
			}
			res.ActionAmount = capped
			res.Reason += fmt.Sprintf(" (capped at constitution max position $%.2f)", *c.MaxPositionUSD)
		}
	}
}

// ClampTarget lowers a position target so its upper band stays within the
// constitution's max LTV. It never raises a target.
func (e *Engine) ClampTarget(target float64, c *model.Constitution) (float64, bool) {
	if c == nil || !finite(c.MaxLTV) {
		return target, false
	}
	ceiling := *c.MaxLTV - e.params.MarginUpper
	if ceiling < 0 {
		ceiling = 0
	}
	if target <= ceiling {
		return target, false
	}
	return ceiling, true
}

// finite reports whether a guardrail value is set and usable. Non-finite
// values are ignored so they can never block a repay.
func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func suppress(res *model.HealthCheckResult, gate, reason string) {
	res.NeedsAction = false
	res.Action = model.ActionNone
	res.ActionAmount = new(big.Int)
	res.SuppressedBy = gate
	res.Reason = reason
}

func isRepay(k model.ActionKind) bool {
	return k == model.ActionAutoRepay || k == model.ActionManualRepay
}

func units(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// toUnitsUp converts USD to loan units rounding up; debt favours the protocol.
func (e *Engine) toUnitsUp(usd decimal.Decimal) *big.Int {
	if !usd.IsPositive() {
		return new(big.Int)
	}
	return usd.Shift(e.params.LoanDecimals).Ceil().BigInt()
}

func (e *Engine) toUnitsDown(usd decimal.Decimal) *big.Int {
	if !usd.IsPositive() {
		return new(big.Int)
	}
	return usd.Shift(e.params.LoanDecimals).Floor().BigInt()
}

func (e *Engine) unitsToUSD(v *big.Int) decimal.Decimal {
	return units(v, e.params.LoanDecimals)
}

func (e *Engine) belowMinimum(amount *big.Int) bool {
	return e.unitsToUSD(amount).LessThan(decimal.NewFromFloat(e.params.MinActionUSD))
}

func (e *Engine) usd(amount *big.Int) string {
	return e.unitsToUSD(amount).StringFixed(2)
}

func pct(d decimal.Decimal) string {
	return d.Shift(2).StringFixed(2) + "%"
}
