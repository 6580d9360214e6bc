package monitor

import (
	"context"
	"errors"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Notifier sends owner notifications. Failures are reported, never fatal.
type Notifier interface {
	SendAutoRepaySuccess(ctx context.Context, agent *model.Agent, user *model.User, repayUSD, oldLTV, newLTV float64, fromVault bool) error
	SendAutoOptimizeSuccess(ctx context.Context, agent *model.Agent, user *model.User, borrowUSD, oldLTV, newLTV float64, priceContext string) error
	SendCriticalLTVWarning(ctx context.Context, agent *model.Agent, user *model.User, currentLTV, maxLTV float64) error
	SendDailyDigest(ctx context.Context, agent *model.Agent, user *model.User, currentLTV, collateralUSD, debtUSD float64) error
	SendIdleSweep(ctx context.Context, agent *model.Agent, user *model.User, amountUSD float64) error
}

type ConstitutionSource interface {
	GetConstitution(ctx context.Context, agent *model.Agent) (*model.Constitution, error)
}

type YieldSource interface {
	YieldAPY(ctx context.Context) (float64, error)
}

type AnalysisSource interface {
	GetPriceAnalysis(ctx context.Context, chainID int64, asset common.Address) (*model.PriceAnalysis, error)
}

// Context is the full set of optional collaborators. Every capability is
// always present; missing ones are served by NoopContext.
type Context interface {
	Notifier
	ConstitutionSource
	YieldSource
	AnalysisSource
}

var errNoYield = errors.New("yield source not configured")

// NoopContext sends nothing and knows nothing.
type NoopContext struct{}

var _ Context = NoopContext{}

func (NoopContext) SendAutoRepaySuccess(context.Context, *model.Agent, *model.User, float64, float64, float64, bool) error {
	return nil
}

func (NoopContext) SendAutoOptimizeSuccess(context.Context, *model.Agent, *model.User, float64, float64, float64, string) error {
	return nil
}

func (NoopContext) SendCriticalLTVWarning(context.Context, *model.Agent, *model.User, float64, float64) error {
	return nil
}

func (NoopContext) SendDailyDigest(context.Context, *model.Agent, *model.User, float64, float64, float64) error {
	return nil
}

func (NoopContext) SendIdleSweep(context.Context, *model.Agent, *model.User, float64) error {
	return nil
}

func (NoopContext) GetConstitution(context.Context, *model.Agent) (*model.Constitution, error) {
	return nil, nil
}

func (NoopContext) YieldAPY(context.Context) (float64, error) {
	return 0, errNoYield
}

func (NoopContext) GetPriceAnalysis(context.Context, int64, common.Address) (*model.PriceAnalysis, error) {
	return nil, nil
}

// Services lists the concrete collaborators; nil entries fall back to no-ops.
type Services struct {
	Notifier      Notifier
	Constitutions ConstitutionSource
	Yield         YieldSource
	Analysis      AnalysisSource
}

type services struct {
	Notifier
	ConstitutionSource
	YieldSource
	AnalysisSource
}

func NewContext(s Services) Context {
	c := services{
		Notifier:           NoopContext{},
		ConstitutionSource: NoopContext{},
		YieldSource:        NoopContext{},
		AnalysisSource:     NoopContext{},
	}
	if s.Notifier != nil {
		c.Notifier = s.Notifier
	}
	if s.Constitutions != nil {
		c.ConstitutionSource = s.Constitutions
	}
	if s.Yield != nil {
		c.YieldSource = s.Yield
	}
	if s.Analysis != nil {
		c.AnalysisSource = s.Analysis
	}
	return c
}
