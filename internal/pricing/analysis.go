package pricing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/cache"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/markcheno/go-talib"
)

// PriceSource is satisfied by *Service.
type PriceSource interface {
	GetAssetCurrentPrice(ctx context.Context, chainID int64, asset common.Address) (model.AssetPrice, error)
}

// Analyzer computes 1h/24h/7d changes, 24h volatility (population std-dev
// of hourly returns) and a coarse trend.
type Analyzer struct {
	prices  PriceSource
	history HistorySource
	cache   cache.Cache[model.PriceAnalysis]
	now     func() time.Time
}

func NewAnalyzer(prices PriceSource, history HistorySource, c cache.Cache[model.PriceAnalysis]) *Analyzer {
	if c == nil {
		c = cache.Nop[model.PriceAnalysis]{}
	}
	return &Analyzer{prices: prices, history: history, cache: c, now: time.Now}
}

func (a *Analyzer) GetPriceAnalysis(ctx context.Context, chainID int64, asset common.Address) (*model.PriceAnalysis, error) {
	key := fmt.Sprintf("analysis:%d:%s", chainID, strings.ToLower(asset.Hex()))
	if cached, ok := a.cache.Get(ctx, key); ok {
		return &cached, nil
	}

	spot, err := a.prices.GetAssetCurrentPrice(ctx, chainID, asset)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	hourly := a.fetch(ctx, chainID, asset, now.Add(-24*time.Hour), now, "1h")
	daily := a.fetch(ctx, chainID, asset, now.Add(-7*24*time.Hour), now, "1d")

	out := Analyze(spot.PriceUSD, hourly, daily)
	out.Asset = asset
	out.AnalyzedAt = now
	a.cache.Set(ctx, key, out)
	return &out, nil
}

// history failures degrade to an empty series
func (a *Analyzer) fetch(ctx context.Context, chainID int64, asset common.Address, start, end time.Time, interval string) []float64 {
	if a.history == nil {
		return nil
	}
	prices, err := a.history.HistoricalPrices(ctx, chainID, asset, start, end, interval)
	if err != nil {
		logger.Warn("Historical prices unavailable", "asset", asset.Hex(), "interval", interval, "error", err)
		return nil
	}
	return prices
}

// Analyze is the pure part of GetPriceAnalysis.
func Analyze(current float64, hourly, daily []float64) model.PriceAnalysis {
	out := model.PriceAnalysis{CurrentPrice: current}
	if n := len(hourly); n > 0 {
		out.Change1h = change(current, hourly[n-1])
		out.Change24h = change(current, hourly[0])
	}
	if len(daily) > 0 {
		out.Change7d = change(current, daily[0])
	}
	out.Volatility24h = Volatility(hourly)
	out.Trend = trend(out.Change24h, out.Change7d)
	return out
}

func change(current, past float64) float64 {
	if past <= 0 {
		return 0
	}
	return (current - past) / past
}

// Volatility is the population standard deviation of simple returns.
func Volatility(prices []float64) float64 {
	var returns []float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	switch len(returns) {
	case 0:
		return 0
	case 1:
		// a single return has no spread
		return 0
	}
	series := talib.StdDev(returns, len(returns), 1)
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func trend(change24h, change7d float64) model.Trend {
	switch {
	case change24h > 0.01 && change7d > 0.02:
		return model.TrendUp
	case change24h < -0.01 && change7d < -0.02:
		return model.TrendDown
	default:
		return model.TrendSideways
	}
}
