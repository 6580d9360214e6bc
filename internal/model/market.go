package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Market describes one lending market as reported by the market-data API.
// It is fetched per decision cycle and never cached across cycles.
type Market struct {
	UniqueKey          common.Hash
	ChainID            int64
	LoanAsset          common.Address
	LoanSymbol         string
	LoanDecimals       uint8
	CollateralAsset    common.Address
	CollateralSymbol   string
	CollateralDecimals uint8
	Oracle             common.Address
	IRM                common.Address
	LLTV               float64  // fraction
	LLTVRaw            *big.Int // 18-decimal fixed point
	BorrowAPY          float64
	SupplyAPY          float64
	Utilization        float64
	TotalSupply        *big.Int
	TotalBorrow        *big.Int
}

// AssetPrice is a spot USD quote for one token.
type AssetPrice struct {
	Asset    common.Address `json:"asset"`
	PriceUSD float64        `json:"price_usd"`
	Source   string         `json:"source"`
	At       time.Time      `json:"at"`
}

type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// PriceAnalysis summarizes recent price action of a collateral asset.
// Changes and volatility are fractions (0.03 = 3%).
type PriceAnalysis struct {
	Asset         common.Address `json:"asset"`
	CurrentPrice  float64        `json:"current_price"`
	Change1h      float64        `json:"change_1h"`
	Change24h     float64        `json:"change_24h"`
	Change7d      float64        `json:"change_7d"`
	Volatility24h float64        `json:"volatility_24h"`
	Trend         Trend          `json:"trend"`
	AnalyzedAt    time.Time      `json:"analyzed_at"`
}

func (a *PriceAnalysis) IsVolatile(threshold float64) bool {
	if a == nil {
		return false
	}
	return abs(a.Change1h) > threshold || a.Volatility24h > threshold
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Constitution holds owner guardrails for one agent. Nil fields are unset.
type Constitution struct {
	MaxLTV            *float64         `json:"max_ltv,omitempty"`
	MinSpread         *float64         `json:"min_spread,omitempty"`
	MaxPositionUSD    *float64         `json:"max_position_usd,omitempty"`
	AllowedCollateral []common.Address `json:"allowed_collateral,omitempty"`
	Paused            bool             `json:"paused"`
}

// AllowsCollateral reports whether asset may back new borrowing. An empty
// list allows everything.
func (c *Constitution) AllowsCollateral(asset common.Address) bool {
	if c == nil || len(c.AllowedCollateral) == 0 {
		return true
	}
	for _, a := range c.AllowedCollateral {
		if a == asset {
			return true
		}
	}
	return false
}
