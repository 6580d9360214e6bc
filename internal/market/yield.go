package market

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/cache"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const secondsPerYear = 365 * 24 * 60 * 60

// VaultReader is the subset of the protocol reader the yield estimate needs.
type VaultReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	ConvertToAssets(ctx context.Context, vault common.Address, shares, block *big.Int) (*big.Int, error)
}

type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type YieldOptions struct {
	Vault       common.Address
	Lookback    time.Duration
	BlockTime   time.Duration
	FallbackAPY float64
}

// VaultYield annualizes the vault share-price growth over a lookback window.
type VaultYield struct {
	vault   VaultReader
	headers HeaderReader
	cache   cache.Cache[float64]
	opts    YieldOptions
}

func NewVaultYield(vault VaultReader, headers HeaderReader, c cache.Cache[float64], opts YieldOptions) *VaultYield {
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 2 * time.Second
	}
	if c == nil {
		c = cache.Nop[float64]{}
	}
	return &VaultYield{vault: vault, headers: headers, cache: c, opts: opts}
}

// YieldAPY never fails: on error the configured fallback is returned.
func (y *VaultYield) YieldAPY(ctx context.Context) (float64, error) {
	key := "yield:" + y.opts.Vault.Hex()
	if v, ok := y.cache.Get(ctx, key); ok {
		return v, nil
	}
	apy, err := y.Compute(ctx)
	if err != nil {
		logger.Warn("Vault APY unavailable, using fallback", "vault", y.opts.Vault.Hex(), "fallback", y.opts.FallbackAPY, "error", err)
		return y.opts.FallbackAPY, nil
	}
	y.cache.Set(ctx, key, apy)
	return apy, nil
}

// Compute reads convertToAssets(10^decimals) now and one lookback ago.
func (y *VaultYield) Compute(ctx context.Context) (float64, error) {
	decimals, err := y.vault.Decimals(ctx, y.opts.Vault)
	if err != nil {
		return 0, err
	}
	latest, err := y.headers.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrUpstream, "failed to read latest header", err)
	}
	lookbackBlocks := int64(y.opts.Lookback / y.opts.BlockTime)
	from := new(big.Int).Sub(latest.Number, big.NewInt(lookbackBlocks))
	if from.Sign() < 0 {
		from.SetInt64(0)
	}
	past, err := y.headers.HeaderByNumber(ctx, from)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrUpstream, "failed to read lookback header", err)
	}

	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r1, err := y.vault.ConvertToAssets(ctx, y.opts.Vault, oneShare, from)
	if err != nil {
		return 0, err
	}
	r2, err := y.vault.ConvertToAssets(ctx, y.opts.Vault, oneShare, latest.Number)
	if err != nil {
		return 0, err
	}
	return AnnualizedGrowth(r1, r2, int64(latest.Time)-int64(past.Time))
}

// AnnualizedGrowth is (r2/r1)^(year/elapsed) - 1. A flat or falling share
// price is rejected as bad data.
func AnnualizedGrowth(r1, r2 *big.Int, elapsedSeconds int64) (float64, error) {
	if r1.Sign() <= 0 || r2.Cmp(r1) <= 0 {
		return 0, apperrors.Newf(apperrors.ErrMarketUnavailable, "invalid share price data: rate1=%s rate2=%s", r1, r2)
	}
	if elapsedSeconds <= 0 {
		return 0, apperrors.Newf(apperrors.ErrMarketUnavailable, "invalid lookback window: %ds", elapsedSeconds)
	}
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(r2), new(big.Float).SetInt(r1)).Float64()
	return math.Pow(ratio, float64(secondsPerYear)/float64(elapsedSeconds)) - 1, nil
}
