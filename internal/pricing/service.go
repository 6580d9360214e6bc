package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/cache"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Service tries each provider in order and caches the first good quote.
type Service struct {
	providers []Provider
	cache     cache.Cache[model.AssetPrice]
	now       func() time.Time
}

func NewService(c cache.Cache[model.AssetPrice], providers ...Provider) *Service {
	if c == nil {
		c = cache.Nop[model.AssetPrice]{}
	}
	return &Service{providers: providers, cache: c, now: time.Now}
}

func priceKey(chainID int64, asset common.Address) string {
	return fmt.Sprintf("price:%d:%s", chainID, strings.ToLower(asset.Hex()))
}

func (s *Service) GetAssetCurrentPrice(ctx context.Context, chainID int64, asset common.Address) (model.AssetPrice, error) {
	key := priceKey(chainID, asset)
	if p, ok := s.cache.Get(ctx, key); ok {
		return p, nil
	}
	var errs []error
	for _, p := range s.providers {
		usd, err := p.CurrentPrice(ctx, chainID, asset)
		if err != nil {
			logger.Warn("Price provider failed", "provider", p.Name(), "asset", asset.Hex(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		price := model.AssetPrice{Asset: asset, PriceUSD: usd, Source: p.Name(), At: s.now().UTC()}
		s.cache.Set(ctx, key, price)
		return price, nil
	}
	return model.AssetPrice{}, apperrors.New(apperrors.ErrPriceUnavailable,
		"no price available for "+asset.Hex(), errors.Join(errs...))
}
