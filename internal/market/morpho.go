// Package market fetches lending-market parameters from the Morpho API and
// derives the yield vault's APY from on-chain share prices.
package market

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/httpjson"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
)

const listMarketsQuery = `query ListMarkets($skip: Int!, $chainId: Int!, $collateralAssetAddress: String!, $loanAssetAddress: String!) {
  markets(first: 100, skip: $skip, where: {chainId_in: [$chainId], collateralAssetAddress_in: [$collateralAssetAddress], loanAssetAddress_in: [$loanAssetAddress]}) {
    items {
      uniqueKey
      lltv
      oracleAddress
      irmAddress
      collateralAsset { address symbol decimals }
      loanAsset { address symbol decimals }
      state { borrowApy supplyApy utilization supplyAssets borrowAssets }
    }
  }
}`

var wad = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

type MorphoClient struct {
	url          string
	http         *http.Client
	defaultLoans map[int64]common.Address
}

// NewMorphoClient queries url; defaultLoans maps chain id to the loan
// asset used when the caller passes none.
func NewMorphoClient(url string, client *http.Client, defaultLoans map[int64]common.Address) *MorphoClient {
	return &MorphoClient{url: url, http: client, defaultLoans: defaultLoans}
}

// GetMarket returns the deepest market (largest supply) for the pair, or
// nil when none exists.
func (c *MorphoClient) GetMarket(ctx context.Context, chainID int64, collateral common.Address, loan *common.Address) (*model.Market, error) {
	markets, err := c.ListMarkets(ctx, chainID, collateral, loan)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		logger.Warn("No lending market found", "collateral", collateral.Hex(), "chain_id", chainID)
		return nil, nil
	}
	best := markets[0]
	for _, m := range markets[1:] {
		if m.TotalSupply.Cmp(best.TotalSupply) > 0 {
			best = m
		}
	}
	return best, nil
}

func (c *MorphoClient) ListMarkets(ctx context.Context, chainID int64, collateral common.Address, loan *common.Address) ([]*model.Market, error) {
	var loanAsset common.Address
	if loan != nil {
		loanAsset = *loan
	} else if def, ok := c.defaultLoans[chainID]; ok {
		loanAsset = def
	} else {
		return nil, nil
	}

	payload := map[string]any{
		"query": listMarketsQuery,
		"variables": map[string]any{
			"skip":                   0,
			"chainId":                chainID,
			"collateralAssetAddress": collateral.Hex(),
			"loanAssetAddress":       loanAsset.Hex(),
		},
	}
	body, err := httpjson.Do(ctx, c.http, http.MethodPost, c.url, nil, payload)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrMarketUnavailable, "market query failed", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.Newf(apperrors.ErrMarketUnavailable, "market query returned invalid json")
	}
	res := gjson.ParseBytes(body)
	if errs := res.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return nil, apperrors.Newf(apperrors.ErrMarketUnavailable, "market query error: %s", errs.Get("0.message").String())
	}

	var markets []*model.Market
	res.Get("data.markets.items").ForEach(func(_, item gjson.Result) bool {
		markets = append(markets, parseMarket(item, chainID))
		return true
	})
	return markets, nil
}

func parseMarket(item gjson.Result, chainID int64) *model.Market {
	lltv, lltvRaw := parseLLTV(item.Get("lltv"))
	collateral := item.Get("collateralAsset")
	loan := item.Get("loanAsset")
	state := item.Get("state")
	return &model.Market{
		UniqueKey:          common.HexToHash(item.Get("uniqueKey").String()),
		ChainID:            chainID,
		LoanAsset:          common.HexToAddress(loan.Get("address").String()),
		LoanSymbol:         loan.Get("symbol").String(),
		LoanDecimals:       decimalsOr(loan.Get("decimals"), 6),
		CollateralAsset:    common.HexToAddress(collateral.Get("address").String()),
		CollateralSymbol:   collateral.Get("symbol").String(),
		CollateralDecimals: decimalsOr(collateral.Get("decimals"), 18),
		Oracle:             common.HexToAddress(item.Get("oracleAddress").String()),
		IRM:                common.HexToAddress(item.Get("irmAddress").String()),
		LLTV:               lltv,
		LLTVRaw:            lltvRaw,
		BorrowAPY:          state.Get("borrowApy").Float(),
		SupplyAPY:          state.Get("supplyApy").Float(),
		Utilization:        state.Get("utilization").Float(),
		TotalSupply:        bigOf(state.Get("supplyAssets")),
		TotalBorrow:        bigOf(state.Get("borrowAssets")),
	}
}

// parseLLTV accepts either the 18-decimal integer or a plain fraction.
func parseLLTV(r gjson.Result) (float64, *big.Int) {
	raw := strings.TrimSpace(r.String())
	if raw == "" {
		return 0, new(big.Int)
	}
	f, ok := new(big.Float).SetString(raw)
	if !ok {
		return 0, new(big.Int)
	}
	one := big.NewFloat(1)
	if f.Cmp(one) > 0 {
		intRaw, _ := f.Int(nil)
		frac, _ := new(big.Float).Quo(f, wad).Float64()
		return frac, intRaw
	}
	frac, _ := f.Float64()
	intRaw, _ := new(big.Float).Mul(f, wad).Int(nil)
	return frac, intRaw
}

func bigOf(r gjson.Result) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(r.String()), 10)
	if !ok {
		// numbers serialized with an exponent
		f, ok := new(big.Float).SetString(r.String())
		if !ok {
			return new(big.Int)
		}
		v, _ = f.Int(nil)
	}
	return v
}

func decimalsOr(r gjson.Result, def uint8) uint8 {
	if !r.Exists() {
		return def
	}
	n, err := strconv.ParseUint(r.String(), 10, 8)
	if err != nil {
		return def
	}
	return uint8(n)
}
