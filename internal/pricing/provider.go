// Package pricing resolves USD prices for collateral assets with a
// primary/fallback provider chain and derives short-term price analysis.
package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/httpjson"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
)

// Provider quotes a spot USD price.
type Provider interface {
	Name() string
	CurrentPrice(ctx context.Context, chainID int64, asset common.Address) (float64, error)
}

// HistorySource returns prices between start and end at the given
// interval ("1h", "1d"), oldest first.
type HistorySource interface {
	HistoricalPrices(ctx context.Context, chainID int64, asset common.Address, start, end time.Time, interval string) ([]float64, error)
}

var networkNames = map[int64]string{
	1:     "eth-mainnet",
	8453:  "base-mainnet",
	84532: "base-sepolia",
}

func networkName(chainID int64) (string, error) {
	name, ok := networkNames[chainID]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrConfig, "no price network for chain %d", chainID)
	}
	return name, nil
}

type Alchemy struct {
	base string
	key  string
	http *http.Client
}

func NewAlchemy(baseURL, apiKey string, client *http.Client) *Alchemy {
	return &Alchemy{base: strings.TrimSuffix(baseURL, "/"), key: apiKey, http: client}
}

func (a *Alchemy) Name() string { return "alchemy" }

func (a *Alchemy) CurrentPrice(ctx context.Context, chainID int64, asset common.Address) (float64, error) {
	network, err := networkName(chainID)
	if err != nil {
		return 0, err
	}
	body, err := a.post(ctx, "tokens/by-address", map[string]any{
		"addresses": []map[string]string{{"network": network, "address": asset.Hex()}},
	})
	if err != nil {
		return 0, err
	}
	var price string
	gjson.GetBytes(body, "data.0.prices").ForEach(func(_, p gjson.Result) bool {
		if strings.EqualFold(p.Get("currency").String(), "usd") {
			price = p.Get("value").String()
			return false
		}
		return true
	})
	if price == "" {
		return 0, apperrors.NewNotFound(fmt.Sprintf("price not found for asset %s on chain %d", asset.Hex(), chainID))
	}
	return parsePrice(price)
}

func (a *Alchemy) HistoricalPrices(ctx context.Context, chainID int64, asset common.Address, start, end time.Time, interval string) ([]float64, error) {
	network, err := networkName(chainID)
	if err != nil {
		return nil, err
	}
	body, err := a.post(ctx, "tokens/historical", map[string]any{
		"startTime": start.UTC().Format(time.RFC3339),
		"endTime":   end.UTC().Format(time.RFC3339),
		"interval":  interval,
		"network":   network,
		"address":   asset.Hex(),
	})
	if err != nil {
		return nil, err
	}
	var prices []float64
	gjson.GetBytes(body, "data").ForEach(func(_, point gjson.Result) bool {
		if v := point.Get("value"); v.Exists() && v.String() != "" {
			if f, err := parsePrice(v.String()); err == nil {
				prices = append(prices, f)
			}
		}
		return true
	})
	return prices, nil
}

func (a *Alchemy) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if a.key == "" {
		return nil, apperrors.NewConfig("alchemy api key not configured")
	}
	return httpjson.Do(ctx, a.http, http.MethodPost, a.base+"/"+a.key+"/"+path, nil, payload)
}

type Moralis struct {
	base string
	key  string
	http *http.Client
}

func NewMoralis(baseURL, apiKey string, client *http.Client) *Moralis {
	return &Moralis{base: strings.TrimSuffix(baseURL, "/"), key: apiKey, http: client}
}

func (m *Moralis) Name() string { return "moralis" }

func (m *Moralis) CurrentPrice(ctx context.Context, chainID int64, asset common.Address) (float64, error) {
	if m.key == "" {
		return 0, apperrors.NewConfig("moralis api key not configured")
	}
	q := url.Values{"chain": {"0x" + strconv.FormatInt(chainID, 16)}}
	endpoint := m.base + "/erc20/" + asset.Hex() + "/price?" + q.Encode()
	body, err := httpjson.Do(ctx, m.http, http.MethodGet, endpoint, map[string]string{"X-API-Key": m.key}, nil)
	if err != nil {
		return 0, err
	}
	usd := gjson.GetBytes(body, "usdPrice")
	if !usd.Exists() {
		return 0, apperrors.NewNotFound("usdPrice missing for asset " + asset.Hex())
	}
	return parsePrice(usd.String())
}

func parsePrice(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrPriceUnavailable, "unparseable price "+s, err)
	}
	if f <= 0 {
		return 0, apperrors.Newf(apperrors.ErrPriceUnavailable, "non-positive price %s", s)
	}
	return f, nil
}
