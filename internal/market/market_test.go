package market

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/cache"
	"github.com/borrowbot/keeper/internal/pkg/httpjson"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var (
	usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
)

const marketsResponse = `{"data":{"markets":{"items":[
 {"uniqueKey":"0x01","lltv":"860000000000000000","oracleAddress":"0x00000000000000000000000000000000000000aa","irmAddress":"0x00000000000000000000000000000000000000bb",
  "collateralAsset":{"address":"0x4200000000000000000000000000000000000006","symbol":"WETH","decimals":18},
  "loanAsset":{"address":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913","symbol":"USDC","decimals":6},
  "state":{"borrowApy":0.052,"supplyApy":0.041,"utilization":0.9,"supplyAssets":"1000","borrowAssets":"900"}},
 {"uniqueKey":"0x02","lltv":0.915,
  "collateralAsset":{"address":"0x4200000000000000000000000000000000000006","symbol":"WETH","decimals":18},
  "loanAsset":{"address":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913","symbol":"USDC","decimals":6},
  "state":{"borrowApy":0.06,"supplyApy":0.05,"utilization":0.8,"supplyAssets":5000000000000,"borrowAssets":4000000000000}}
]}}}`

func graphQLServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMarketPicksDeepestSupply(t *testing.T) {
	var req map[string]any
	srv := graphQLServer(t, http.StatusOK, marketsResponse, &req)
	c := NewMorphoClient(srv.URL, httpjson.NewClient(time.Second), map[int64]common.Address{8453: usdc})

	m, err := c.GetMarket(context.Background(), 8453, weth, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, common.HexToHash("0x02"), m.UniqueKey)
	assert.InDelta(t, 0.915, m.LLTV, 1e-12)
	assert.Equal(t, "915000000000000000", m.LLTVRaw.String())
	assert.Equal(t, uint8(6), m.LoanDecimals)
	assert.Equal(t, usdc, m.LoanAsset)
	assert.Equal(t, "5000000000000", m.TotalSupply.String())

	vars := req["variables"].(map[string]any)
	assert.Equal(t, usdc.Hex(), vars["loanAssetAddress"])
	assert.Equal(t, float64(8453), vars["chainId"])
}

func TestParseMarketRawLLTV(t *testing.T) {
	items := gjson.Get(marketsResponse, "data.markets.items")
	m := parseMarket(items.Array()[0], 8453)
	assert.InDelta(t, 0.86, m.LLTV, 1e-12)
	assert.Equal(t, "860000000000000000", m.LLTVRaw.String())
	assert.Equal(t, common.HexToAddress("0xaa"), m.Oracle)
	assert.Equal(t, common.HexToAddress("0xbb"), m.IRM)
	assert.InDelta(t, 0.052, m.BorrowAPY, 1e-12)
}

func TestGetMarketNone(t *testing.T) {
	srv := graphQLServer(t, http.StatusOK, `{"data":{"markets":{"items":[]}}}`, nil)
	c := NewMorphoClient(srv.URL, httpjson.NewClient(time.Second), nil)

	m, err := c.GetMarket(context.Background(), 8453, weth, &usdc)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = c.GetMarket(context.Background(), 1, weth, nil)
	require.NoError(t, err)
	assert.Nil(t, m, "unknown chain without explicit loan asset")
}

func TestGetMarketUpstreamErrors(t *testing.T) {
	for name, srv := range map[string]*httptest.Server{
		"status":  graphQLServer(t, http.StatusBadGateway, "bad gateway", nil),
		"graphql": graphQLServer(t, http.StatusOK, `{"errors":[{"message":"boom"}]}`, nil),
		"json":    graphQLServer(t, http.StatusOK, `not json`, nil),
	} {
		t.Run(name, func(t *testing.T) {
			c := NewMorphoClient(srv.URL, httpjson.NewClient(time.Second), nil)
			_, err := c.GetMarket(context.Background(), 8453, weth, &usdc)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrMarketUnavailable))
		})
	}
}

type fakeVault struct {
	rates map[int64]*big.Int
	err   error
	calls int
}

func (f *fakeVault) Decimals(context.Context, common.Address) (uint8, error) { return 6, nil }

func (f *fakeVault) ConvertToAssets(_ context.Context, _ common.Address, shares, block *big.Int) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if shares.Cmp(big.NewInt(1_000_000)) != 0 {
		return nil, errors.New("expected one whole share")
	}
	return f.rates[block.Int64()], nil
}

type fakeHeaders struct{ latest, blockTime int64 }

func (f fakeHeaders) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	num := f.latest
	if n != nil {
		num = n.Int64()
	}
	return &types.Header{Number: big.NewInt(num), Time: uint64(1_700_000_000 + num*f.blockTime)}, nil
}

func TestVaultYieldAnnualizes(t *testing.T) {
	// one week of 2s blocks
	latest := int64(1_000_000)
	from := latest - 302_400
	vault := &fakeVault{rates: map[int64]*big.Int{from: big.NewInt(1_000_000), latest: big.NewInt(1_001_000)}}
	y := NewVaultYield(vault, fakeHeaders{latest: latest, blockTime: 2}, cache.NewMemory[float64](cache.Policy{TTL: time.Hour}), YieldOptions{FallbackAPY: 0.08})

	apy, err := y.YieldAPY(context.Background())
	require.NoError(t, err)
	want := math.Pow(1.001, 365.0/7.0) - 1
	assert.InDelta(t, want, apy, 1e-9)

	_, err = y.YieldAPY(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, vault.calls, "second read served from cache")
}

func TestVaultYieldFallback(t *testing.T) {
	latest := int64(1_000_000)
	from := latest - 302_400
	flat := &fakeVault{rates: map[int64]*big.Int{from: big.NewInt(1_000_000), latest: big.NewInt(1_000_000)}}
	y := NewVaultYield(flat, fakeHeaders{latest: latest, blockTime: 2}, nil, YieldOptions{FallbackAPY: 0.08})
	apy, err := y.YieldAPY(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.08, apy)

	broken := &fakeVault{err: errors.New("rpc down")}
	y = NewVaultYield(broken, fakeHeaders{latest: latest, blockTime: 2}, nil, YieldOptions{FallbackAPY: 0.08})
	apy, err = y.YieldAPY(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.08, apy)
}

func TestAnnualizedGrowthRejectsBadData(t *testing.T) {
	_, err := AnnualizedGrowth(big.NewInt(0), big.NewInt(1), 10)
	assert.Error(t, err)
	_, err = AnnualizedGrowth(big.NewInt(2), big.NewInt(1), 10)
	assert.Error(t, err)
	_, err = AnnualizedGrowth(big.NewInt(1), big.NewInt(2), 0)
	assert.Error(t, err)
}
