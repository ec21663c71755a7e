package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/logging"
)

type staticCreds struct{}

func (staticCreds) Credentials(ctx context.Context, userID int64) (string, string, error) {
	return "test-key", "test-secret", nil
}

func newTestGateway(t *testing.T, handler http.Handler) *MEXCGateway {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewMEXCGateway(srv.URL, staticCreds{}, logging.NopLogger{})
}

func TestTicker_FetchAndCache(t *testing.T) {
	var calls int32
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"ETHUSDT","price":"2000.5"}`))
	}))

	price, err := g.Ticker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("2000.5")))

	// Second read is served from the cache.
	_, err = g.Ticker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBatchTickers_OmitsUnknown(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"64000"},{"symbol":"ETHUSDT","price":"2000"}]`))
	}))

	out, err := g.BatchTickers(context.Background(), []string{"BTC/USDT", "DOGE/USDT"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out["BTC/USDT"].Equal(decimal.NewFromInt(64000)))
}

func TestBalance_SignedAndFiltered(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-MEXC-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		w.Write([]byte(`{"balances":[
			{"asset":"USDT","free":"150.5","locked":"10"},
			{"asset":"ETH","free":"0","locked":"0"}
		]}`))
	}))

	balances, err := g.Balance(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances["USDT"].Equal(decimal.RequireFromString("150.5")))
}

func TestPlaceLimit_ParsesOrder(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "1960", q.Get("price"))
		w.Write([]byte(`{"symbol":"ETHUSDT","orderId":"C02__443776","side":"BUY","status":"NEW","price":"1960","origQty":"0.0052","executedQty":"0","transactTime":1700000000000}`))
	}))

	ref, err := g.PlaceLimit(context.Background(), 1, "ETH/USDT", core.SideBuy,
		decimal.NewFromInt(1960), decimal.RequireFromString("0.0052"))
	require.NoError(t, err)
	assert.Equal(t, "C02__443776", ref.ExchangeOrderID)
	assert.Equal(t, core.SideBuy, ref.Side)
	assert.Equal(t, core.OrderOpen, ref.Status)
	assert.True(t, ref.Remaining.Equal(decimal.RequireFromString("0.0052")))
}

func TestPlaceMarket_BuyUsesQuoteQty(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "30.28", q.Get("quoteOrderQty"))
		assert.Empty(t, q.Get("quantity"))
		w.Write([]byte(`{"orderId":12345,"side":"BUY","status":"FILLED","origQty":"0.0151","executedQty":"0.0151","cummulativeQuoteQty":"30.2"}`))
	}))

	ref, err := g.PlaceMarket(context.Background(), 1, "ETH/USDT", core.SideBuy, decimal.RequireFromString("30.28"))
	require.NoError(t, err)
	assert.Equal(t, "12345", ref.ExchangeOrderID)
	assert.Equal(t, core.OrderFilled, ref.Status)
	assert.True(t, ref.AveragePrice.Equal(decimal.RequireFromString("30.2").Div(decimal.RequireFromString("0.0151"))))
}

func TestCancel_UnknownOrderIsSuccess(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist"}`))
	}))

	err := g.Cancel(context.Background(), 1, "ETH/USDT", "999")
	assert.NoError(t, err)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad signature", 400, `{"code":700002,"msg":"Signature for this request is not valid."}`, apperrors.ErrInvalidCredentials},
		{"invalid key", 401, `{"code":10072,"msg":"Api key info invalid"}`, apperrors.ErrInvalidCredentials},
		{"insufficient funds", 400, `{"code":30004,"msg":"Insufficient balance"}`, apperrors.ErrInsufficientFunds},
		{"oversold", 400, `{"code":30005,"msg":"Oversold"}`, apperrors.ErrInsufficientFunds},
		{"unknown code", 400, `{"code":30010,"msg":"price out of range"}`, apperrors.ErrInvalidOrder},
		{"rate limited", 429, `{"msg":"too many requests"}`, apperrors.ErrRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			_, err := g.PlaceLimit(context.Background(), 1, "ETH/USDT", core.SideBuy,
				decimal.NewFromInt(100), decimal.NewFromInt(1))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMarketInfo_Normalizes(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{
			"symbol":"ETHUSDT","status":"1","baseAsset":"ETH","quoteAsset":"USDT",
			"quotePrecision":2,"baseAssetPrecision":4,
			"baseSizePrecision":"0.0001","quoteAmountPrecision":"1"
		}]}`))
	}))

	info, err := g.MarketInfo(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, "ETH", info.Base)
	assert.Equal(t, "USDT", info.Quote)
	assert.Equal(t, int32(2), info.PricePrecision)
	assert.True(t, info.AmountStep().Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, info.MinOrderCost.Equal(decimal.NewFromInt(1)))
	assert.True(t, info.Active)
}
