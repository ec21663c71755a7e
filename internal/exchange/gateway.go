package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/pkg/cache"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/httpclient"
)

const (
	tickerTTL  = 60 * time.Second
	balanceTTL = 30 * time.Second
	marketTTL  = time.Hour
)

// CredentialSource returns a user's decrypted API key pair. The gateway
// asks per call and never retains the plaintext, so rotated keys take
// effect on the next request.
type CredentialSource interface {
	Credentials(ctx context.Context, userID int64) (apiKey, apiSecret string, err error)
}

// MEXCGateway implements core.Gateway against the MEXC spot REST API.
type MEXCGateway struct {
	http     *httpclient.Client
	creds    CredentialSource
	tickers  *cache.TTLCache
	balances *cache.TTLCache
	markets  *cache.TTLCache
	logger   core.ILogger
}

// NewMEXCGateway creates the gateway.
func NewMEXCGateway(baseURL string, creds CredentialSource, logger core.ILogger) *MEXCGateway {
	return &MEXCGateway{
		http:     httpclient.NewClient(baseURL, 10*time.Second, 15),
		creds:    creds,
		tickers:  cache.New(tickerTTL),
		balances: cache.New(balanceTTL),
		markets:  cache.New(marketTTL),
		logger:   logger.WithField("component", "exchange"),
	}
}

// exchangeSymbol converts "BTC/USDT" to the wire form "BTCUSDT".
func exchangeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// clientOrderID tags place requests so a retried request that did reach
// the exchange is rejected as a duplicate instead of doubling the order.
func clientOrderID() string {
	return "gb-" + uuid.NewString()
}

func (g *MEXCGateway) signerFor(ctx context.Context, userID int64) (httpclient.Signer, error) {
	apiKey, apiSecret, err := g.creds.Credentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	return newHMACSigner(apiKey, apiSecret), nil
}

// Ticker returns the last-trade price, served from a short cache.
func (g *MEXCGateway) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if v, ok := g.tickers.Get(symbol); ok {
		return v.(decimal.Decimal), nil
	}

	body, err := g.http.Get(ctx, "/api/v3/ticker/price",
		map[string]string{"symbol": exchangeSymbol(symbol)}, nil)
	if err != nil {
		return decimal.Zero, g.mapError(err)
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker: %w", err)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid ticker price %q: %w", resp.Price, err)
	}

	g.tickers.Set(symbol, price)
	return price, nil
}

// BatchTickers fetches the full price list once and picks the requested
// symbols out of it; unknown symbols are omitted from the result.
func (g *MEXCGateway) BatchTickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	body, err := g.http.Get(ctx, "/api/v3/ticker/price", nil, nil)
	if err != nil {
		return nil, g.mapError(err)
	}

	var resp []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse tickers: %w", err)
	}

	byWire := make(map[string]decimal.Decimal, len(resp))
	for _, t := range resp {
		if price, err := decimal.NewFromString(t.Price); err == nil {
			byWire[t.Symbol] = price
		}
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if price, ok := byWire[exchangeSymbol(s)]; ok {
			out[s] = price
			g.tickers.Set(s, price)
		}
	}
	return out, nil
}

// Balance returns the user's non-zero free balances keyed by currency.
func (g *MEXCGateway) Balance(ctx context.Context, userID int64) (map[string]decimal.Decimal, error) {
	cacheKey := fmt.Sprintf("balance:%d", userID)
	if v, ok := g.balances.Get(cacheKey); ok {
		return v.(map[string]decimal.Decimal), nil
	}

	signer, err := g.signerFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	body, err := g.http.Get(ctx, "/api/v3/account", nil, signer)
	if err != nil {
		return nil, g.mapError(err)
	}

	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}

	out := make(map[string]decimal.Decimal)
	for _, b := range resp.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil || free.IsZero() {
			continue
		}
		out[b.Asset] = free
	}

	g.balances.Set(cacheKey, out)
	return out, nil
}

// InvalidateBalance drops a user's cached balance; called after orders
// that move funds.
func (g *MEXCGateway) InvalidateBalance(userID int64) {
	g.balances.Remove(fmt.Sprintf("balance:%d", userID))
}

// MarketInfo returns normalized metadata for one trading pair.
func (g *MEXCGateway) MarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	if v, ok := g.markets.Get(symbol); ok {
		return v.(*core.MarketInfo), nil
	}

	body, err := g.http.Get(ctx, "/api/v3/exchangeInfo",
		map[string]string{"symbol": exchangeSymbol(symbol)}, nil)
	if err != nil {
		return nil, g.mapError(err)
	}

	var resp struct {
		Symbols []struct {
			Symbol               string `json:"symbol"`
			Status               string `json:"status"`
			BaseAsset            string `json:"baseAsset"`
			QuoteAsset           string `json:"quoteAsset"`
			QuotePrecision       int32  `json:"quotePrecision"`
			BaseAssetPrecision   int32  `json:"baseAssetPrecision"`
			BaseSizePrecision    string `json:"baseSizePrecision"`
			QuoteAmountPrecision string `json:"quoteAmountPrecision"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("%w: symbol %s not listed", apperrors.ErrInvalidOrder, symbol)
	}

	s := resp.Symbols[0]
	info := &core.MarketInfo{
		Symbol:          symbol,
		Base:            s.BaseAsset,
		Quote:           s.QuoteAsset,
		PricePrecision:  s.QuotePrecision,
		AmountPrecision: decimal.NewFromInt32(s.BaseAssetPrecision),
		Active:          s.Status == "1" || strings.EqualFold(s.Status, "ENABLED"),
	}
	if minAmount, err := decimal.NewFromString(s.BaseSizePrecision); err == nil {
		info.MinOrderAmount = minAmount
	}
	if minCost, err := decimal.NewFromString(s.QuoteAmountPrecision); err == nil {
		info.MinOrderCost = minCost
	}

	g.markets.Set(symbol, info)
	return info, nil
}

// PlaceLimit creates a limit order.
func (g *MEXCGateway) PlaceLimit(ctx context.Context, userID int64, symbol string, side core.Side, price, amount decimal.Decimal) (*core.OrderRef, error) {
	signer, err := g.signerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":           exchangeSymbol(symbol),
		"side":             strings.ToUpper(string(side)),
		"type":             "LIMIT",
		"price":            price.String(),
		"quantity":         amount.String(),
		"newClientOrderId": clientOrderID(),
	}
	body, err := g.http.Post(ctx, "/api/v3/order", params, signer)
	if err != nil {
		return nil, g.mapError(err)
	}
	g.InvalidateBalance(userID)
	return g.parseOrder(body, symbol)
}

// PlaceMarket creates a market order. Buys spend quantity as quote cost
// (quoteOrderQty); sells dispose quantity in base currency.
func (g *MEXCGateway) PlaceMarket(ctx context.Context, userID int64, symbol string, side core.Side, quantity decimal.Decimal) (*core.OrderRef, error) {
	signer, err := g.signerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":           exchangeSymbol(symbol),
		"side":             strings.ToUpper(string(side)),
		"type":             "MARKET",
		"newClientOrderId": clientOrderID(),
	}
	if side == core.SideBuy {
		params["quoteOrderQty"] = quantity.String()
	} else {
		params["quantity"] = quantity.String()
	}
	body, err := g.http.Post(ctx, "/api/v3/order", params, signer)
	if err != nil {
		return nil, g.mapError(err)
	}
	g.InvalidateBalance(userID)
	return g.parseOrder(body, symbol)
}

// Cancel cancels an order; an already-gone order counts as success.
func (g *MEXCGateway) Cancel(ctx context.Context, userID int64, symbol, orderID string) error {
	signer, err := g.signerFor(ctx, userID)
	if err != nil {
		return err
	}

	params := map[string]string{
		"symbol":  exchangeSymbol(symbol),
		"orderId": orderID,
	}
	_, err = g.http.Delete(ctx, "/api/v3/order", params, signer)
	if err != nil {
		mapped := g.mapError(err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return nil
		}
		return mapped
	}
	g.InvalidateBalance(userID)
	return nil
}

// OrderStatus fetches the current exchange state of one order.
func (g *MEXCGateway) OrderStatus(ctx context.Context, userID int64, symbol, orderID string) (*core.OrderRef, error) {
	signer, err := g.signerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":  exchangeSymbol(symbol),
		"orderId": orderID,
	}
	body, err := g.http.Get(ctx, "/api/v3/order", params, signer)
	if err != nil {
		return nil, g.mapError(err)
	}
	return g.parseOrder(body, symbol)
}

// OpenOrders lists the user's open orders; empty symbol means all.
func (g *MEXCGateway) OpenOrders(ctx context.Context, userID int64, symbol string) ([]*core.OrderRef, error) {
	signer, err := g.signerFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = exchangeSymbol(symbol)
	}
	body, err := g.http.Get(ctx, "/api/v3/openOrders", params, signer)
	if err != nil {
		return nil, g.mapError(err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}
	refs := make([]*core.OrderRef, 0, len(raw))
	for _, r := range raw {
		ref, err := g.parseOrder(r, symbol)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

type wireOrder struct {
	OrderID             json.Number `json:"orderId"`
	Symbol              string      `json:"symbol"`
	Side                string      `json:"side"`
	Status              string      `json:"status"`
	Price               string      `json:"price"`
	OrigQty             string      `json:"origQty"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	TransactTime        int64       `json:"transactTime"`
	Time                int64       `json:"time"`
}

func (g *MEXCGateway) parseOrder(body []byte, symbol string) (*core.OrderRef, error) {
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}

	ref := &core.OrderRef{
		ExchangeOrderID: w.OrderID.String(),
		Symbol:          symbol,
		Side:            core.Side(strings.ToLower(w.Side)),
		Status:          mapOrderStatus(w.Status),
	}
	ref.Price = parseDecimal(w.Price)
	ref.Amount = parseDecimal(w.OrigQty)
	ref.Filled = parseDecimal(w.ExecutedQty)
	ref.Remaining = ref.Amount.Sub(ref.Filled)
	if ref.Filled.IsPositive() {
		quote := parseDecimal(w.CummulativeQuoteQty)
		if quote.IsPositive() {
			ref.AveragePrice = quote.Div(ref.Filled)
		}
	}
	ts := w.TransactTime
	if ts == 0 {
		ts = w.Time
	}
	if ts > 0 {
		ref.Timestamp = time.UnixMilli(ts)
	}
	return ref, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mapOrderStatus(status string) core.OrderStatus {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return core.OrderOpen
	case "FILLED":
		return core.OrderFilled
	case "CANCELED", "PARTIALLY_CANCELED", "EXPIRED":
		return core.OrderCancelled
	default:
		return core.OrderError
	}
}

// mapError translates HTTP and exchange failures into the apperrors
// taxonomy so callers can branch with errors.Is.
func (g *MEXCGateway) mapError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		// Network failures, timeouts, and exhausted retries.
		return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}

	if apiErr.StatusCode == 429 {
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimited, err)
	}
	if apiErr.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}

	var resp struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	}
	if jsonErr := json.Unmarshal(apiErr.Body, &resp); jsonErr != nil {
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidOrder, err)
	}

	switch resp.Code {
	case 700002, 700001, 10072:
		// Signature verification failed / invalid API key.
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidCredentials, resp.Msg)
	case 30004, 30005:
		// Insufficient balance / oversold.
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, resp.Msg)
	case -2013, 30016:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, resp.Msg)
	case 429, 510:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, resp.Msg)
	}

	if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidCredentials, err)
	}
	return fmt.Errorf("%w: code=%d %s", apperrors.ErrInvalidOrder, resp.Code, resp.Msg)
}
