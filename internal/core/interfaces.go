// Package core defines the domain types and capability interfaces of the
// grid trading system.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the normalized access to one spot exchange. Implementations
// translate exchange-specific failures into the apperrors taxonomy; every
// call scopes its authenticated connection so it is released on all exit
// paths.
type Gateway interface {
	// Ticker returns the last-trade price for a symbol. May serve from a
	// short TTL cache. No authentication required.
	Ticker(ctx context.Context, symbol string) (decimal.Decimal, error)

	// BatchTickers returns last-trade prices for several symbols in one
	// request. Symbols the exchange does not know are omitted.
	BatchTickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)

	// Balance returns the user's non-zero balances keyed by currency.
	Balance(ctx context.Context, userID int64) (map[string]decimal.Decimal, error)

	// MarketInfo returns trading-pair metadata.
	MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error)

	// PlaceLimit creates a limit order and returns the exchange's view.
	PlaceLimit(ctx context.Context, userID int64, symbol string, side Side, price, amount decimal.Decimal) (*OrderRef, error)

	// PlaceMarket creates a market order. For buys the quantity encodes
	// cost in quote currency; for sells it is an amount in base currency.
	PlaceMarket(ctx context.Context, userID int64, symbol string, side Side, quantity decimal.Decimal) (*OrderRef, error)

	// Cancel cancels an order. Unknown orders are treated as success.
	Cancel(ctx context.Context, userID int64, symbol, orderID string) error

	// OrderStatus fetches the current exchange state of one order.
	OrderStatus(ctx context.Context, userID int64, symbol, orderID string) (*OrderRef, error)

	// OpenOrders lists the user's open orders, optionally scoped to a
	// symbol (empty string means all symbols).
	OpenOrders(ctx context.Context, userID int64, symbol string) ([]*OrderRef, error)
}

// ILogger is the structured logging interface all components hold.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
