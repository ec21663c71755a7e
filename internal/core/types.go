package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// GridType selects the ladder geometry of a bot.
type GridType string

const (
	// GridRange spaces levels arithmetically across [lower, upper].
	GridRange GridType = "range"
	// GridFlat offsets levels symmetrically around a starting price.
	GridFlat GridType = "flat"
)

// BotStatus is the lifecycle state of a bot.
type BotStatus string

const (
	BotActive  BotStatus = "active"
	BotPaused  BotStatus = "paused"
	BotStopped BotStatus = "stopped"
)

// OrderStatus is the lifecycle state of a persisted order. Orders move
// open -> {filled, cancelled, error} and never leave a terminal state.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderError     OrderStatus = "error"
)

// User holds the chat identity and the encrypted exchange credentials.
// The ciphertext is opaque everywhere except the security box and the
// gateway, which decrypts per call.
type User struct {
	ID           int64
	ChatID       int64
	APIKeyEnc    string
	APISecretEnc string
	CreatedAt    time.Time
}

// HasCredentials reports whether both halves of the key pair are stored.
func (u *User) HasCredentials() bool {
	return u.APIKeyEnc != "" && u.APISecretEnc != ""
}

// Bot is one grid bot: immutable configuration set at create time plus
// mutable lifecycle fields and rolling statistics.
type Bot struct {
	ID     int64
	UserID int64

	Symbol   string
	GridType GridType

	// Range grid configuration.
	LowerPrice decimal.Decimal
	UpperPrice decimal.Decimal
	GridLevels int

	// Flat grid configuration.
	StartingPrice   decimal.Decimal
	FlatSpread      decimal.Decimal
	FlatIncrement   decimal.Decimal
	BuyOrdersCount  int
	SellOrdersCount int

	// OrderSize is the target cost in quote currency for every level.
	OrderSize decimal.Decimal
	// InvestmentAmount is meaningful for range grids only; flat profit
	// percent is computed against (buy+sell)*OrderSize.
	InvestmentAmount decimal.Decimal

	Status         BotStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	StoppedAt      *time.Time
	LastActivityAt *time.Time

	TotalProfit        decimal.Decimal
	TotalProfitPercent decimal.Decimal
	CompletedCycles    int
	TotalBuyOrders     int
	TotalSellOrders    int
}

// BaseCurrency returns the base half of the BASE/QUOTE symbol.
func (b *Bot) BaseCurrency() string {
	base, _, _ := SplitSymbol(b.Symbol)
	return base
}

// QuoteCurrency returns the quote half of the BASE/QUOTE symbol.
func (b *Bot) QuoteCurrency() string {
	_, quote, _ := SplitSymbol(b.Symbol)
	return quote
}

// ReferenceInvestment is the denominator for profit-percent statistics.
func (b *Bot) ReferenceInvestment() decimal.Decimal {
	if b.GridType == GridFlat {
		n := decimal.NewFromInt(int64(b.BuyOrdersCount + b.SellOrdersCount))
		return b.OrderSize.Mul(n)
	}
	return b.InvestmentAmount
}

// ExpectedOrderCount is the ladder size the health checker compares
// open-order counts against.
func (b *Bot) ExpectedOrderCount() int {
	if b.GridType == GridFlat {
		return b.BuyOrdersCount + b.SellOrdersCount
	}
	return b.GridLevels
}

// SplitSymbol splits a BASE/QUOTE pair string.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol format: %q", symbol)
	}
	return parts[0], parts[1], nil
}

// Order is one limit order the system has placed on the exchange.
type Order struct {
	ID              int64
	BotID           int64
	ExchangeOrderID string
	Side            Side
	// Level is the ladder index for range grids and the signed offset
	// from the center for flat grids.
	Level  int
	Price  decimal.Decimal
	Amount decimal.Decimal
	Total  decimal.Decimal
	Status OrderStatus

	Fee         decimal.Decimal
	FeeCurrency string

	// PairedOrderID links a sell back to the buy that funded it so
	// realized profit can be attributed to the cycle.
	PairedOrderID *int64
	Profit        *decimal.Decimal

	CreatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// BotLog is a persisted operational log line attached to a bot.
type BotLog struct {
	ID        int64
	BotID     int64
	UserID    int64
	Level     string
	Message   string
	Details   string
	CreatedAt time.Time
}

// MarketInfo is the normalized metadata for one trading pair.
type MarketInfo struct {
	Symbol string
	Base   string
	Quote  string
	// PricePrecision is a decimal-place count for prices.
	PricePrecision int32
	// AmountPrecision is either a decimal-place count (value >= 1) or a
	// fractional step size (value < 1); exchanges report both forms.
	AmountPrecision decimal.Decimal
	MinOrderAmount  decimal.Decimal
	MinOrderCost    decimal.Decimal
	Active          bool
}

// AmountStep normalizes AmountPrecision into a step size.
func (m *MarketInfo) AmountStep() decimal.Decimal {
	return StepFromPrecision(m.AmountPrecision)
}

// StepFromPrecision converts a precision in either form (decimal places
// or fractional step) into a step size.
func StepFromPrecision(precision decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if precision.LessThan(one) && precision.IsPositive() {
		return precision
	}
	places := precision.IntPart()
	return one.Shift(int32(-places))
}

// OrderRef is the exchange's view of an order as returned by place and
// open-orders calls.
type OrderRef struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	Remaining       decimal.Decimal
	AveragePrice    decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	Timestamp       time.Time
}
