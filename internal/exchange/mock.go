package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
)

// Mock is an in-memory Gateway used in tests. It keeps an order book of
// everything placed, lets tests fill or reject orders, and can simulate
// credential failures per user.
type Mock struct {
	mu sync.Mutex

	Tickers  map[string]decimal.Decimal
	Markets  map[string]*core.MarketInfo
	Balances map[int64]map[string]decimal.Decimal

	// CredentialErr, when set for a user, is returned by every
	// authenticated call.
	CredentialErr map[int64]error

	// PlaceLimitFn and PlaceMarketFn override placement when set.
	PlaceLimitFn  func(symbol string, side core.Side, price, amount decimal.Decimal) error
	PlaceMarketFn func(symbol string, side core.Side, quantity decimal.Decimal) error

	orders     map[string]*core.OrderRef
	nextID     int
	MarketBuys []decimal.Decimal
	Cancelled  []string
}

// NewMock creates an empty mock exchange.
func NewMock() *Mock {
	return &Mock{
		Tickers:       make(map[string]decimal.Decimal),
		Markets:       make(map[string]*core.MarketInfo),
		Balances:      make(map[int64]map[string]decimal.Decimal),
		CredentialErr: make(map[int64]error),
		orders:        make(map[string]*core.OrderRef),
	}
}

func (m *Mock) authErr(userID int64) error {
	return m.CredentialErr[userID]
}

func (m *Mock) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Tickers[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no ticker for %s", apperrors.ErrInvalidOrder, symbol)
	}
	return price, nil
}

func (m *Mock) BatchTickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if p, ok := m.Tickers[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (m *Mock) Balance(ctx context.Context, userID int64) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authErr(userID); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for k, v := range m.Balances[userID] {
		out[k] = v
	}
	return out, nil
}

// SetCredentialErr sets, or clears with nil, the error every
// authenticated call returns for a user.
func (m *Mock) SetCredentialErr(userID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.CredentialErr, userID)
		return
	}
	m.CredentialErr[userID] = err
}

// SetBalance sets one currency balance for a user.
func (m *Mock) SetBalance(userID int64, currency string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Balances[userID] == nil {
		m.Balances[userID] = make(map[string]decimal.Decimal)
	}
	m.Balances[userID][currency] = amount
}

func (m *Mock) MarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.Markets[symbol]; ok {
		return info, nil
	}
	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return &core.MarketInfo{
		Symbol:          symbol,
		Base:            base,
		Quote:           quote,
		PricePrecision:  2,
		AmountPrecision: decimal.RequireFromString("0.0001"),
		MinOrderAmount:  decimal.RequireFromString("0.0001"),
		Active:          true,
	}, nil
}

func (m *Mock) PlaceLimit(ctx context.Context, userID int64, symbol string, side core.Side, price, amount decimal.Decimal) (*core.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authErr(userID); err != nil {
		return nil, err
	}
	if m.PlaceLimitFn != nil {
		if err := m.PlaceLimitFn(symbol, side, price, amount); err != nil {
			return nil, err
		}
	}

	m.nextID++
	ref := &core.OrderRef{
		ExchangeOrderID: fmt.Sprintf("M-%d", m.nextID),
		Symbol:          symbol,
		Side:            side,
		Status:          core.OrderOpen,
		Price:           price,
		Amount:          amount,
		Remaining:       amount,
		Timestamp:       time.Now(),
	}
	m.orders[ref.ExchangeOrderID] = ref
	return cloneRef(ref), nil
}

func (m *Mock) PlaceMarket(ctx context.Context, userID int64, symbol string, side core.Side, quantity decimal.Decimal) (*core.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authErr(userID); err != nil {
		return nil, err
	}
	if m.PlaceMarketFn != nil {
		if err := m.PlaceMarketFn(symbol, side, quantity); err != nil {
			return nil, err
		}
	}
	if side == core.SideBuy {
		m.MarketBuys = append(m.MarketBuys, quantity)
	}

	m.nextID++
	ref := &core.OrderRef{
		ExchangeOrderID: fmt.Sprintf("M-%d", m.nextID),
		Symbol:          symbol,
		Side:            side,
		Status:          core.OrderFilled,
		Amount:          quantity,
		Filled:          quantity,
		Timestamp:       time.Now(),
	}
	return ref, nil
}

func (m *Mock) Cancel(ctx context.Context, userID int64, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authErr(userID); err != nil {
		return err
	}
	ref, ok := m.orders[orderID]
	if !ok || ref.Status != core.OrderOpen {
		// Unknown orders cancel successfully, matching the gateway.
		return nil
	}
	ref.Status = core.OrderCancelled
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *Mock) OrderStatus(ctx context.Context, userID int64, symbol, orderID string) (*core.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authErr(userID); err != nil {
		return nil, err
	}
	ref, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return cloneRef(ref), nil
}

func (m *Mock) OpenOrders(ctx context.Context, userID int64, symbol string) ([]*core.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authErr(userID); err != nil {
		return nil, err
	}
	var out []*core.OrderRef
	for _, ref := range m.orders {
		if ref.Status != core.OrderOpen {
			continue
		}
		if symbol != "" && !strings.EqualFold(ref.Symbol, symbol) {
			continue
		}
		out = append(out, cloneRef(ref))
	}
	return out, nil
}

// Fill marks an open order as filled at its limit price.
func (m *Mock) Fill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.orders[orderID]; ok && ref.Status == core.OrderOpen {
		ref.Status = core.OrderFilled
		ref.Filled = ref.Amount
		ref.Remaining = decimal.Zero
		ref.AveragePrice = ref.Price
	}
}

// OpenCount returns the number of open orders on the book.
func (m *Mock) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ref := range m.orders {
		if ref.Status == core.OrderOpen {
			n++
		}
	}
	return n
}

// Order returns the stored state of one order.
func (m *Mock) Order(orderID string) *core.OrderRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.orders[orderID]; ok {
		return cloneRef(ref)
	}
	return nil
}

func cloneRef(ref *core.OrderRef) *core.OrderRef {
	c := *ref
	return &c
}
