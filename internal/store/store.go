// Package store persists users, bots, orders, and bot logs in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id        INTEGER NOT NULL UNIQUE,
	api_key_enc    TEXT NOT NULL DEFAULT '',
	api_secret_enc TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id              INTEGER NOT NULL REFERENCES users(id),
	symbol               TEXT NOT NULL,
	grid_type            TEXT NOT NULL,
	lower_price          TEXT NOT NULL DEFAULT '0',
	upper_price          TEXT NOT NULL DEFAULT '0',
	grid_levels          INTEGER NOT NULL DEFAULT 0,
	starting_price       TEXT NOT NULL DEFAULT '0',
	flat_spread          TEXT NOT NULL DEFAULT '0',
	flat_increment       TEXT NOT NULL DEFAULT '0',
	buy_orders_count     INTEGER NOT NULL DEFAULT 0,
	sell_orders_count    INTEGER NOT NULL DEFAULT 0,
	order_size           TEXT NOT NULL DEFAULT '0',
	investment_amount    TEXT NOT NULL DEFAULT '0',
	status               TEXT NOT NULL,
	created_at           TIMESTAMP NOT NULL,
	started_at           TIMESTAMP,
	stopped_at           TIMESTAMP,
	last_activity_at     TIMESTAMP,
	total_profit         TEXT NOT NULL DEFAULT '0',
	total_profit_percent TEXT NOT NULL DEFAULT '0',
	completed_cycles     INTEGER NOT NULL DEFAULT 0,
	total_buy_orders     INTEGER NOT NULL DEFAULT 0,
	total_sell_orders    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bots_user ON bots(user_id);
CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);

CREATE TABLE IF NOT EXISTS orders (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id            INTEGER NOT NULL REFERENCES bots(id),
	exchange_order_id TEXT NOT NULL,
	side              TEXT NOT NULL,
	level             INTEGER NOT NULL,
	price             TEXT NOT NULL,
	amount            TEXT NOT NULL,
	total             TEXT NOT NULL,
	status            TEXT NOT NULL,
	fee               TEXT NOT NULL DEFAULT '0',
	fee_currency      TEXT NOT NULL DEFAULT '',
	paired_order_id   INTEGER,
	profit            TEXT,
	created_at        TIMESTAMP NOT NULL,
	filled_at         TIMESTAMP,
	cancelled_at      TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_bot_status ON orders(bot_id, status);

CREATE TABLE IF NOT EXISTS bot_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id     INTEGER NOT NULL,
	user_id    INTEGER NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bot_logs_bot ON bot_logs(bot_id);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps readers unblocked while supervisors write fills.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent supervisors.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- users ----

// GetOrCreateUser returns the user for a chat, creating the row on first
// contact.
func (s *Store) GetOrCreateUser(ctx context.Context, chatID int64) (*core.User, error) {
	u, err := s.GetUserByChatID(ctx, chatID)
	if err == nil {
		return u, nil
	}
	if err != apperrors.ErrUserNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (chat_id, created_at) VALUES (?, ?)`, chatID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &core.User{ID: id, ChatID: chatID, CreatedAt: now}, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*core.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, api_key_enc, api_secret_enc, created_at FROM users WHERE id = ?`, id))
}

// GetUserByChatID fetches a user by chat ID.
func (s *Store) GetUserByChatID(ctx context.Context, chatID int64) (*core.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, api_key_enc, api_secret_enc, created_at FROM users WHERE chat_id = ?`, chatID))
}

func (s *Store) scanUser(row *sql.Row) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.ID, &u.ChatID, &u.APIKeyEnc, &u.APISecretEnc, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

// SetCredentials stores the encrypted API key pair for a user.
func (s *Store) SetCredentials(ctx context.Context, userID int64, apiKeyEnc, apiSecretEnc string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_enc = ?, api_secret_enc = ? WHERE id = ?`,
		apiKeyEnc, apiSecretEnc, userID)
	if err != nil {
		return fmt.Errorf("failed to set credentials: %w", err)
	}
	return requireRow(res, apperrors.ErrUserNotFound)
}

// ClearCredentials removes the stored API key pair.
func (s *Store) ClearCredentials(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_enc = '', api_secret_enc = '' WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return requireRow(res, apperrors.ErrUserNotFound)
}

// ---- bots ----

const botColumns = `id, user_id, symbol, grid_type,
	lower_price, upper_price, grid_levels,
	starting_price, flat_spread, flat_increment, buy_orders_count, sell_orders_count,
	order_size, investment_amount,
	status, created_at, started_at, stopped_at, last_activity_at,
	total_profit, total_profit_percent, completed_cycles, total_buy_orders, total_sell_orders`

// CreateBot inserts a new bot and returns it with its assigned ID.
func (s *Store) CreateBot(ctx context.Context, b *core.Bot) (*core.Bot, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = core.BotActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (user_id, symbol, grid_type,
			lower_price, upper_price, grid_levels,
			starting_price, flat_spread, flat_increment, buy_orders_count, sell_orders_count,
			order_size, investment_amount, status, created_at,
			total_profit, total_profit_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '0', '0')`,
		b.UserID, b.Symbol, string(b.GridType),
		b.LowerPrice.String(), b.UpperPrice.String(), b.GridLevels,
		b.StartingPrice.String(), b.FlatSpread.String(), b.FlatIncrement.String(),
		b.BuyOrdersCount, b.SellOrdersCount,
		b.OrderSize.String(), b.InvestmentAmount.String(),
		string(b.Status), b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	b.ID = id
	return b, nil
}

// GetBot fetches one bot.
func (s *Store) GetBot(ctx context.Context, id int64) (*core.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bot: %w", err)
	}
	return b, nil
}

// ListBotsByUser returns every bot owned by a user, newest first.
func (s *Store) ListBotsByUser(ctx context.Context, userID int64) ([]*core.Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY id DESC`, userID)
}

// ListBotsByStatus returns every bot in the given state.
func (s *Store) ListBotsByStatus(ctx context.Context, status core.BotStatus) ([]*core.Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE status = ? ORDER BY id`, string(status))
}

func (s *Store) queryBots(ctx context.Context, query string, args ...interface{}) ([]*core.Bot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*core.Bot, error) {
	var b core.Bot
	var gridType, status string
	var lower, upper, starting, spread, increment, orderSize, investment, profit, profitPct string
	var startedAt, stoppedAt, lastActivity sql.NullTime

	err := row.Scan(&b.ID, &b.UserID, &b.Symbol, &gridType,
		&lower, &upper, &b.GridLevels,
		&starting, &spread, &increment, &b.BuyOrdersCount, &b.SellOrdersCount,
		&orderSize, &investment,
		&status, &b.CreatedAt, &startedAt, &stoppedAt, &lastActivity,
		&profit, &profitPct, &b.CompletedCycles, &b.TotalBuyOrders, &b.TotalSellOrders)
	if err != nil {
		return nil, err
	}

	b.GridType = core.GridType(gridType)
	b.Status = core.BotStatus(status)
	if b.LowerPrice, err = decimal.NewFromString(lower); err != nil {
		return nil, err
	}
	if b.UpperPrice, err = decimal.NewFromString(upper); err != nil {
		return nil, err
	}
	if b.StartingPrice, err = decimal.NewFromString(starting); err != nil {
		return nil, err
	}
	if b.FlatSpread, err = decimal.NewFromString(spread); err != nil {
		return nil, err
	}
	if b.FlatIncrement, err = decimal.NewFromString(increment); err != nil {
		return nil, err
	}
	if b.OrderSize, err = decimal.NewFromString(orderSize); err != nil {
		return nil, err
	}
	if b.InvestmentAmount, err = decimal.NewFromString(investment); err != nil {
		return nil, err
	}
	if b.TotalProfit, err = decimal.NewFromString(profit); err != nil {
		return nil, err
	}
	if b.TotalProfitPercent, err = decimal.NewFromString(profitPct); err != nil {
		return nil, err
	}
	b.StartedAt = nullTimePtr(startedAt)
	b.StoppedAt = nullTimePtr(stoppedAt)
	b.LastActivityAt = nullTimePtr(lastActivity)
	return &b, nil
}

// SetBotStatus transitions a bot's lifecycle state, stamping started_at
// or stopped_at as appropriate.
func (s *Store) SetBotStatus(ctx context.Context, botID int64, status core.BotStatus) error {
	now := time.Now().UTC()
	var query string
	switch status {
	case core.BotActive:
		query = `UPDATE bots SET status = ?, started_at = COALESCE(started_at, ?), last_activity_at = ? WHERE id = ?`
	case core.BotStopped:
		query = `UPDATE bots SET status = ?, stopped_at = ?, last_activity_at = ? WHERE id = ?`
	default:
		res, err := s.db.ExecContext(ctx,
			`UPDATE bots SET status = ?, last_activity_at = ? WHERE id = ?`,
			string(status), now, botID)
		if err != nil {
			return fmt.Errorf("failed to update bot status: %w", err)
		}
		return requireRow(res, apperrors.ErrBotNotFound)
	}
	res, err := s.db.ExecContext(ctx, query, string(status), now, now, botID)
	if err != nil {
		return fmt.Errorf("failed to update bot status: %w", err)
	}
	return requireRow(res, apperrors.ErrBotNotFound)
}

// TouchBot updates the bot's last-activity timestamp.
func (s *Store) TouchBot(ctx context.Context, botID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), botID)
	return err
}

// DeleteBot removes a bot and its orders and logs.
func (s *Store) DeleteBot(ctx context.Context, botID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_logs WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	if err := requireRow(res, apperrors.ErrBotNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- orders ----

const orderColumns = `id, bot_id, exchange_order_id, side, level, price, amount, total, status,
	fee, fee_currency, paired_order_id, profit, created_at, filled_at, cancelled_at`

// InsertOrder persists a newly placed order.
func (s *Store) InsertOrder(ctx context.Context, o *core.Order) (*core.Order, error) {
	id, err := insertOrder(ctx, s.db, o)
	if err != nil {
		return nil, err
	}
	o.ID = id
	return o, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertOrder(ctx context.Context, db execer, o *core.Order) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = core.OrderOpen
	}
	var profit interface{}
	if o.Profit != nil {
		profit = o.Profit.String()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO orders (bot_id, exchange_order_id, side, level, price, amount, total, status,
			fee, fee_currency, paired_order_id, profit, created_at, filled_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.BotID, o.ExchangeOrderID, string(o.Side), o.Level,
		o.Price.String(), o.Amount.String(), o.Total.String(), string(o.Status),
		o.Fee.String(), o.FeeCurrency, o.PairedOrderID, profit,
		o.CreatedAt, o.FilledAt, o.CancelledAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}
	return res.LastInsertId()
}

// GetOrder fetches one order by ID.
func (s *Store) GetOrder(ctx context.Context, id int64) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	return o, nil
}

// GetOrderByExchangeID fetches one order by its exchange-side identifier.
func (s *Store) GetOrderByExchangeID(ctx context.Context, botID int64, exchangeOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE bot_id = ? AND exchange_order_id = ?`,
		botID, exchangeOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	return o, nil
}

// ListOrders returns a bot's orders, optionally filtered by status
// (empty status means all), oldest first.
func (s *Store) ListOrders(ctx context.Context, botID int64, status core.OrderStatus) ([]*core.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE bot_id = ?`
	args := []interface{}{botID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountOpenOrders returns the number of open orders for a bot.
func (s *Store) CountOpenOrders(ctx context.Context, botID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE bot_id = ? AND status = 'open'`, botID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open orders: %w", err)
	}
	return n, nil
}

func scanOrder(row rowScanner) (*core.Order, error) {
	var o core.Order
	var side, status string
	var price, amount, total, fee string
	var pairedID sql.NullInt64
	var profit sql.NullString
	var filledAt, cancelledAt sql.NullTime

	err := row.Scan(&o.ID, &o.BotID, &o.ExchangeOrderID, &side, &o.Level,
		&price, &amount, &total, &status,
		&fee, &o.FeeCurrency, &pairedID, &profit,
		&o.CreatedAt, &filledAt, &cancelledAt)
	if err != nil {
		return nil, err
	}

	o.Side = core.Side(side)
	o.Status = core.OrderStatus(status)
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if o.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if pairedID.Valid {
		o.PairedOrderID = &pairedID.Int64
	}
	if profit.Valid {
		p, err := decimal.NewFromString(profit.String)
		if err != nil {
			return nil, err
		}
		o.Profit = &p
	}
	o.FilledAt = nullTimePtr(filledAt)
	o.CancelledAt = nullTimePtr(cancelledAt)
	return &o, nil
}

// ClaimFill transitions an order open -> filled. Returns false when the
// order was already claimed, which makes double dispatch of the same
// exchange fill a no-op.
func (s *Store) ClaimFill(ctx context.Context, orderID int64, fee decimal.Decimal, feeCurrency string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'filled', filled_at = ?, fee = ?, fee_currency = ?
		WHERE id = ? AND status = 'open'`,
		time.Now().UTC(), fee.String(), feeCurrency, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to claim fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkOrderCancelled transitions an order to cancelled.
func (s *Store) MarkOrderCancelled(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', cancelled_at = ?
		WHERE id = ? AND status = 'open'`,
		time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// MarkOrderError transitions an order to the error state.
func (s *Store) MarkOrderError(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = 'error' WHERE id = ? AND status = 'open'`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order error: %w", err)
	}
	return nil
}

// FillOutcome records everything that follows a claimed fill in one
// transaction: the counter order, profit attribution on the filled
// order, updated bot statistics, and an operational log line.
type FillOutcome struct {
	FilledOrderID int64
	// Counter is the replacement order already placed on the exchange;
	// nil when placement failed and only stats should move.
	Counter *core.Order
	// Profit is the realized profit of a completed cycle; nil for buy
	// fills, which only lock in profit once the paired sell completes.
	Profit     *decimal.Decimal
	LogMessage string
	LogDetails string
}

// RecordFill applies a FillOutcome atomically and returns the updated
// bot statistics.
func (s *Store) RecordFill(ctx context.Context, botID int64, outcome *FillOutcome) (*core.Bot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBot(tx.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, botID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bot: %w", err)
	}

	if outcome.Counter != nil {
		id, err := insertOrder(ctx, tx, outcome.Counter)
		if err != nil {
			return nil, err
		}
		outcome.Counter.ID = id
	}

	if outcome.Profit != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET profit = ? WHERE id = ?`,
			outcome.Profit.String(), outcome.FilledOrderID); err != nil {
			return nil, fmt.Errorf("failed to record profit: %w", err)
		}
		b.TotalProfit = b.TotalProfit.Add(*outcome.Profit)
		b.CompletedCycles++
	}
	// Order counters track placements, so only the counter order moves
	// them here; the initial ladder is counted at placement time.
	if outcome.Counter != nil {
		if outcome.Counter.Side == core.SideBuy {
			b.TotalBuyOrders++
		} else {
			b.TotalSellOrders++
		}
	}
	ref := b.ReferenceInvestment()
	if ref.IsPositive() {
		b.TotalProfitPercent = b.TotalProfit.Div(ref).Mul(decimal.NewFromInt(100))
	}
	now := time.Now().UTC()
	b.LastActivityAt = &now

	if _, err := tx.ExecContext(ctx, `
		UPDATE bots SET total_profit = ?, total_profit_percent = ?, completed_cycles = ?,
			total_buy_orders = ?, total_sell_orders = ?, last_activity_at = ?
		WHERE id = ?`,
		b.TotalProfit.String(), b.TotalProfitPercent.String(), b.CompletedCycles,
		b.TotalBuyOrders, b.TotalSellOrders, now, botID); err != nil {
		return nil, fmt.Errorf("failed to update bot stats: %w", err)
	}

	if outcome.LogMessage != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_logs (bot_id, user_id, level, message, details, created_at)
			VALUES (?, ?, 'INFO', ?, ?, ?)`,
			botID, b.UserID, outcome.LogMessage, outcome.LogDetails, now); err != nil {
			return nil, fmt.Errorf("failed to insert log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fill: %w", err)
	}
	return b, nil
}

// AddPlacedCounts bumps the cumulative placed-order counters after an
// initial ladder placement.
func (s *Store) AddPlacedCounts(ctx context.Context, botID int64, buys, sells int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET total_buy_orders = total_buy_orders + ?,
			total_sell_orders = total_sell_orders + ?, last_activity_at = ?
		WHERE id = ?`,
		buys, sells, time.Now().UTC(), botID)
	if err != nil {
		return fmt.Errorf("failed to update placed counts: %w", err)
	}
	return requireRow(res, apperrors.ErrBotNotFound)
}

// ---- bot logs ----

// AddBotLog appends an operational log line for a bot.
func (s *Store) AddBotLog(ctx context.Context, log *core.BotLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_logs (bot_id, user_id, level, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.BotID, log.UserID, log.Level, log.Message, log.Details, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// ListBotLogs returns the most recent log lines for a bot, newest first.
func (s *Store) ListBotLogs(ctx context.Context, botID int64, limit int) ([]*core.BotLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, level, message, details, created_at
		FROM bot_logs WHERE bot_id = ? ORDER BY id DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var logs []*core.BotLog
	for rows.Next() {
		var l core.BotLog
		if err := rows.Scan(&l.ID, &l.BotID, &l.UserID, &l.Level, &l.Message, &l.Details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
