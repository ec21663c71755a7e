// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ValidationError describes an invalid setting.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s=%q: %s", e.Field, e.Value, e.Message)
}

// Settings holds the full service configuration.
type Settings struct {
	// Intervals
	OrderCheckInterval  time.Duration
	HealthCheckInterval time.Duration

	// Grid limits
	MaxGridLevels     int
	MinGridLevels     int
	MinInvestmentUSDT decimal.Decimal

	// Notifications
	ProfitNotifyPercent decimal.Decimal
	TelegramBotToken    string
	TelegramChatID      string

	// Security
	EncryptionKey string

	// Storage
	DatabasePath string

	// Exchange
	ExchangeBaseURL string

	// Observability
	LogLevel    string
	MetricsAddr string
}

// Load reads settings from the environment, consulting a .env file when
// present. Missing optional values fall back to defaults; invalid values
// return a ValidationError.
func Load() (*Settings, error) {
	// A missing .env file is fine; real deployments export variables.
	_ = godotenv.Load()

	s := &Settings{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		DatabasePath:     envOr("DATABASE_PATH", "gridbot.db"),
		ExchangeBaseURL:  envOr("EXCHANGE_BASE_URL", "https://api.mexc.com"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
	}

	var err error
	if s.OrderCheckInterval, err = envSeconds("ORDER_CHECK_INTERVAL", 10); err != nil {
		return nil, err
	}
	if s.HealthCheckInterval, err = envSeconds("HEALTH_CHECK_INTERVAL", 300); err != nil {
		return nil, err
	}
	if s.MaxGridLevels, err = envInt("MAX_GRID_LEVELS", 50); err != nil {
		return nil, err
	}
	if s.MinGridLevels, err = envInt("MIN_GRID_LEVELS", 4); err != nil {
		return nil, err
	}
	if s.MinInvestmentUSDT, err = envDecimal("MIN_INVESTMENT_USDT", "10"); err != nil {
		return nil, err
	}
	if s.ProfitNotifyPercent, err = envDecimal("PROFIT_NOTIFY_PERCENT", "5"); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if s.OrderCheckInterval < time.Second {
		return &ValidationError{Field: "ORDER_CHECK_INTERVAL", Value: s.OrderCheckInterval.String(), Message: "must be at least 1 second"}
	}
	if s.HealthCheckInterval < time.Second {
		return &ValidationError{Field: "HEALTH_CHECK_INTERVAL", Value: s.HealthCheckInterval.String(), Message: "must be at least 1 second"}
	}
	if s.MinGridLevels < 2 {
		return &ValidationError{Field: "MIN_GRID_LEVELS", Value: strconv.Itoa(s.MinGridLevels), Message: "must be at least 2"}
	}
	if s.MinGridLevels%2 != 0 {
		return &ValidationError{Field: "MIN_GRID_LEVELS", Value: strconv.Itoa(s.MinGridLevels), Message: "must be even"}
	}
	if s.MaxGridLevels < s.MinGridLevels {
		return &ValidationError{Field: "MAX_GRID_LEVELS", Value: strconv.Itoa(s.MaxGridLevels), Message: "must be >= MIN_GRID_LEVELS"}
	}
	if s.MinInvestmentUSDT.Sign() <= 0 {
		return &ValidationError{Field: "MIN_INVESTMENT_USDT", Value: s.MinInvestmentUSDT.String(), Message: "must be positive"}
	}
	if s.ProfitNotifyPercent.Sign() <= 0 {
		return &ValidationError{Field: "PROFIT_NOTIFY_PERCENT", Value: s.ProfitNotifyPercent.String(), Message: "must be positive"}
	}
	if s.EncryptionKey == "" {
		return &ValidationError{Field: "ENCRYPTION_KEY", Value: "", Message: "must be set"}
	}
	if s.DatabasePath == "" {
		return &ValidationError{Field: "DATABASE_PATH", Value: "", Message: "must be set"}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ValidationError{Field: key, Value: v, Message: "must be an integer"}
	}
	return n, nil
}

func envSeconds(key string, defSeconds int) (time.Duration, error) {
	n, err := envInt(key, defSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func envDecimal(key, def string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: key, Value: v, Message: "must be a decimal number"}
	}
	return d, nil
}
