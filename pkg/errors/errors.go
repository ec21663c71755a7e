package apperrors

import "errors"

// Failure taxonomy the core distinguishes. The gateway translates
// exchange-specific error codes into these sentinels; everything else
// branches with errors.Is.
var (
	ErrTransient          = errors.New("transient exchange error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidOrder       = errors.New("invalid order parameter")
	ErrOrderNotFound      = errors.New("order not found")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrBotNotFound        = errors.New("bot not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrNoCredentials      = errors.New("api credentials not configured")
	ErrValidation         = errors.New("validation failed")
)

// IsTerminal reports whether an error must never be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInvalidOrder)
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
