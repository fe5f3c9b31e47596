// Package apperrors holds the venue independent error taxonomy
package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")

	// ErrOrderAlreadyCompleted is returned by cancels for orders that are
	// no longer resting (filled or canceled before the request arrived).
	ErrOrderAlreadyCompleted = errors.New("order already completed")

	ErrStreamUnavailable = errors.New("push stream unavailable")
)

// IsAlreadyCompleted reports whether err means the order no longer rests
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrOrderAlreadyCompleted) || errors.Is(err, ErrOrderNotFound)
}

// IsTransient reports whether retrying the same call later may succeed
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrExchangeMaintenance) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}
