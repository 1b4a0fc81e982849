package types

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrBelowMinimumQuantity = errors.New("amount below exchange minimum")
	ErrOrderFailed          = errors.New("order failed")
	ErrConfirmationTimeout  = errors.New("position close not confirmed")
	ErrAdapterUnavailable   = errors.New("exchange adapter unavailable")

	ErrNotFound            = errors.New("not found")
	ErrBotInactive         = errors.New("bot is inactive")
	ErrBotInUse            = errors.New("bot has subscriptions")
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrInvalidBot          = errors.New("invalid bot")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrFeedClosed          = errors.New("candle feed closed")
	ErrCredentialsInUse    = errors.New("credentials in use by running subscriptions")
)

// MinimumQuantityError reports the smallest USDT amount that would clear the lot minimum
type MinimumQuantityError struct {
	MinQty float64
	Price  float64
}

// MinimumAmount is the USDT notional of the minimum lot at Price
func (e *MinimumQuantityError) MinimumAmount() float64 {
	return e.MinQty * e.Price
}

func (e *MinimumQuantityError) Error() string {
	return fmt.Sprintf("%s: minimum is $%.2f", ErrBelowMinimumQuantity, e.MinimumAmount())
}

func (e *MinimumQuantityError) Unwrap() error {
	return ErrBelowMinimumQuantity
}

// OrderError wraps an exchange rejection of a market order
type OrderError struct {
	Op     string // "open" or "close"
	Symbol string
	Err    error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", ErrOrderFailed, e.Op, e.Symbol, e.Err)
}

// Is lets errors.Is match both ErrOrderFailed and the exchange cause
func (e *OrderError) Is(target error) bool {
	return target == ErrOrderFailed
}

func (e *OrderError) Unwrap() error {
	return e.Err
}
