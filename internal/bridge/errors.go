package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrNoRoute               = errors.New("bridge: no route available")
	ErrInsufficientLiquidity = errors.New("bridge: insufficient liquidity")
	ErrAggregatorUnavailable = errors.New("bridge: aggregator unavailable")
	ErrExecutionRejected     = errors.New("bridge: execution rejected")
	ErrInvalidRequest        = errors.New("bridge: invalid request")
	ErrUnknownExecution      = errors.New("bridge: unknown execution")
)

// NoRouteError is returned when the aggregator offers no candidate route.
type NoRouteError struct {
	SourceNetwork string
	TargetNetwork string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("bridge: no route from %s to %s", e.SourceNetwork, e.TargetNetwork)
}
func (e *NoRouteError) Unwrap() error { return ErrNoRoute }

// InsufficientLiquidityError is returned when the aggregator cannot carry
// the requested amount.
type InsufficientLiquidityError struct {
	SourceNetwork string
	TargetNetwork string
	Amount        string
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("bridge: insufficient liquidity for %s from %s to %s", e.Amount, e.SourceNetwork, e.TargetNetwork)
}
func (e *InsufficientLiquidityError) Unwrap() error { return ErrInsufficientLiquidity }

// BridgeError wraps aggregator failures with the operation that failed.
type BridgeError struct {
	Op       string
	Provider string
	Err      error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge: %s via %s failed: %v", e.Op, e.Provider, e.Err)
}
func (e *BridgeError) Unwrap() error { return e.Err }

// IsBridgeError reports whether err originated in this package.
func IsBridgeError(err error) bool {
	var be *BridgeError
	var nr *NoRouteError
	var il *InsufficientLiquidityError
	return errors.As(err, &be) || errors.As(err, &nr) || errors.As(err, &il)
}

// clientError reports failures caused by the request rather than the
// aggregator's health. They are neither retried nor counted by the breaker.
func clientError(err error) bool {
	return errors.Is(err, ErrNoRoute) ||
		errors.Is(err, ErrInsufficientLiquidity) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrExecutionRejected) ||
		errors.Is(err, ErrUnknownExecution)
}
