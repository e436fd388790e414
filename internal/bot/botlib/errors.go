package botlib

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy from spec §7. Orchestrator step
// boundaries classify failures against these with errors.Is/errors.As
// rather than by string matching.
var (
	// ErrConfig covers missing credentials, unapproved bots, unsupported
	// exchanges. Surfaces as subscription -> ERROR.
	ErrConfig = errors.New("config error")

	// ErrStrategyLoad covers missing artifacts, hash mismatches, and
	// instantiation failures. Surfaces as subscription -> ERROR.
	ErrStrategyLoad = errors.New("strategy load error")

	// ErrLLM covers provider timeouts and parse failures. Recovery is a
	// fallback to the non-LLM path, never a hard failure.
	ErrLLM = errors.New("llm error")

	// ErrReconciler is per-trade and must never poison a sweep.
	ErrReconciler = errors.New("reconciler error")
)

// ExchangeError is a structured exchange failure carrying the exchange's
// own error code, message, and whether a retry is worth attempting.
type ExchangeError struct {
	Exchange  string
	Code      string
	Msg       string
	Retriable bool
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: [%s] %s", e.Exchange, e.Code, e.Msg)
}

// IsRetriable reports whether the originating call should be retried.
func (e *ExchangeError) IsRetriable() bool { return e.Retriable }

// QuantityValidationError means rounding produced a quantity of zero or
// below the exchange's min_qty/min_notional floor. The orchestrator
// downgrades the action to HOLD on this error, per spec §4.B/§7.
type QuantityValidationError struct {
	Symbol       string
	Requested    string
	Rounded      string
	MinQty       string
	MinNotional  string
	NotionalCalc string
}

func (e *QuantityValidationError) Error() string {
	return fmt.Sprintf("quantity validation failed for %s: requested=%s rounded=%s min_qty=%s min_notional=%s notional=%s",
		e.Symbol, e.Requested, e.Rounded, e.MinQty, e.MinNotional, e.NotionalCalc)
}

// OrderPartialFailureError is raised when the entry order filled but the
// managed protective orders (SL/TP) could not be placed. The orchestrator
// best-effort flattens the resulting naked position and persists the trade
// with null protective IDs so the reconciler can still track it.
type OrderPartialFailureError struct {
	Symbol    string
	EntryOrderID string
	Cause     error
}

func (e *OrderPartialFailureError) Error() string {
	return fmt.Sprintf("order partial failure on %s (entry=%s): %v", e.Symbol, e.EntryOrderID, e.Cause)
}

func (e *OrderPartialFailureError) Unwrap() error { return e.Cause }
