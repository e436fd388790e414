package exchange

import (
	"context"
	"fmt"

	"botplatform/internal/bot/botlib"

	"github.com/shopspring/decimal"
)

// splitBufferMultiplier is the 1.1x buffer spec §4.A step 3 requires before
// a quantity is considered safely splittable into two take-profit legs.
var splitBufferMultiplier = decimal.NewFromFloat(1.1)

// tp2UpFactor / tp2DownFactor are the second take-profit leg's offset from
// the primary TP price (spec §4.A step 4): 2% further in the position's
// favor, applied in the direction that depends on which side is being
// closed.
var (
	tp2UpFactor   = decimal.NewFromFloat(1.02)
	tp2DownFactor = decimal.NewFromFloat(0.98)
)

// closingSide returns the order side used to close a position opened with
// entrySide.
func closingSide(entrySide botlib.Side) botlib.Side {
	if entrySide == botlib.SideBuy {
		return botlib.SideSell
	}
	return botlib.SideBuy
}

// roundDownToStep floors qty to the nearest multiple of step (step > 0).
func roundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Floor()
	return units.Mul(step)
}

// PlaceManagedOrders implements the default managed-order algorithm from
// spec §4.A, shared by every concrete adapter's CreateManagedOrders method.
//
//  1. Best-effort cancel of any pre-existing protective orders.
//  2. Look up min_qty/step_size/min_notional.
//  3. Decide whether Q can be split into two TP legs.
//  4. Splittable: SL for the full quantity, TP1 for floor(Q/2, step),
//     TP2 for the remainder at an offset TP price.
//  5. Not splittable: SL for the full quantity, single TP for the full
//     quantity.
//  6. On any failure after orders were placed, best-effort cancel each
//     placed order and propagate the original error.
func PlaceManagedOrders(
	ctx context.Context,
	adapter FuturesAdapter,
	symbol string,
	entrySide botlib.Side,
	qty decimal.Decimal,
	slPrice decimal.Decimal,
	tpPrice decimal.Decimal,
	reduceOnly bool,
) (*ManagedOrderResult, error) {
	// Step 1: best-effort cancel of stale protective orders.
	_ = adapter.CancelAllOrders(ctx, symbol)

	// Step 2: symbol precision.
	prec, err := adapter.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("managed orders: symbol precision: %w", err)
	}

	side := closingSide(entrySide)
	placed := make([]*OrderInfo, 0, 3)
	rollback := func(cause error) error {
		for _, o := range placed {
			_ = adapter.CancelOrder(ctx, symbol, o.OrderID)
		}
		return cause
	}

	// Step 3: splittability check.
	half := qty.Div(decimal.NewFromInt(2))
	halfRounded := roundDownToStep(half, prec.StepSize)
	minBuffered := prec.MinQty.Mul(splitBufferMultiplier)
	tp1Notional := halfRounded.Mul(tpPrice)
	splittable := half.GreaterThanOrEqual(minBuffered) &&
		halfRounded.GreaterThanOrEqual(prec.MinQty) &&
		tp1Notional.GreaterThanOrEqual(prec.MinNotional)

	// Stop-loss always covers the full quantity.
	sl, err := adapter.CreateStopLossOrder(ctx, symbol, side, qty, slPrice, reduceOnly)
	if err != nil {
		return nil, rollback(fmt.Errorf("managed orders: stop loss: %w", err))
	}
	placed = append(placed, sl)

	if !splittable {
		tp, err := adapter.CreateTakeProfitOrder(ctx, symbol, side, qty, tpPrice, reduceOnly)
		if err != nil {
			return nil, rollback(fmt.Errorf("managed orders: take profit: %w", err))
		}
		placed = append(placed, tp)
		return &ManagedOrderResult{StopLossOrder: sl, TakeProfitOrders: []*OrderInfo{tp}}, nil
	}

	tp1, err := adapter.CreateTakeProfitOrder(ctx, symbol, side, halfRounded, tpPrice, reduceOnly)
	if err != nil {
		return nil, rollback(fmt.Errorf("managed orders: take profit 1: %w", err))
	}
	placed = append(placed, tp1)

	remainder := qty.Sub(halfRounded)
	tp2Factor := tp2UpFactor
	if entrySide == botlib.SideSell {
		tp2Factor = tp2DownFactor
	}
	tp2Price := tpPrice.Mul(tp2Factor)

	tp2, err := adapter.CreateTakeProfitOrder(ctx, symbol, side, remainder, tp2Price, reduceOnly)
	if err != nil {
		return nil, rollback(fmt.Errorf("managed orders: take profit 2: %w", err))
	}
	placed = append(placed, tp2)

	return &ManagedOrderResult{StopLossOrder: sl, TakeProfitOrders: []*OrderInfo{tp1, tp2}}, nil
}

// ValidateQuantity applies spec §4.A's reject rule: a rounded quantity
// below min_qty, or a resulting notional below min_notional, is invalid.
// It returns a *botlib.QuantityValidationError (nil on success) that the
// orchestrator downgrades the triggering action to HOLD on.
func ValidateQuantity(symbol string, requested, rounded, price decimal.Decimal, prec *Precision) *botlib.QuantityValidationError {
	notional := rounded.Mul(price)
	if rounded.LessThan(prec.MinQty) || notional.LessThan(prec.MinNotional) {
		return &botlib.QuantityValidationError{
			Symbol:       symbol,
			Requested:    requested.String(),
			Rounded:      rounded.String(),
			MinQty:       prec.MinQty.String(),
			MinNotional:  prec.MinNotional.String(),
			NotionalCalc: notional.String(),
		}
	}
	return nil
}
