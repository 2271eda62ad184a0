package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/limitvault/limitvault/pkg/engine/events"
	"github.com/limitvault/limitvault/pkg/engine/order"
	"github.com/limitvault/limitvault/pkg/metrics"
	"github.com/limitvault/limitvault/pkg/util"
)

// ExecuteOrder fills an order completely at its target price, after
// price protection and balance checks pass. The asset exchange is one
// atomic unit: the taker payment and the escrow release commit
// together or neither does.
//
// Failures after the order is located increment its attempt counter
// and record the failure reason; at most one terminal transition ever
// succeeds per identifier.
func (l *Ledger) ExecuteOrder(ctx context.Context, id common.Hash, observedPrice *big.Int, executor common.Address) error {
	now := util.NowMillis(l.clock)

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrOrderNotFound, id.Hex())
	}
	if o.IsClosed() {
		return fmt.Errorf("%w: %s", order.ErrOrderAlreadyCompleted, id.Hex())
	}
	if o.IsExpired(now) {
		l.recordFailureLocked(o, now, "order expired")
		return fmt.Errorf("%w: %s", order.ErrOrderExpired, id.Hex())
	}

	if o.PriceProtection.Enabled {
		if err := l.checkPriceLocked(ctx, o, observedPrice, now); err != nil {
			return err
		}
	}

	if o.BalanceCheck.Enabled {
		proceed, err := l.checkBalanceLocked(o, now)
		if !proceed {
			return err
		}
	}

	takerAmount := o.TakerAmount(o.Amount)
	if err := l.settle(o, executor, takerAmount); err != nil {
		l.recordFailureLocked(o, now, err.Error())
		metrics.ExecutionFailures.WithLabelValues("settlement").Inc()
		return fmt.Errorf("settlement failed: %w", err)
	}

	o.Execution.TotalFilled.Set(o.Amount)
	o.Execution.Completed = true
	o.Execution.Attempts++
	o.Execution.LastAttempt = now
	o.Execution.FailureReason = ""
	o.CompletedReason = "executed"
	l.removeActiveLocked(id)
	l.persistLocked(o)

	metrics.OrdersExecuted.Inc()
	l.emitter.Emit(events.Event{
		Type:      events.TypeOrderExecuted,
		Timestamp: now,
		Payload: events.OrderExecuted{
			ID: o.ID, Owner: o.Owner, Executor: executor,
			MakerAmount: new(big.Int).Set(o.Amount),
			TakerAmount: takerAmount,
			Price:       new(big.Int).Set(o.TargetPrice),
		},
	})
	if l.log != nil {
		l.log.Infow("order_executed", "id", o.ID.Hex(), "executor", executor.Hex(),
			"makerAmount", o.Amount.String(), "takerAmount", takerAmount.String())
	}
	return nil
}

// checkPriceLocked validates the observed price against the live
// market within the order's tolerance. On rejection the only state
// change is the attempt record.
func (l *Ledger) checkPriceLocked(ctx context.Context, o *order.Order, observedPrice *big.Int, now int64) error {
	if l.oracle == nil {
		l.recordFailureLocked(o, now, "no price oracle configured")
		return order.ErrPriceUnavailable
	}
	if observedPrice == nil || observedPrice.Sign() <= 0 {
		l.recordFailureLocked(o, now, "invalid observed price")
		return fmt.Errorf("%w: observed price must be positive", order.ErrInvalidOrderSpec)
	}
	base := l.symbols[o.MakerAsset]
	quote := l.symbols[o.TakerAsset]

	res, err := l.oracle.ValidateOrderPrice(ctx, base, quote, observedPrice, o.PriceProtection.ToleranceBps)
	if err != nil {
		l.recordFailureLocked(o, now, err.Error())
		metrics.ExecutionFailures.WithLabelValues("price_unavailable").Inc()
		return err
	}
	o.PriceProtection.LastChecked = now
	o.PriceProtection.LastMarketPrice = new(big.Int).Set(res.MarketPrice)
	if !res.WithinTolerance {
		l.recordFailureLocked(o, now, fmt.Sprintf("price deviation %d bps exceeds tolerance %d bps",
			res.DeviationBps, res.ToleranceBps))
		metrics.ExecutionFailures.WithLabelValues("price_tolerance").Inc()
		return fmt.Errorf("%w: deviation %d bps, tolerance %d bps",
			order.ErrPriceOutOfTolerance, res.DeviationBps, res.ToleranceBps)
	}
	return nil
}

// checkBalanceLocked re-checks the owner's live balance against the
// order amount. Auto-cancel takes precedence over auto-adjust; with
// neither set, the attempt just fails. Returns proceed=true when
// execution may continue (possibly with a reduced amount).
func (l *Ledger) checkBalanceLocked(o *order.Order, now int64) (bool, error) {
	bal, err := l.custody.BalanceOf(o.Owner, o.MakerAsset)
	if err != nil {
		l.recordFailureLocked(o, now, err.Error())
		return false, fmt.Errorf("balance check failed: %w", err)
	}
	o.BalanceCheck.LastChecked = now

	required := requiredBalance(o)
	if bal.Cmp(required) >= 0 {
		return true, nil
	}

	switch {
	case o.BalanceCheck.AutoCancel:
		l.recordFailureLocked(o, now, "insufficient balance, auto-cancelled")
		if err := l.cancelLocked(o, now, "auto-cancelled: insufficient balance"); err != nil && l.log != nil {
			l.log.Errorw("auto_cancel_failed", "id", o.ID.Hex(), "err", err)
		}
		l.emitBalanceInsufficient(o, bal, required, now, "cancelled")
		metrics.ExecutionFailures.WithLabelValues("balance_cancelled").Inc()
		return false, fmt.Errorf("%w: order auto-cancelled", order.ErrInsufficientBalance)

	case o.BalanceCheck.AutoAdjust && bal.Sign() > 0 && bal.Cmp(o.Amount) < 0:
		if err := l.adjustLocked(o, bal, now); err != nil {
			l.recordFailureLocked(o, now, err.Error())
			return false, err
		}
		l.emitBalanceInsufficient(o, bal, required, now, "adjusted")
		return true, nil

	default:
		l.recordFailureLocked(o, now, "insufficient balance")
		l.emitBalanceInsufficient(o, bal, required, now, "none")
		metrics.ExecutionFailures.WithLabelValues("balance").Inc()
		return false, fmt.Errorf("%w: have %s, need %s", order.ErrInsufficientBalance, bal, required)
	}
}

// requiredBalance is the owner balance the order demands: the unfilled
// amount, floored by the configured minimum when one is set.
func requiredBalance(o *order.Order) *big.Int {
	required := o.Remaining()
	if o.BalanceCheck.MinBalance != nil && required.Cmp(o.BalanceCheck.MinBalance) < 0 {
		required = new(big.Int).Set(o.BalanceCheck.MinBalance)
	}
	return required
}

func (l *Ledger) emitBalanceInsufficient(o *order.Order, bal, required *big.Int, now int64, action string) {
	l.emitter.Emit(events.Event{
		Type:      events.TypeBalanceInsufficient,
		Timestamp: now,
		Payload: events.BalanceInsufficient{
			ID: o.ID, Owner: o.Owner, Asset: o.MakerAsset,
			Required: new(big.Int).Set(required),
			Balance:  new(big.Int).Set(bal),
			Action:   action,
		},
	})
}

func (l *Ledger) recordFailureLocked(o *order.Order, now int64, reason string) {
	o.Execution.Attempts++
	o.Execution.LastAttempt = now
	o.Execution.FailureReason = reason
	l.persistLocked(o)
}

// CancelOrder refunds the unfilled escrow to the owner and closes the
// order. Owner-only; expired orders are cancellable so funds are
// never stranded.
func (l *Ledger) CancelOrder(id common.Hash, caller common.Address) error {
	now := util.NowMillis(l.clock)

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrOrderNotFound, id.Hex())
	}
	if o.IsClosed() {
		return fmt.Errorf("%w: %s", order.ErrOrderAlreadyCompleted, id.Hex())
	}
	if caller != o.Owner {
		return fmt.Errorf("%w: %s", order.ErrNotOwner, caller.Hex())
	}

	return l.cancelLocked(o, now, "cancelled by owner")
}

// cancelLocked performs the terminal cancel transition. The refund
// transfer is the last effect before the state flips; a refund failure
// aborts the cancel with no state change.
func (l *Ledger) cancelLocked(o *order.Order, now int64, reason string) error {
	refund := o.Remaining()
	if refund.Sign() > 0 {
		if err := l.custody.TransferFrom(o.MakerAsset, l.escrow, o.Owner, refund); err != nil {
			return fmt.Errorf("refund failed: %w", err)
		}
	}

	o.Execution.Completed = true
	o.CompletedReason = reason
	l.removeActiveLocked(o.ID)
	l.persistLocked(o)

	metrics.OrdersCancelled.Inc()
	l.emitter.Emit(events.Event{
		Type:      events.TypeOrderCancelled,
		Timestamp: now,
		Payload: events.OrderCancelled{
			ID: o.ID, Owner: o.Owner,
			Refunded: refund, Reason: reason,
		},
	})
	if l.log != nil {
		l.log.Infow("order_cancelled", "id", o.ID.Hex(), "refunded", refund.String(), "reason", reason)
	}
	return nil
}

// AdjustOrderAmount reduces an active order's amount and refunds the
// delta. Amounts only ever decrease; the balance monitor drives this
// path for underfunded orders.
func (l *Ledger) AdjustOrderAmount(id common.Hash, newAmount *big.Int) error {
	now := util.NowMillis(l.clock)

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrOrderNotFound, id.Hex())
	}
	if o.IsClosed() {
		return fmt.Errorf("%w: %s", order.ErrOrderAlreadyCompleted, id.Hex())
	}
	if newAmount == nil || newAmount.Sign() <= 0 {
		return fmt.Errorf("%w: adjusted amount must be positive", order.ErrInvalidOrderSpec)
	}
	if newAmount.Cmp(o.Amount) >= 0 {
		return fmt.Errorf("%w: adjustment may only decrease the amount", order.ErrInvalidOrderSpec)
	}

	return l.adjustLocked(o, newAmount, now)
}

func (l *Ledger) adjustLocked(o *order.Order, newAmount *big.Int, now int64) error {
	oldAmount := new(big.Int).Set(o.Amount)
	delta := new(big.Int).Sub(oldAmount, newAmount)

	if err := l.custody.TransferFrom(o.MakerAsset, l.escrow, o.Owner, delta); err != nil {
		return fmt.Errorf("adjustment refund failed: %w", err)
	}

	o.Amount.Set(newAmount)
	o.QueuePriority = order.ComputePriority(o.GasBid, o.Amount, o.CreatedAt, now)
	l.persistLocked(o)

	metrics.OrderAdjustments.Inc()
	l.emitter.Emit(events.Event{
		Type:      events.TypeOrderAdjusted,
		Timestamp: now,
		Payload: events.OrderAdjusted{
			ID: o.ID, OldAmount: oldAmount,
			NewAmount: new(big.Int).Set(newAmount),
			Refunded:  delta,
		},
	})
	if l.log != nil {
		l.log.Infow("order_adjusted", "id", o.ID.Hex(),
			"old", oldAmount.String(), "new", newAmount.String())
	}
	return nil
}

// BatchExecuteResult pairs one batch entry with its outcome.
type BatchExecuteResult struct {
	ID  common.Hash
	Err error
}

// BatchExecute executes up to MaxBatchExecute orders. Each entry is an
// independent atomic unit: a failure on one increments that order's
// attempt counter and records the reason without rolling back or
// blocking the others. Explicitly non-atomic across the batch.
func (l *Ledger) BatchExecute(ctx context.Context, ids []common.Hash, prices []*big.Int, executor common.Address) ([]BatchExecuteResult, error) {
	if len(ids) > MaxBatchExecute {
		return nil, fmt.Errorf("%w: %d entries, max %d", order.ErrBatchTooLarge, len(ids), MaxBatchExecute)
	}
	if len(ids) != len(prices) {
		return nil, fmt.Errorf("%w: %d ids but %d prices", order.ErrInvalidOrderSpec, len(ids), len(prices))
	}

	out := make([]BatchExecuteResult, len(ids))
	for i, id := range ids {
		out[i] = BatchExecuteResult{ID: id, Err: l.ExecuteOrder(ctx, id, prices[i], executor)}
	}
	return out, nil
}
