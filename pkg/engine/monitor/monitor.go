// Package monitor sweeps active orders in the background, enforcing
// balance-check policies and keeping oracle price caches warm. The
// monitor only ever drives the ledger through its public API; it holds
// no order state of its own.
package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/limitvault/limitvault/pkg/engine/order"
	"github.com/limitvault/limitvault/pkg/metrics"
	"github.com/limitvault/limitvault/pkg/util"
)

// OrderBook is the slice of the ledger the monitor consumes.
type OrderBook interface {
	ActiveOrders() []*order.Order
	CancelOrder(id common.Hash, caller common.Address) error
	AdjustOrderAmount(id common.Hash, newAmount *big.Int) error
}

// BalanceReader reads live owner balances.
type BalanceReader interface {
	BalanceOf(owner, asset common.Address) (*big.Int, error)
}

// PriceRefresher refreshes oracle price caches. Optional.
type PriceRefresher interface {
	RefreshAll(ctx context.Context) error
}

// Config wires the monitor's collaborators.
type Config struct {
	Ledger   OrderBook
	Custody  BalanceReader
	Oracle   PriceRefresher // optional
	Clock    util.Clock
	Interval time.Duration
	Logger   *zap.SugaredLogger
}

const defaultInterval = 30 * time.Second

// Monitor periodically checks every balance-monitored active order
// against its owner's live balance and applies the order's policy.
type Monitor struct {
	ledger   OrderBook
	custody  BalanceReader
	oracle   PriceRefresher
	clock    util.Clock
	interval time.Duration
	log      *zap.SugaredLogger

	// running gates Tick so overlapping sweeps never run concurrently.
	running sync.Mutex
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Monitor{
		ledger:   cfg.Ledger,
		custody:  cfg.Custody,
		oracle:   cfg.Oracle,
		clock:    clock,
		interval: interval,
		log:      cfg.Logger,
	}
}

// Run sweeps at a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
			m.Tick(ctx)
		}
	}
}

// SweepResult summarizes one pass over the active set.
type SweepResult struct {
	Checked   int
	Cancelled int
	Adjusted  int
	Flagged   int // insufficient but no automatic policy
	Errors    int
}

// Tick performs one sweep. A tick arriving while the previous one is
// still in flight is dropped rather than queued.
func (m *Monitor) Tick(ctx context.Context) SweepResult {
	if !m.running.TryLock() {
		return SweepResult{}
	}
	defer m.running.Unlock()

	if m.oracle != nil {
		if err := m.oracle.RefreshAll(ctx); err != nil && m.log != nil {
			m.log.Warnw("oracle_refresh_failed", "err", err)
		}
	}

	var res SweepResult
	for _, o := range m.ledger.ActiveOrders() {
		if ctx.Err() != nil {
			break
		}
		if !o.BalanceCheck.Enabled || o.IsClosed() {
			continue
		}
		res.Checked++
		m.checkOrder(o, &res)
	}

	metrics.BalanceSweeps.Inc()
	if m.log != nil && (res.Cancelled > 0 || res.Adjusted > 0 || res.Errors > 0) {
		m.log.Infow("balance_sweep",
			"checked", res.Checked, "cancelled", res.Cancelled,
			"adjusted", res.Adjusted, "flagged", res.Flagged, "errors", res.Errors)
	}
	return res
}

// checkOrder applies one order's balance policy. Auto-cancel takes
// precedence over auto-adjust when both are set.
func (m *Monitor) checkOrder(o *order.Order, res *SweepResult) {
	bal, err := m.custody.BalanceOf(o.Owner, o.MakerAsset)
	if err != nil {
		res.Errors++
		if m.log != nil {
			m.log.Warnw("balance_read_failed", "id", o.ID.Hex(), "err", err)
		}
		return
	}

	required := o.Remaining()
	if o.BalanceCheck.MinBalance != nil && required.Cmp(o.BalanceCheck.MinBalance) < 0 {
		required = o.BalanceCheck.MinBalance
	}
	if bal.Cmp(required) >= 0 {
		return
	}

	switch {
	case o.BalanceCheck.AutoCancel:
		if err := m.ledger.CancelOrder(o.ID, o.Owner); err != nil {
			// Raced with an execution or cancel; the order is gone
			// either way.
			if !errors.Is(err, order.ErrOrderAlreadyCompleted) && !errors.Is(err, order.ErrOrderNotFound) {
				res.Errors++
				if m.log != nil {
					m.log.Warnw("sweep_cancel_failed", "id", o.ID.Hex(), "err", err)
				}
			}
			return
		}
		res.Cancelled++

	case o.BalanceCheck.AutoAdjust && bal.Sign() > 0 && bal.Cmp(o.Amount) < 0:
		if err := m.ledger.AdjustOrderAmount(o.ID, bal); err != nil {
			if !errors.Is(err, order.ErrOrderAlreadyCompleted) && !errors.Is(err, order.ErrOrderNotFound) {
				res.Errors++
				if m.log != nil {
					m.log.Warnw("sweep_adjust_failed", "id", o.ID.Hex(), "err", err)
				}
			}
			return
		}
		res.Adjusted++

	default:
		res.Flagged++
	}
}
