package oracle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/limitvault/limitvault/pkg/engine/events"
	"github.com/limitvault/limitvault/pkg/engine/order"
)

// Admin-tunable parameters. All setters are bounds-checked; the floors
// keep an operator from configuring the oracle into a thrash loop.

// SetGlobalTolerance updates the default tolerance.
func (a *Aggregator) SetGlobalTolerance(bps int64) error {
	if bps <= 0 || bps > MaxToleranceBps {
		return fmt.Errorf("%w: %d bps", order.ErrToleranceOutOfRange, bps)
	}
	a.mu.Lock()
	a.defaultToleranceBps = bps
	a.mu.Unlock()
	return nil
}

// SetTokenTolerance sets a per-token override; bps = 0 removes it.
func (a *Aggregator) SetTokenTolerance(token string, bps int64) error {
	if bps < 0 || bps > MaxToleranceBps {
		return fmt.Errorf("%w: %d bps", order.ErrToleranceOutOfRange, bps)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bps == 0 {
		delete(a.tokenToleranceBps, token)
		return nil
	}
	a.tokenToleranceBps[token] = bps
	return nil
}

// resolveTolerance applies the precedence: call-supplied override,
// then per-token override, then global default.
func (a *Aggregator) resolveTolerance(base string, override int64) (int64, error) {
	if override < 0 || override > MaxToleranceBps {
		return 0, fmt.Errorf("%w: override %d bps", order.ErrToleranceOutOfRange, override)
	}
	if override > 0 {
		return override, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if tol, ok := a.tokenToleranceBps[base]; ok {
		return tol, nil
	}
	return a.defaultToleranceBps, nil
}

// SetUpdateInterval updates the minimum cache age before a refresh.
func (a *Aggregator) SetUpdateInterval(d time.Duration) error {
	if d < MinUpdateInterval {
		return fmt.Errorf("update interval %s below minimum %s", d, MinUpdateInterval)
	}
	a.mu.Lock()
	a.updateInterval = d
	a.mu.Unlock()
	return nil
}

// SetMaxPriceAge updates how old a cached price may get before the
// fallback stops using it.
func (a *Aggregator) SetMaxPriceAge(d time.Duration) error {
	if d < MinMaxPriceAge {
		return fmt.Errorf("max price age %s below minimum %s", d, MinMaxPriceAge)
	}
	a.mu.Lock()
	a.maxPriceAge = d
	a.mu.Unlock()
	return nil
}

// Pause blocks GetPrice and ValidateOrderPrice until Resume.
func (a *Aggregator) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	if a.log != nil {
		a.log.Warnw("oracle_paused")
	}
}

// Resume lifts an emergency pause.
func (a *Aggregator) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	if a.log != nil {
		a.log.Infow("oracle_resumed")
	}
}

// Paused reports the emergency-pause state.
func (a *Aggregator) Paused() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.paused
}

// EmergencyOverride writes the cache directly, bypassing the feeds.
// The reason is mandatory and the override is always audited.
func (a *Aggregator) EmergencyOverride(base, quote string, price *big.Int, reason string) error {
	if reason == "" {
		return fmt.Errorf("emergency override requires a reason")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("override price must be positive")
	}
	p, err := a.pair(base, quote)
	if err != nil {
		return err
	}

	now := a.nowMs()
	old := p.forceCached(price, now)
	if a.log != nil {
		a.log.Warnw("emergency_price_override",
			"pair", p.Key(), "old", old, "new", price.String(), "reason", reason)
	}
	a.emitter.Emit(events.Event{
		Type:      events.TypeEmergencyPriceOverride,
		Timestamp: now,
		Payload: events.EmergencyPriceOverride{
			Base: base, Quote: quote,
			OldPrice: old, NewPrice: new(big.Int).Set(price),
			Reason: reason,
		},
	})
	return nil
}
