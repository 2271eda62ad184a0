// Package oracle resolves validated market prices for token pairs from
// redundant feeds, with staleness failover, deviation checks, and a
// bounded-age cache of last-known-good prices.
package oracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limitvault/limitvault/pkg/engine/events"
	"github.com/limitvault/limitvault/pkg/engine/order"
	"github.com/limitvault/limitvault/pkg/metrics"
	"github.com/limitvault/limitvault/pkg/util"
)

const (
	// MaxBatchValidate bounds batchValidate input to guard against
	// resource exhaustion.
	MaxBatchValidate = 20

	// Floors for admin-tunable timings.
	MinUpdateInterval = 60 * time.Second
	MinMaxPriceAge    = 300 * time.Second

	// MaxToleranceBps caps any tolerance at 100%.
	MaxToleranceBps = 10_000

	defaultFeedTimeout = 5 * time.Second
)

// Config carries the aggregator's tunable parameters.
type Config struct {
	DefaultToleranceBps int64
	UpdateInterval      time.Duration
	MaxPriceAge         time.Duration
	FeedTimeout         time.Duration
}

// HistorySink receives every successfully validated price for the
// durable price-history table. May be nil.
type HistorySink interface {
	RecordPrice(base, quote string, price *big.Int, ts int64) error
}

// ValidationResult is the outcome of one order-price check.
type ValidationResult struct {
	WithinTolerance bool
	OrderPrice      *big.Int
	MarketPrice     *big.Int
	DeviationBps    int64
	ToleranceBps    int64
}

// ValidationRequest is one entry of a batch validation.
type ValidationRequest struct {
	Base              string
	Quote             string
	OrderPrice        *big.Int
	ToleranceOverride int64 // 0 = resolve from config
}

// BatchValidationResult pairs each batch entry with its independent
// outcome. One failing entry never blocks the rest.
type BatchValidationResult struct {
	Result *ValidationResult
	Err    error
}

// Aggregator is the price-oracle aggregator. Reads are side-effect
// free with respect to the ledger and may run concurrently with it;
// cache writes are serialized per pair.
type Aggregator struct {
	source  PriceFeedSource
	clock   util.Clock
	emitter events.Emitter
	log     *zap.SugaredLogger
	history HistorySink

	mu     sync.RWMutex
	pairs  map[string]*PricePair
	paused bool

	defaultToleranceBps int64
	tokenToleranceBps   map[string]int64
	updateInterval      time.Duration
	maxPriceAge         time.Duration
	feedTimeout         time.Duration
}

// New creates an aggregator. emitter may be events.NopEmitter{};
// logger and history may be nil.
func New(source PriceFeedSource, clock util.Clock, emitter events.Emitter, logger *zap.SugaredLogger, cfg Config) (*Aggregator, error) {
	if source == nil {
		return nil, fmt.Errorf("feed source is required")
	}
	if cfg.DefaultToleranceBps <= 0 || cfg.DefaultToleranceBps > MaxToleranceBps {
		return nil, fmt.Errorf("%w: default tolerance %d bps", order.ErrToleranceOutOfRange, cfg.DefaultToleranceBps)
	}
	if cfg.UpdateInterval < MinUpdateInterval {
		return nil, fmt.Errorf("update interval %s below minimum %s", cfg.UpdateInterval, MinUpdateInterval)
	}
	if cfg.MaxPriceAge < MinMaxPriceAge {
		return nil, fmt.Errorf("max price age %s below minimum %s", cfg.MaxPriceAge, MinMaxPriceAge)
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = defaultFeedTimeout
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Aggregator{
		source:              source,
		clock:               clock,
		emitter:             emitter,
		log:                 logger,
		pairs:               make(map[string]*PricePair),
		defaultToleranceBps: cfg.DefaultToleranceBps,
		tokenToleranceBps:   make(map[string]int64),
		updateInterval:      cfg.UpdateInterval,
		maxPriceAge:         cfg.MaxPriceAge,
		feedTimeout:         cfg.FeedTimeout,
	}, nil
}

// SetHistorySink attaches the durable price-history consumer.
func (a *Aggregator) SetHistorySink(h HistorySink) {
	a.mu.Lock()
	a.history = h
	a.mu.Unlock()
}

// RegisterPair adds a pair to the registry.
func (a *Aggregator) RegisterPair(p *PricePair) error {
	if p == nil || p.Primary == nil {
		return fmt.Errorf("pair requires a primary feed")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.pairs[p.Key()]; exists {
		return fmt.Errorf("pair %s already registered", p.Key())
	}
	a.pairs[p.Key()] = p
	return nil
}

func (a *Aggregator) pair(base, quote string) (*PricePair, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.pairs[base+"-"+quote]
	if !ok {
		return nil, fmt.Errorf("%w: pair %s-%s not registered", order.ErrPriceUnavailable, base, quote)
	}
	return p, nil
}

// GetPrice resolves a validated current price for the pair at 1e18
// precision: primary feed, then secondary, then the cached value if it
// is younger than maxPriceAge. Feed I/O failures degrade to the next
// source; they never propagate as fatal errors.
func (a *Aggregator) GetPrice(ctx context.Context, base, quote string) (*big.Int, error) {
	a.mu.RLock()
	paused := a.paused
	maxAge := a.maxPriceAge
	a.mu.RUnlock()
	if paused {
		return nil, order.ErrPaused
	}

	p, err := a.pair(base, quote)
	if err != nil {
		return nil, err
	}

	if price, ok := a.readFeed(ctx, p, p.Primary); ok {
		return price, nil
	}
	if p.Secondary != nil && p.Secondary.Active {
		if price, ok := a.readFeed(ctx, p, p.Secondary); ok {
			return price, nil
		}
	}

	// Both feeds exhausted: fall back to cache while fresh enough.
	cached, updatedAt := p.Cached()
	if cached != nil && a.nowMs()-updatedAt <= maxAge.Milliseconds() {
		return cached, nil
	}
	return nil, fmt.Errorf("%w: %s-%s", order.ErrPriceUnavailable, base, quote)
}

// readFeed performs one bounded feed read and validates it. Returns
// the normalized 1e18 price, or ok=false on any rejection.
func (a *Aggregator) readFeed(ctx context.Context, p *PricePair, feed *FeedDescriptor) (*big.Int, bool) {
	if feed == nil || !feed.Active {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, a.feedTimeout)
	defer cancel()

	data, err := a.source.LatestPrice(ctx, feed.Handle)
	if err != nil {
		if a.log != nil {
			a.log.Debugw("feed_read_failed", "pair", p.Key(), "feed", feed.Handle, "err", err)
		}
		return nil, false
	}
	if data.RawPrice == nil || data.RawPrice.Sign() <= 0 || data.UpdatedAt == 0 {
		return nil, false
	}

	now := a.nowMs()
	if age := now - data.UpdatedAt; age > feed.Heartbeat.Milliseconds() {
		metrics.StalePrices.WithLabelValues(feed.Handle).Inc()
		a.emitter.Emit(events.Event{
			Type:      events.TypeStalePriceDetected,
			Timestamp: now,
			Payload: events.StalePriceDetected{
				Base: p.Base, Quote: p.Quote, Feed: feed.Handle,
				UpdatedAt: data.UpdatedAt, AgeMs: age,
			},
		})
		return nil, false
	}

	price := normalizePrice(data.RawPrice, data.Decimals)
	if feed.Inverted {
		price = invertPrice(price)
	}
	if price.Sign() <= 0 {
		return nil, false
	}

	// Deviation guard against the cached value, when configured.
	if feed.DeviationThresholdBps > 0 {
		if cached, _ := p.Cached(); cached != nil && cached.Sign() > 0 {
			if deviationBps(price, cached) > feed.DeviationThresholdBps {
				if a.log != nil {
					a.log.Warnw("feed_deviation_rejected",
						"pair", p.Key(), "feed", feed.Handle,
						"price", price.String(), "cached", cached.String())
				}
				return nil, false
			}
		}
	}

	return price, true
}

// ValidateOrderPrice checks an order price against the live market
// price within the resolved tolerance. Tolerance precedence:
// call-supplied override, per-token override, global default.
func (a *Aggregator) ValidateOrderPrice(ctx context.Context, base, quote string, orderPrice *big.Int, toleranceOverride int64) (*ValidationResult, error) {
	if orderPrice == nil || orderPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: order price must be positive", order.ErrInvalidOrderSpec)
	}
	tol, err := a.resolveTolerance(base, toleranceOverride)
	if err != nil {
		return nil, err
	}

	market, err := a.GetPrice(ctx, base, quote)
	if err != nil {
		return nil, err
	}

	dev := deviationBps(orderPrice, market)
	res := &ValidationResult{
		WithinTolerance: dev <= tol,
		OrderPrice:      new(big.Int).Set(orderPrice),
		MarketPrice:     market,
		DeviationBps:    dev,
		ToleranceBps:    tol,
	}

	now := a.nowMs()
	a.emitter.Emit(events.Event{
		Type:      events.TypePriceValidationResult,
		Timestamp: now,
		Payload: events.PriceValidationResult{
			AuditID:         uuid.NewString(),
			Base:            base,
			Quote:           quote,
			OrderPrice:      res.OrderPrice,
			MarketPrice:     res.MarketPrice,
			DeviationBps:    res.DeviationBps,
			ToleranceBps:    res.ToleranceBps,
			WithinTolerance: res.WithinTolerance,
		},
	})
	if res.WithinTolerance {
		metrics.PriceValidations.WithLabelValues("within").Inc()
	} else {
		metrics.PriceValidations.WithLabelValues("exceeded").Inc()
		a.emitter.Emit(events.Event{
			Type:      events.TypeToleranceExceeded,
			Timestamp: now,
			Payload: events.ToleranceExceeded{
				Base: base, Quote: quote,
				OrderPrice: res.OrderPrice, MarketPrice: res.MarketPrice,
				DeviationBps: dev, ToleranceBps: tol,
			},
		})
	}
	return res, nil
}

// BatchValidate evaluates up to MaxBatchValidate requests, each
// independently: one failure does not block the rest.
func (a *Aggregator) BatchValidate(ctx context.Context, reqs []ValidationRequest) ([]BatchValidationResult, error) {
	if len(reqs) > MaxBatchValidate {
		return nil, fmt.Errorf("%w: %d entries, max %d", order.ErrBatchTooLarge, len(reqs), MaxBatchValidate)
	}
	out := make([]BatchValidationResult, len(reqs))
	for i, req := range reqs {
		res, err := a.ValidateOrderPrice(ctx, req.Base, req.Quote, req.OrderPrice, req.ToleranceOverride)
		out[i] = BatchValidationResult{Result: res, Err: err}
	}
	return out, nil
}

// Refresh re-reads the feeds for one pair and updates its cache, but
// only when the cache is at least updateInterval old. The write is a
// per-pair compare-and-set on lastUpdateTime so concurrent refreshes
// cannot lose updates.
func (a *Aggregator) Refresh(ctx context.Context, base, quote string) error {
	a.mu.RLock()
	paused := a.paused
	interval := a.updateInterval
	a.mu.RUnlock()
	if paused {
		return order.ErrPaused
	}

	p, err := a.pair(base, quote)
	if err != nil {
		return err
	}

	_, updatedAt := p.Cached()
	now := a.nowMs()
	if updatedAt != 0 && now-updatedAt < interval.Milliseconds() {
		return nil // cache still fresh
	}

	price, ok := a.readFeed(ctx, p, p.Primary)
	if !ok && p.Secondary != nil && p.Secondary.Active {
		price, ok = a.readFeed(ctx, p, p.Secondary)
	}
	if !ok {
		return fmt.Errorf("%w: refresh %s-%s", order.ErrPriceUnavailable, base, quote)
	}

	if !p.storeCached(price, a.nowMs(), updatedAt) {
		return nil // concurrent refresh won the race
	}
	metrics.OracleRefreshes.Inc()

	a.mu.RLock()
	history := a.history
	a.mu.RUnlock()
	if history != nil {
		if err := history.RecordPrice(base, quote, price, now); err != nil && a.log != nil {
			a.log.Warnw("price_history_write_failed", "pair", p.Key(), "err", err)
		}
	}
	return nil
}

// RefreshAll refreshes every registered pair. Per-pair failures are
// collected, not fatal.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	a.mu.RLock()
	pairs := make([]*PricePair, 0, len(a.pairs))
	for _, p := range a.pairs {
		pairs = append(pairs, p)
	}
	a.mu.RUnlock()

	var firstErr error
	for _, p := range pairs {
		if err := a.Refresh(ctx, p.Base, p.Quote); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if a.log != nil {
				a.log.Warnw("refresh_failed", "pair", p.Key(), "err", err)
			}
		}
	}
	return firstErr
}

// deviationBps computes |a-b| * 10000 / b, saturating at MaxInt64.
// The clamp keeps an extreme order price from wrapping the int64 and
// reading as a small (or negative) deviation.
func deviationBps(price, market *big.Int) int64 {
	diff := new(big.Int).Sub(price, market)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Div(diff, market)
	if !diff.IsInt64() {
		return math.MaxInt64
	}
	return diff.Int64()
}

func (a *Aggregator) nowMs() int64 { return util.NowMillis(a.clock) }
