package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/limitvault/limitvault/pkg/engine/order"
)

// PriceData is one raw reading from an external feed, in the feed's
// native decimals.
type PriceData struct {
	RawPrice  *big.Int
	UpdatedAt int64 // Unix milliseconds; 0 means never updated
	Decimals  uint8
}

// PriceFeedSource is the external collaborator a feed reads from.
// Implementations must treat the context deadline as binding; the
// aggregator never lets a feed read block indefinitely.
type PriceFeedSource interface {
	LatestPrice(ctx context.Context, handle string) (PriceData, error)
}

// FeedDescriptor configures one feed of a pair.
type FeedDescriptor struct {
	// Source handle passed to the PriceFeedSource.
	Handle string
	// Heartbeat is the maximum age a reading may have before it is
	// rejected as stale.
	Heartbeat time.Duration
	// DeviationThresholdBps bounds the jump a refresh may apply
	// relative to the cached price. 0 disables the check.
	DeviationThresholdBps int64
	// Inverted feeds quote the reciprocal pair; the normalized price
	// is recomputed as 1e36/price.
	Inverted bool
	// Active gates whether the feed participates in failover.
	Active bool
}

// PricePair tracks the redundant feeds and validated cache for one
// base/quote pair. lastValidPrice is only overwritten by a
// successfully validated read (or an audited emergency override).
type PricePair struct {
	Base      string
	Quote     string
	Primary   *FeedDescriptor
	Secondary *FeedDescriptor

	// mu serializes cache writes for this pair only; other pairs are
	// independent.
	mu             sync.Mutex
	lastValidPrice *big.Int
	lastUpdateTime int64
}

// NewPricePair builds a pair with primary and optional secondary feed.
func NewPricePair(base, quote string, primary, secondary *FeedDescriptor) *PricePair {
	return &PricePair{
		Base:      base,
		Quote:     quote,
		Primary:   primary,
		Secondary: secondary,
	}
}

// Key is the registry key, e.g. "WETH-USDC".
func (p *PricePair) Key() string { return p.Base + "-" + p.Quote }

// Cached returns the cached validated price and its write time.
func (p *PricePair) Cached() (*big.Int, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastValidPrice == nil {
		return nil, 0
	}
	return new(big.Int).Set(p.lastValidPrice), p.lastUpdateTime
}

// storeCached overwrites the cache. expectedUpdateTime implements a
// compare-and-set: the write is dropped when another refresh landed
// first (observed lastUpdateTime differs).
func (p *PricePair) storeCached(price *big.Int, now, expectedUpdateTime int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastUpdateTime != expectedUpdateTime {
		return false
	}
	p.lastValidPrice = new(big.Int).Set(price)
	p.lastUpdateTime = now
	return true
}

// forceCached writes the cache unconditionally (emergency override).
// Returns the previous price.
func (p *PricePair) forceCached(price *big.Int, now int64) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.lastValidPrice
	p.lastValidPrice = new(big.Int).Set(price)
	p.lastUpdateTime = now
	return old
}

// normalizePrice scales a raw feed reading to 1e18 fixed point.
func normalizePrice(raw *big.Int, decimals uint8) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(raw)
	}
	if decimals < 18 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		return new(big.Int).Mul(raw, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
	return new(big.Int).Div(new(big.Int).Set(raw), scale)
}

// invertPrice computes 1e36/price for feeds quoting the reciprocal
// pair. price must be positive.
func invertPrice(price *big.Int) *big.Int {
	return new(big.Int).Div(order.DoubleWad, price)
}
