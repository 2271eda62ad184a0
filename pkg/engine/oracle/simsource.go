package oracle

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"

	"github.com/limitvault/limitvault/pkg/util"
)

// SimulatedSource is an in-process PriceFeedSource for devnets and
// tests: each handle random-walks around its seed price by up to
// ±20 bps per read. Readings are always fresh and 18 decimals.
type SimulatedSource struct {
	clock util.Clock

	mu     sync.Mutex
	prices map[string]*big.Int
	rng    *rand.Rand
}

// NewSimulatedSource seeds one price per feed handle.
func NewSimulatedSource(clock util.Clock, seeds map[string]*big.Int) *SimulatedSource {
	prices := make(map[string]*big.Int, len(seeds))
	for handle, p := range seeds {
		prices[handle] = new(big.Int).Set(p)
	}
	return &SimulatedSource{
		clock:  clock,
		prices: prices,
		rng:    rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

func (s *SimulatedSource) LatestPrice(_ context.Context, handle string) (PriceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[handle]
	if !ok {
		return PriceData{}, fmt.Errorf("unknown feed handle %q", handle)
	}

	// Walk by -20..+20 bps.
	driftBps := int64(s.rng.Intn(41)) - 20
	drift := new(big.Int).Mul(price, big.NewInt(driftBps))
	drift.Div(drift, big.NewInt(10_000))
	price.Add(price, drift)

	return PriceData{
		RawPrice:  new(big.Int).Set(price),
		UpdatedAt: util.NowMillis(s.clock),
		Decimals:  18,
	}, nil
}
