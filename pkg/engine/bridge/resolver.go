// Package bridge maps origin-chain assets to their wrapped
// representation on the target chain. Pure configuration lookup: no
// external I/O, no retries.
package bridge

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/limitvault/limitvault/pkg/engine/order"
)

// ChainConfig describes the wrapping rules for one source chain.
type ChainConfig struct {
	ChainID uint64
	// Mappings from origin asset to its wrapped form.
	Wrapped map[common.Address]common.Address
	// BridgeFee is a fixed per-transfer fee in the wrapped asset's
	// smallest unit, charged by the bridge for this chain.
	BridgeFee *big.Int
	// UnwrapAfter marks whether fills should be unwrapped back to the
	// origin asset after execution.
	UnwrapAfter bool
}

// Resolver resolves wrapped tokens per source chain.
type Resolver struct {
	mu     sync.RWMutex
	chains map[uint64]*ChainConfig
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{chains: make(map[uint64]*ChainConfig)}
}

// RegisterChain adds or replaces the configuration for a source chain.
func (r *Resolver) RegisterChain(cfg *ChainConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot register nil chain config")
	}
	if cfg.BridgeFee == nil || cfg.BridgeFee.Sign() < 0 {
		return fmt.Errorf("bridge fee for chain %d cannot be negative", cfg.ChainID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[cfg.ChainID] = cfg
	return nil
}

// Resolve maps an origin asset to its wrapped representation for a
// sourceChain -> targetChain transfer. Same-chain orders need no
// wrapping and resolve to the asset itself with zero fee.
func (r *Resolver) Resolve(originalAsset common.Address, sourceChain, targetChain uint64) (*order.WrappedToken, error) {
	if sourceChain == targetChain {
		return &order.WrappedToken{
			OriginalAsset: originalAsset,
			WrappedAsset:  originalAsset,
			BridgeFee:     new(big.Int),
		}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.chains[sourceChain]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d", order.ErrUnsupportedChain, sourceChain)
	}
	wrapped, ok := cfg.Wrapped[originalAsset]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s not bridgeable from chain %d",
			order.ErrUnsupportedChain, originalAsset.Hex(), sourceChain)
	}

	return &order.WrappedToken{
		OriginalAsset: originalAsset,
		WrappedAsset:  wrapped,
		UnwrapAfter:   cfg.UnwrapAfter,
		BridgeFee:     new(big.Int).Set(cfg.BridgeFee),
	}, nil
}

// SupportedChains returns the configured source chain IDs.
func (r *Resolver) SupportedChains() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}
