// Package storage persists orders and price history in Pebble. The
// core requires only get/set/delete by identifier; there is no
// transactional scope beyond a single atomic batch.
package storage

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/limitvault/limitvault/pkg/engine/order"
)

// Store wraps a Pebble database.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveOrder persists an order and its owner-index entry.
func (s *Store) SaveOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(ownerKey(o.Owner, o.ID), nil, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// LoadOrder loads an order by ID. Returns nil when absent.
func (s *Store) LoadOrder(id common.Hash) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// DeleteOrder removes an order and its owner-index entry.
func (s *Store) DeleteOrder(owner common.Address, id common.Hash) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(orderKey(id), nil); err != nil {
		return err
	}
	if err := batch.Delete(ownerKey(owner, id), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// LoadActiveOrders scans every persisted order that has not reached a
// terminal state. Used to rebuild the ledger's active set on startup.
func (s *Store) LoadActiveOrders() ([]*order.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // skip invalid entries
		}
		if !o.IsClosed() {
			orders = append(orders, &o)
		}
	}
	return orders, nil
}

// LoadOrdersByOwner loads all orders for one owner via the index.
func (s *Store) LoadOrdersByOwner(owner common.Address) ([]*order.Order, error) {
	prefix := ownerPrefix(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		idHex := string(key[len(prefix):])
		o, err := s.LoadOrder(common.HexToHash(idHex))
		if err != nil || o == nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// PricePoint is one row of the price-history table.
type PricePoint struct {
	Base      string   `json:"base"`
	Quote     string   `json:"quote"`
	Price     *big.Int `json:"price"`
	Timestamp int64    `json:"ts"`
}

// RecordPrice appends a validated price to the pair's history.
// Satisfies oracle.HistorySink. NoSync: history is an audit trail, not
// engine state.
func (s *Store) RecordPrice(base, quote string, price *big.Int, ts int64) error {
	point := PricePoint{Base: base, Quote: quote, Price: price, Timestamp: ts}
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("failed to marshal price point: %w", err)
	}
	key := priceKey(base, quote, ts, uuid.NewString())
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to record price: %w", err)
	}
	return nil
}

// LoadRecentPrices returns the newest N history rows for a pair,
// newest first.
func (s *Store) LoadRecentPrices(base, quote string, limit int) ([]*PricePoint, error) {
	prefix := pricePrefix(base, quote)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var points []*PricePoint
	for iter.Last(); iter.Valid() && len(points) < limit; iter.Prev() {
		var p PricePoint
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		points = append(points, &p)
	}
	return points, nil
}
