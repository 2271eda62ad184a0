package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so owner and pair scans are range
// queries; price-history keys embed a zero-padded timestamp for
// lexicographic time ordering.
const (
	prefixOrder = "ord:" // order state by ID
	prefixOwner = "own:" // owner -> order ID index
	prefixPrice = "px:"  // price history per pair
)

// orderKey returns "ord:{id}".
func orderKey(id common.Hash) []byte {
	return append([]byte(prefixOrder), id.Bytes()...)
}

// ownerKey returns "own:{address}:{id}".
func ownerKey(owner common.Address, id common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOwner, owner.Hex(), id.Hex()))
}

// ownerPrefix returns "own:{address}:" for scanning an owner's orders.
func ownerPrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOwner, owner.Hex()))
}

// priceKey returns "px:{base-quote}:{ts:020d}:{auditID}".
func priceKey(base, quote string, ts int64, auditID string) []byte {
	return []byte(fmt.Sprintf("%s%s-%s:%020d:%s", prefixPrice, base, quote, ts, auditID))
}

// pricePrefix returns "px:{base-quote}:" for scanning a pair's history.
func pricePrefix(base, quote string) []byte {
	return []byte(fmt.Sprintf("%s%s-%s:", prefixPrice, base, quote))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan by
// incrementing the prefix's last byte.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
