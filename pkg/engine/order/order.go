package order

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Fixed-point conventions: all amounts and prices are unsigned integers
// at 1e18 scale. Tolerances and deviations are int64 basis points
// (1 bps = 0.01%). Timestamps are Unix milliseconds.
var (
	// Wad is the 1e18 fixed-point unit.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// DoubleWad is 1e36, used when inverting a 1e18-scaled price.
	DoubleWad = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
)

// PriceProtection gates execution on a live market-price check.
type PriceProtection struct {
	Enabled         bool     `json:"enabled"`
	ToleranceBps    int64    `json:"toleranceBps"` // 0 = resolve from oracle config
	LastChecked     int64    `json:"lastChecked"`
	LastMarketPrice *big.Int `json:"lastMarketPrice"`
}

// WrappedToken describes the cross-chain representation of the maker
// asset when source and target chains differ.
type WrappedToken struct {
	OriginalAsset common.Address `json:"originalAsset"`
	WrappedAsset  common.Address `json:"wrappedAsset"`
	UnwrapAfter   bool           `json:"unwrapAfter"`
	BridgeFee     *big.Int       `json:"bridgeFee"`
}

// BalanceCheck configures owner-balance monitoring for an order.
// AutoCancel takes precedence over AutoAdjust when both are set.
type BalanceCheck struct {
	Enabled     bool     `json:"enabled"`
	LastChecked int64    `json:"lastChecked"`
	AutoAdjust  bool     `json:"autoAdjust"`
	AutoCancel  bool     `json:"autoCancel"`
	MinBalance  *big.Int `json:"minBalance"`
}

// ExecutionState tracks attempts and fills across the order's life.
type ExecutionState struct {
	Attempts      int64    `json:"attempts"`
	LastAttempt   int64    `json:"lastAttempt"`
	FailureReason string   `json:"failureReason"`
	TotalFilled   *big.Int `json:"totalFilled"`
	Completed     bool     `json:"completed"`
}

// Order is an escrow-backed limit order. The ledger owns every Order
// exclusively; no other component mutates one.
//
// While the order is active, escrowed custody always equals
// Amount - Execution.TotalFilled.
type Order struct {
	ID          common.Hash    `json:"id"`
	Owner       common.Address `json:"owner"`
	MakerAsset  common.Address `json:"makerAsset"`
	TakerAsset  common.Address `json:"takerAsset"`
	Amount      *big.Int       `json:"amount"`      // maker asset, 1e18 scale
	TargetPrice *big.Int       `json:"targetPrice"` // taker per maker, 1e18 scale
	GasBid      *big.Int       `json:"gasBid"`      // priority weight
	CreatedAt   int64          `json:"createdAt"`
	Expiry      int64          `json:"expiry"`
	// QueuePriority is recomputed at creation and on adjustment.
	// Signed: old orders with tiny bids can go negative.
	QueuePriority *big.Int `json:"queuePriority"`
	SourceChain   uint64   `json:"sourceChain"`
	TargetChain   uint64   `json:"targetChain"`

	PriceProtection PriceProtection `json:"priceProtection"`
	WrappedToken    *WrappedToken   `json:"wrappedToken,omitempty"`
	BalanceCheck    BalanceCheck    `json:"balanceCheck"`
	Execution       ExecutionState  `json:"execution"`

	CompletedReason string `json:"completedReason,omitempty"`
}

// Spec holds the caller-supplied defining fields of an order.
// Everything derivable (ID, priority, execution state) is computed by
// the ledger at creation time.
type Spec struct {
	Owner       common.Address
	MakerAsset  common.Address
	TakerAsset  common.Address
	Amount      *big.Int
	TargetPrice *big.Int
	GasBid      *big.Int
	Expiry      int64
	SourceChain uint64
	TargetChain uint64

	PriceProtection PriceProtection
	BalanceCheck    BalanceCheck
}

// Validate checks the data-model invariants against the creation time.
func (s *Spec) Validate(now int64) error {
	if s.Amount == nil || s.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrderSpec)
	}
	if s.TargetPrice == nil || s.TargetPrice.Sign() <= 0 {
		return fmt.Errorf("%w: target price must be positive", ErrInvalidOrderSpec)
	}
	if s.GasBid == nil || s.GasBid.Sign() < 0 {
		return fmt.Errorf("%w: gas bid cannot be negative", ErrInvalidOrderSpec)
	}
	if s.Expiry <= now {
		return fmt.Errorf("%w: expiry %d not after creation %d", ErrInvalidOrderSpec, s.Expiry, now)
	}
	if s.MakerAsset == s.TakerAsset {
		return fmt.Errorf("%w: maker and taker asset must differ", ErrInvalidOrderSpec)
	}
	if s.PriceProtection.ToleranceBps < 0 {
		return fmt.Errorf("%w: tolerance cannot be negative", ErrInvalidOrderSpec)
	}
	return nil
}

// ComputeID derives the deterministic order identifier: keccak256 over
// the defining fields. Two specs with identical fields hash to the
// same ID, which the ledger rejects as a duplicate. Mutable state and
// timestamps set by the ledger are excluded on purpose.
func (s *Spec) ComputeID() common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(s.Owner.Bytes())
	h.Write(s.MakerAsset.Bytes())
	h.Write(s.TakerAsset.Bytes())
	h.Write(common.BigToHash(s.Amount).Bytes())
	h.Write(common.BigToHash(s.TargetPrice).Bytes())
	h.Write(common.BigToHash(s.GasBid).Bytes())
	h.Write(common.BigToHash(big.NewInt(s.Expiry)).Bytes())
	h.Write(common.BigToHash(new(big.Int).SetUint64(s.SourceChain)).Bytes())
	h.Write(common.BigToHash(new(big.Int).SetUint64(s.TargetChain)).Bytes())
	var id common.Hash
	h.Sum(id[:0])
	return id
}

// ComputePriority ranks an order for execution eligibility.
//
// priority = gasBid*100 + amount/1000 - ageMinutes
//
// Integer arithmetic only: the ranking must be deterministic and
// reproducible across runs. Age is whole minutes since creation.
func ComputePriority(gasBid, amount *big.Int, createdAt, now int64) *big.Int {
	p := new(big.Int).Mul(gasBid, big.NewInt(100))
	p.Add(p, new(big.Int).Div(amount, big.NewInt(1000)))
	ageMinutes := (now - createdAt) / 60_000
	p.Sub(p, big.NewInt(ageMinutes))
	return p
}

// Remaining returns the unfilled maker amount, which equals the escrow
// still held for an active order.
func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.Amount, o.Execution.TotalFilled)
}

// IsExpired reports whether the order is past expiry. Expired orders
// cannot execute; they must be cancelled to release escrow.
func (o *Order) IsExpired(now int64) bool {
	return now >= o.Expiry
}

// IsClosed reports whether a terminal transition has happened.
func (o *Order) IsClosed() bool {
	return o.Execution.Completed
}

// IsCrossChain reports whether the order needs a wrapped token.
func (o *Order) IsCrossChain() bool {
	return o.SourceChain != o.TargetChain
}

// TakerAmount computes the taker-asset cost of filling makerAmount at
// the order's target price: makerAmount * targetPrice / 1e18.
func (o *Order) TakerAmount(makerAmount *big.Int) *big.Int {
	t := new(big.Int).Mul(makerAmount, o.TargetPrice)
	return t.Div(t, Wad)
}

// Clone returns a deep copy. The ledger hands copies to callers so
// internal state never escapes.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Amount = new(big.Int).Set(o.Amount)
	cp.TargetPrice = new(big.Int).Set(o.TargetPrice)
	cp.GasBid = new(big.Int).Set(o.GasBid)
	cp.QueuePriority = new(big.Int).Set(o.QueuePriority)
	cp.Execution.TotalFilled = new(big.Int).Set(o.Execution.TotalFilled)
	if o.PriceProtection.LastMarketPrice != nil {
		cp.PriceProtection.LastMarketPrice = new(big.Int).Set(o.PriceProtection.LastMarketPrice)
	}
	if o.BalanceCheck.MinBalance != nil {
		cp.BalanceCheck.MinBalance = new(big.Int).Set(o.BalanceCheck.MinBalance)
	}
	if o.WrappedToken != nil {
		wt := *o.WrappedToken
		if o.WrappedToken.BridgeFee != nil {
			wt.BridgeFee = new(big.Int).Set(o.WrappedToken.BridgeFee)
		}
		cp.WrappedToken = &wt
	}
	return &cp
}
