// Package events defines the audit/observability events the engine
// emits and a non-blocking fan-out bus for their consumers.
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Type identifies an event kind on the wire.
type Type string

const (
	TypeOrderCreated           Type = "order_created"
	TypeOrderExecuted          Type = "order_executed"
	TypeOrderCancelled         Type = "order_cancelled"
	TypeOrderAdjusted          Type = "order_adjusted"
	TypeCrossChainOrderCreated Type = "cross_chain_order_created"
	TypePriceValidationResult  Type = "price_validation_result"
	TypeToleranceExceeded      Type = "tolerance_exceeded"
	TypeStalePriceDetected     Type = "stale_price_detected"
	TypeEmergencyPriceOverride Type = "emergency_price_override"
	TypeBalanceInsufficient    Type = "balance_insufficient"
)

// Event is the envelope broadcast to subscribers.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp int64       `json:"ts"`
	Payload   interface{} `json:"payload"`
}

type OrderCreated struct {
	ID            common.Hash    `json:"id"`
	Owner         common.Address `json:"owner"`
	MakerAsset    common.Address `json:"makerAsset"`
	TakerAsset    common.Address `json:"takerAsset"`
	Amount        *big.Int       `json:"amount"`
	TargetPrice   *big.Int       `json:"targetPrice"`
	QueuePriority *big.Int       `json:"queuePriority"`
	Expiry        int64          `json:"expiry"`
}

type OrderExecuted struct {
	ID          common.Hash    `json:"id"`
	Owner       common.Address `json:"owner"`
	Executor    common.Address `json:"executor"`
	MakerAmount *big.Int       `json:"makerAmount"`
	TakerAmount *big.Int       `json:"takerAmount"`
	Price       *big.Int       `json:"price"`
}

type OrderCancelled struct {
	ID       common.Hash    `json:"id"`
	Owner    common.Address `json:"owner"`
	Refunded *big.Int       `json:"refunded"`
	Reason   string         `json:"reason"`
}

type OrderAdjusted struct {
	ID        common.Hash `json:"id"`
	OldAmount *big.Int    `json:"oldAmount"`
	NewAmount *big.Int    `json:"newAmount"`
	Refunded  *big.Int    `json:"refunded"`
}

type CrossChainOrderCreated struct {
	ID           common.Hash    `json:"id"`
	SourceChain  uint64         `json:"sourceChain"`
	TargetChain  uint64         `json:"targetChain"`
	WrappedAsset common.Address `json:"wrappedAsset"`
	BridgeFee    *big.Int       `json:"bridgeFee"`
}

type PriceValidationResult struct {
	AuditID         string   `json:"auditId"`
	Base            string   `json:"base"`
	Quote           string   `json:"quote"`
	OrderPrice      *big.Int `json:"orderPrice"`
	MarketPrice     *big.Int `json:"marketPrice"`
	DeviationBps    int64    `json:"deviationBps"`
	ToleranceBps    int64    `json:"toleranceBps"`
	WithinTolerance bool     `json:"withinTolerance"`
}

type ToleranceExceeded struct {
	Base         string   `json:"base"`
	Quote        string   `json:"quote"`
	OrderPrice   *big.Int `json:"orderPrice"`
	MarketPrice  *big.Int `json:"marketPrice"`
	DeviationBps int64    `json:"deviationBps"`
	ToleranceBps int64    `json:"toleranceBps"`
}

type StalePriceDetected struct {
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Feed      string `json:"feed"`
	UpdatedAt int64  `json:"updatedAt"`
	AgeMs     int64  `json:"ageMs"`
}

type EmergencyPriceOverride struct {
	Base     string   `json:"base"`
	Quote    string   `json:"quote"`
	OldPrice *big.Int `json:"oldPrice"`
	NewPrice *big.Int `json:"newPrice"`
	Reason   string   `json:"reason"`
}

type BalanceInsufficient struct {
	ID       common.Hash    `json:"id"`
	Owner    common.Address `json:"owner"`
	Asset    common.Address `json:"asset"`
	Required *big.Int       `json:"required"`
	Balance  *big.Int       `json:"balance"`
	Action   string         `json:"action"` // "cancelled", "adjusted", "none"
}
