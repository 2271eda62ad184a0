package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/limitvault/limitvault/pkg/engine/order"
)

// Big integers cross the wire as decimal strings, addresses and hashes
// as 0x-prefixed hex.

// SubmitOrderRequest is the POST /api/v1/orders body.
type SubmitOrderRequest struct {
	Owner       string `json:"owner"`
	MakerAsset  string `json:"makerAsset"`
	TakerAsset  string `json:"takerAsset"`
	Amount      string `json:"amount"`
	TargetPrice string `json:"targetPrice"`
	GasBid      string `json:"gasBid"`
	Expiry      int64  `json:"expiry"`
	SourceChain uint64 `json:"sourceChain"`
	TargetChain uint64 `json:"targetChain"`

	PriceProtection *PriceProtectionRequest `json:"priceProtection,omitempty"`
	BalanceCheck    *BalanceCheckRequest    `json:"balanceCheck,omitempty"`
}

type PriceProtectionRequest struct {
	Enabled      bool  `json:"enabled"`
	ToleranceBps int64 `json:"toleranceBps"`
}

type BalanceCheckRequest struct {
	Enabled    bool   `json:"enabled"`
	AutoAdjust bool   `json:"autoAdjust"`
	AutoCancel bool   `json:"autoCancel"`
	MinBalance string `json:"minBalance,omitempty"`
}

// ToSpec converts the request into an order spec.
func (r *SubmitOrderRequest) ToSpec() (*order.Spec, error) {
	owner, err := parseAddress(r.Owner, "owner")
	if err != nil {
		return nil, err
	}
	makerAsset, err := parseAddress(r.MakerAsset, "makerAsset")
	if err != nil {
		return nil, err
	}
	takerAsset, err := parseAddress(r.TakerAsset, "takerAsset")
	if err != nil {
		return nil, err
	}
	amount, err := parseBig(r.Amount, "amount")
	if err != nil {
		return nil, err
	}
	targetPrice, err := parseBig(r.TargetPrice, "targetPrice")
	if err != nil {
		return nil, err
	}
	gasBid, err := parseBig(r.GasBid, "gasBid")
	if err != nil {
		return nil, err
	}

	spec := &order.Spec{
		Owner:       owner,
		MakerAsset:  makerAsset,
		TakerAsset:  takerAsset,
		Amount:      amount,
		TargetPrice: targetPrice,
		GasBid:      gasBid,
		Expiry:      r.Expiry,
		SourceChain: r.SourceChain,
		TargetChain: r.TargetChain,
	}
	if r.PriceProtection != nil {
		spec.PriceProtection = order.PriceProtection{
			Enabled:      r.PriceProtection.Enabled,
			ToleranceBps: r.PriceProtection.ToleranceBps,
		}
	}
	if r.BalanceCheck != nil {
		spec.BalanceCheck = order.BalanceCheck{
			Enabled:    r.BalanceCheck.Enabled,
			AutoAdjust: r.BalanceCheck.AutoAdjust,
			AutoCancel: r.BalanceCheck.AutoCancel,
		}
		if r.BalanceCheck.MinBalance != "" {
			min, err := parseBig(r.BalanceCheck.MinBalance, "minBalance")
			if err != nil {
				return nil, err
			}
			spec.BalanceCheck.MinBalance = min
		}
	}
	return spec, nil
}

// CancelOrderRequest is the POST /api/v1/orders/cancel body.
type CancelOrderRequest struct {
	OrderID string `json:"orderId"`
	Owner   string `json:"owner"`
}

// OrderInfo is the wire representation of one order.
type OrderInfo struct {
	ID            string `json:"id"`
	Owner         string `json:"owner"`
	MakerAsset    string `json:"makerAsset"`
	TakerAsset    string `json:"takerAsset"`
	Amount        string `json:"amount"`
	TargetPrice   string `json:"targetPrice"`
	GasBid        string `json:"gasBid"`
	QueuePriority string `json:"queuePriority"`
	CreatedAt     int64  `json:"createdAt"`
	Expiry        int64  `json:"expiry"`
	SourceChain   uint64 `json:"sourceChain"`
	TargetChain   uint64 `json:"targetChain"`

	PriceProtected  bool   `json:"priceProtected"`
	ToleranceBps    int64  `json:"toleranceBps,omitempty"`
	WrappedAsset    string `json:"wrappedAsset,omitempty"`
	BridgeFee       string `json:"bridgeFee,omitempty"`
	Attempts        int64  `json:"attempts"`
	FailureReason   string `json:"failureReason,omitempty"`
	TotalFilled     string `json:"totalFilled"`
	Completed       bool   `json:"completed"`
	CompletedReason string `json:"completedReason,omitempty"`
}

func orderInfo(o *order.Order) OrderInfo {
	info := OrderInfo{
		ID:              o.ID.Hex(),
		Owner:           o.Owner.Hex(),
		MakerAsset:      o.MakerAsset.Hex(),
		TakerAsset:      o.TakerAsset.Hex(),
		Amount:          o.Amount.String(),
		TargetPrice:     o.TargetPrice.String(),
		GasBid:          o.GasBid.String(),
		QueuePriority:   o.QueuePriority.String(),
		CreatedAt:       o.CreatedAt,
		Expiry:          o.Expiry,
		SourceChain:     o.SourceChain,
		TargetChain:     o.TargetChain,
		PriceProtected:  o.PriceProtection.Enabled,
		ToleranceBps:    o.PriceProtection.ToleranceBps,
		Attempts:        o.Execution.Attempts,
		FailureReason:   o.Execution.FailureReason,
		TotalFilled:     o.Execution.TotalFilled.String(),
		Completed:       o.Execution.Completed,
		CompletedReason: o.CompletedReason,
	}
	if o.WrappedToken != nil {
		info.WrappedAsset = o.WrappedToken.WrappedAsset.Hex()
		info.BridgeFee = o.WrappedToken.BridgeFee.String()
	}
	return info
}

// SubmitOrderResponse acknowledges a created order.
type SubmitOrderResponse struct {
	Status        string `json:"status"`
	OrderID       string `json:"orderId"`
	QueuePriority string `json:"queuePriority"`
}

// PriceInfo is the GET /api/v1/prices/{base}/{quote} response.
type PriceInfo struct {
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Price     string `json:"price"` // 1e18 scale, decimal string
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client -> server WebSocket control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseBig(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q is not a decimal integer", field, s)
	}
	return v, nil
}
