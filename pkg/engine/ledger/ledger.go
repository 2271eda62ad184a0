// Package ledger owns order entities, escrow custody, priority
// ranking, and the execution/cancellation/adjustment state machine.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/limitvault/limitvault/pkg/engine/custody"
	"github.com/limitvault/limitvault/pkg/engine/events"
	"github.com/limitvault/limitvault/pkg/engine/oracle"
	"github.com/limitvault/limitvault/pkg/engine/order"
	"github.com/limitvault/limitvault/pkg/metrics"
	"github.com/limitvault/limitvault/pkg/util"
)

// MaxBatchExecute bounds batchExecute input.
const MaxBatchExecute = 10

// PriceValidator is the slice of the oracle the ledger consumes.
type PriceValidator interface {
	ValidateOrderPrice(ctx context.Context, base, quote string, orderPrice *big.Int, toleranceOverride int64) (*oracle.ValidationResult, error)
}

// TokenResolver maps origin assets to wrapped tokens at creation time.
type TokenResolver interface {
	Resolve(originalAsset common.Address, sourceChain, targetChain uint64) (*order.WrappedToken, error)
}

// DurableStore persists orders by identifier. May be nil (in-memory
// only); persistence failures degrade to log warnings, they never
// roll back a committed transition.
type DurableStore interface {
	SaveOrder(o *order.Order) error
	DeleteOrder(owner common.Address, id common.Hash) error
	LoadActiveOrders() ([]*order.Order, error)
}

// atomicSwapper is an optional custody capability: settle both legs of
// an exchange as one unit. The in-memory vault implements it; a
// custody backend without it gets a compensating second leg instead.
type atomicSwapper interface {
	Swap(assetA common.Address, fromA, toA common.Address, amountA *big.Int,
		assetB common.Address, fromB, toB common.Address, amountB *big.Int) error
}

// Config wires the ledger's collaborators.
type Config struct {
	// EscrowAccount is the custody address holding escrowed maker
	// assets between creation and terminal transition.
	EscrowAccount common.Address
	Custody       custody.AssetCustody
	Oracle        PriceValidator
	Resolver      TokenResolver
	Clock         util.Clock
	Store         DurableStore // optional
	Emitter       events.Emitter
	Logger        *zap.SugaredLogger
}

type activeEntry struct {
	id  common.Hash
	seq uint64
}

// Ledger is the order lifecycle engine. A single mutex serializes all
// mutations: ranking and removal need a consistent snapshot of the
// active set, so the collection is one exclusively-owned structure.
// Oracle validation during create/execute runs under the lock; the
// oracle never calls back into the ledger, so this cannot deadlock.
type Ledger struct {
	escrow   common.Address
	custody  custody.AssetCustody
	oracle   PriceValidator
	resolver TokenResolver
	clock    util.Clock
	store    DurableStore
	emitter  events.Emitter
	log      *zap.SugaredLogger

	mu      sync.Mutex
	orders  map[common.Hash]*order.Order
	active  []activeEntry
	byOwner map[common.Address][]common.Hash
	seq     uint64

	// symbols names assets for oracle lookups. Orders with price
	// protection require both assets registered.
	symbols map[common.Address]string
}

// New creates a ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Custody == nil {
		return nil, fmt.Errorf("custody collaborator is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Ledger{
		escrow:   cfg.EscrowAccount,
		custody:  cfg.Custody,
		oracle:   cfg.Oracle,
		resolver: cfg.Resolver,
		clock:    cfg.Clock,
		store:    cfg.Store,
		emitter:  emitter,
		log:      cfg.Logger,
		orders:   make(map[common.Hash]*order.Order),
		byOwner:  make(map[common.Address][]common.Hash),
		symbols:  make(map[common.Address]string),
	}, nil
}

// RegisterAsset names an asset for oracle pair lookups.
func (l *Ledger) RegisterAsset(asset common.Address, symbol string) {
	l.mu.Lock()
	l.symbols[asset] = symbol
	l.mu.Unlock()
}

// Restore loads persisted active orders back into the ledger,
// typically at startup before any mutation traffic.
func (l *Ledger) Restore() error {
	if l.store == nil {
		return nil
	}
	orders, err := l.store.LoadActiveOrders()
	if err != nil {
		return fmt.Errorf("failed to restore orders: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Oldest first so insertion order (and thus tie-break) survives
	// the round trip.
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt < orders[j].CreatedAt })
	for _, o := range orders {
		if _, exists := l.orders[o.ID]; exists {
			continue
		}
		l.orders[o.ID] = o
		l.insertActiveLocked(o.ID)
		l.byOwner[o.Owner] = append(l.byOwner[o.Owner], o.ID)
	}
	return nil
}

// CreateOrder validates a spec, locks escrow, and inserts the order
// into the active set. Validation failures reject the whole operation
// before any custody movement.
func (l *Ledger) CreateOrder(ctx context.Context, spec *order.Spec) (*order.Order, error) {
	now := util.NowMillis(l.clock)
	if err := spec.Validate(now); err != nil {
		return nil, err
	}

	id := spec.ComputeID()

	l.mu.Lock()
	if _, exists := l.orders[id]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", order.ErrDuplicateOrder, id.Hex())
	}
	if spec.PriceProtection.Enabled {
		_, okBase := l.symbols[spec.MakerAsset]
		_, okQuote := l.symbols[spec.TakerAsset]
		if !okBase || !okQuote {
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: price protection requires registered assets", order.ErrInvalidOrderSpec)
		}
	}
	l.mu.Unlock()

	var wrapped *order.WrappedToken
	if spec.SourceChain != spec.TargetChain {
		if l.resolver == nil {
			return nil, fmt.Errorf("%w: no resolver configured", order.ErrUnsupportedChain)
		}
		wt, err := l.resolver.Resolve(spec.MakerAsset, spec.SourceChain, spec.TargetChain)
		if err != nil {
			return nil, err
		}
		wrapped = wt
	}

	if spec.BalanceCheck.Enabled {
		bal, err := l.custody.BalanceOf(spec.Owner, spec.MakerAsset)
		if err != nil {
			return nil, fmt.Errorf("balance check failed: %w", err)
		}
		if bal.Cmp(spec.Amount) < 0 {
			return nil, fmt.Errorf("%w: have %s, need %s", order.ErrInsufficientBalance, bal, spec.Amount)
		}
	}

	// Lock escrow before the order becomes visible. A failed transfer
	// leaves no trace in the ledger.
	if err := l.custody.TransferFrom(spec.MakerAsset, spec.Owner, l.escrow, spec.Amount); err != nil {
		return nil, fmt.Errorf("%w: escrow lock: %v", order.ErrInsufficientBalance, err)
	}

	o := &order.Order{
		ID:              id,
		Owner:           spec.Owner,
		MakerAsset:      spec.MakerAsset,
		TakerAsset:      spec.TakerAsset,
		Amount:          new(big.Int).Set(spec.Amount),
		TargetPrice:     new(big.Int).Set(spec.TargetPrice),
		GasBid:          new(big.Int).Set(spec.GasBid),
		CreatedAt:       now,
		Expiry:          spec.Expiry,
		QueuePriority:   order.ComputePriority(spec.GasBid, spec.Amount, now, now),
		SourceChain:     spec.SourceChain,
		TargetChain:     spec.TargetChain,
		PriceProtection: spec.PriceProtection,
		WrappedToken:    wrapped,
		BalanceCheck:    spec.BalanceCheck,
		Execution:       order.ExecutionState{TotalFilled: new(big.Int)},
	}

	l.mu.Lock()
	if _, exists := l.orders[id]; exists {
		// Lost a race against an identical concurrent submission;
		// undo the escrow we just took.
		l.mu.Unlock()
		if err := l.custody.TransferFrom(o.MakerAsset, l.escrow, o.Owner, o.Amount); err != nil && l.log != nil {
			l.log.Errorw("escrow_refund_failed", "id", id.Hex(), "err", err)
		}
		return nil, fmt.Errorf("%w: %s", order.ErrDuplicateOrder, id.Hex())
	}
	l.orders[id] = o
	l.insertActiveLocked(id)
	l.byOwner[o.Owner] = append(l.byOwner[o.Owner], id)
	l.persistLocked(o)
	l.mu.Unlock()

	metrics.OrdersCreated.Inc()
	l.emitter.Emit(events.Event{
		Type:      events.TypeOrderCreated,
		Timestamp: now,
		Payload: events.OrderCreated{
			ID: o.ID, Owner: o.Owner,
			MakerAsset: o.MakerAsset, TakerAsset: o.TakerAsset,
			Amount: o.Amount, TargetPrice: o.TargetPrice,
			QueuePriority: o.QueuePriority, Expiry: o.Expiry,
		},
	})
	if o.IsCrossChain() {
		l.emitter.Emit(events.Event{
			Type:      events.TypeCrossChainOrderCreated,
			Timestamp: now,
			Payload: events.CrossChainOrderCreated{
				ID: o.ID, SourceChain: o.SourceChain, TargetChain: o.TargetChain,
				WrappedAsset: wrapped.WrappedAsset, BridgeFee: wrapped.BridgeFee,
			},
		})
	}
	if l.log != nil {
		l.log.Infow("order_created", "id", o.ID.Hex(), "owner", o.Owner.Hex(),
			"amount", o.Amount.String(), "priority", o.QueuePriority.String())
	}
	return o.Clone(), nil
}

// GetOrder returns a copy of an order by ID.
func (l *Ledger) GetOrder(id common.Hash) (*order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrOrderNotFound, id.Hex())
	}
	return o.Clone(), nil
}

// GetOrdersByOwner returns copies of all orders for one owner.
func (l *Ledger) GetOrdersByOwner(owner common.Address) []*order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.byOwner[owner]
	out := make([]*order.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := l.orders[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

// ActiveOrders returns copies of every active order, unranked.
func (l *Ledger) ActiveOrders() []*order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*order.Order, 0, len(l.active))
	for _, e := range l.active {
		if o, ok := l.orders[e.id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

// GetOrdersByPriority returns up to limit active order IDs ranked by
// queue priority descending. Equal priorities preserve insertion
// order: the earlier-created order ranks first.
func (l *Ledger) GetOrdersByPriority(limit int) []common.Hash {
	l.mu.Lock()
	entries := make([]activeEntry, len(l.active))
	copy(entries, l.active)
	priorities := make(map[common.Hash]*big.Int, len(entries))
	for _, e := range entries {
		priorities[e.id] = l.orders[e.id].QueuePriority
	}
	l.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		cmp := priorities[entries[i].id].Cmp(priorities[entries[j].id])
		if cmp != 0 {
			return cmp > 0
		}
		return entries[i].seq < entries[j].seq
	})

	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	ids := make([]common.Hash, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (l *Ledger) insertActiveLocked(id common.Hash) {
	l.seq++
	l.active = append(l.active, activeEntry{id: id, seq: l.seq})
}

func (l *Ledger) removeActiveLocked(id common.Hash) {
	for i, e := range l.active {
		if e.id == id {
			l.active = append(l.active[:i], l.active[i+1:]...)
			return
		}
	}
}

func (l *Ledger) persistLocked(o *order.Order) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveOrder(o); err != nil && l.log != nil {
		l.log.Errorw("order_persist_failed", "id", o.ID.Hex(), "err", err)
	}
}

// settle performs the asset exchange as one atomic unit: the taker
// payment and the escrow release commit together or not at all.
func (l *Ledger) settle(o *order.Order, executor common.Address, takerAmount *big.Int) error {
	if swapper, ok := l.custody.(atomicSwapper); ok {
		return swapper.Swap(
			o.TakerAsset, executor, o.Owner, takerAmount,
			o.MakerAsset, l.escrow, executor, o.Amount,
		)
	}
	if err := l.custody.TransferFrom(o.TakerAsset, executor, o.Owner, takerAmount); err != nil {
		return err
	}
	if err := l.custody.TransferFrom(o.MakerAsset, l.escrow, executor, o.Amount); err != nil {
		// Compensate the first leg so the failure leaves no effect.
		if err2 := l.custody.TransferFrom(o.TakerAsset, o.Owner, executor, takerAmount); err2 != nil {
			return fmt.Errorf("settlement compensation failed: %v (after %w)", err2, err)
		}
		return err
	}
	return nil
}
