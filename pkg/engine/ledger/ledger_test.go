package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/limitvault/limitvault/pkg/engine/bridge"
	"github.com/limitvault/limitvault/pkg/engine/custody"
	"github.com/limitvault/limitvault/pkg/engine/oracle"
	"github.com/limitvault/limitvault/pkg/engine/order"
	"github.com/limitvault/limitvault/pkg/util"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	executor   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	weth       = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	usdc       = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// fakeValidator implements PriceValidator with a settable market
// price, mirroring the aggregator's deviation math.
type fakeValidator struct {
	market *big.Int
	err    error
}

func (f *fakeValidator) ValidateOrderPrice(_ context.Context, base, quote string, orderPrice *big.Int, tol int64) (*oracle.ValidationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if tol == 0 {
		tol = 1000
	}
	diff := new(big.Int).Sub(orderPrice, f.market)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Div(diff, f.market)
	dev := diff.Int64()
	return &oracle.ValidationResult{
		WithinTolerance: dev <= tol,
		OrderPrice:      orderPrice,
		MarketPrice:     new(big.Int).Set(f.market),
		DeviationBps:    dev,
		ToleranceBps:    tol,
	}, nil
}

type env struct {
	ledger    *Ledger
	vault     *custody.Vault
	validator *fakeValidator
	clock     *util.ManualClock
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	clock := util.NewManualClock(time.UnixMilli(1_700_000_000_000))
	vault := custody.NewVault(escrowAddr)
	validator := &fakeValidator{market: new(big.Int).Mul(big.NewInt(4050), big.NewInt(1_000_000))}

	resolver := bridge.NewResolver()
	if err := resolver.RegisterChain(&bridge.ChainConfig{
		ChainID:   10,
		Wrapped:   map[common.Address]common.Address{weth: common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")},
		BridgeFee: big.NewInt(1000),
	}); err != nil {
		t.Fatalf("register chain: %v", err)
	}

	l, err := New(Config{
		EscrowAccount: escrowAddr,
		Custody:       vault,
		Oracle:        validator,
		Resolver:      resolver,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	l.RegisterAsset(weth, "WETH")
	l.RegisterAsset(usdc, "USDC")

	return &env{ledger: l, vault: vault, validator: validator, clock: clock}
}

func (e *env) fund(t *testing.T, owner, asset common.Address, amount *big.Int) {
	t.Helper()
	if err := e.vault.Deposit(owner, asset, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (e *env) balance(t *testing.T, owner, asset common.Address) *big.Int {
	t.Helper()
	bal, err := e.vault.BalanceOf(owner, asset)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	return bal
}

func (e *env) spec() *order.Spec {
	return &order.Spec{
		Owner:       alice,
		MakerAsset:  weth,
		TakerAsset:  usdc,
		Amount:      new(big.Int).Set(order.Wad),
		TargetPrice: new(big.Int).Mul(big.NewInt(4000), big.NewInt(1_000_000)),
		GasBid:      big.NewInt(50_000_000_000),
		Expiry:      e.clock.Now().UnixMilli() + 3_600_000,
	}
}

func TestCreateOrderEscrowsAmount(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, new(big.Int).Mul(big.NewInt(2), order.Wad))

	o, err := e.ledger.CreateOrder(context.Background(), e.spec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Escrow holds exactly amount; owner debited.
	if got := e.balance(t, escrowAddr, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("escrow = %s, want %s", got, order.Wad)
	}
	if got := e.balance(t, alice, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("owner = %s, want %s", got, order.Wad)
	}

	got, err := e.ledger.GetOrder(o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount.Cmp(order.Wad) != 0 || got.IsClosed() {
		t.Fatalf("unexpected order state: %+v", got)
	}
	if len(e.ledger.GetOrdersByPriority(0)) != 1 {
		t.Fatal("order missing from active set")
	}
}

func TestCreateOrderDuplicate(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, new(big.Int).Mul(big.NewInt(3), order.Wad))

	if _, err := e.ledger.CreateOrder(context.Background(), e.spec()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.ledger.CreateOrder(context.Background(), e.spec()); !errors.Is(err, order.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	// The duplicate took no escrow.
	if got := e.balance(t, escrowAddr, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("escrow = %s, want single amount", got)
	}
}

func TestCreateOrderUnfunded(t *testing.T) {
	e := newTestEnv(t)
	// No deposit at all: escrow lock must fail cleanly.
	if _, err := e.ledger.CreateOrder(context.Background(), e.spec()); !errors.Is(err, order.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(e.ledger.GetOrdersByPriority(0)) != 0 {
		t.Fatal("failed create must leave no order behind")
	}
}

func TestCreateOrderBalancePrecheck(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, new(big.Int).Sub(order.Wad, big.NewInt(1)))

	spec := e.spec()
	spec.BalanceCheck = order.BalanceCheck{Enabled: true}
	if _, err := e.ledger.CreateOrder(context.Background(), spec); !errors.Is(err, order.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCreateCrossChainOrder(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, order.Wad)

	spec := e.spec()
	spec.SourceChain = 10
	spec.TargetChain = 1

	o, err := e.ledger.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.WrappedToken == nil || o.WrappedToken.BridgeFee.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("wrapped token not resolved: %+v", o.WrappedToken)
	}

	spec2 := e.spec()
	spec2.SourceChain = 99
	spec2.TargetChain = 1
	if _, err := e.ledger.CreateOrder(context.Background(), spec2); !errors.Is(err, order.ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
}

func TestGetOrdersByPriority(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, new(big.Int).Mul(big.NewInt(10), order.Wad))

	// Three distinct orders: vary gas bid so priorities differ, plus
	// two with equal priority to pin the insertion-order tie-break.
	mk := func(gasBid int64, expiryBump int64) common.Hash {
		spec := e.spec()
		spec.GasBid = big.NewInt(gasBid)
		spec.Expiry += expiryBump
		o, err := e.ledger.CreateOrder(context.Background(), spec)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return o.ID
	}

	low := mk(1, 0)
	high := mk(1_000_000, 0)
	tieFirst := mk(500, 1) // same priority as tieSecond, created earlier
	tieSecond := mk(500, 2)

	ids := e.ledger.GetOrdersByPriority(0)
	if len(ids) != 4 {
		t.Fatalf("got %d ids, want 4", len(ids))
	}
	if ids[0] != high {
		t.Fatalf("highest gas bid must rank first")
	}
	if ids[1] != tieFirst || ids[2] != tieSecond {
		t.Fatalf("equal priorities must preserve insertion order")
	}
	if ids[3] != low {
		t.Fatalf("lowest priority must rank last")
	}

	// Limit truncates the ranked list.
	ids = e.ledger.GetOrdersByPriority(2)
	if len(ids) != 2 || ids[0] != high {
		t.Fatalf("limit=2 gave %d ids", len(ids))
	}
}

func TestExecuteOrder(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, order.Wad)
	takerAmount := new(big.Int).Mul(big.NewInt(4000), big.NewInt(1_000_000))
	e.fund(t, executor, usdc, takerAmount)

	spec := e.spec()
	spec.PriceProtection = order.PriceProtection{Enabled: true}
	o, err := e.ledger.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	observed := new(big.Int).Set(spec.TargetPrice)
	if err := e.ledger.ExecuteOrder(context.Background(), o.ID, observed, executor); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Settlement: owner received the taker amount, executor the escrow.
	if got := e.balance(t, alice, usdc); got.Cmp(takerAmount) != 0 {
		t.Fatalf("owner usdc = %s, want %s", got, takerAmount)
	}
	if got := e.balance(t, executor, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("executor weth = %s, want %s", got, order.Wad)
	}
	if got := e.balance(t, escrowAddr, weth); got.Sign() != 0 {
		t.Fatalf("escrow not released: %s", got)
	}

	got, _ := e.ledger.GetOrder(o.ID)
	if !got.Execution.Completed || got.Execution.TotalFilled.Cmp(order.Wad) != 0 {
		t.Fatalf("order not marked filled: %+v", got.Execution)
	}
	if got.Execution.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Execution.Attempts)
	}
	if len(e.ledger.GetOrdersByPriority(0)) != 0 {
		t.Fatal("executed order still active")
	}

	// Terminal transitions are one-shot.
	if err := e.ledger.ExecuteOrder(context.Background(), o.ID, observed, executor); !errors.Is(err, order.ErrOrderAlreadyCompleted) {
		t.Fatalf("expected ErrOrderAlreadyCompleted, got %v", err)
	}
	if err := e.ledger.CancelOrder(o.ID, alice); !errors.Is(err, order.ErrOrderAlreadyCompleted) {
		t.Fatalf("expected ErrOrderAlreadyCompleted, got %v", err)
	}
}

func TestExecuteOrderPriceProtection(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, order.Wad)
	e.fund(t, executor, usdc, new(big.Int).Mul(big.NewInt(5000), big.NewInt(1_000_000)))

	spec := e.spec()
	spec.PriceProtection = order.PriceProtection{Enabled: true}
	o, err := e.ledger.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Market runs away: 4500 vs observed 4000 at default 10% = 1111 bps.
	e.validator.market = new(big.Int).Mul(big.NewInt(4500), big.NewInt(1_000_000))

	err = e.ledger.ExecuteOrder(context.Background(), o.ID, spec.TargetPrice, executor)
	if !errors.Is(err, order.ErrPriceOutOfTolerance) {
		t.Fatalf("expected ErrPriceOutOfTolerance, got %v", err)
	}

	// No assets moved; the only state change is the attempt record.
	if got := e.balance(t, escrowAddr, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("escrow = %s, want untouched %s", got, order.Wad)
	}
	if got := e.balance(t, alice, usdc); got.Sign() != 0 {
		t.Fatalf("owner received funds on a blocked execution: %s", got)
	}
	got, _ := e.ledger.GetOrder(o.ID)
	if got.IsClosed() {
		t.Fatal("blocked execution must not close the order")
	}
	if got.Execution.Attempts != 1 || got.Execution.FailureReason == "" {
		t.Fatalf("attempt not recorded: %+v", got.Execution)
	}

	// Oracle outage surfaces as PriceUnavailable.
	e.validator.err = order.ErrPriceUnavailable
	if err := e.ledger.ExecuteOrder(context.Background(), o.ID, spec.TargetPrice, executor); !errors.Is(err, order.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestExecuteOrderExpired(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, order.Wad)

	o, err := e.ledger.CreateOrder(context.Background(), e.spec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.clock.Advance(2 * time.Hour)
	if err := e.ledger.ExecuteOrder(context.Background(), o.ID, big.NewInt(1), executor); !errors.Is(err, order.ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}

	// Expired orders stay cancellable so escrow is never stranded.
	if err := e.ledger.CancelOrder(o.ID, alice); err != nil {
		t.Fatalf("cancel expired: %v", err)
	}
	if got := e.balance(t, alice, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("refund = %s, want %s", got, order.Wad)
	}
}

func TestCancelOrder(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, order.Wad)

	o, err := e.ledger.CreateOrder(context.Background(), e.spec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.ledger.CancelOrder(o.ID, bob); !errors.Is(err, order.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := e.ledger.CancelOrder(common.Hash{0xff}, alice); !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if err := e.ledger.CancelOrder(o.ID, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Exactly amount refunded, order removed from active set.
	if got := e.balance(t, alice, weth); got.Cmp(order.Wad) != 0 {
		t.Fatalf("refund = %s, want %s", got, order.Wad)
	}
	if len(e.ledger.GetOrdersByPriority(0)) != 0 {
		t.Fatal("cancelled order still active")
	}
	if err := e.ledger.CancelOrder(o.ID, alice); !errors.Is(err, order.ErrOrderAlreadyCompleted) {
		t.Fatalf("expected ErrOrderAlreadyCompleted, got %v", err)
	}
}

func TestAdjustOrderAmount(t *testing.T) {
	e := newTestEnv(t)
	amount := new(big.Int).Mul(big.NewInt(10), order.Wad)
	e.fund(t, alice, weth, amount)

	spec := e.spec()
	spec.Amount = amount
	o, err := e.ledger.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Increase is rejected.
	bigger := new(big.Int).Mul(big.NewInt(11), order.Wad)
	if err := e.ledger.AdjustOrderAmount(o.ID, bigger); !errors.Is(err, order.ErrInvalidOrderSpec) {
		t.Fatalf("expected ErrInvalidOrderSpec, got %v", err)
	}
	if err := e.ledger.AdjustOrderAmount(o.ID, big.NewInt(0)); !errors.Is(err, order.ErrInvalidOrderSpec) {
		t.Fatalf("expected ErrInvalidOrderSpec for zero, got %v", err)
	}

	// Decrease refunds exactly old - new.
	smaller := new(big.Int).Mul(big.NewInt(4), order.Wad)
	if err := e.ledger.AdjustOrderAmount(o.ID, smaller); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	refund := new(big.Int).Mul(big.NewInt(6), order.Wad)
	if got := e.balance(t, alice, weth); got.Cmp(refund) != 0 {
		t.Fatalf("refund = %s, want %s", got, refund)
	}
	got, _ := e.ledger.GetOrder(o.ID)
	if got.Amount.Cmp(smaller) != 0 {
		t.Fatalf("amount = %s, want %s", got.Amount, smaller)
	}
	if got.IsClosed() {
		t.Fatal("adjusted order must stay active")
	}
	// Escrow matches the reduced amount.
	if gotEsc := e.balance(t, escrowAddr, weth); gotEsc.Cmp(smaller) != 0 {
		t.Fatalf("escrow = %s, want %s", gotEsc, smaller)
	}
}

func TestExecuteAutoCancel(t *testing.T) {
	e := newTestEnv(t)
	// Fund enough for escrow plus the backing balance, then drain it.
	e.fund(t, alice, weth, new(big.Int).Mul(big.NewInt(2), order.Wad))

	spec := e.spec()
	spec.BalanceCheck = order.BalanceCheck{Enabled: true, AutoCancel: true, AutoAdjust: true}
	o, err := e.ledger.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Drain the owner's backing balance below the required amount.
	if err := e.vault.Withdraw(alice, weth, new(big.Int).Sub(order.Wad, big.NewInt(5))); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	err = e.ledger.ExecuteOrder(context.Background(), o.ID, spec.TargetPrice, executor)
	if !errors.Is(err, order.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Auto-cancel wins over auto-adjust: order closed, escrow refunded.
	got, _ := e.ledger.GetOrder(o.ID)
	if !got.IsClosed() {
		t.Fatal("auto-cancel must close the order")
	}
	if gotEsc := e.balance(t, escrowAddr, weth); gotEsc.Sign() != 0 {
		t.Fatalf("escrow not refunded: %s", gotEsc)
	}
	// Owner holds the drained remainder plus the full escrow refund.
	want := new(big.Int).Add(big.NewInt(5), order.Wad)
	if gotBal := e.balance(t, alice, weth); gotBal.Cmp(want) != 0 {
		t.Fatalf("owner = %s, want %s", gotBal, want)
	}
}

func TestExecuteAutoAdjust(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, new(big.Int).Mul(big.NewInt(2), order.Wad))
	e.fund(t, executor, usdc, new(big.Int).Mul(big.NewInt(4000), big.NewInt(1_000_000)))

	spec := e.spec()
	spec.BalanceCheck = order.BalanceCheck{Enabled: true, AutoAdjust: true}
	o, err := e.ledger.CreateOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Halve the owner's backing balance: 0.5 weth.
	half := new(big.Int).Div(order.Wad, big.NewInt(2))
	if err := e.vault.Withdraw(alice, weth, half); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if err := e.ledger.ExecuteOrder(context.Background(), o.ID, spec.TargetPrice, executor); err != nil {
		t.Fatalf("execute after auto-adjust: %v", err)
	}

	got, _ := e.ledger.GetOrder(o.ID)
	if !got.Execution.Completed || got.Amount.Cmp(half) != 0 {
		t.Fatalf("expected completed execution at reduced amount, got %+v", got)
	}
	// Executor received the reduced escrow; owner was paid for it.
	if gotW := e.balance(t, executor, weth); gotW.Cmp(half) != 0 {
		t.Fatalf("executor weth = %s, want %s", gotW, half)
	}
	wantUsdc := new(big.Int).Mul(big.NewInt(2000), big.NewInt(1_000_000))
	if gotU := e.balance(t, alice, usdc); gotU.Cmp(wantUsdc) != 0 {
		t.Fatalf("owner usdc = %s, want %s", gotU, wantUsdc)
	}
}

func TestBatchExecuteIsolation(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, weth, new(big.Int).Mul(big.NewInt(10), order.Wad))
	e.fund(t, executor, usdc, new(big.Int).Mul(big.NewInt(100_000), big.NewInt(1_000_000)))

	mkSpec := func(bump int64, protected bool) *order.Spec {
		s := e.spec()
		s.Expiry += bump
		s.PriceProtection = order.PriceProtection{Enabled: protected}
		return s
	}

	o1, err := e.ledger.CreateOrder(context.Background(), mkSpec(1, false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o2, err := e.ledger.CreateOrder(context.Background(), mkSpec(2, true)) // will fail price check
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o3, err := e.ledger.CreateOrder(context.Background(), mkSpec(3, false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Market far from target: only the protected order is blocked.
	e.validator.market = new(big.Int).Mul(big.NewInt(9000), big.NewInt(1_000_000))

	price := e.spec().TargetPrice
	results, err := e.ledger.BatchExecute(context.Background(),
		[]common.Hash{o1.ID, o2.ID, o3.ID},
		[]*big.Int{price, price, price},
		executor,
	)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("unprotected orders must execute: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, order.ErrPriceOutOfTolerance) {
		t.Fatalf("expected ErrPriceOutOfTolerance, got %v", results[1].Err)
	}

	g1, _ := e.ledger.GetOrder(o1.ID)
	g2, _ := e.ledger.GetOrder(o2.ID)
	g3, _ := e.ledger.GetOrder(o3.ID)
	if !g1.Execution.Completed || !g3.Execution.Completed {
		t.Fatal("entries around the failure must reach their terminal state")
	}
	if g2.Execution.Completed {
		t.Fatal("failed entry must not complete")
	}
	if g2.Execution.Attempts != 1 || g2.Execution.FailureReason == "" {
		t.Fatalf("failed entry must record the attempt: %+v", g2.Execution)
	}
}

func TestBatchExecuteBounds(t *testing.T) {
	e := newTestEnv(t)

	ids := make([]common.Hash, MaxBatchExecute+1)
	prices := make([]*big.Int, MaxBatchExecute+1)
	if _, err := e.ledger.BatchExecute(context.Background(), ids, prices, executor); !errors.Is(err, order.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}

	if _, err := e.ledger.BatchExecute(context.Background(), make([]common.Hash, 2), make([]*big.Int, 3), executor); !errors.Is(err, order.ErrInvalidOrderSpec) {
		t.Fatalf("expected length mismatch error, got %v", err)
	}
}

func TestExecuteUnknownOrder(t *testing.T) {
	e := newTestEnv(t)
	if err := e.ledger.ExecuteOrder(context.Background(), common.Hash{0xde, 0xad}, big.NewInt(1), executor); !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
