package order

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func validSpec(now int64) *Spec {
	return &Spec{
		Owner:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		MakerAsset:  common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		TakerAsset:  common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		Amount:      new(big.Int).Set(Wad), // 1.0
		TargetPrice: new(big.Int).Mul(big.NewInt(4000), big.NewInt(1_000_000)),
		GasBid:      big.NewInt(50_000_000_000),
		Expiry:      now + 3_600_000,
	}
}

func TestSpecValidate(t *testing.T) {
	now := int64(1_700_000_000_000)

	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *Spec) {}, wantErr: false},
		{name: "zero amount", mutate: func(s *Spec) { s.Amount = big.NewInt(0) }, wantErr: true},
		{name: "negative amount", mutate: func(s *Spec) { s.Amount = big.NewInt(-1) }, wantErr: true},
		{name: "nil amount", mutate: func(s *Spec) { s.Amount = nil }, wantErr: true},
		{name: "zero target price", mutate: func(s *Spec) { s.TargetPrice = big.NewInt(0) }, wantErr: true},
		{name: "expiry before now", mutate: func(s *Spec) { s.Expiry = now - 1 }, wantErr: true},
		{name: "expiry equals now", mutate: func(s *Spec) { s.Expiry = now }, wantErr: true},
		{name: "same maker and taker asset", mutate: func(s *Spec) { s.TakerAsset = s.MakerAsset }, wantErr: true},
		{name: "negative gas bid", mutate: func(s *Spec) { s.GasBid = big.NewInt(-5) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec(now)
			tt.mutate(s)
			err := s.Validate(now)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOrderSpec) {
					t.Fatalf("expected ErrInvalidOrderSpec, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	now := int64(1_700_000_000_000)
	a := validSpec(now)
	b := validSpec(now)

	if a.ComputeID() != b.ComputeID() {
		t.Fatal("identical specs must produce identical IDs")
	}

	b.Amount = new(big.Int).Add(b.Amount, big.NewInt(1))
	if a.ComputeID() == b.ComputeID() {
		t.Fatal("distinct specs must not collide")
	}

	// Owner is a defining field.
	c := validSpec(now)
	c.Owner = common.HexToAddress("0x2222222222222222222222222222222222222222")
	if a.ComputeID() == c.ComputeID() {
		t.Fatal("different owners must not collide")
	}
}

// Pinned formula check: gasBid=50e9, amount=1e18, age=60000ms
// => 50e9*100 + 1e18/1000 - 1, with exact integer arithmetic.
func TestComputePriorityExact(t *testing.T) {
	now := int64(1_700_000_060_000)
	createdAt := now - 60_000

	gasBid := big.NewInt(50_000_000_000)
	amount := new(big.Int).Set(Wad)

	got := ComputePriority(gasBid, amount, createdAt, now)

	want := new(big.Int).Mul(gasBid, big.NewInt(100))
	want.Add(want, new(big.Int).Div(amount, big.NewInt(1000)))
	want.Sub(want, big.NewInt(1))

	if got.Cmp(want) != 0 {
		t.Fatalf("priority = %s, want %s", got, want)
	}
	// 50e9*100 = 5e12, 1e18/1000 = 1e15, minus one minute of age.
	exact, _ := new(big.Int).SetString("1004999999999999", 10)
	if got.Cmp(exact) != 0 {
		t.Fatalf("priority = %s, want 1004999999999999", got)
	}
}

func TestComputePriorityAgeFloors(t *testing.T) {
	createdAt := int64(1_700_000_000_000)

	// 59.999s old: no age penalty yet.
	p0 := ComputePriority(big.NewInt(0), big.NewInt(0), createdAt, createdAt+59_999)
	if p0.Sign() != 0 {
		t.Fatalf("expected zero priority, got %s", p0)
	}
	// 120s old: two whole minutes.
	p2 := ComputePriority(big.NewInt(0), big.NewInt(0), createdAt, createdAt+120_000)
	if p2.Cmp(big.NewInt(-2)) != 0 {
		t.Fatalf("expected -2, got %s", p2)
	}
}

func TestTakerAmount(t *testing.T) {
	o := &Order{
		Amount:      new(big.Int).Mul(big.NewInt(2), Wad),
		TargetPrice: new(big.Int).Mul(big.NewInt(4000), big.NewInt(1_000_000)),
	}
	got := o.TakerAmount(o.Amount)
	// 2e18 * 4000e6 / 1e18 = 8000e6
	want := new(big.Int).Mul(big.NewInt(8000), big.NewInt(1_000_000))
	if got.Cmp(want) != 0 {
		t.Fatalf("taker amount = %s, want %s", got, want)
	}
}

func TestRemainingAndExpiry(t *testing.T) {
	o := &Order{
		Amount:    new(big.Int).Mul(big.NewInt(10), Wad),
		Expiry:    1_700_000_000_000,
		Execution: ExecutionState{TotalFilled: new(big.Int).Mul(big.NewInt(3), Wad)},
	}
	want := new(big.Int).Mul(big.NewInt(7), Wad)
	if o.Remaining().Cmp(want) != 0 {
		t.Fatalf("remaining = %s, want %s", o.Remaining(), want)
	}
	if o.IsExpired(o.Expiry - 1) {
		t.Fatal("not expired before expiry")
	}
	if !o.IsExpired(o.Expiry) {
		t.Fatal("expired at expiry")
	}
}

func TestCloneIsDeep(t *testing.T) {
	o := &Order{
		Amount:        new(big.Int).Set(Wad),
		TargetPrice:   big.NewInt(100),
		GasBid:        big.NewInt(1),
		QueuePriority: big.NewInt(42),
		Execution:     ExecutionState{TotalFilled: big.NewInt(0)},
	}
	cp := o.Clone()
	cp.Amount.SetInt64(999)
	if o.Amount.Cmp(Wad) != 0 {
		t.Fatal("clone must not share amount")
	}
}
