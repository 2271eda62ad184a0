// Package custody abstracts asset movement for the order engine.
// Transfers either fully succeed or fully fail; there is no partial
// transfer. The concrete settlement substrate (chain, bank, testnet
// vault) lives behind the AssetCustody interface.
package custody

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AssetCustody is the collaborator interface the engine consumes.
type AssetCustody interface {
	// BalanceOf returns the live balance of owner in asset.
	BalanceOf(owner, asset common.Address) (*big.Int, error)
	// Transfer moves amount of asset from the custody holder to `to`.
	Transfer(asset, to common.Address, amount *big.Int) error
	// TransferFrom moves amount of asset from `from` to `to`.
	TransferFrom(asset, from, to common.Address, amount *big.Int) error
}

// Vault is an in-memory AssetCustody used by the devnet node and
// tests. Balances are keyed owner -> asset -> amount, guarded by a
// single mutex so each transfer is one atomic unit.
type Vault struct {
	mu       sync.RWMutex
	self     common.Address
	balances map[common.Address]map[common.Address]*big.Int
}

// NewVault creates an empty vault. self is the address transfers debit
// when Transfer (as opposed to TransferFrom) is used.
func NewVault(self common.Address) *Vault {
	return &Vault{
		self:     self,
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Deposit credits an owner's balance. Admin/test operation.
func (v *Vault) Deposit(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive: %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(owner, asset, amount)
	return nil
}

// Withdraw debits an owner's balance. Admin/test operation.
func (v *Vault) Withdraw(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.debit(owner, asset, amount)
}

// BalanceOf returns a copy of the owner's balance in asset.
func (v *Vault) BalanceOf(owner, asset common.Address) (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if assets, ok := v.balances[owner]; ok {
		if bal, ok := assets[asset]; ok {
			return new(big.Int).Set(bal), nil
		}
	}
	return new(big.Int), nil
}

// Transfer moves amount from the vault holder account to `to`.
func (v *Vault) Transfer(asset, to common.Address, amount *big.Int) error {
	return v.TransferFrom(asset, v.self, to, amount)
}

// TransferFrom moves amount from `from` to `to`. Fails without any
// effect when `from` lacks the balance.
func (v *Vault) TransferFrom(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("transfer amount cannot be negative: %s", amount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.debit(from, asset, amount); err != nil {
		return err
	}
	v.credit(to, asset, amount)
	return nil
}

// Swap settles two transfer legs as one atomic unit: both commit or
// neither does. Used by order execution so the taker payment and the
// escrow release cannot diverge.
func (v *Vault) Swap(
	assetA common.Address, fromA, toA common.Address, amountA *big.Int,
	assetB common.Address, fromB, toB common.Address, amountB *big.Int,
) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Validate both legs before touching state.
	if v.available(fromA, assetA).Cmp(amountA) < 0 {
		return fmt.Errorf("insufficient balance: %s has %s of %s, need %s",
			fromA.Hex(), v.available(fromA, assetA), assetA.Hex(), amountA)
	}
	if v.available(fromB, assetB).Cmp(amountB) < 0 {
		return fmt.Errorf("insufficient balance: %s has %s of %s, need %s",
			fromB.Hex(), v.available(fromB, assetB), assetB.Hex(), amountB)
	}

	if err := v.debit(fromA, assetA, amountA); err != nil {
		return err
	}
	v.credit(toA, assetA, amountA)
	if err := v.debit(fromB, assetB, amountB); err != nil {
		// Cannot happen after the validation above; restore leg A
		// anyway so a bug here never leaks funds.
		v.credit(fromA, assetA, amountA)
		if err2 := v.debit(toA, assetA, amountA); err2 != nil {
			return fmt.Errorf("swap rollback failed: %v (after %w)", err2, err)
		}
		return err
	}
	v.credit(toB, assetB, amountB)
	return nil
}

func (v *Vault) available(owner, asset common.Address) *big.Int {
	if assets, ok := v.balances[owner]; ok {
		if bal, ok := assets[asset]; ok {
			return bal
		}
	}
	return new(big.Int)
}

func (v *Vault) credit(owner, asset common.Address, amount *big.Int) {
	assets, ok := v.balances[owner]
	if !ok {
		assets = make(map[common.Address]*big.Int)
		v.balances[owner] = assets
	}
	bal, ok := assets[asset]
	if !ok {
		bal = new(big.Int)
		assets[asset] = bal
	}
	bal.Add(bal, amount)
}

func (v *Vault) debit(owner, asset common.Address, amount *big.Int) error {
	bal := v.available(owner, asset)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: %s has %s of %s, need %s",
			owner.Hex(), bal, asset.Hex(), amount)
	}
	bal.Sub(bal, amount)
	return nil
}

var _ AssetCustody = (*Vault)(nil)
