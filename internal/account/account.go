// Package account manages the signing accounts used for load generation.
package account

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/loadtest/internal/node"
)

// StateReader is the part of the node client accounts need.
type StateReader interface {
	GetAccountState(ctx context.Context, addr common.Address) (node.AccountState, error)
}

// Account holds an account's keys and the harness's view of its state.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu      sync.Mutex
	nonce   uint64
	balance *big.Int
	pending *big.Int // reserved by accepted, unsettled transactions
	resync  bool
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		balance:    new(big.Int),
		pending:    new(big.Int),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as successfully used.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce if not committed. Safe to call multiple times.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce for use by a concurrent sender such as
// the funding account. Pool accounts use Handle.Nonce instead.
//
//	n := acc.ReserveNonce()
//	defer n.Rollback()
//	if err := send(n.Value()); err != nil {
//	    return err
//	}
//	n.Commit()
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback decrements nonce if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// Resync fetches the account state from the node. The nonce is only ever
// moved forward so a nonce consumed by an accepted transaction is never
// handed out again.
func (a *Account) Resync(ctx context.Context, reader StateReader) error {
	st, err := reader.GetAccountState(ctx, a.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if st.Nonce > a.nonce {
		a.nonce = st.Nonce
	}
	if st.Balance != nil {
		a.balance.Set(st.Balance)
	}
	a.resync = false
	a.mu.Unlock()
	return nil
}

// SetState sets nonce and balance directly.
func (a *Account) SetState(nonce uint64, balance *big.Int) {
	a.mu.Lock()
	a.nonce = nonce
	a.balance.Set(balance)
	a.mu.Unlock()
}

// PeekNonce returns the current nonce without incrementing.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// Balance returns the cached balance.
func (a *Account) Balance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.balance)
}

// Pending returns the amount reserved by unsettled transactions.
func (a *Account) Pending() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.pending)
}

// advance moves the nonce past an accepted one.
func (a *Account) advance(accepted uint64) {
	a.mu.Lock()
	if accepted+1 > a.nonce {
		a.nonce = accepted + 1
	}
	a.mu.Unlock()
}

// reserve adds cost to pending if balance - pending - margin covers it.
func (a *Account) reserve(cost, margin *big.Int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	avail := new(big.Int).Sub(a.balance, a.pending)
	avail.Sub(avail, margin)
	if avail.Cmp(cost) < 0 {
		return false
	}
	a.pending.Add(a.pending, cost)
	return true
}

// unreserve releases a reservation without touching the balance.
func (a *Account) unreserve(cost *big.Int) {
	if cost == nil {
		return
	}
	a.mu.Lock()
	a.pending.Sub(a.pending, cost)
	if a.pending.Sign() < 0 {
		a.pending.SetInt64(0)
	}
	a.mu.Unlock()
}

// settle releases a reservation and applies a balance delta.
func (a *Account) settle(reserved, delta *big.Int) {
	a.mu.Lock()
	if reserved != nil {
		a.pending.Sub(a.pending, reserved)
		if a.pending.Sign() < 0 {
			a.pending.SetInt64(0)
		}
	}
	a.balance.Add(a.balance, delta)
	a.mu.Unlock()
}

func (a *Account) markResync() {
	a.mu.Lock()
	a.resync = true
	a.mu.Unlock()
}

func (a *Account) needsResync() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resync
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}
