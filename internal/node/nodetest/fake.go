// Package nodetest provides an in-memory node.Client for tests.
package nodetest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/loadtest/internal/node"
)

// Fake is a single-process chain that validates nonces and balances like a
// mempool and commits accepted transactions after CommitDelay.
type Fake struct {
	// CommitDelay is the time from acceptance to inclusion. Negative never commits.
	CommitDelay time.Duration
	// VerifyDelay is the time from inclusion to verification. Zero disables verification.
	VerifyDelay time.Duration
	// SubmitLatency is added to every submission.
	SubmitLatency time.Duration
	// QueryLatency is added to every status query.
	QueryLatency time.Duration
	// GasPrice returned by SuggestGasPrice.
	GasPrice *big.Int

	// Reject, when set, can refuse a transaction before normal validation.
	Reject func(tx *ethtypes.Transaction, from common.Address) error
	// Revert, when set, marks an included transaction as failed.
	Revert func(tx *ethtypes.Transaction) bool

	chainID *big.Int
	signer  ethtypes.Signer

	mu             sync.Mutex
	accounts       map[common.Address]*fakeAccount
	txs            map[common.Hash]*fakeTx
	accepted       map[common.Address][]uint64
	external       map[common.Address]map[uint64]bool
	submits        int
	transientLeft  int
	queryFailsLeft int
}

type fakeAccount struct {
	nonce   uint64
	balance *big.Int
}

type fakeTx struct {
	from       common.Address
	to         common.Address
	value      *big.Int
	cost       *big.Int
	acceptedAt time.Time
	reverted   bool
}

var _ node.Client = (*Fake)(nil)

// NewFake creates a fake node for chainID.
func NewFake(chainID int64) *Fake {
	id := big.NewInt(chainID)
	return &Fake{
		CommitDelay: 10 * time.Millisecond,
		GasPrice:    big.NewInt(1),
		chainID:     id,
		signer:      ethtypes.LatestSignerForChainID(id),
		accounts:    make(map[common.Address]*fakeAccount),
		txs:         make(map[common.Hash]*fakeTx),
		accepted:    make(map[common.Address][]uint64),
		external:    make(map[common.Address]map[uint64]bool),
	}
}

// Fund sets the balance of addr.
func (f *Fake) Fund(addr common.Address, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(addr).balance = new(big.Int).Set(balance)
}

// FailTransient makes the next n submissions fail with a transient error.
func (f *Fake) FailTransient(n int) {
	f.mu.Lock()
	f.transientLeft = n
	f.mu.Unlock()
}

// FailQueries makes the next n status queries fail with a transient error.
func (f *Fake) FailQueries(n int) {
	f.mu.Lock()
	f.queryFailsLeft = n
	f.mu.Unlock()
}

// ConsumeExternally makes nonce of addr look used by another sender: the
// first submission that reaches it is rejected as nonce too low and the
// node's nonce moves past it.
func (f *Fake) ConsumeExternally(addr common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.external[addr] == nil {
		f.external[addr] = make(map[uint64]bool)
	}
	f.external[addr][nonce] = true
}

// AcceptedNonces returns the nonces accepted from addr in acceptance order.
func (f *Fake) AcceptedNonces(addr common.Address) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.accepted[addr]...)
}

// Submits returns the number of SubmitTransaction calls.
func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Balance returns the current balance of addr, after committed transactions.
func (f *Fake) Balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settle(time.Now())
	return new(big.Int).Set(f.account(addr).balance)
}

// SubmitTransaction validates and accepts a signed transaction.
func (f *Fake) SubmitTransaction(ctx context.Context, signed []byte) (common.Hash, error) {
	if err := sleep(ctx, f.SubmitLatency); err != nil {
		return common.Hash{}, err
	}

	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return common.Hash{}, &node.RejectionError{Kind: node.RejectMalformed, Reason: err.Error()}
	}
	from, err := ethtypes.Sender(f.signer, &tx)
	if err != nil {
		return tx.Hash(), &node.RejectionError{Kind: node.RejectMalformed, Reason: err.Error()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.settle(time.Now())

	if f.transientLeft > 0 {
		f.transientLeft--
		return tx.Hash(), &node.TransientError{Err: errors.New("connection reset by peer")}
	}
	if _, ok := f.txs[tx.Hash()]; ok {
		return tx.Hash(), nil
	}
	if f.Reject != nil {
		if err := f.Reject(&tx, from); err != nil {
			return tx.Hash(), err
		}
	}

	acc := f.account(from)
	if f.external[from][tx.Nonce()] && tx.Nonce() == acc.nonce {
		delete(f.external[from], tx.Nonce())
		acc.nonce++
		return tx.Hash(), &node.RejectionError{Kind: node.RejectNonceTooLow, Reason: "nonce too low"}
	}
	switch {
	case tx.Nonce() < acc.nonce:
		return tx.Hash(), &node.RejectionError{Kind: node.RejectNonceTooLow, Reason: "nonce too low"}
	case tx.Nonce() > acc.nonce:
		return tx.Hash(), &node.RejectionError{Kind: node.RejectNonceTooHigh, Reason: "nonce too high"}
	}

	cost := tx.Cost()
	total := f.pendingCost(from)
	if total.Add(total, cost).Cmp(acc.balance) > 0 {
		return tx.Hash(), &node.RejectionError{Kind: node.RejectInsufficientFunds, Reason: "insufficient funds for gas * price + value"}
	}

	acc.nonce++
	f.accepted[from] = append(f.accepted[from], tx.Nonce())
	reverted := f.Revert != nil && f.Revert(&tx)
	ftx := &fakeTx{from: from, value: tx.Value(), cost: cost, acceptedAt: time.Now(), reverted: reverted}
	if tx.To() != nil {
		ftx.to = *tx.To()
	}
	f.txs[tx.Hash()] = ftx
	return tx.Hash(), nil
}

// QueryStatus reports the lifecycle status derived from elapsed time.
func (f *Fake) QueryStatus(ctx context.Context, id common.Hash) (node.TxStatus, error) {
	if err := sleep(ctx, f.QueryLatency); err != nil {
		return node.StatusUnknown, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryFailsLeft > 0 {
		f.queryFailsLeft--
		return node.StatusUnknown, &node.TransientError{Err: errors.New("i/o timeout")}
	}

	tx, ok := f.txs[id]
	if !ok {
		return node.StatusUnknown, nil
	}
	return f.status(tx, time.Now()), nil
}

// GetAccountState returns the pending nonce and the committed balance.
func (f *Fake) GetAccountState(_ context.Context, addr common.Address) (node.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settle(time.Now())
	acc := f.account(addr)
	return node.AccountState{Nonce: acc.nonce, Balance: new(big.Int).Set(acc.balance)}, nil
}

// ChainID returns the configured chain id.
func (f *Fake) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

// SuggestGasPrice returns GasPrice.
func (f *Fake) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *Fake) status(tx *fakeTx, now time.Time) node.TxStatus {
	if f.CommitDelay < 0 || now.Sub(tx.acceptedAt) < f.CommitDelay {
		return node.StatusPending
	}
	if tx.reverted {
		return node.StatusFailed
	}
	if f.VerifyDelay > 0 && now.Sub(tx.acceptedAt) >= f.CommitDelay+f.VerifyDelay {
		return node.StatusVerified
	}
	return node.StatusCommitted
}

// settle applies every newly included transaction: the sender pays the full
// cost and the recipient is credited unless the transaction reverted.
// Reverted transactions pay gas only. Caller holds f.mu.
func (f *Fake) settle(now time.Time) {
	for _, tx := range f.txs {
		if tx.cost == nil || f.status(tx, now) == node.StatusPending {
			continue
		}
		sender := f.account(tx.from)
		if tx.reverted {
			gas := new(big.Int).Sub(tx.cost, tx.value)
			sender.balance.Sub(sender.balance, gas)
		} else {
			sender.balance.Sub(sender.balance, tx.cost)
			recipient := f.account(tx.to)
			recipient.balance.Add(recipient.balance, tx.value)
		}
		tx.cost = nil
	}
}

func (f *Fake) pendingCost(from common.Address) *big.Int {
	sum := new(big.Int)
	for _, tx := range f.txs {
		if tx.from == from && tx.cost != nil {
			sum.Add(sum, tx.cost)
		}
	}
	return sum
}

func (f *Fake) account(addr common.Address) *fakeAccount {
	acc, ok := f.accounts[addr]
	if !ok {
		acc = &fakeAccount{balance: new(big.Int)}
		f.accounts[addr] = acc
	}
	return acc
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
