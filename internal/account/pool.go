package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/loadtest/internal/txbuilder"
	"github.com/gateway-fm/loadtest/pkg/types"
)

var (
	// ErrPoolExhausted is returned when no account frees up within the acquire timeout.
	ErrPoolExhausted = errors.New("account pool exhausted")
	// ErrInsufficientBalance is returned when a reservation would overdraw an account.
	ErrInsufficientBalance = errors.New("insufficient balance for reservation")
	// ErrAlreadyReleased is returned on a second release of the same handle.
	ErrAlreadyReleased = errors.New("handle already released")
)

// Outcome tells the pool what happened to the transaction built under a handle.
type Outcome uint8

const (
	// OutcomeAccepted advances the nonce and keeps the reservation until settlement.
	OutcomeAccepted Outcome = iota
	// OutcomeRejected leaves the nonce unchanged and drops the reservation.
	OutcomeRejected
	// OutcomeStaleNonce is a rejection that also schedules a state resync.
	OutcomeStaleNonce
	// OutcomeSkipped means nothing was submitted.
	OutcomeSkipped
	// OutcomeUnderfunded means nothing was submitted because the cached
	// balance could not cover the cost; the balance is refreshed before the
	// next use.
	OutcomeUnderfunded
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// SafetyMargin is kept untouched on every account.
	SafetyMargin *big.Int
	// SeedConcurrency bounds parallel state queries in Seed.
	SeedConcurrency int
	Logger          *slog.Logger
}

// Pool is a fixed arena of accounts with exclusive checkout. Each account is
// held by at most one handle at a time, so no two in-flight transactions from
// one account can share a nonce.
type Pool struct {
	accounts []*Account
	byAddr   map[common.Address]*Account
	free     chan int
	reader   StateReader
	margin   *big.Int
	seedConc int
	logger   *slog.Logger

	acquired  atomic.Uint64
	exhausted atomic.Uint64
	resyncs   atomic.Uint64
}

// NewPool creates a pool over accounts. reader is used for seeding and resyncs.
func NewPool(accounts []*Account, reader StateReader, cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	margin := cfg.SafetyMargin
	if margin == nil {
		margin = new(big.Int)
	}
	seedConc := cfg.SeedConcurrency
	if seedConc <= 0 {
		seedConc = 32
	}

	p := &Pool{
		accounts: accounts,
		byAddr:   make(map[common.Address]*Account, len(accounts)),
		free:     make(chan int, len(accounts)),
		reader:   reader,
		margin:   new(big.Int).Set(margin),
		seedConc: seedConc,
		logger:   logger,
	}
	for i, acc := range accounts {
		p.byAddr[acc.Address] = acc
		p.free <- i
	}
	return p
}

// Seed loads the nonce and balance of every account from the node.
func (p *Pool) Seed(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.seedConc)
	for _, acc := range p.accounts {
		g.Go(func() error {
			st, err := p.reader.GetAccountState(gctx, acc.Address)
			if err != nil {
				return fmt.Errorf("seed %s: %w", acc.Address.Hex(), err)
			}
			acc.SetState(st.Nonce, st.Balance)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Debug("account pool seeded", slog.Int("accounts", len(p.accounts)))
	return nil
}

// Acquire checks out a free account, waiting up to timeout. Accounts flagged
// after a stale-nonce rejection are resynced from the node before being
// handed out.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	var idx int
	select {
	case idx = <-p.free:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case idx = <-p.free:
		case <-timer.C:
			p.exhausted.Add(1)
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	acc := p.accounts[idx]
	if acc.needsResync() {
		before := acc.PeekNonce()
		if err := acc.Resync(ctx, p.reader); err != nil {
			p.free <- idx
			return nil, fmt.Errorf("resync %s: %w", acc.Address.Hex(), err)
		}
		p.resyncs.Add(1)
		p.logger.Debug("account resynced",
			slog.String("address", acc.Address.Hex()),
			slog.Uint64("nonce_before", before),
			slog.Uint64("nonce_after", acc.PeekNonce()),
		)
	}

	p.acquired.Add(1)
	return &Handle{pool: p, idx: idx, account: acc, nonce: acc.PeekNonce()}, nil
}

// Release returns the account behind h to the pool.
func (p *Pool) Release(h *Handle, outcome Outcome) error {
	if h == nil || h.pool != p {
		return errors.New("handle does not belong to this pool")
	}
	if !h.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}

	switch outcome {
	case OutcomeAccepted:
		h.account.advance(h.nonce)
	case OutcomeStaleNonce, OutcomeUnderfunded:
		h.account.unreserve(h.reserved)
		h.account.markResync()
	default:
		h.account.unreserve(h.reserved)
	}

	p.free <- h.idx
	return nil
}

// Settle applies the final state of an accepted transaction to the cached
// balances. When tracking stops at acceptance the full cost is debited but
// the recipient is not credited until the node says so. Timed-out
// transactions keep their reservation since their outcome is unknown, and the
// sender is resynced before its next use.
func (p *Pool) Settle(tx *txbuilder.Transaction, final types.TxState) {
	sender, ok := p.byAddr[tx.From]
	if !ok {
		return
	}

	switch final {
	case types.TxAccepted:
		sender.settle(tx.Cost, new(big.Int).Neg(tx.Cost))
	case types.TxCommitted, types.TxVerified:
		sender.settle(tx.Cost, new(big.Int).Neg(tx.Cost))
		if recipient, ok := p.byAddr[tx.Payload.To]; ok {
			recipient.settle(nil, tx.Payload.Amount)
		}
	case types.TxFailed:
		gas := new(big.Int).Sub(tx.Cost, tx.Payload.Amount)
		sender.settle(tx.Cost, gas.Neg(gas))
	case types.TxTimedOut:
		sender.markResync()
	}
}

// Accounts returns the pool's accounts.
func (p *Pool) Accounts() []*Account {
	return p.accounts
}

// Addresses returns the addresses of the pool's accounts.
func (p *Pool) Addresses() []common.Address {
	addrs := make([]common.Address, len(p.accounts))
	for i, acc := range p.accounts {
		addrs[i] = acc.Address
	}
	return addrs
}

// Size returns the number of accounts.
func (p *Pool) Size() int {
	return len(p.accounts)
}

// Free returns the number of accounts currently available.
func (p *Pool) Free() int {
	return len(p.free)
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Acquired  uint64
	Exhausted uint64
	Resyncs   uint64
}

// Stats returns usage counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Acquired:  p.acquired.Load(),
		Exhausted: p.exhausted.Load(),
		Resyncs:   p.resyncs.Load(),
	}
}

// Handle grants usage rights on one account for a single build-and-submit cycle.
type Handle struct {
	pool     *Pool
	idx      int
	account  *Account
	nonce    uint64
	reserved *big.Int
	released atomic.Bool
}

// Account returns the checked-out account.
func (h *Handle) Account() *Account {
	return h.account
}

// Nonce returns the nonce the next transaction must use.
func (h *Handle) Nonce() uint64 {
	return h.nonce
}

// Reserve earmarks cost against the account's balance. It fails with
// ErrInsufficientBalance when balance - pending - margin < cost.
func (h *Handle) Reserve(cost *big.Int) error {
	if h.reserved != nil {
		return errors.New("handle already holds a reservation")
	}
	if !h.account.reserve(cost, h.pool.margin) {
		return ErrInsufficientBalance
	}
	h.reserved = new(big.Int).Set(cost)
	return nil
}
