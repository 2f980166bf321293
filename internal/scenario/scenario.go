// Package scenario drives a load-test run: it funds the synthetic accounts,
// runs the workers of the selected workload, drains outstanding transactions
// and produces the report.
package scenario

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gateway-fm/loadtest/internal/account"
	"github.com/gateway-fm/loadtest/internal/txbuilder"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// Defaults applied to zero-valued Params fields.
const (
	DefaultConcurrency     = 16
	DefaultAcceptTimeout   = 10 * time.Second
	DefaultCommitTimeout   = 60 * time.Second
	DefaultGrace           = 30 * time.Second
	DefaultExhaustionGrace = 30 * time.Second
	DefaultReportInterval  = 5 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
)

// Params describes one run.
type Params struct {
	Scenario types.ScenarioKind

	// Accounts is the number of synthetic sender accounts.
	Accounts int
	// AccountSeed derives the synthetic keys deterministically when set.
	AccountSeed string
	// Concurrency is the number of workers.
	Concurrency int

	// TxCount bounds the number of submitted transactions. Zero means
	// the run is bounded by Duration only.
	TxCount uint64
	// Duration bounds the submission phase. Zero means TxCount only.
	Duration time.Duration

	// FundingAmount is transferred to every synthetic account whose balance
	// is below it.
	FundingAmount *big.Int
	// TransferAmount is the value of every scenario transaction.
	TransferAmount *big.Int
	// SafetyMargin is kept untouched on every synthetic account.
	SafetyMargin *big.Int

	AcceptTimeout time.Duration
	CommitTimeout time.Duration
	// Grace bounds the wait for outstanding transactions after submission stops.
	Grace time.Duration
	// ExhaustionGrace aborts the run when a worker cannot get an account for this long.
	ExhaustionGrace time.Duration

	// Finality is the tracking target of execution runs.
	Finality types.Finality
	// MaxTPS paces outgoing runs. Zero submits as fast as workers allow.
	MaxTPS float64

	// GasTipCap and GasFeeCap override the node's suggestion when set.
	GasTipCap *big.Int
	GasFeeCap *big.Int
	UseLegacy bool

	PollInterval   time.Duration
	QueryRate      float64
	ReportInterval time.Duration
}

func (p *Params) applyDefaults() {
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultConcurrency
	}
	if p.AcceptTimeout <= 0 {
		p.AcceptTimeout = DefaultAcceptTimeout
	}
	if p.CommitTimeout <= 0 {
		p.CommitTimeout = DefaultCommitTimeout
	}
	if p.Grace < 0 {
		p.Grace = 0
	} else if p.Grace == 0 {
		p.Grace = DefaultGrace
	}
	if p.ExhaustionGrace <= 0 {
		p.ExhaustionGrace = DefaultExhaustionGrace
	}
	if p.ReportInterval <= 0 {
		p.ReportInterval = DefaultReportInterval
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.TransferAmount == nil {
		p.TransferAmount = big.NewInt(1)
	}
	if p.SafetyMargin == nil {
		p.SafetyMargin = new(big.Int)
	}
	if p.Finality == "" {
		p.Finality = types.FinalityCommitted
	}
}

func (p *Params) validate() error {
	switch {
	case !p.Scenario.Valid():
		return fmt.Errorf("unknown scenario %q", p.Scenario)
	case p.Accounts <= 0:
		return errors.New("accounts must be positive")
	case p.TxCount == 0 && p.Duration <= 0:
		return errors.New("either a transaction count or a duration is required")
	case p.FundingAmount == nil || p.FundingAmount.Sign() <= 0:
		return errors.New("funding amount must be positive")
	case p.TransferAmount.Sign() < 0:
		return errors.New("transfer amount cannot be negative")
	case p.MaxTPS < 0:
		return errors.New("max tps cannot be negative")
	}
	return nil
}

// Scenario is one of the supported workloads.
type Scenario interface {
	Kind() types.ScenarioKind
	// Target is the lifecycle state that completes a transaction.
	Target() types.TxState
	// Builder returns the payload builder for a run over pool.
	Builder(pool *account.Pool) txbuilder.Builder
}

// OutgoingTPS floods the node with transfers between the pool accounts and
// measures time to mempool acceptance.
type OutgoingTPS struct {
	Amount *big.Int
}

func (OutgoingTPS) Kind() types.ScenarioKind { return types.ScenarioOutgoing }
func (OutgoingTPS) Target() types.TxState    { return types.TxAccepted }

func (s OutgoingTPS) Builder(pool *account.Pool) txbuilder.Builder {
	return txbuilder.NewTransferBuilder(pool.Addresses(), s.Amount)
}

// ExecutionTPS submits a burst of self-transfers and measures time to
// inclusion, or to verification when Finality asks for it.
type ExecutionTPS struct {
	Amount   *big.Int
	Finality types.Finality
}

func (ExecutionTPS) Kind() types.ScenarioKind { return types.ScenarioExecution }
func (s ExecutionTPS) Target() types.TxState  { return s.Finality.State() }

func (s ExecutionTPS) Builder(*account.Pool) txbuilder.Builder {
	return txbuilder.NewSelfTransferBuilder(s.Amount)
}

// New returns the scenario selected by p.
func New(p Params) (Scenario, error) {
	switch p.Scenario {
	case types.ScenarioOutgoing:
		return OutgoingTPS{Amount: p.TransferAmount}, nil
	case types.ScenarioExecution:
		f := p.Finality
		if f == types.FinalityAccepted {
			f = types.FinalityCommitted
		}
		return ExecutionTPS{Amount: p.TransferAmount, Finality: f}, nil
	}
	return nil, fmt.Errorf("unknown scenario %q", p.Scenario)
}

// ErrInterrupted is returned with the partial report when the caller cancels
// a run before it completes.
var ErrInterrupted = errors.New("run interrupted")

// ErrInsufficientFunding is wrapped by FundingError when the funding account
// cannot cover every synthetic account.
var ErrInsufficientFunding = errors.New("funding account balance too low")

// FundingError aborts a run before any scenario transaction is submitted.
type FundingError struct {
	Required  *big.Int
	Available *big.Int
	Err       error
}

func (e *FundingError) Error() string {
	if e.Required != nil && e.Available != nil {
		return fmt.Sprintf("funding stage failed: need %s wei, have %s wei: %v", e.Required, e.Available, e.Err)
	}
	return fmt.Sprintf("funding stage failed: %v", e.Err)
}

func (e *FundingError) Unwrap() error {
	return e.Err
}

// PoolExhaustedError aborts a run when no account could be used for longer
// than the exhaustion grace period.
type PoolExhaustedError struct {
	Grace  time.Duration
	Reason string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("account pool exhausted for %s: %s", e.Grace, e.Reason)
}

func (e *PoolExhaustedError) Unwrap() error {
	return account.ErrPoolExhausted
}
