package scenario

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/loadtest/internal/account"
	"github.com/gateway-fm/loadtest/internal/journal"
	"github.com/gateway-fm/loadtest/internal/monitor"
	"github.com/gateway-fm/loadtest/internal/node"
	"github.com/gateway-fm/loadtest/internal/node/nodetest"
	"github.com/gateway-fm/loadtest/pkg/types"
)

const testSeed = "scenario-test"

func testParams(kind types.ScenarioKind) Params {
	return Params{
		Scenario:       kind,
		Accounts:       10,
		AccountSeed:    testSeed,
		Concurrency:    5,
		TxCount:        1000,
		FundingAmount:  big.NewInt(1e15),
		AcceptTimeout:  time.Second,
		CommitTimeout:  5 * time.Second,
		Grace:          2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		ReportInterval: 50 * time.Millisecond,
	}
}

func newFunder(t *testing.T, fake *nodetest.Fake, balance *big.Int) *account.Account {
	t.Helper()
	funder, err := account.NewAccountFromHex(account.TestPrivateKeys[0])
	require.NoError(t, err)
	fake.Fund(funder.Address, balance)
	return funder
}

// prefund credits the synthetic accounts directly so the funding stage has
// nothing to do.
func prefund(t *testing.T, fake *nodetest.Fake, p Params) []common.Address {
	t.Helper()
	accs, err := account.Generate(p.Accounts, p.AccountSeed)
	require.NoError(t, err)
	addrs := make([]common.Address, len(accs))
	for i, acc := range accs {
		fake.Fund(acc.Address, p.FundingAmount)
		addrs[i] = acc.Address
	}
	return addrs
}

func synthetic(t *testing.T, p Params) []common.Address {
	t.Helper()
	accs, err := account.Generate(p.Accounts, p.AccountSeed)
	require.NoError(t, err)
	addrs := make([]common.Address, len(accs))
	for i, acc := range accs {
		addrs[i] = acc.Address
	}
	return addrs
}

func assertNoncesContiguous(t *testing.T, fake *nodetest.Fake, addrs []common.Address) {
	t.Helper()
	for _, addr := range addrs {
		for i, n := range fake.AcceptedNonces(addr) {
			require.Equal(t, uint64(i), n, "account %s: accepted nonces must be contiguous", addr.Hex())
		}
	}
}

func TestOutgoingRunCompletes(t *testing.T) {
	fake := nodetest.NewFake(1337)
	fake.SubmitLatency = time.Millisecond
	p := testParams(types.ScenarioOutgoing)

	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(1e18))})
	require.NoError(t, err)

	report, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, types.StateTerminal, exec.State())

	c := report.Counts
	assert.Equal(t, uint64(1000), c.Submitted)
	assert.Equal(t, uint64(1000), c.Accepted+c.Failed+c.TimedOut)
	assert.Equal(t, c.Submitted, c.Succeeded+c.Failed+c.TimedOut+c.Pending)
	assert.Zero(t, c.Failed)
	require.NotNil(t, report.AcceptLatency)
	assert.Greater(t, report.AcceptLatency.P50, 0.0)
	assert.Equal(t, types.TxAccepted, report.Target)
	assert.Equal(t, 10, report.Accounts)
	assert.Equal(t, 5, report.Workers)
	assert.NotEmpty(t, report.Series)
	assert.Equal(t, exec.RunID(), report.RunID)

	assertNoncesContiguous(t, fake, synthetic(t, p))
}

func TestFundingFailureAbortsBeforeSubmission(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioOutgoing)

	store := &memStore{}
	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(1000)), Store: store})
	require.NoError(t, err)

	report, err := exec.Run(context.Background())
	var fe *FundingError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, ErrInsufficientFunding)
	assert.Equal(t, int64(1000), fe.Available.Int64())
	assert.Nil(t, report)
	assert.Zero(t, fake.Submits(), "nothing may be submitted")
	assert.Zero(t, exec.Snapshot().Counts.Submitted)
	assert.Equal(t, types.StateFailed, exec.State())

	require.Len(t, store.saved, 1)
	assert.Equal(t, types.StateFailed, store.saved[0].status)
}

func TestFundingSkipsFundedAccounts(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioExecution)
	p.TxCount = 10
	prefund(t, fake, p)

	// A funder with nothing proves no funding transfer is attempted.
	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0))})
	require.NoError(t, err)
	report, err := exec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), report.Counts.Succeeded)
	assert.Equal(t, 10, fake.Submits())
}

func TestStaleNonceRejection(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioOutgoing)
	p.Accounts, p.Concurrency, p.TxCount = 1, 1, 5
	addrs := prefund(t, fake, p)

	// Another sender takes nonce 2 behind the harness's back.
	fake.ConsumeExternally(addrs[0], 2)

	var rejectedID common.Hash
	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0))})
	require.NoError(t, err)
	report, err := exec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(5), report.Counts.Submitted)
	assert.Equal(t, uint64(1), report.Counts.Failed)
	assert.Equal(t, uint64(4), report.Counts.Succeeded)
	assert.Zero(t, report.IgnoredEvents)
	assert.Equal(t, map[string]uint64{"nonce_too_low": 1}, report.FailureReasons)

	// The harness resyncs and continues from the node's nonce instead of
	// reusing or skipping one of its own.
	assert.Equal(t, []uint64{0, 1, 3, 4}, fake.AcceptedNonces(addrs[0]))

	exec.mu.RLock()
	j, mon := exec.journal, exec.monitor
	exec.mu.RUnlock()
	for id := range failedIDs(t, j) {
		rejectedID = id
	}
	require.NotEqual(t, common.Hash{}, rejectedID)
	for range 3 {
		st, ok := mon.Status(rejectedID)
		require.True(t, ok)
		assert.Equal(t, types.TxFailed, st)
	}
}

func TestSlowNodeTimesOutPendingOnce(t *testing.T) {
	fake := nodetest.NewFake(1337)
	fake.CommitDelay = -1
	fake.SubmitLatency = 5 * time.Millisecond

	p := testParams(types.ScenarioExecution)
	p.Accounts, p.Concurrency = 4, 2
	p.TxCount = 0
	p.Duration = 2 * time.Second
	p.Grace = 100 * time.Millisecond
	p.CommitTimeout = time.Hour
	addrs := prefund(t, fake, p)

	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0))})
	require.NoError(t, err)

	start := time.Now()
	report, err := exec.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)

	c := report.Counts
	assert.Positive(t, c.Submitted)
	assert.Equal(t, c.Submitted, c.TimedOut, "every pending transaction times out")
	assert.Zero(t, c.Pending)
	assert.Zero(t, c.Committed)
	assert.Zero(t, report.IgnoredEvents, "no transaction times out twice")
	assert.Equal(t, types.StateTerminal, exec.State())
	assertNoncesContiguous(t, fake, addrs)
}

func TestExecutionRunCommits(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioExecution)
	p.TxCount = 200

	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(1e18))})
	require.NoError(t, err)
	report, err := exec.Run(context.Background())
	require.NoError(t, err)

	c := report.Counts
	assert.Equal(t, uint64(200), c.Submitted)
	assert.Equal(t, uint64(200), c.Committed)
	assert.Equal(t, uint64(200), c.Succeeded)
	assert.Equal(t, types.TxCommitted, report.Target)
	require.NotNil(t, report.CommitLatency)
	assert.Greater(t, report.CommitmentRate, 0.0)
}

func TestExecutionRunVerified(t *testing.T) {
	fake := nodetest.NewFake(1337)
	fake.VerifyDelay = 10 * time.Millisecond
	p := testParams(types.ScenarioExecution)
	p.TxCount = 20
	p.Finality = types.FinalityVerified
	prefund(t, fake, p)

	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0))})
	require.NoError(t, err)
	report, err := exec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.TxVerified, report.Target)
	assert.Equal(t, uint64(20), report.Counts.Verified)
	assert.Equal(t, uint64(20), report.Counts.Committed)
	require.NotNil(t, report.VerifyLatency)
}

func TestPoolExhaustionIsFatal(t *testing.T) {
	fake := nodetest.NewFake(1337)
	fake.SubmitLatency = 300 * time.Millisecond

	p := testParams(types.ScenarioOutgoing)
	p.Accounts, p.Concurrency = 1, 2
	p.ExhaustionGrace = 50 * time.Millisecond
	prefund(t, fake, p)

	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0))})
	require.NoError(t, err)
	report, err := exec.Run(context.Background())

	var pe *PoolExhaustedError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, account.ErrPoolExhausted)
	assert.Equal(t, types.StateFailed, exec.State())
	require.NotNil(t, report, "partial report is returned")
	c := report.Counts
	assert.Equal(t, c.Submitted, c.Succeeded+c.Failed+c.TimedOut+c.Pending)
}

func TestPacedOutgoing(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioOutgoing)
	p.TxCount = 20
	p.MaxTPS = 100
	prefund(t, fake, p)

	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0))})
	require.NoError(t, err)

	start := time.Now()
	report, err := exec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), report.Counts.Submitted)
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestRunPersistsReport(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioOutgoing)
	p.TxCount = 10
	prefund(t, fake, p)

	store := &memStore{}
	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0)), Store: store})
	require.NoError(t, err)
	_, err = exec.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, store.saved, 1)
	assert.Equal(t, types.StateTerminal, store.saved[0].status)
	assert.Equal(t, exec.RunID(), store.saved[0].report.RunID)
	assert.NoError(t, store.saved[0].err)
}

func TestInterruptedRunIsPersisted(t *testing.T) {
	fake := nodetest.NewFake(1337)
	p := testParams(types.ScenarioOutgoing)
	p.TxCount = 0
	p.Duration = time.Minute
	prefund(t, fake, p)

	store := &memStore{}
	exec, err := NewExecutor(p, Deps{Client: fake, Funder: newFunder(t, fake, big.NewInt(0)), Store: store})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	report, err := exec.Run(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, report)
	assert.Positive(t, report.Counts.Submitted)
	assert.Equal(t, types.StateFailed, exec.State())

	require.Len(t, store.saved, 1)
	assert.Equal(t, types.StateFailed, store.saved[0].status)
	assert.Equal(t, report.Counts.Submitted, store.saved[0].report.Counts.Submitted)
	assert.ErrorIs(t, store.saved[0].err, ErrInterrupted)
}

func TestNewExecutorValidation(t *testing.T) {
	fake := nodetest.NewFake(1337)
	funder := newFunder(t, fake, big.NewInt(0))

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"unknown scenario", func(p *Params) { p.Scenario = "mixed" }},
		{"no accounts", func(p *Params) { p.Accounts = 0 }},
		{"unbounded", func(p *Params) { p.TxCount, p.Duration = 0, 0 }},
		{"no funding", func(p *Params) { p.FundingAmount = nil }},
		{"negative tps", func(p *Params) { p.MaxTPS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams(types.ScenarioOutgoing)
			tt.mutate(&p)
			_, err := NewExecutor(p, Deps{Client: fake, Funder: funder})
			assert.Error(t, err)
		})
	}
}

func TestReleaseOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want account.Outcome
	}{
		{"accepted", nil, account.OutcomeAccepted},
		{"nonce too low", &node.RejectionError{Kind: node.RejectNonceTooLow}, account.OutcomeStaleNonce},
		{"nonce too high", &node.RejectionError{Kind: node.RejectNonceTooHigh}, account.OutcomeStaleNonce},
		{"insufficient funds", &node.RejectionError{Kind: node.RejectInsufficientFunds}, account.OutcomeUnderfunded},
		{"underpriced", &node.RejectionError{Kind: node.RejectUnderpriced}, account.OutcomeRejected},
		{"submit timeout", monitor.ErrSubmitTimeout, account.OutcomeStaleNonce},
		{"draining", monitor.ErrDraining, account.OutcomeSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, releaseOutcome(tt.err))
		})
	}
}

func TestScenarioTargets(t *testing.T) {
	out, err := New(Params{Scenario: types.ScenarioOutgoing})
	require.NoError(t, err)
	assert.Equal(t, types.TxAccepted, out.Target())

	exec, err := New(Params{Scenario: types.ScenarioExecution, Finality: types.FinalityAccepted})
	require.NoError(t, err)
	assert.Equal(t, types.TxCommitted, exec.Target(), "execution runs track at least to inclusion")

	_, err = New(Params{Scenario: "other"})
	assert.Error(t, err)
}

type savedRun struct {
	report *types.Report
	status types.RunState
	err    error
}

type memStore struct {
	mu    sync.Mutex
	saved []savedRun
}

func (s *memStore) SaveRun(ctx context.Context, report *types.Report, status types.RunState, runErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedRun{report: report, status: status, err: runErr})
	return nil
}

var _ Store = (*memStore)(nil)

func failedIDs(t *testing.T, j *journal.Journal) map[common.Hash]struct{} {
	t.Helper()
	ids := make(map[common.Hash]struct{})
	for _, id := range j.IDs() {
		if e, ok := j.Entry(id); ok && e.State == types.TxFailed {
			ids[id] = struct{}{}
		}
	}
	require.Len(t, ids, 1, "exactly one failed entry")
	return ids
}
