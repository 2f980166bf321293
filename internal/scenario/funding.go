package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"go.uber.org/multierr"

	"github.com/gateway-fm/loadtest/internal/account"
	"github.com/gateway-fm/loadtest/internal/journal"
	"github.com/gateway-fm/loadtest/internal/monitor"
	"github.com/gateway-fm/loadtest/internal/txbuilder"
	"github.com/gateway-fm/loadtest/pkg/types"
)

// fund tops up every synthetic account below FundingAmount and waits for the
// transfers to commit. It uses its own journal and monitor so funding never
// shows up in the scenario metrics.
func (e *Executor) fund(ctx context.Context, pool *account.Pool, fees txbuilder.Fees) error {
	p := e.params

	var targets []*account.Account
	for _, acc := range pool.Accounts() {
		if acc.Balance().Cmp(p.FundingAmount) < 0 {
			targets = append(targets, acc)
		}
	}
	if len(targets) == 0 {
		e.logger.Info("synthetic accounts already funded", slog.Int("accounts", pool.Size()))
		return nil
	}

	if err := e.funder.Resync(ctx, e.client); err != nil {
		return &FundingError{Err: fmt.Errorf("query funding account: %w", err)}
	}
	perAccount := new(big.Int).Mul(big.NewInt(txbuilder.TransferGas), fees.GasFeeCap)
	perAccount.Add(perAccount, p.FundingAmount)
	required := new(big.Int).Mul(perAccount, big.NewInt(int64(len(targets))))
	available := e.funder.Balance()
	if available.Cmp(required) < 0 {
		return &FundingError{Required: required, Available: available, Err: ErrInsufficientFunding}
	}

	e.logger.Info("funding synthetic accounts",
		slog.Int("accounts", len(targets)),
		slog.String("amount_wei", p.FundingAmount.String()),
		slog.String("funder", e.funder.Address.Hex()),
	)

	jrnl := journal.New(journal.Config{Target: types.TxCommitted, Logger: e.logger})
	defer jrnl.Close()
	mon := monitor.New(e.client, jrnl, monitor.Config{
		Target:        types.TxCommitted,
		AcceptTimeout: p.AcceptTimeout,
		CommitTimeout: p.CommitTimeout,
		PollInterval:  p.PollInterval,
		QueryRate:     p.QueryRate,
		Logger:        e.logger,
	})
	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	mon.Start(monCtx)

	// One sender means strict nonce order, so submissions are sequential.
	var errs error
	tracked := make([]*monitor.Tracked, 0, len(targets))
	for _, acc := range targets {
		t, err := e.sendFunding(ctx, mon, acc, fees)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fund %s: %w", acc.Address.Hex(), err))
			continue
		}
		tracked = append(tracked, t)
	}

	for _, t := range tracked {
		select {
		case <-t.Done():
		case <-ctx.Done():
			mon.Drain(context.WithoutCancel(ctx), 0)
			return &FundingError{Err: multierr.Append(errs, ctx.Err())}
		}
		if out := t.Outcome(); out != types.TxCommitted {
			errs = multierr.Append(errs, fmt.Errorf("fund %s: transaction %s %s: %s",
				t.Tx.Payload.To.Hex(), t.ID.Hex(), out, t.Reason()))
		}
	}
	mon.Drain(ctx, 0)

	if errs != nil {
		return &FundingError{Err: errs}
	}
	e.logger.Info("synthetic accounts funded", slog.Int("accounts", len(targets)))
	return nil
}

func (e *Executor) sendFunding(ctx context.Context, mon *monitor.Monitor, to *account.Account, fees txbuilder.Fees) (*monitor.Tracked, error) {
	n := e.funder.ReserveNonce()
	defer n.Rollback()

	tx, err := txbuilder.Sign(e.funder.PrivateKey, n.Value(),
		txbuilder.FundingPayload(to.Address, e.params.FundingAmount),
		txbuilder.TransferGas, fees)
	if err != nil {
		return nil, err
	}
	t, err := mon.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	n.Commit()
	return t, nil
}
