// Package txbuilder builds and signs the transactions a scenario submits.
package txbuilder

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferGas is the intrinsic gas of a plain value transfer.
const TransferGas = 21000

// OpKind is the operation a transaction performs.
type OpKind string

const (
	OpFunding      OpKind = "funding"
	OpTransfer     OpKind = "transfer"
	OpSelfTransfer OpKind = "self-transfer"
)

// Payload is what a transaction carries.
type Payload struct {
	Kind   OpKind
	To     common.Address
	Amount *big.Int
	Data   []byte
}

// Fees holds chain-wide signing parameters.
type Fees struct {
	ChainID   *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int // gas price for legacy transactions
	UseLegacy bool
}

// Transaction is a signed transaction ready for submission. It is not
// modified after Sign returns.
type Transaction struct {
	From      common.Address
	Nonce     uint64
	Payload   Payload
	GasLimit  uint64
	CreatedAt time.Time

	Hash common.Hash
	Raw  []byte
	Cost *big.Int // amount + gas limit * fee cap
}

// Builder produces the payload for the next transaction of a workload.
type Builder interface {
	// Kind returns the operation kind.
	Kind() OpKind

	// GasLimit returns the gas limit for this kind.
	GasLimit() uint64

	// Next returns the payload for a transaction sent by from.
	Next(from common.Address) Payload
}

// Sign builds the transaction for payload at nonce and signs it with key.
func Sign(key *ecdsa.PrivateKey, nonce uint64, p Payload, gasLimit uint64, fees Fees) (*Transaction, error) {
	if fees.ChainID == nil || fees.ChainID.Sign() == 0 {
		return nil, errors.New("chain id must be non-nil and non-zero")
	}
	if fees.GasFeeCap == nil {
		return nil, errors.New("gas fee cap must be set")
	}
	amount := p.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	p.Amount = amount

	signed, err := types.SignTx(unsignedTx(nonce, p, gasLimit, fees), types.LatestSignerForChainID(fees.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), fees.GasFeeCap)
	cost.Add(cost, amount)

	return &Transaction{
		From:      senderOf(key),
		Nonce:     nonce,
		Payload:   Payload{Kind: p.Kind, To: p.To, Amount: amount, Data: p.Data},
		GasLimit:  gasLimit,
		CreatedAt: time.Now(),
		Hash:      signed.Hash(),
		Raw:       raw,
		Cost:      cost,
	}, nil
}

// TransferBuilder sends a fixed amount to recipients in round-robin order,
// skipping the sender when it appears in the list.
type TransferBuilder struct {
	recipients []common.Address
	amount     *big.Int
	next       atomic.Uint64
}

// NewTransferBuilder creates a transfer builder. recipients must not be empty.
func NewTransferBuilder(recipients []common.Address, amount *big.Int) *TransferBuilder {
	return &TransferBuilder{
		recipients: recipients,
		amount:     new(big.Int).Set(amount),
	}
}

func (b *TransferBuilder) Kind() OpKind     { return OpTransfer }
func (b *TransferBuilder) GasLimit() uint64 { return TransferGas }

// Next returns a transfer to the next recipient.
func (b *TransferBuilder) Next(from common.Address) Payload {
	to := b.recipients[b.next.Add(1)%uint64(len(b.recipients))]
	if to == from && len(b.recipients) > 1 {
		to = b.recipients[b.next.Add(1)%uint64(len(b.recipients))]
	}
	return Payload{Kind: OpTransfer, To: to, Amount: new(big.Int).Set(b.amount)}
}

// SelfTransferBuilder sends a fixed amount back to the sender. Balances stay
// put, so long runs only pay gas.
type SelfTransferBuilder struct {
	amount *big.Int
}

// NewSelfTransferBuilder creates a self-transfer builder.
func NewSelfTransferBuilder(amount *big.Int) *SelfTransferBuilder {
	return &SelfTransferBuilder{amount: new(big.Int).Set(amount)}
}

func (b *SelfTransferBuilder) Kind() OpKind     { return OpSelfTransfer }
func (b *SelfTransferBuilder) GasLimit() uint64 { return TransferGas }

// Next returns a transfer from from to itself.
func (b *SelfTransferBuilder) Next(from common.Address) Payload {
	return Payload{Kind: OpSelfTransfer, To: from, Amount: new(big.Int).Set(b.amount)}
}

// FundingPayload returns the payload that tops up a synthetic account.
func FundingPayload(to common.Address, amount *big.Int) Payload {
	return Payload{Kind: OpFunding, To: to, Amount: new(big.Int).Set(amount)}
}
