// Package node defines the contract the harness consumes from the node under
// test and an implementation for Ethereum JSON-RPC nodes.
package node

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is the node's view of a transaction.
type TxStatus uint8

const (
	// StatusUnknown means the node has no record of the transaction.
	StatusUnknown TxStatus = iota
	// StatusPending means the transaction sits in the mempool.
	StatusPending
	// StatusCommitted means the transaction was included in a block and succeeded.
	StatusCommitted
	// StatusVerified means the including block reached the verification stage.
	StatusVerified
	// StatusFailed means the transaction was included but reverted.
	StatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// AccountState is the node's view of an account.
type AccountState struct {
	Nonce   uint64
	Balance *big.Int
}

// Client is the node collaborator.
//
// SubmitTransaction returns once the node has accepted the signed payload into
// its pending queue. Synchronous refusals are returned as *RejectionError,
// connectivity problems as *TransientError.
type Client interface {
	SubmitTransaction(ctx context.Context, signed []byte) (common.Hash, error)
	QueryStatus(ctx context.Context, id common.Hash) (TxStatus, error)
	GetAccountState(ctx context.Context, addr common.Address) (AccountState, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}
