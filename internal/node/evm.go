package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/loadtest/internal/execnode"
	"github.com/gateway-fm/loadtest/internal/rpc"
)

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	Capabilities *execnode.Capabilities
	// VerifiedCacheTTL bounds how stale the cached verified block number may be.
	VerifiedCacheTTL time.Duration
	Logger           *slog.Logger
}

// EVMClient implements Client for Ethereum JSON-RPC nodes.
type EVMClient struct {
	rpc    rpc.Client
	caps   *execnode.Capabilities
	ttl    time.Duration
	logger *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	verifiedMu   sync.Mutex
	verifiedNum  uint64
	verifiedAt   time.Time
	verifiedTag  string
	verifiedDown bool
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient wraps an rpc.Client.
func NewEVMClient(client rpc.Client, cfg EVMConfig) *EVMClient {
	caps := cfg.Capabilities
	if caps == nil {
		caps = execnode.GenericCapabilities()
	}
	ttl := cfg.VerifiedCacheTTL
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMClient{
		rpc:         client,
		caps:        caps,
		ttl:         ttl,
		logger:      logger,
		verifiedTag: caps.VerifiedTag,
	}
}

// Capabilities returns the node profile in use.
func (c *EVMClient) Capabilities() *execnode.Capabilities {
	return c.caps
}

// SubmitTransaction sends a signed transaction. The id is the transaction
// hash computed locally, so a resubmission the node already holds is
// reported as success with the same id.
func (c *EVMClient) SubmitTransaction(ctx context.Context, signed []byte) (common.Hash, error) {
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return common.Hash{}, &RejectionError{Kind: RejectMalformed, Reason: err.Error()}
	}
	id := tx.Hash()

	_, err := c.rpc.SendRawTransaction(ctx, signed)
	switch err = classify(err); {
	case err == nil, errors.Is(err, errAlreadyKnown):
		return id, nil
	default:
		return id, err
	}
}

// QueryStatus derives the lifecycle status from the receipt, the mempool and
// the verified block tag.
func (c *EVMClient) QueryStatus(ctx context.Context, id common.Hash) (TxStatus, error) {
	receipt, err := c.rpc.GetTransactionReceipt(ctx, id.Hex())
	if err != nil {
		return StatusUnknown, classify(err)
	}
	if receipt == nil {
		tx, err := c.rpc.GetTransactionByHash(ctx, id.Hex())
		if err != nil {
			return StatusUnknown, classify(err)
		}
		if tx == nil {
			return StatusUnknown, nil
		}
		return StatusPending, nil
	}
	if receipt.Status == 0 {
		return StatusFailed, nil
	}

	verified, ok := c.verifiedBlock(ctx)
	if ok && verified >= receipt.BlockNumber {
		return StatusVerified, nil
	}
	return StatusCommitted, nil
}

// GetAccountState returns the pending nonce and latest balance.
func (c *EVMClient) GetAccountState(ctx context.Context, addr common.Address) (AccountState, error) {
	nonce, err := c.rpc.GetNonce(ctx, addr.Hex())
	if err != nil {
		return AccountState{}, fmt.Errorf("get nonce for %s: %w", addr.Hex(), classify(err))
	}
	balance, err := c.rpc.GetBalance(ctx, addr.Hex())
	if err != nil {
		return AccountState{}, fmt.Errorf("get balance for %s: %w", addr.Hex(), classify(err))
	}
	return AccountState{Nonce: nonce, Balance: balance}, nil
}

// ChainID returns the chain id. The first successful answer is cached.
func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	cached := c.chainID
	c.chainMu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.rpc.GetChainID(ctx)
	if err != nil {
		return nil, classify(err)
	}
	c.chainMu.Lock()
	c.chainID = id
	c.chainMu.Unlock()
	return new(big.Int).Set(id), nil
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.rpc.GetGasPrice(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return price, nil
}

// verifiedBlock returns the cached verified block number. Nodes that reject
// the tag are remembered and never asked again.
func (c *EVMClient) verifiedBlock(ctx context.Context) (uint64, bool) {
	c.verifiedMu.Lock()
	if c.verifiedTag == "" || c.verifiedDown {
		c.verifiedMu.Unlock()
		return 0, false
	}
	if time.Since(c.verifiedAt) < c.ttl {
		num := c.verifiedNum
		c.verifiedMu.Unlock()
		return num, true
	}
	c.verifiedMu.Unlock()

	num, err := c.rpc.GetBlockNumberByTag(ctx, c.verifiedTag)

	c.verifiedMu.Lock()
	defer c.verifiedMu.Unlock()
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) && !c.verifiedDown {
			c.logger.Warn("node does not support verified block tag, verification disabled",
				slog.String("tag", c.verifiedTag),
				slog.String("error", err.Error()),
			)
			c.verifiedDown = true
		}
		return 0, false
	}
	if num > c.verifiedNum {
		c.verifiedNum = num
	}
	c.verifiedAt = time.Now()
	return c.verifiedNum, true
}
