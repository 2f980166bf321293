package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransactionReceipt is the subset of an Ethereum receipt the harness consumes.
type TransactionReceipt struct {
	TxHash      string `json:"transactionHash"`
	Status      uint64 `json:"status"` // 1 = success, 0 = reverted
	GasUsed     uint64 `json:"gasUsed"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Transaction is the subset of eth_getTransactionByHash the harness consumes.
type Transaction struct {
	Hash        string  `json:"hash"`
	From        string  `json:"from"`
	Nonce       uint64  `json:"nonce"`
	BlockNumber *uint64 `json:"blockNumber"` // nil while pending
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// GetNonce fetches the nonce for an address including mempool transactions.
func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address, "pending"})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "nonce")
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "balance")
}

// GetChainID returns the chain id.
func (c *HTTPClient) GetChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "chain id")
}

// GetGasPrice returns the current gas price from the node.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "gas price")
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, err
	}
	return parseReceipt(result)
}

// GetTransactionByHash returns the transaction as the node sees it.
func (c *HTTPClient) GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error) {
	result, err := c.Call(ctx, "eth_getTransactionByHash", []any{txHash})
	if err != nil {
		return nil, err
	}
	if isNull(result) {
		return nil, nil
	}

	var raw struct {
		Hash        string  `json:"hash"`
		From        string  `json:"from"`
		Nonce       string  `json:"nonce"`
		BlockNumber *string `json:"blockNumber"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	nonce, _ := hexutil.DecodeUint64(raw.Nonce)
	tx := &Transaction{Hash: raw.Hash, From: raw.From, Nonce: nonce}
	if raw.BlockNumber != nil {
		if n, err := hexutil.DecodeUint64(*raw.BlockNumber); err == nil {
			tx.BlockNumber = &n
		}
	}
	return tx, nil
}

// GetBlockNumberByTag resolves a block tag to a block number.
// Nodes without the tag return an RPC error or null; null is reported as block 0.
func (c *HTTPClient) GetBlockNumberByTag(ctx context.Context, tag string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []any{tag, false})
	if err != nil {
		return 0, err
	}
	if isNull(result) {
		return 0, nil
	}
	var raw struct {
		Number string `json:"number"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	num, err := hexutil.DecodeUint64(raw.Number)
	if err != nil {
		return 0, fmt.Errorf("failed to decode block number: %w", err)
	}
	return num, nil
}

// GetTransactionReceiptsBatch fetches multiple receipts in a single request.
// Returns receipts in the same order as txHashes; nil entries are not yet included or errored.
func GetTransactionReceiptsBatch(ctx context.Context, c Client, txHashes []string) ([]*TransactionReceipt, error) {
	calls := make([]BatchRequest, len(txHashes))
	for i, h := range txHashes {
		calls[i] = BatchRequest{Method: "eth_getTransactionReceipt", Params: []any{h}}
	}
	resps, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, err
	}
	receipts := make([]*TransactionReceipt, len(resps))
	for i, r := range resps {
		if r.Error != nil {
			continue
		}
		receipts[i], _ = parseReceipt(r.Result)
	}
	return receipts, nil
}

func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	if isNull(data) {
		return nil, nil
	}
	var raw struct {
		TxHash      string `json:"transactionHash"`
		Status      string `json:"status"`
		GasUsed     string `json:"gasUsed"`
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(raw.Status)
	gasUsed, _ := hexutil.DecodeUint64(raw.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(raw.BlockNumber)

	return &TransactionReceipt{
		TxHash:      raw.TxHash,
		Status:      status,
		GasUsed:     gasUsed,
		BlockNumber: blockNumber,
	}, nil
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

func decodeUint64(data json.RawMessage, what string) (uint64, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}

func decodeBig(data json.RawMessage, what string) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}
