// Package rpc provides a JSON-RPC client for Ethereum-compatible nodes with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

// Client is the interface for JSON-RPC communication with the node under test.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// SendRawTransaction sends a signed transaction and returns the hash the node reports.
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// GetBalance returns the balance for an address at the latest block.
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetChainID returns the chain id.
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// GetTransactionReceipt returns the receipt for a transaction, nil if not yet included.
	GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetTransactionByHash returns the transaction as the node sees it, nil if unknown.
	GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error)

	// GetBlockNumberByTag resolves a block tag ("latest", "safe", "finalized") to a number.
	GetBlockNumberByTag(ctx context.Context, tag string) (uint64, error)
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConns       int
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
// Retries here only cover HTTP-level hiccups; node-level retry policy lives in the monitor.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		MaxConns:       512,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 512
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConns * 2,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call with retry logic.
// RPC-level errors are returned as *RPCError and never retried.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		result = resp.Result
		return nil
	})
	return result, err
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in the same order as the input calls.
// Individual call errors are returned in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []any{}
		}
		reqs[i] = JSONRPCRequest{JSONRPC: "2.0", Method: call.Method, Params: params, ID: i + 1}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var results []BatchResponse
	err = c.withRetry(ctx, "batch", func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resps []JSONRPCResponse
		if err := json.Unmarshal(raw, &resps); err != nil {
			return fmt.Errorf("failed to unmarshal batch response: %w", err)
		}

		byID := make(map[int]*JSONRPCResponse, len(resps))
		for i := range resps {
			byID[resps[i].ID] = &resps[i]
		}
		results = make([]BatchResponse, len(calls))
		for i := range calls {
			resp, ok := byID[i+1]
			switch {
			case !ok:
				results[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
			case resp.Error != nil:
				results[i] = BatchResponse{Error: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
			default:
				results[i] = BatchResponse{Result: resp.Result}
			}
		}
		return nil
	})
	return results, err
}

// withRetry runs fn up to maxRetries+1 times with capped exponential backoff.
// Retries happen on retryable HTTP statuses and transport failures only.
func (c *HTTPClient) withRetry(ctx context.Context, method string, fn func() error) error {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isRPCError(err) {
			return err
		}
		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
		} else if isHTTPStatusError(err) {
			return err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
	}

	return fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}
