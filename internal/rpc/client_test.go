package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// rpcHandler answers single JSON-RPC requests using the given method table.
func rpcHandler(t *testing.T, methods map[string]func(params []json.RawMessage) (any, *JSONRPCError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		fn, ok := methods[req.Method]
		if !ok {
			resp["error"] = JSONRPCError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := fn(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func testClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	if got := err.Error(); got != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", got, "RPC error -32000: nonce too low")
	}
	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{"429 Too Many Requests", HTTPStatusError{StatusCode: 429, Body: "rate limited"}, "HTTP 429: Too Many Requests (body: rate limited)", true},
		{"502 Bad Gateway", HTTPStatusError{StatusCode: 502}, "HTTP 502: Bad Gateway", true},
		{"504 Gateway Timeout", HTTPStatusError{StatusCode: 504}, "HTTP 504: Gateway Timeout", true},
		{"400 not retryable", HTTPStatusError{StatusCode: 400, Body: "invalid"}, "HTTP 400: Bad Request (body: invalid)", false},
		{"500 not retryable", HTTPStatusError{StatusCode: 500}, "HTTP 500: Internal Server Error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	def := 100 * time.Millisecond
	if got := getRetryDelay(&HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second}, def); got != 2*time.Second {
		t.Errorf("Retry-After not honored: %v", got)
	}
	if got := getRetryDelay(&HTTPStatusError{StatusCode: 503}, def); got != def {
		t.Errorf("expected default backoff, got %v", got)
	}
	if got := getRetryDelay(&RPCError{Code: -32000}, def); got != def {
		t.Errorf("expected default backoff for RPC error, got %v", got)
	}
}

func TestCallRetriesOnUnavailable(t *testing.T) {
	var calls atomic.Int32
	inner := rpcHandler(t, map[string]func([]json.RawMessage) (any, *JSONRPCError){
		"eth_chainId": func([]json.RawMessage) (any, *JSONRPCError) { return "0x539", nil },
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).GetChainID(context.Background())
	if err != nil {
		t.Fatalf("GetChainID: %v", err)
	}
	if id.Int64() != 1337 {
		t.Errorf("chain id = %v, want 1337", id)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCallDoesNotRetryRPCError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (any, *JSONRPCError){
		"eth_sendRawTransaction": func([]json.RawMessage) (any, *JSONRPCError) {
			calls.Add(1)
			return nil, &JSONRPCError{Code: -32000, Message: "nonce too low"}
		},
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SendRawTransaction(context.Background(), []byte{0x01})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Message != "nonce too low" {
		t.Errorf("message = %q", rpcErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSendRawTransactionEncodesHex(t *testing.T) {
	var got string
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (any, *JSONRPCError){
		"eth_sendRawTransaction": func(p []json.RawMessage) (any, *JSONRPCError) {
			_ = json.Unmarshal(p[0], &got)
			return "0xabc", nil
		},
	}))
	defer srv.Close()

	hash, err := testClient(srv.URL).SendRawTransaction(context.Background(), []byte{0xde, 0xad})
	if err != nil {
		t.Fatalf("SendRawTransaction: %v", err)
	}
	if got != "0xdead" {
		t.Errorf("payload = %q, want 0xdead", got)
	}
	if hash != "0xabc" {
		t.Errorf("hash = %q", hash)
	}
}

func TestGetTransactionReceipt(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (any, *JSONRPCError){
		"eth_getTransactionReceipt": func(p []json.RawMessage) (any, *JSONRPCError) {
			var h string
			_ = json.Unmarshal(p[0], &h)
			if h == "0x01" {
				return nil, nil
			}
			return map[string]string{
				"transactionHash": h,
				"status":          "0x1",
				"gasUsed":         "0x5208",
				"blockNumber":     "0x10",
			}, nil
		},
	}))
	defer srv.Close()
	c := testClient(srv.URL)

	r, err := c.GetTransactionReceipt(context.Background(), "0x01")
	if err != nil || r != nil {
		t.Fatalf("pending receipt: got %+v, %v", r, err)
	}

	r, err = c.GetTransactionReceipt(context.Background(), "0x02")
	if err != nil {
		t.Fatalf("GetTransactionReceipt: %v", err)
	}
	if r.Status != 1 || r.GasUsed != 21000 || r.BlockNumber != 16 {
		t.Errorf("unexpected receipt %+v", r)
	}
}

func TestGetTransactionByHashPending(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (any, *JSONRPCError){
		"eth_getTransactionByHash": func([]json.RawMessage) (any, *JSONRPCError) {
			return map[string]any{"hash": "0x02", "from": "0xaa", "nonce": "0x7", "blockNumber": nil}, nil
		},
	}))
	defer srv.Close()

	tx, err := testClient(srv.URL).GetTransactionByHash(context.Background(), "0x02")
	if err != nil {
		t.Fatalf("GetTransactionByHash: %v", err)
	}
	if tx.Nonce != 7 || tx.BlockNumber != nil {
		t.Errorf("unexpected tx %+v", tx)
	}
}

func TestBatchCallOrdersResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []JSONRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&reqs)
		resps := make([]map[string]any, 0, len(reqs))
		// Reply in reverse order.
		for i := len(reqs) - 1; i >= 0; i-- {
			resps = append(resps, map[string]any{"jsonrpc": "2.0", "id": reqs[i].ID, "result": reqs[i].Method})
		}
		_ = json.NewEncoder(w).Encode(resps)
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).BatchCall(context.Background(), []BatchRequest{
		{Method: "a"}, {Method: "b"}, {Method: "c"},
	})
	if err != nil {
		t.Fatalf("BatchCall: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		var got string
		_ = json.Unmarshal(res[i].Result, &got)
		if got != want {
			t.Errorf("result[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestHeadSubscriber(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req JSONRPCRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x1"})
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params":  map[string]any{"subscription": "0x1", "result": map[string]string{"number": "0x2a"}},
		})
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewHeadSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	go sub.Run(ctx)

	select {
	case n := <-sub.Heads():
		if n != 42 {
			t.Errorf("head = %d, want 42", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no head received")
	}
}
