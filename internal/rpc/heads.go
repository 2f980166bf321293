package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// HeadSubscriber streams new block numbers from an eth_subscribe("newHeads") websocket.
// Notifications are coalesced: a slow reader only ever sees the latest head.
type HeadSubscriber struct {
	url       string
	logger    *slog.Logger
	reconnect time.Duration
	heads     chan uint64
}

// NewHeadSubscriber creates a subscriber for the given ws:// or wss:// endpoint.
func NewHeadSubscriber(url string, logger *slog.Logger) *HeadSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadSubscriber{
		url:       url,
		logger:    logger,
		reconnect: time.Second,
		heads:     make(chan uint64, 1),
	}
}

// Heads returns the channel of observed block numbers.
func (s *HeadSubscriber) Heads() <-chan uint64 {
	return s.heads
}

// Run maintains the subscription until ctx is cancelled, reconnecting on failure.
func (s *HeadSubscriber) Run(ctx context.Context) {
	for {
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("head subscription dropped, reconnecting",
			slog.String("url", s.url),
			slog.String("error", fmt.Sprint(err)),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

func (s *HeadSubscriber) subscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := JSONRPCRequest{JSONRPC: "2.0", Method: "eth_subscribe", Params: []any{"newHeads"}, ID: 1}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var ack JSONRPCResponse
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read subscription ack: %w", err)
	}
	if ack.Error != nil {
		return &RPCError{Code: ack.Error.Code, Message: ack.Error.Message}
	}

	for {
		var msg struct {
			Method string `json:"method"`
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read head: %w", err)
		}
		if msg.Method != "eth_subscription" {
			continue
		}
		num, err := hexutil.DecodeUint64(msg.Params.Result.Number)
		if err != nil {
			continue
		}
		s.publish(num)
	}
}

func (s *HeadSubscriber) publish(num uint64) {
	select {
	case s.heads <- num:
	default:
		// Replace the stale head.
		select {
		case <-s.heads:
		default:
		}
		select {
		case s.heads <- num:
		default:
		}
	}
}
