// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/absmach/chainstream/chain"
	"github.com/gorilla/websocket"
)

type subscribeResponse struct {
	ID     uint64          `json:"id"`
	Result string          `json:"result"`
	Error  *Error          `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type headNotification struct {
	Subscription string `json:"subscription"`
	Result       struct {
		Number chain.Quantity `json:"number"`
	} `json:"result"`
}

// SubscribeHeads subscribes to newHeads over the websocket endpoint url and
// emits the number of every new head. The channel is closed when ctx is done
// or the connection fails; callers are expected to fall back to polling.
func SubscribeHeads(ctx context.Context, url string, logger *slog.Logger) (<-chan uint64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	var resp subscribeResponse
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}
	if resp.Error != nil {
		conn.Close()
		return nil, resp.Error
	}
	id := resp.Result

	heads := make(chan uint64)
	done := make(chan struct{})

	// Closing the connection unblocks the reader on cancellation.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	go func() {
		defer close(heads)
		defer close(done)

		for {
			var msg subscribeResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					logger.Warn("head subscription closed", slog.String("error", err.Error()))
				}
				return
			}
			if msg.Method != "eth_subscription" {
				continue
			}

			var n headNotification
			if err := json.Unmarshal(msg.Params, &n); err != nil || n.Subscription != id {
				continue
			}

			select {
			case heads <- n.Result.Number.Uint64():
			case <-ctx.Done():
				return
			}
		}
	}()

	return heads, nil
}
