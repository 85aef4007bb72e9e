// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// reply is what a stub returns for one request: a non-200 status, a JSON-RPC
// error or a result.
type reply struct {
	status int
	err    *Error
	result any
}

type stub struct {
	mu       sync.Mutex
	requests []rpcRequest
	handle   func(n int, req rpcRequest) reply
}

func newStub(t *testing.T, handle func(n int, req rpcRequest) reply) (*httptest.Server, *stub) {
	t.Helper()

	s := &stub{handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		n := len(s.requests)
		s.mu.Unlock()

		rep := s.handle(n, req)
		if rep.status != 0 && rep.status != http.StatusOK {
			http.Error(w, "upstream says no", rep.status)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rep.err != nil {
			resp["error"] = rep.err
		} else {
			resp["result"] = rep.result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return srv, s
}

func (s *stub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stub) request(i int) rpcRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func testConfig(urls ...string) Config {
	return Config{
		URLs:             urls,
		Timeout:          time.Second,
		ChunkSize:        50,
		Burst:            1,
		MaxRetries:       3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerTimeout:   time.Minute,
	}
}

type retryRecorder struct {
	metrics.Nop
	mu      sync.Mutex
	retries int
	calls   int
}

func (r *retryRecorder) RPCRetry(string) {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

func (r *retryRecorder) RPCCall(string, time.Duration, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func TestNewWithoutEndpoints(t *testing.T) {
	_, err := New(testConfig())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestCallRetriesTransientFailures(t *testing.T) {
	srv, s := newStub(t, func(n int, req rpcRequest) reply {
		if n <= 2 {
			return reply{status: http.StatusServiceUnavailable}
		}
		return reply{result: "0x1b4"}
	})

	rec := &retryRecorder{}
	c, err := New(testConfig(srv.URL), WithRecorder(rec))
	require.NoError(t, err)

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(436), n)
	assert.Equal(t, 3, s.count())
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, 1, rec.calls)
}

func TestCallPermanentErrorNotRetried(t *testing.T) {
	srv, s := newStub(t, func(n int, req rpcRequest) reply {
		return reply{err: &Error{Code: -32602, Message: "invalid params"}}
	})

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	err = c.Call(context.Background(), "eth_getBalance", []any{"0x1"}, nil)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, -32602, rerr.Code)
	assert.Equal(t, 1, s.count())
}

func TestCallExhaustsRetries(t *testing.T) {
	srv, s := newStub(t, func(n int, req rpcRequest) reply {
		return reply{status: http.StatusTooManyRequests}
	})

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.BlockNumber(context.Background())
	var herr *HTTPError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, herr.StatusCode)
	assert.Equal(t, 3, s.count())
}

func TestCallRetriesRateLimitErrors(t *testing.T) {
	cases := []*Error{
		{Code: CodeLimitExceeded, Message: "limit exceeded"},
		{Code: CodeServerError, Message: "header not found"},
		{Code: -1, Message: "Rate limited, slow down"},
	}

	for _, rpcErr := range cases {
		t.Run(rpcErr.Message, func(t *testing.T) {
			srv, s := newStub(t, func(n int, req rpcRequest) reply {
				if n == 1 {
					return reply{err: rpcErr}
				}
				return reply{result: "0x1"}
			})

			c, err := New(testConfig(srv.URL))
			require.NoError(t, err)

			n, err := c.BlockNumber(context.Background())
			require.NoError(t, err)
			assert.Equal(t, uint64(1), n)
			assert.Equal(t, 2, s.count())
		})
	}
}

func TestCallFailsOver(t *testing.T) {
	bad, badStub := newStub(t, func(n int, req rpcRequest) reply {
		return reply{status: http.StatusBadGateway}
	})
	good, goodStub := newStub(t, func(n int, req rpcRequest) reply {
		return reply{result: "0x2a"}
	})

	cfg := testConfig(bad.URL, good.URL)
	cfg.MaxRetries = 1
	c, err := New(cfg)
	require.NoError(t, err)

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, 2, badStub.count())
	assert.Equal(t, 1, goodStub.count())
}

func TestCallAllEndpointsFail(t *testing.T) {
	a, _ := newStub(t, func(int, rpcRequest) reply { return reply{status: http.StatusInternalServerError} })
	b, _ := newStub(t, func(int, rpcRequest) reply { return reply{status: http.StatusGatewayTimeout} })

	cfg := testConfig(a.URL, b.URL)
	cfg.MaxRetries = 0
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.BlockNumber(context.Background())
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusGatewayTimeout, herr.StatusCode, "the last error is surfaced")
	assert.Contains(t, err.Error(), "all endpoints")
}

func TestPermanentErrorDoesNotFailOver(t *testing.T) {
	a, _ := newStub(t, func(int, rpcRequest) reply { return reply{status: http.StatusUnauthorized} })
	b, bStub := newStub(t, func(int, rpcRequest) reply { return reply{result: "0x1"} })

	c, err := New(testConfig(a.URL, b.URL))
	require.NoError(t, err)

	_, err = c.BlockNumber(context.Background())
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusUnauthorized, herr.StatusCode)
	assert.Zero(t, bStub.count())
}

func TestBreakerSkipsFailingEndpoint(t *testing.T) {
	a, aStub := newStub(t, func(int, rpcRequest) reply { return reply{status: http.StatusServiceUnavailable} })
	b, bStub := newStub(t, func(int, rpcRequest) reply { return reply{result: "0x1"} })

	cfg := testConfig(a.URL, b.URL)
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 1
	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.BlockNumber(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, aStub.count(), "open breaker must skip the endpoint")
	assert.Equal(t, 3, bStub.count())
}

func TestCallCanceled(t *testing.T) {
	srv, _ := newStub(t, func(int, rpcRequest) reply { return reply{status: http.StatusServiceUnavailable} })

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 100
	cfg.BaseDelay = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.BlockNumber(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoffBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URLs = []string{"http://unused"}
	c, err := New(cfg)
	require.NoError(t, err)

	for trial := 0; trial < 20; trial++ {
		b := c.newBackOff()
		for n := 0; n < 8; n++ {
			nominal := math.Min(float64(cfg.BaseDelay)*math.Pow(2, float64(n)), float64(cfg.MaxDelay))
			d := float64(b.NextBackOff())
			assert.GreaterOrEqual(t, d, nominal*0.8-1, "attempt %d", n)
			assert.LessOrEqual(t, d, nominal*1.2+1, "attempt %d", n)
		}
	}
}

func TestRateGatePacesAttempts(t *testing.T) {
	srv, s := newStub(t, func(int, rpcRequest) reply { return reply{result: "0x1"} })

	cfg := testConfig(srv.URL)
	cfg.RPS = 40
	c, err := New(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.BlockNumber(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, s.count())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestChunks(t *testing.T) {
	tests := []struct {
		from, to, size uint64
		want           []Range
	}{
		{0, 9, 5, []Range{{0, 4}, {5, 9}}},
		{1, 5, 2, []Range{{1, 2}, {3, 4}, {5, 5}}},
		{7, 7, 50, []Range{{7, 7}}},
		{10, 1, 100, []Range{{1, 10}}},
		{3, 5, 0, []Range{{3, 3}, {4, 4}, {5, 5}}},
		{math.MaxUint64 - 1, math.MaxUint64, 10, []Range{{math.MaxUint64 - 1, math.MaxUint64}}},
	}

	for _, tt := range tests {
		got := Chunks(tt.from, tt.to, tt.size)
		assert.Equal(t, tt.want, got, "Chunks(%d, %d, %d)", tt.from, tt.to, tt.size)

		// The chunks cover the range exactly and in order.
		lo, hi := min(tt.from, tt.to), max(tt.from, tt.to)
		assert.Equal(t, lo, got[0].From)
		assert.Equal(t, hi, got[len(got)-1].To)
		for i := 1; i < len(got); i++ {
			assert.Equal(t, got[i-1].To+1, got[i].From)
		}
	}
}

func TestGetLogsChunked(t *testing.T) {
	srv, s := newStub(t, func(n int, req rpcRequest) reply {
		var q logQuery
		if err := json.Unmarshal(req.Params[0], &q); err != nil {
			return reply{err: &Error{Code: -32602, Message: err.Error()}}
		}
		return reply{result: []chain.Log{{TransactionHash: fmt.Sprintf("%s-%s", q.FromBlock, q.ToBlock)}}}
	})

	cfg := testConfig(srv.URL)
	cfg.ChunkSize = 2
	c, err := New(cfg)
	require.NoError(t, err)

	logs, err := c.GetLogs(context.Background(), LogFilter{From: 1, To: 5, Address: testToken})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "0x1-0x2", logs[0].TransactionHash)
	assert.Equal(t, "0x3-0x4", logs[1].TransactionHash)
	assert.Equal(t, "0x5-0x5", logs[2].TransactionHash)

	var q logQuery
	require.NoError(t, json.Unmarshal(s.request(0).Params[0], &q))
	assert.Equal(t, testToken, q.Address)
}

func TestGetLogsChunkFailureAborts(t *testing.T) {
	srv, s := newStub(t, func(n int, req rpcRequest) reply {
		if n == 2 {
			return reply{err: &Error{Code: -32602, Message: "query returned more than 10000 results"}}
		}
		return reply{result: []chain.Log{}}
	})

	cfg := testConfig(srv.URL)
	cfg.ChunkSize = 1
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.GetLogs(context.Background(), LogFilter{From: 1, To: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocks 2-2")
	assert.Equal(t, 2, s.count())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 500}, true},
		{&HTTPError{StatusCode: 502}, true},
		{&HTTPError{StatusCode: 503}, true},
		{&HTTPError{StatusCode: 504}, true},
		{&HTTPError{StatusCode: 400}, false},
		{&HTTPError{StatusCode: 404}, false},
		{&Error{Code: -32005}, true},
		{&Error{Code: -32000}, true},
		{&Error{Code: -32601, Message: "method not found"}, false},
		{&Error{Code: 429, Message: "Too Many Requests: RATE exceeded"}, true},
		{fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 503}), true},
		{&DecodeError{Err: io.ErrUnexpectedEOF}, false},
		{fmt.Errorf("wrapped: %w", &DecodeError{Err: errors.New("invalid character")}), false},
		{&url.Error{Op: "Post", URL: "http://node", Err: io.ErrUnexpectedEOF}, true},
		{errors.New("boom"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestTruncatedResponseIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":`)
	}))
	defer srv.Close()

	other, s := newStub(t, func(int, rpcRequest) reply { return reply{result: "0x1"} })

	c, err := New(testConfig(srv.URL, other.URL))
	require.NoError(t, err)

	_, err = c.BlockNumber(context.Background())
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, int32(1), calls.Load(), "undecodable responses are not retried")
	assert.Zero(t, s.count(), "undecodable responses do not fail over")
}
