// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc is a JSON-RPC client for Ethereum-compatible upstreams that
// are slow, rate limited and occasionally down.
//
// Every attempt first waits on a global token bucket. Transient failures are
// retried with exponential backoff and jitter. An endpoint that keeps
// failing trips its circuit breaker, and calls fail over to the next URL.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/absmach/chainstream/metrics"
	"github.com/absmach/chainstream/ratelimit"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/chainstream/rpc"

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 512

// Config holds upstream client settings.
type Config struct {
	URLs             []string
	Timeout          time.Duration // per HTTP request
	ChunkSize        uint64        // blocks per eth_getLogs request
	RPS              float64       // global requests per second
	Burst            int
	EndpointRPS      float64 // per endpoint requests per second, 0 disables
	MaxRetries       int     // retries after the first attempt
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold uint32 // consecutive failures that open a breaker
	BreakerTimeout   time.Duration
}

// DefaultConfig returns the default client settings without endpoints.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		ChunkSize:        50,
		RPS:              3,
		Burst:            1,
		MaxRetries:       6,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         8 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   60 * time.Second,
	}
}

// Client issues JSON-RPC calls with rate limiting, retries and failover.
type Client struct {
	config    Config
	http      *http.Client
	endpoints []*endpoint
	gate      *ratelimit.Gate
	perURL    *ratelimit.KeyedLimiter
	recorder  metrics.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
	ids       atomic.Uint64
}

type endpoint struct {
	url     string
	breaker *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) {
		c.recorder = metrics.OrNop(r)
	}
}

// WithHTTPClient replaces the HTTP client. Config.Timeout is ignored then.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for cfg.URLs, tried in order.
func New(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}

	c := &Client{
		config:   cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		gate:     ratelimit.NewGate(cfg.RPS, cfg.Burst),
		recorder: metrics.Nop{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.EndpointRPS > 0 {
		c.perURL = ratelimit.NewKeyedLimiter(cfg.EndpointRPS, cfg.Burst, 10*time.Minute)
	}

	for _, u := range cfg.URLs {
		c.endpoints = append(c.endpoints, &endpoint{
			url:     u,
			breaker: c.newBreaker(u),
		})
	}

	return c, nil
}

// Close releases background resources.
func (c *Client) Close() {
	if c.perURL != nil {
		c.perURL.Stop()
	}
}

func (c *Client) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := c.config.BreakerThreshold
	if threshold == 0 {
		threshold = DefaultConfig().BreakerThreshold
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     c.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent errors say nothing about the endpoint's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("rpc circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Call invokes method with params and decodes the result into result, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	ctx, span := c.tracer.Start(ctx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	start := time.Now()
	raw, err := c.call(ctx, method, params)
	c.recorder.RPCCall(method, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		err = fmt.Errorf("failed to decode %s result: %w", method, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// call tries each endpoint in order. Retries are exhausted on an endpoint
// before moving to the next one; a permanent error is returned at once.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var lastErr error

	for i, ep := range c.endpoints {
		res, err := ep.breaker.Execute(func() (interface{}, error) {
			return c.retry(ctx, ep, method, params)
		})
		if err == nil {
			return res.(json.RawMessage), nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		breakerOpen := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		if !breakerOpen && !IsRetryable(err) {
			return nil, err
		}

		lastErr = fmt.Errorf("%s: %w", ep.url, err)
		if i < len(c.endpoints)-1 {
			c.logger.Warn("rpc endpoint failed, trying next",
				slog.String("method", method),
				slog.String("endpoint", ep.url),
				slog.String("error", err.Error()))
		}
	}

	return nil, fmt.Errorf("rpc %s failed on all endpoints: %w", method, lastErr)
}

func (c *Client) retry(ctx context.Context, ep *endpoint, method string, params []any) (json.RawMessage, error) {
	op := func() (json.RawMessage, error) {
		if err := c.wait(ctx, ep.url); err != nil {
			return nil, backoff.Permanent(err)
		}

		raw, err := c.do(ctx, ep.url, method, params)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return raw, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.config.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.recorder.RPCRetry(method)
			c.logger.Debug("retrying rpc call",
				slog.String("method", method),
				slog.String("endpoint", ep.url),
				slog.Duration("backoff", d),
				slog.String("error", err.Error()))
		}),
	)
}

// newBackOff returns delays of BaseDelay*2^n capped at MaxDelay, each
// randomized by ±20%.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.BaseDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         c.config.MaxDelay,
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

func (c *Client) wait(ctx context.Context, url string) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	if c.perURL != nil {
		return c.perURL.Wait(ctx, url)
	}
	return nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// do performs a single HTTP round trip.
func (c *Client) do(ctx context.Context, url, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.ids.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chainstream/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		// A connection dropped while reading is still a transport failure.
		var nerr net.Error
		if errors.As(err, &nerr) {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, &DecodeError{Err: err}
	}
	if r.Error != nil {
		return nil, r.Error
	}
	if len(r.Result) == 0 {
		return json.RawMessage("null"), nil
	}

	return r.Result, nil
}
