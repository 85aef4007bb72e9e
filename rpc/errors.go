// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoEndpoints is returned by New when no upstream URL is configured.
var ErrNoEndpoints = errors.New("no rpc endpoints configured")

// JSON-RPC error codes providers use for throttling.
const (
	CodeLimitExceeded = -32005
	CodeServerError   = -32000
)

// HTTPError is a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("http status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// DecodeError is a 2xx response whose body is not a JSON-RPC response,
// including a body cut short. It is permanent.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient: transport failures and
// timeouts, throttling and gateway HTTP statuses, and JSON-RPC errors that
// signal rate limiting. Cancellation and undecodable responses are never
// retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var derr *DecodeError
	if errors.As(err, &derr) {
		return false
	}

	var herr *HTTPError
	if errors.As(err, &herr) {
		switch herr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code == CodeLimitExceeded ||
			rerr.Code == CodeServerError ||
			strings.Contains(strings.ToLower(rerr.Message), "rate")
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
