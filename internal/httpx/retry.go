// Package httpx provides the HTTP client used for upstream services: a retrying transport with
// exponential backoff on transient failures.
package httpx

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter               float64
	RetryableStatusCodes []int
}

// DefaultRetryConfig retries 429 and the common 5xx gateway statuses.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// RetryTransport retries idempotent-safe failures of the wrapped RoundTripper. Requests with a
// body are retried only when GetBody is set.
type RetryTransport struct {
	Base   http.RoundTripper
	Config RetryConfig
	// OnRetry is called before each retry with the attempt number and the status (0 on a network error).
	OnRetry func(req *http.Request, attempt, status int)
}

// NewClient returns an http.Client with a RetryTransport and the given overall timeout.
func NewClient(timeout time.Duration, cfg RetryConfig) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &RetryTransport{
			Base: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			Config: cfg,
		},
	}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	canReplay := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(t.backoff(attempt)):
			}
			if req.GetBody != nil {
				body, gerr := req.GetBody()
				if gerr != nil {
					return nil, gerr
				}
				req = req.Clone(req.Context())
				req.Body = body
			}
		}

		resp, err = base.RoundTrip(req)
		last := attempt >= t.Config.MaxRetries || !canReplay
		if err != nil {
			if last || !retryableError(err) {
				return nil, err
			}
			t.notify(req, attempt+1, 0)
			continue
		}
		if last || !t.retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		t.notify(req, attempt+1, resp.StatusCode)
		resp.Body.Close()
	}
}

func (t *RetryTransport) notify(req *http.Request, attempt, status int) {
	if t.OnRetry != nil {
		t.OnRetry(req, attempt, status)
	}
}

func (t *RetryTransport) backoff(attempt int) time.Duration {
	mult := t.Config.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	backoff := float64(t.Config.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if t.Config.MaxBackoff > 0 && backoff > float64(t.Config.MaxBackoff) {
		backoff = float64(t.Config.MaxBackoff)
	}
	if t.Config.Jitter > 0 {
		backoff += backoff * t.Config.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (t *RetryTransport) retryableStatus(code int) bool {
	for _, c := range t.Config.RetryableStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
