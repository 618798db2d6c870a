// Package upstream is the pooled HTTPS client that talks to model-provider
// APIs. It wraps connection pooling and DNS caching (rs/dnscache, the same
// pattern the pack's provider clients use), a circuit breaker per upstream
// host, and a retry policy for the buffered request path. Streaming requests
// bypass retry entirely: once the first byte reaches the client there is no
// way to safely replay the call.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/circuitbreaker"
)

// Config bounds connection and retry behaviour.
type Config struct {
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxIdlePerHost  int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryJitter     time.Duration
	MaxAttempts     int
	RetryableStatus map[int]bool
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 60 * time.Second,
		MaxIdlePerHost: 32,
		RetryBase:      200 * time.Millisecond,
		RetryMax:       8 * time.Second,
		RetryJitter:    250 * time.Millisecond,
		MaxAttempts:    4,
		RetryableStatus: map[int]bool{
			429: true, 500: true, 502: true, 503: true, 504: true,
		},
	}
}

// Client forwards requests to a single resolved upstream per call.
type Client struct {
	cfg      Config
	http     *http.Client
	resolver *dnscache.Resolver
	breakers *circuitbreaker.Registry
}

// New builds a Client with a DNS-caching dialer and per-host connection
// pooling. The returned Client owns a background DNS refresh goroutine tied
// to ctx; cancel ctx to stop it.
func New(ctx context.Context, cfg Config) *Client {
	resolver := &dnscache.Resolver{}
	go dnsRefreshLoop(ctx, resolver, 5*time.Minute)

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithCache(ctx, dialer, resolver, network, addr)
		},
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		resolver: resolver,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
	}
}

func dnsRefreshLoop(ctx context.Context, resolver *dnscache.Resolver, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

func dialWithCache(ctx context.Context, dialer *net.Dialer, resolver *dnscache.Resolver, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Forward sends req, buffering and retrying on retryable status codes or
// transient network errors, subject to the circuit breaker for req's host.
// The request body is passed separately as body; each attempt sends a clone
// of req with a fresh reader over body, so req.Body itself is never read.
func (c *Client) Forward(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	host := req.URL.Host
	breaker := c.breakers.GetOrCreate(host)

	var lastResp *http.Response
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if !breaker.Allow() {
			return nil, gateway.ErrAllUpstreamsExhausted(fmt.Errorf("circuit open for %s", host))
		}

		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
		}

		resp, err := c.http.Do(attemptReq)
		if err != nil {
			breaker.RecordError(circuitbreaker.ClassifyError(err))
			lastErr = err
			if attempt == c.cfg.MaxAttempts {
				break
			}
			c.sleep(ctx, attempt, nil)
			continue
		}

		if !c.cfg.RetryableStatus[resp.StatusCode] {
			breaker.RecordSuccess()
			return resp, nil
		}

		weight := circuitbreaker.ClassifyError(statusError{resp.StatusCode})
		breaker.RecordError(weight)
		lastResp = resp
		if attempt == c.cfg.MaxAttempts {
			break
		}
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		c.sleep(ctx, attempt, retryAfter)
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, gateway.ErrUpstreamFailed(lastErr)
}

// ForwardRaw sends req with no retry and no body buffering, intended for
// streaming (SSE) requests where replay is unsafe once bytes have reached
// the client. The circuit breaker still observes the outcome.
func (c *Client) ForwardRaw(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	breaker := c.breakers.GetOrCreate(host)

	if !breaker.Allow() {
		return nil, gateway.ErrAllUpstreamsExhausted(fmt.Errorf("circuit open for %s", host))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		breaker.RecordError(circuitbreaker.ClassifyError(err))
		return nil, gateway.ErrUpstreamFailed(err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		breaker.RecordError(circuitbreaker.ClassifyError(statusError{resp.StatusCode}))
	} else {
		breaker.RecordSuccess()
	}
	return resp, nil
}

// sleep waits out the backoff for the given attempt, honoring an explicit
// Retry-After duration over the computed exponential-with-jitter delay.
func (c *Client) sleep(ctx context.Context, attempt int, retryAfter *time.Duration) {
	delay := newBackOff(c.cfg, attempt).NextBackOff()
	if retryAfter != nil {
		delay = *retryAfter
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func parseRetryAfter(v string) *time.Duration {
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return &d
		}
	}
	return nil
}

// Breakers exposes the client's per-host circuit breaker registry so a
// background worker can sweep out breakers for hosts that have gone quiet.
func (c *Client) Breakers() *circuitbreaker.Registry {
	return c.breakers
}

// statusError adapts a bare HTTP status code to circuitbreaker.ClassifyError,
// which dispatches on the httpStatusError interface.
type statusError struct{ status int }

func (e statusError) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e statusError) HTTPStatus() int { return e.status }

var _ error = statusError{}
