// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch implements the bounded, cancellable, rate-limited HTTP
// fetcher (spec.md §4.2 / C2). It is deliberately a thin wrapper around
// net/http with the connection-reuse tuning from the teacher's
// tools/http-loadgen and the retry/backoff idiom common across the
// retrieval pack's client code.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kraklabs/vpnagg/pkg/ratelimit"
)

// Kind enumerates the closed set of fetch errors from spec.md §4.2.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindHTTPStatus    Kind = "http_status"
	KindTooLarge      Kind = "too_large"
	KindBlocked       Kind = "blocked_by_circuit"
	KindUnsupportedCE Kind = "unsupported_content_encoding"
)

// ErrUnsupportedEncoding is wrapped into a network-classified Error when a
// response declares an encoding we cannot decode (currently: br/Brotli,
// since no decoder exists anywhere in the teacher or the retrieval pack).
var ErrUnsupportedEncoding = errors.New("unsupported content-encoding")

// Error is the explicit outcome type fetch operations return instead of
// ad hoc errors, per spec.md's "result types over exceptions" design note.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config bundles the fetcher's tunables; zero values are replaced with
// spec.md's documented defaults.
type Config struct {
	Timeout        time.Duration // per-request connect+read timeout, default 30s
	MaxRetries     int           // default 3
	BackoffBase    time.Duration // default 500ms
	JitterPercent  float64       // default 0.20 (±20%)
	MaxBodyBytes   int64         // default 20 MiB
	MaxIdleConns   int
	MaxIdlePerHost int
	IdleTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.JitterPercent <= 0 {
		c.JitterPercent = 0.20
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 20 << 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 256
	}
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	return c
}

// Fetcher implements spec.md §4.2 (C2): Fetch(url, ctx) -> (body | Error).
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	rng     *rand.Rand
}

// New constructs a Fetcher gated by limiter (see pkg/ratelimit).
func New(cfg Config, limiter *ratelimit.Limiter) *Fetcher {
	cfg = cfg.withDefaults()
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		IdleConnTimeout:     cfg.IdleTimeout,
		// We decode gzip/deflate ourselves because we must enforce
		// MaxBodyBytes on the decompressed stream, not the wire bytes.
		DisableCompression: true,
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Transport: tr, Timeout: cfg.Timeout},
		limiter: limiter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fetch retrieves rawURL, retrying transient failures with exponential
// backoff, honoring the circuit breaker, and enforcing the body size cap.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("parse url: %w", err)}
	}
	host := u.Hostname()

	grant := f.limiter.Acquire(host)
	if !grant.Granted {
		if grant.BlockedByCircuit {
			return nil, &Error{Kind: KindBlocked, Err: errors.New("circuit open for host " + host)}
		}
		select {
		case <-time.After(grant.RetryAfter):
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := f.backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
			}
		}

		body, retryAfter, ferr := f.attempt(ctx, rawURL)
		if ferr == nil {
			f.limiter.Record(host, ratelimit.OutcomeSuccess)
			return body, nil
		}

		var fe *Error
		if errors.As(ferr, &fe) {
			switch fe.Kind {
			case KindTimeout:
				f.limiter.Record(host, ratelimit.OutcomeTimeout)
				lastErr = ferr
				continue
			case KindNetwork:
				f.limiter.Record(host, ratelimit.OutcomeFailure)
				lastErr = ferr
				continue
			case KindHTTPStatus:
				if fe.StatusCode == http.StatusTooManyRequests {
					f.limiter.Record(host, ratelimit.OutcomeFailure)
					lastErr = ferr
					if retryAfter > 0 {
						select {
						case <-time.After(retryAfter):
						case <-ctx.Done():
							return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
						}
					}
					continue
				}
				if fe.StatusCode == http.StatusRequestTimeout {
					f.limiter.Record(host, ratelimit.OutcomeFailure)
					lastErr = ferr
					continue
				}
				// Other 4xx/5xx are not retried.
				f.limiter.Record(host, ratelimit.OutcomeFailure)
				return nil, ferr
			default:
				f.limiter.Record(host, ratelimit.OutcomeFailure)
				return nil, ferr
			}
		}
		f.limiter.Record(host, ratelimit.OutcomeFailure)
		return nil, ferr
	}
	return nil, lastErr
}

// backoff computes base*2^(attempt-1) with +/- JitterPercent jitter, so the
// first retry (attempt 1) waits about base.
func (f *Fetcher) backoff(attempt int) time.Duration {
	base := float64(f.cfg.BackoffBase) * float64(int64(1)<<uint(attempt-1))
	jitter := base * f.cfg.JitterPercent
	delta := (f.rng.Float64()*2 - 1) * jitter
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	return d
}

// attempt performs exactly one HTTP round trip and classifies the result.
func (f *Fetcher) attempt(ctx context.Context, rawURL string) (body []byte, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, 0, &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		ra := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, ra, &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	if resp.StatusCode >= 400 {
		return nil, 0, &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	reader, rerr := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if rerr != nil {
		return nil, 0, &Error{Kind: KindNetwork, Err: rerr}
	}

	limited := io.LimitReader(reader, f.cfg.MaxBodyBytes+1)
	data, rerr := io.ReadAll(limited)
	if rerr != nil {
		if ctx.Err() != nil {
			return nil, 0, &Error{Kind: KindTimeout, Err: rerr}
		}
		return nil, 0, &Error{Kind: KindNetwork, Err: rerr}
	}
	if int64(len(data)) > f.cfg.MaxBodyBytes {
		return nil, 0, &Error{Kind: KindTooLarge, Err: fmt.Errorf("body exceeds %d bytes", f.cfg.MaxBodyBytes)}
	}
	return data, 0, nil
}

func decodeBody(encoding string, r io.Reader) (io.Reader, error) {
	switch encoding {
	case "", "identity":
		return r, nil
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gr, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return nil, fmt.Errorf("%w: br", ErrUnsupportedEncoding)
	default:
		return r, nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}
