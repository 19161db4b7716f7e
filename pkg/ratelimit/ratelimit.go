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

// Package ratelimit provides a per-host token bucket and a per-host
// circuit breaker, the admission-control pair the fetcher consults before
// every request. Both are plain mutex-guarded state machines in the style
// of pkg/vsa's scalar/vector counter: simple, allocation-free on the hot
// path, and safe under heavy concurrent use.
package ratelimit

import (
	"sync"
	"time"
)

// Outcome is the result of one fetch attempt, fed back via Record.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// BreakerState is the closed set of circuit-breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// bucket is a token bucket for a single host. capacity and refillPerSec are
// fixed at construction; tokens and lastRefill are the mutable state.
type bucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
}

func newBucket(capacity, refillPerSec float64) *bucket {
	return &bucket{capacity: capacity, refillPerSec: refillPerSec, tokens: capacity, lastRefill: time.Now()}
}

// take attempts to debit n tokens, refilling first. It returns whether the
// debit succeeded and, if not, how long until one token will be available.
func (b *bucket) take(n float64, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	deficit := n - b.tokens
	wait := time.Duration(deficit/b.refillPerSec*1e9) * time.Nanosecond
	return false, wait
}

// breaker is a three-state circuit breaker for a single host.
type breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	halfOpenInUse bool

	failureThreshold int
	failureWindow    time.Duration
	openDuration     time.Duration
}

func newBreaker(failureThreshold int, failureWindow, openDuration time.Duration) *breaker {
	return &breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		openDuration:     openDuration,
	}
}

// admit reports whether a request may proceed right now, and transitions
// open -> half_open once the open window elapses.
func (br *breaker) admit(now time.Time) bool {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(br.openedAt) >= br.openDuration {
			br.state = StateHalfOpen
			br.halfOpenInUse = false
			// fall through to half_open handling below
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		if br.halfOpenInUse {
			return false
		}
		br.halfOpenInUse = true
		return true
	default:
		return true
	}
}

func (br *breaker) record(outcome Outcome, now time.Time) {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case StateHalfOpen:
		br.halfOpenInUse = false
		if outcome == OutcomeSuccess {
			br.state = StateClosed
			br.failures = 0
		} else {
			br.state = StateOpen
			br.openedAt = now
		}
	case StateClosed:
		if outcome == OutcomeSuccess {
			// A success resets the failure window.
			br.failures = 0
			br.windowStart = time.Time{}
			return
		}
		if br.windowStart.IsZero() || now.Sub(br.windowStart) > br.failureWindow {
			br.windowStart = now
			br.failures = 1
		} else {
			br.failures++
		}
		if br.failures >= br.failureThreshold {
			br.state = StateOpen
			br.openedAt = now
			br.failures = 0
		}
	case StateOpen:
		// Already open; nothing to do until the open window elapses.
	}
}

func (br *breaker) currentState() BreakerState {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state
}

// Config bundles the tunables for both the bucket and the breaker.
type Config struct {
	Capacity         float64
	RefillPerSecond  float64
	FailureThreshold int
	FailureWindow    time.Duration
	OpenDuration     time.Duration
}

// DefaultConfig returns the spec's documented defaults: capacity=10,
// refill=5/s, 3 failures within 60s opens for 60s.
func DefaultConfig() Config {
	return Config{
		Capacity:         10,
		RefillPerSecond:  5,
		FailureThreshold: 3,
		FailureWindow:    60 * time.Second,
		OpenDuration:     60 * time.Second,
	}
}

// Grant is the outcome of Acquire.
type Grant struct {
	Granted    bool
	RetryAfter time.Duration
	// BlockedByCircuit is true when the refusal came from an open circuit
	// rather than an empty bucket.
	BlockedByCircuit bool
}

// Limiter admits requests per host, combining a token bucket with a
// circuit breaker. It is the concrete implementation of spec.md §4.1 (C1).
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	buckets  map[string]*bucket
	breakers map[string]*breaker
}

// New constructs a Limiter with cfg. A zero-value Config is replaced with
// DefaultConfig.
func New(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:      cfg,
		buckets:  make(map[string]*bucket),
		breakers: make(map[string]*breaker),
	}
}

func (l *Limiter) bucketFor(host string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = newBucket(l.cfg.Capacity, l.cfg.RefillPerSecond)
		l.buckets[host] = b
	}
	return b
}

func (l *Limiter) breakerFor(host string) *breaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	br, ok := l.breakers[host]
	if !ok {
		br = newBreaker(l.cfg.FailureThreshold, l.cfg.FailureWindow, l.cfg.OpenDuration)
		l.breakers[host] = br
	}
	return br
}

// Acquire consults the circuit breaker first, then the token bucket, for
// host. Acquiring a token when the circuit is open is refused immediately
// with BlockedByCircuit set, without touching the bucket.
func (l *Limiter) Acquire(host string) Grant {
	now := time.Now()
	br := l.breakerFor(host)
	if !br.admit(now) {
		return Grant{Granted: false, BlockedByCircuit: true}
	}
	b := l.bucketFor(host)
	ok, wait := b.take(1, now)
	if !ok {
		return Grant{Granted: false, RetryAfter: wait}
	}
	return Grant{Granted: true}
}

// Record feeds the outcome of a completed (or abandoned) fetch back into
// the breaker for host. Timeouts count as failures.
func (l *Limiter) Record(host string, outcome Outcome) {
	br := l.breakerFor(host)
	br.record(outcome, time.Now())
}

// State returns the current breaker state for host, mainly for
// diagnostics and tests.
func (l *Limiter) State(host string) BreakerState {
	return l.breakerFor(host).currentState()
}
