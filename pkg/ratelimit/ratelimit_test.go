// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketExhaustionAndRefill(t *testing.T) {
	l := New(Config{Capacity: 2, RefillPerSecond: 1, FailureThreshold: 3, FailureWindow: time.Minute, OpenDuration: time.Minute})

	g1 := l.Acquire("host-a")
	require.True(t, g1.Granted)
	g2 := l.Acquire("host-a")
	require.True(t, g2.Granted)
	g3 := l.Acquire("host-a")
	require.False(t, g3.Granted)
	require.False(t, g3.BlockedByCircuit)
	require.Greater(t, g3.RetryAfter, time.Duration(0))
}

func TestCircuitOpensAfterThreeFailuresAndBlocksForOpenDuration(t *testing.T) {
	l := New(Config{Capacity: 100, RefillPerSecond: 100, FailureThreshold: 3, FailureWindow: time.Minute, OpenDuration: time.Minute})

	for i := 0; i < 3; i++ {
		g := l.Acquire("slow.example")
		require.True(t, g.Granted)
		l.Record("slow.example", OutcomeTimeout)
	}

	require.Equal(t, StateOpen, l.State("slow.example"))

	g := l.Acquire("slow.example")
	require.False(t, g.Granted)
	require.True(t, g.BlockedByCircuit)
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	l := New(Config{Capacity: 100, RefillPerSecond: 100, FailureThreshold: 1, FailureWindow: time.Minute, OpenDuration: 10 * time.Millisecond})

	g := l.Acquire("h")
	require.True(t, g.Granted)
	l.Record("h", OutcomeFailure)
	require.Equal(t, StateOpen, l.State("h"))

	time.Sleep(20 * time.Millisecond)

	first := l.Acquire("h")
	require.True(t, first.Granted)
	second := l.Acquire("h")
	require.False(t, second.Granted)
	require.True(t, second.BlockedByCircuit)

	l.Record("h", OutcomeSuccess)
	require.Equal(t, StateClosed, l.State("h"))
}

func TestIndependentHosts(t *testing.T) {
	l := New(DefaultConfig())
	for i := 0; i < 3; i++ {
		l.Record("bad-host", OutcomeFailure)
	}
	require.Equal(t, StateOpen, l.State("bad-host"))
	require.Equal(t, StateClosed, l.State("good-host"))
	require.True(t, l.Acquire("good-host").Granted)
}
