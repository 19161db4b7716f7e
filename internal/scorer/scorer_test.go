// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package scorer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/vpnagg/internal/domain"
)

func TestScorePerfectNode(t *testing.T) {
	n := &domain.Node{
		Protocol:  domain.ProtocolVLess,
		Security:  domain.SecurityReality,
		Transport: domain.TransportGRPC,
		SNI:       "a", Path: "b", Tag: "c",
		Params: func() *domain.OrderedParams {
			p := domain.NewOrderedParams()
			p.Set("k", "v")
			return p
		}(),
	}
	s := &domain.Source{Tier: domain.TierPremium, SuccessCount: 10, FailureCount: 0}
	q := Score(n, s)
	require.InDelta(t, 1.0, q, 1e-9)
}

func TestScoreWorstNode(t *testing.T) {
	n := &domain.Node{
		Protocol:  domain.ProtocolSSR,
		Security:  domain.SecurityNone,
		Transport: domain.TransportTCP,
	}
	s := &domain.Source{Tier: domain.TierExperimental, SuccessCount: 0, FailureCount: 10}
	q := Score(n, s)
	require.Less(t, q, 0.3)
	require.GreaterOrEqual(t, q, 0.0)
}

func TestScoreReflectsSourceReliability(t *testing.T) {
	n := &domain.Node{Protocol: domain.ProtocolVLess, Security: domain.SecurityTLS, Transport: domain.TransportWS}
	reliable := &domain.Source{Tier: domain.TierPremium, SuccessCount: 9, FailureCount: 1}
	unreliable := &domain.Source{Tier: domain.TierPremium, SuccessCount: 1, FailureCount: 9}
	require.Greater(t, Score(n, reliable), Score(n, unreliable))
}

func TestScoreNoSuccessesOrFailuresDoesNotDivideByZero(t *testing.T) {
	n := &domain.Node{Protocol: domain.ProtocolVLess, Security: domain.SecurityTLS, Transport: domain.TransportWS}
	s := &domain.Source{Tier: domain.TierBulk}
	require.NotPanics(t, func() { Score(n, s) })
}
