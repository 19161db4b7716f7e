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

// Package scorer computes the deterministic quality composite for a node
// (spec.md §4.5 / C5). It performs no I/O and holds no state; Score is a
// pure function of its arguments.
package scorer

import "github.com/kraklabs/vpnagg/internal/domain"

var protocolScore = map[domain.Protocol]float64{
	domain.ProtocolVLess:     1.0,
	domain.ProtocolVMess:     0.85,
	domain.ProtocolTrojan:    0.85,
	domain.ProtocolHysteria2: 0.9,
	domain.ProtocolTUIC:      0.85,
	domain.ProtocolSS:        0.7,
	domain.ProtocolSSR:       0.4,
	domain.ProtocolWireGuard: 0.9,
}

var securityScore = map[domain.Security]float64{
	domain.SecurityReality: 1.0,
	domain.SecurityTLS:     0.8,
	domain.SecurityNone:    0.2,
}

var transportScore = map[domain.Transport]float64{
	domain.TransportGRPC: 1.0,
	domain.TransportH2:   0.95,
	domain.TransportWS:   0.85,
	domain.TransportTCP:  0.7,
	domain.TransportQUIC: 0.9,
}

// Score computes q = 0.40*reliability + 0.15*protocol + 0.15*security +
// 0.15*transport + 0.10*completeness + 0.05*tier_bonus, per spec.md §4.5.
// Unknown protocol/security/transport values score 0 for that term rather
// than panicking, since the enums are closed by the parser.
func Score(node *domain.Node, source *domain.Source) float64 {
	reliability := source.Reliability()
	q := 0.40*reliability +
		0.15*protocolScore[node.Protocol] +
		0.15*securityScore[node.Security] +
		0.15*transportScore[node.Transport] +
		0.10*node.FieldCompleteness() +
		0.05*source.Tier.DefaultWeight()
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q
}
