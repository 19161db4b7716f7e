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

// Package domain holds the shared data model for the aggregation pipeline:
// sources, fetch results, nodes, cache entries, and jobs. Nothing in this
// package performs I/O; it is the vocabulary every other package shares.
package domain

import (
	"encoding/json"
	"time"
)

// Tier is a closed enum of source quality classes.
type Tier string

const (
	TierPremium      Tier = "premium"
	TierReliable     Tier = "reliable"
	TierBulk         Tier = "bulk"
	TierExperimental Tier = "experimental"
)

// Rank orders tiers from best to worst for dedup tie-breaking and scoring.
func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 3
	case TierReliable:
		return 2
	case TierBulk:
		return 1
	case TierExperimental:
		return 0
	default:
		return 0
	}
}

// DefaultWeight returns the tier's default weight, used unless a source
// overrides it explicitly.
func (t Tier) DefaultWeight() float64 {
	switch t {
	case TierPremium:
		return 1.0
	case TierReliable:
		return 0.75
	case TierBulk:
		return 0.5
	case TierExperimental:
		return 0.25
	default:
		return 0.5
	}
}

// Source describes one upstream subscription feed.
type Source struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Tier          Tier      `json:"tier"`
	Weight        float64   `json:"weight"`
	Enabled       bool      `json:"enabled"`
	LastChecked   time.Time `json:"last_checked,omitempty"`
	SuccessCount  int64     `json:"success_count"`
	FailureCount  int64     `json:"failure_count"`
	AvgResponseMs float64   `json:"avg_response_ms"`
}

// Reliability returns success_count / max(1, success_count+failure_count),
// the source_reliability term used by the scorer.
func (s *Source) Reliability() float64 {
	total := s.SuccessCount + s.FailureCount
	if total <= 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(total)
}

// FetchStatus enumerates the outcome of one fetch attempt.
type FetchStatus string

const (
	FetchOK         FetchStatus = "ok"
	FetchEmpty      FetchStatus = "empty"
	FetchHTTPError  FetchStatus = "http_error"
	FetchTimeout    FetchStatus = "timeout"
	FetchParseError FetchStatus = "parse_error"
	FetchBlocked    FetchStatus = "blocked"
)

// FetchResult is the per-attempt, per-source record emitted to statistics
// and discarded once the job finishes.
type FetchResult struct {
	SourceID    string
	Status      FetchStatus
	StartedAt   time.Time
	DurationMs  int64
	Bytes       int
	ConfigLines int
}

// Protocol is a closed enum of supported proxy protocols.
type Protocol string

const (
	ProtocolVMess     Protocol = "vmess"
	ProtocolVLess     Protocol = "vless"
	ProtocolTrojan    Protocol = "trojan"
	ProtocolSS        Protocol = "ss"
	ProtocolSSR       Protocol = "ssr"
	ProtocolHysteria2 Protocol = "hysteria2"
	ProtocolTUIC      Protocol = "tuic"
	ProtocolWireGuard Protocol = "wireguard"
)

// Transport is a closed enum of supported transport layers.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportWS   Transport = "ws"
	TransportGRPC Transport = "grpc"
	TransportH2   Transport = "h2"
	TransportQUIC Transport = "quic"
)

// Security is a closed enum of supported security layers.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// OrderedParams is an insertion-ordered string map. Iteration follows
// insertion order so downstream outputs (raw URIs, JSON reports) are
// byte-stable regardless of how the parser built the map.
type OrderedParams struct {
	keys   []string
	values map[string]string
}

// NewOrderedParams returns an empty ordered map.
func NewOrderedParams() *OrderedParams {
	return &OrderedParams{values: make(map[string]string)}
}

// Set inserts or overwrites key. Overwriting an existing key keeps its
// original position.
func (p *OrderedParams) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key and whether it was present.
func (p *OrderedParams) Get(key string) (string, bool) {
	if p.values == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

// Len returns the number of entries.
func (p *OrderedParams) Len() int {
	return len(p.keys)
}

// Keys returns the keys in insertion order. Callers must not mutate it.
func (p *OrderedParams) Keys() []string {
	return p.keys
}

// Range calls f for every key/value pair in insertion order.
func (p *OrderedParams) Range(f func(key, value string)) {
	for _, k := range p.keys {
		f(k, p.values[k])
	}
}

// orderedParam is the wire representation of one OrderedParams entry.
type orderedParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MarshalJSON encodes params as an array of {key,value} pairs in insertion
// order; a plain map would both lose that order and marshal unexported
// fields as {}.
func (p *OrderedParams) MarshalJSON() ([]byte, error) {
	pairs := make([]orderedParam, 0, len(p.keys))
	for _, k := range p.keys {
		pairs = append(pairs, orderedParam{Key: k, Value: p.values[k]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON restores params from the [{key,value}, ...] wire shape,
// preserving array order as insertion order.
func (p *OrderedParams) UnmarshalJSON(data []byte) error {
	var pairs []orderedParam
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	p.keys = nil
	p.values = make(map[string]string, len(pairs))
	for _, kv := range pairs {
		p.Set(kv.Key, kv.Value)
	}
	return nil
}

// Node is the dedupable unit: a single decoded proxy endpoint.
type Node struct {
	Protocol    Protocol       `json:"protocol"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	UserID      string         `json:"user_id"` // vmess/vless uuid, ss/trojan password, etc.
	Transport   Transport      `json:"transport"`
	Security    Security       `json:"security"`
	SNI         string         `json:"sni,omitempty"`
	Path        string         `json:"path,omitempty"`
	Params      *OrderedParams `json:"params"`
	Tag         string         `json:"tag,omitempty"`
	SourceID    string         `json:"source_id"`
	SeenAt      time.Time      `json:"seen_at"`
	Quality     float64        `json:"quality"`
	Fingerprint string         `json:"fingerprint"`
}

// FieldCompleteness returns the fraction of {sni, path, tag, params
// non-empty} that are present, used by the scorer.
func (n *Node) FieldCompleteness() float64 {
	present := 0
	total := 4.0
	if n.SNI != "" {
		present++
	}
	if n.Path != "" {
		present++
	}
	if n.Tag != "" {
		present++
	}
	if n.Params != nil && n.Params.Len() > 0 {
		present++
	}
	return float64(present) / total
}

// CacheTier identifies which layer of the cache wrote (or would write) an
// entry.
type CacheTier string

const (
	CacheTierL1 CacheTier = "L1"
	CacheTierL2 CacheTier = "L2"
	CacheTierL3 CacheTier = "L3"
)

// CacheEntry is a single cached value along with its lifecycle metadata.
type CacheEntry struct {
	Key         string
	ValueBytes  []byte
	CreatedAt   time.Time
	TTL         time.Duration
	TierWritten CacheTier
	Size        int
}

// Expired reports whether the entry is past its TTL as of now.
func (c *CacheEntry) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.CreatedAt.Add(c.TTL))
}

// JobStatus is the closed set of states in the job lifecycle state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobConfig carries the parameters of one pipeline run.
type JobConfig struct {
	Formats        []string       `json:"formats"`
	OutputDir      string         `json:"output_dir"`
	EnabledTiers   []Tier         `json:"enabled_tiers,omitempty"`
	StrictMode     bool           `json:"strict_mode"`
	MinQuality     float64        `json:"min_quality,omitempty"`
	NormalizeQuery bool           `json:"normalize_query,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
}

// JobResultSummary is the terminal summary attached to a finished job.
type JobResultSummary struct {
	SourcesTotal         int            `json:"sources_total"`
	SourcesOK            int            `json:"sources_ok"`
	SourcesFailed        int            `json:"sources_failed"`
	NodesUnique          int            `json:"nodes_unique"`
	DuplicatesSuppressed int            `json:"duplicates_suppressed"`
	Artifacts            []string       `json:"artifacts,omitempty"`
	ByProtocol           map[string]int `json:"by_protocol,omitempty"`
}

// Job is the persisted unit of pipeline work.
type Job struct {
	JobID      string            `json:"job_id"`
	Status     JobStatus         `json:"status"`
	Progress   float64           `json:"progress"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Config     JobConfig         `json:"config"`
	Result     *JobResultSummary `json:"result_summary,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
}

// ErrorInfo is the structured, user-visible failure shape from spec.md §7.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}
