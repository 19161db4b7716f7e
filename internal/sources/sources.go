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

// Package sources implements the tiered source manager (spec.md §4.7 /
// C7): a YAML document of tier -> []URL (with optional per-entry weight),
// normalized and deduplicated on load, with add/mark-result mutation.
package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/vpnagg/internal/domain"
)

// AddResult is the closed outcome set of Add.
type AddResult string

const (
	AddOK        AddResult = "ok"
	AddDuplicate AddResult = "duplicate"
	AddInvalid   AddResult = "invalid"
)

// entryDoc is one YAML list entry: either a bare URL string or a mapping
// with url/weight/metadata. yaml.v3 lets us accept both via a custom
// UnmarshalYAML.
type entryDoc struct {
	URL    string
	Weight float64
}

func (e *entryDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.URL)
	}
	var m struct {
		URL    string  `yaml:"url"`
		Weight float64 `yaml:"weight"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	e.URL = m.URL
	e.Weight = m.Weight
	return nil
}

// configDoc is the top-level YAML shape: tier name -> list of entries.
type configDoc map[string][]entryDoc

// Manager implements C7. All mutation goes through a single mutex,
// matching the teacher's core.Store pattern of one lock guarding one map
// plus an ordered key slice for stable iteration.
type Manager struct {
	mu             sync.Mutex
	byURL          map[string]*domain.Source
	order          []string // normalized URLs in load/add order (tiers load in map order)
	onWarn         func(msg string)
	normalizeQuery bool
}

// New constructs an empty Manager. normalizeQuery controls whether query
// parameters are sorted during URL normalization, per spec.md §4.7's
// normalize_query option; it defaults to false (order-sensitive identity).
func New(onWarn func(string), normalizeQuery bool) *Manager {
	if onWarn == nil {
		onWarn = func(string) {}
	}
	return &Manager{byURL: make(map[string]*domain.Source), onWarn: onWarn, normalizeQuery: normalizeQuery}
}

// Load parses configBytes (a tiered YAML document), replacing the
// manager's contents. Duplicate URLs (normalized) are dropped with a
// warning. Tiers are visited in Go map iteration order, so the first
// occurrence is kept only within one tier; when a URL appears under two
// tiers, which tier keeps it is not defined.
func (m *Manager) Load(configBytes []byte) ([]domain.Source, error) {
	var doc configDoc
	if err := yaml.Unmarshal(configBytes, &doc); err != nil {
		return nil, fmt.Errorf("sources: parse config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byURL = make(map[string]*domain.Source)
	m.order = nil

	for tierName, entries := range doc {
		tier, ok := normalizeTier(tierName)
		if !ok {
			m.onWarn(fmt.Sprintf("sources: unknown tier %q, treating as bulk", tierName))
		}
		for _, e := range entries {
			if e.URL == "" {
				continue
			}
			norm, ok := normalizeURL(e.URL, m.normalizeQuery)
			if !ok {
				m.onWarn(fmt.Sprintf("sources: invalid url %q, skipping", e.URL))
				continue
			}
			if _, exists := m.byURL[norm]; exists {
				m.onWarn(fmt.Sprintf("sources: duplicate url %q, dropping", e.URL))
				continue
			}
			weight := e.Weight
			if weight <= 0 {
				weight = tier.DefaultWeight()
			}
			src := &domain.Source{
				ID:      sourceID(norm),
				URL:     e.URL,
				Tier:    tier,
				Weight:  weight,
				Enabled: true,
			}
			m.byURL[norm] = src
			m.order = append(m.order, norm)
		}
	}
	return m.snapshotLocked(), nil
}

// All returns a stable-ordered snapshot of every source.
func (m *Manager) All() []domain.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []domain.Source {
	out := make([]domain.Source, 0, len(m.order))
	for _, norm := range m.order {
		out = append(out, *m.byURL[norm])
	}
	return out
}

// Add validates rawURL and appends it to tier (default "experimental"),
// per spec.md §4.7.
func (m *Manager) Add(rawURL string, tier domain.Tier) AddResult {
	norm, ok := normalizeURL(rawURL, m.normalizeQuery)
	if !ok {
		return AddInvalid
	}
	if tier == "" {
		tier = domain.TierExperimental
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byURL[norm]; exists {
		return AddDuplicate
	}
	src := &domain.Source{
		ID:      sourceID(norm),
		URL:     rawURL,
		Tier:    tier,
		Weight:  tier.DefaultWeight(),
		Enabled: true,
	}
	m.byURL[norm] = src
	m.order = append(m.order, norm)
	return AddOK
}

// MarkResult updates the success/failure counters the scorer reads.
func (m *Manager) MarkResult(rawURL string, ok bool, responseMs float64) {
	norm, valid := normalizeURL(rawURL, m.normalizeQuery)
	if !valid {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, exists := m.byURL[norm]
	if !exists {
		return
	}
	src.LastChecked = time.Now()
	if ok {
		src.SuccessCount++
	} else {
		src.FailureCount++
	}
	total := src.SuccessCount + src.FailureCount
	src.AvgResponseMs = ((src.AvgResponseMs * float64(total-1)) + responseMs) / float64(total)
}

// Get returns the source for rawURL, if known.
func (m *Manager) Get(rawURL string) (domain.Source, bool) {
	norm, ok := normalizeURL(rawURL, m.normalizeQuery)
	if !ok {
		return domain.Source{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, exists := m.byURL[norm]
	if !exists {
		return domain.Source{}, false
	}
	return *src, true
}

func normalizeTier(name string) (domain.Tier, bool) {
	switch domain.Tier(strings.ToLower(strings.TrimSpace(name))) {
	case domain.TierPremium:
		return domain.TierPremium, true
	case domain.TierReliable:
		return domain.TierReliable, true
	case domain.TierBulk:
		return domain.TierBulk, true
	case domain.TierExperimental:
		return domain.TierExperimental, true
	default:
		return domain.TierBulk, false
	}
}

// normalizeURL lowercases scheme/host and trims whitespace, per spec.md
// §4.7. When normalizeQuery is true, query parameters are also sorted so
// `?a=1&b=2` and `?b=2&a=1` collapse to the same identity.
func normalizeURL(raw string, normalizeQuery bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if normalizeQuery && u.RawQuery != "" {
		q := u.Query()
		u.RawQuery = q.Encode()
	}
	return u.String(), true
}

func sourceID(normalizedURL string) string {
	h := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(h[:])[:16]
}
