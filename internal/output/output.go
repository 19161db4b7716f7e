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

// Package output emits the canonical downstream artifacts (spec.md §4.10
// / C10): raw URI list, Base64 bundle, JSON report, Clash YAML, Sing-Box
// JSON. Every write is atomic (write-temp then rename), following the
// teacher's single-writer-per-file design note.
package output

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/vpnagg/internal/domain"
)

const (
	FormatRaw     = "raw"
	FormatBase64  = "base64"
	FormatJSON    = "json"
	FormatClash   = "clash"
	FormatSingbox = "singbox"
)

var fileNames = map[string]string{
	FormatRaw:     "vpn_subscription_raw.txt",
	FormatBase64:  "vpn_subscription_base64.txt",
	FormatJSON:    "vpn_report.json",
	FormatClash:   "clash.yaml",
	FormatSingbox: "vpn_singbox.json",
}

// Write renders nodes into every requested format under outDir and
// returns the artifact paths written, in format-list order.
func Write(nodes []domain.Node, formats []string, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("output: create dir: %w", err)
	}

	sorted := sortedByFingerprint(nodes)
	raw := renderRaw(sorted)

	var artifacts []string
	for _, format := range formats {
		name, ok := fileNames[format]
		if !ok {
			continue
		}
		path := filepath.Join(outDir, name)

		var data []byte
		var err error
		switch format {
		case FormatRaw:
			data = []byte(raw)
		case FormatBase64:
			data = []byte(base64.StdEncoding.EncodeToString([]byte(raw)))
		case FormatJSON:
			data, err = renderJSON(sorted)
		case FormatClash:
			data, err = renderClash(sorted)
		case FormatSingbox:
			data, err = renderSingbox(sorted)
		}
		if err != nil {
			return artifacts, err
		}
		if err := atomicWrite(path, data); err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, path)
	}
	return artifacts, nil
}

func sortedByFingerprint(nodes []domain.Node) []domain.Node {
	out := make([]domain.Node, len(nodes))
	copy(out, nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// renderRaw emits one canonical URI per line, LF-terminated, in
// fingerprint order for determinism.
func renderRaw(nodes []domain.Node) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(CanonicalURI(&n))
		b.WriteByte('\n')
	}
	return b.String()
}

// CanonicalURI renders n in the exact form spec.md §6 documents for its
// protocol. Protocols without a documented canonical raw form (ssr,
// hysteria2, tuic, wireguard) fall back to the same query-sorted
// userinfo@host:port?params#tag shape used for vless/trojan, since the
// spec leaves their raw form unspecified but requires determinism.
func CanonicalURI(n *domain.Node) string {
	switch n.Protocol {
	case domain.ProtocolVMess:
		return canonicalVMess(n)
	case domain.ProtocolSS:
		return canonicalSS(n)
	default:
		return canonicalGenericURI(n)
	}
}

type vmessJSON struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port int    `json:"port"`
	ID   string `json:"id"`
	Aid  int    `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

func canonicalVMess(n *domain.Node) string {
	vtype, _ := n.Params.Get("type")
	vhost, _ := n.Params.Get("host")
	tls := "none"
	if n.Security == domain.SecurityTLS {
		tls = "tls"
	}
	vj := vmessJSON{
		V: "2", PS: n.Tag, Add: n.Host, Port: n.Port, ID: n.UserID,
		Net: string(n.Transport), Type: vtype, Host: vhost, Path: n.Path,
		TLS: tls, SNI: n.SNI,
	}
	data, _ := json.Marshal(vj)
	return "vmess://" + base64.StdEncoding.EncodeToString(data)
}

func canonicalSS(n *domain.Node) string {
	method, _ := n.Params.Get("method")
	cred := base64.StdEncoding.EncodeToString([]byte(method + ":" + n.UserID))
	tag := ""
	if n.Tag != "" {
		tag = "#" + url.QueryEscape(n.Tag)
	}
	return fmt.Sprintf("ss://%s@%s:%d%s", cred, n.Host, n.Port, tag)
}

// canonicalGenericURI handles vless/trojan (explicitly specified) and
// ssr/hysteria2/tuic/wireguard (determinism-only fallback): a
// userinfo@host:port with alphabetically sorted query params.
func canonicalGenericURI(n *domain.Node) string {
	q := url.Values{}
	if n.Params != nil {
		n.Params.Range(func(k, v string) { q.Set(k, v) })
	}
	if n.Security != "" && n.Security != domain.SecurityNone {
		q.Set("security", string(n.Security))
	}
	if n.Transport != "" {
		q.Set("type", string(n.Transport))
	}
	if n.SNI != "" {
		q.Set("sni", n.SNI)
	}
	if n.Path != "" {
		q.Set("path", n.Path)
	}
	query := q.Encode() // url.Values.Encode sorts keys alphabetically
	tag := ""
	if n.Tag != "" {
		tag = "#" + url.QueryEscape(n.Tag)
	}
	qStr := ""
	if query != "" {
		qStr = "?" + query
	}
	return fmt.Sprintf("%s://%s@%s:%d%s%s", n.Protocol, n.UserID, n.Host, n.Port, qStr, tag)
}

// report mirrors spec.md §4.10's JSON shape. Fields are declared in
// alphabetical key order so encoding/json's fixed field-declaration-order
// output matches spec.md §6's "sorted keys" requirement for vpn_report.json.
type report struct {
	ByProtocol  map[string]int `json:"by_protocol"`
	GeneratedAt time.Time      `json:"generated_at"`
	Nodes       []nodeJSON     `json:"nodes"`
	Total       int            `json:"total"`
}

// nodeJSON fields are likewise declared in alphabetical key order.
type nodeJSON struct {
	Fingerprint string  `json:"fingerprint"`
	Host        string  `json:"host"`
	Path        string  `json:"path,omitempty"`
	Port        int     `json:"port"`
	Protocol    string  `json:"protocol"`
	Quality     float64 `json:"quality"`
	Security    string  `json:"security"`
	SNI         string  `json:"sni,omitempty"`
	SourceID    string  `json:"source_id"`
	Tag         string  `json:"tag,omitempty"`
	Transport   string  `json:"transport"`
	URI         string  `json:"uri"`
}

func renderJSON(nodes []domain.Node) ([]byte, error) {
	byProtocol := make(map[string]int)
	jsonNodes := make([]nodeJSON, 0, len(nodes))
	// JSON report orders by quality desc, then fingerprint asc (spec.md §4.10).
	ordered := make([]domain.Node, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Quality != ordered[j].Quality {
			return ordered[i].Quality > ordered[j].Quality
		}
		return ordered[i].Fingerprint < ordered[j].Fingerprint
	})
	for _, n := range ordered {
		byProtocol[string(n.Protocol)]++
		jsonNodes = append(jsonNodes, nodeJSON{
			Protocol: string(n.Protocol), Host: n.Host, Port: n.Port,
			Transport: string(n.Transport), Security: string(n.Security),
			SNI: n.SNI, Path: n.Path, Tag: n.Tag, SourceID: n.SourceID,
			Quality: n.Quality, Fingerprint: n.Fingerprint, URI: CanonicalURI(&n),
		})
	}
	rep := report{GeneratedAt: time.Now().UTC(), Total: len(nodes), ByProtocol: byProtocol, Nodes: jsonNodes}

	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

type clashProxy struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
	UDP    bool   `yaml:"udp,omitempty"`
}

type clashDoc struct {
	Proxies     []clashProxy      `yaml:"proxies"`
	ProxyGroups []clashProxyGroup `yaml:"proxy-groups"`
}

type clashProxyGroup struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Proxies []string `yaml:"proxies"`
}

func renderClash(nodes []domain.Node) ([]byte, error) {
	proxies := make([]clashProxy, 0, len(nodes))
	names := make([]string, 0, len(nodes))
	for i, n := range nodes {
		name := proxyName(&n, i)
		proxies = append(proxies, clashProxy{
			Name: name, Type: string(n.Protocol), Server: n.Host, Port: n.Port,
		})
		names = append(names, name)
	}
	doc := clashDoc{
		Proxies: proxies,
		ProxyGroups: []clashProxyGroup{
			{Name: "auto", Type: "url-test", Proxies: names},
		},
	}
	return yaml.Marshal(doc)
}

type singboxOutbound struct {
	Tag        string `json:"tag"`
	Type       string `json:"type"`
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
}

type singboxDoc struct {
	Outbounds []singboxOutbound `json:"outbounds"`
}

func renderSingbox(nodes []domain.Node) ([]byte, error) {
	outbounds := make([]singboxOutbound, 0, len(nodes))
	for i, n := range nodes {
		outbounds = append(outbounds, singboxOutbound{
			Tag: proxyName(&n, i), Type: string(n.Protocol), Server: n.Host, ServerPort: n.Port,
		})
	}
	doc := singboxDoc{Outbounds: outbounds}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func proxyName(n *domain.Node, index int) string {
	if n.Tag != "" {
		return n.Tag
	}
	return fmt.Sprintf("%s-%d", n.Protocol, index)
}

// atomicWrite writes data to a temp file beside path, then renames it
// into place, so a crash mid-write never corrupts the prior artifact.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("output: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("output: rename: %w", err)
	}
	return nil
}
