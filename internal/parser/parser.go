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

// Package parser decodes subscription feed bodies into typed Node records
// (spec.md §4.3 / C3). Parsing never fails the pipeline: unparseable lines
// become ParseErrors attached to the caller's statistics, never an error
// return from Parse itself.
package parser

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/kraklabs/vpnagg/internal/domain"
)

// ParseError is attached to statistics, never surfaced as a Go error from
// Parse.
type ParseError struct {
	Line   int
	Raw    string
	Reason string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Options tunes validation strictness.
type Options struct {
	// StrictMode rejects loopback/RFC1918 hosts. Off by default, matching
	// spec.md's "configurable" phrasing.
	StrictMode bool
}

// Parse decodes body (the raw bytes of one fetched subscription) into
// Nodes, attributing each to source. It never returns an error: bad lines
// become ParseErrors in the second return value.
func Parse(body []byte, sourceID string, opts Options) ([]domain.Node, []ParseError) {
	text := preprocess(body)
	lines := splitLines(text)

	var nodes []domain.Node
	var errs []ParseError

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		node, err := parseLine(line, opts)
		if err != nil {
			errs = append(errs, ParseError{Line: i + 1, Raw: line, Reason: err.Error()})
			continue
		}
		node.SourceID = sourceID
		node.Fingerprint = Fingerprint(&node)
		nodes = append(nodes, node)
	}
	return nodes, errs
}

// preprocess strips a UTF-8 BOM and, if the whole body (trimmed) decodes
// cleanly as Base64 ASCII text, substitutes the decoded bytes. Otherwise
// the body is treated as UTF-8 text as-is.
func preprocess(body []byte) string {
	s := strings.TrimSpace(string(stripBOM(body)))
	if decoded, ok := tryBase64Decode(s); ok {
		return decoded
	}
	return s
}

func stripBOM(b []byte) []byte {
	const bom = "\xEF\xBB\xBF"
	if strings.HasPrefix(string(b), bom) {
		return []byte(strings.TrimPrefix(string(b), bom))
	}
	return b
}

// tryBase64Decode reports whether s is valid (standard or URL, padded or
// not) Base64 whose decoded bytes are more than 95% printable ASCII (tab,
// CR and LF included), and returns the decoded string if so.
func tryBase64Decode(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	candidates := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	for _, enc := range candidates {
		decoded, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if isMostlyASCIIText(decoded) {
			return string(decoded), true
		}
	}
	return "", false
}

func isMostlyASCIIText(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) > 0.95
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func parseLine(line string, opts Options) (domain.Node, error) {
	scheme, _, ok := strings.Cut(line, "://")
	if !ok {
		return domain.Node{}, fmt.Errorf("no URI scheme")
	}
	switch strings.ToLower(scheme) {
	case "vmess":
		return parseVMess(line, opts)
	case "vless":
		return parseVLess(line, opts)
	case "trojan":
		return parseTrojan(line, opts)
	case "ss":
		return parseSS(line, opts)
	case "ssr":
		return parseSSR(line, opts)
	case "hysteria2", "hy2":
		return parseHysteria2(line, opts)
	case "tuic":
		return parseTUIC(line, opts)
	case "wireguard", "wg":
		return parseWireGuard(line, opts)
	default:
		return domain.Node{}, fmt.Errorf("unsupported scheme %q", scheme)
	}
}

// vmessJSON mirrors the fixed field set spec.md §4.3 documents for vmess://.
type vmessJSON struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port any    `json:"port"`
	ID   string `json:"id"`
	Aid  any    `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

func parseVMess(line string, opts Options) (domain.Node, error) {
	_, rest, _ := strings.Cut(line, "://")
	raw, err := decodeAnyBase64(rest)
	if err != nil {
		return domain.Node{}, fmt.Errorf("vmess base64: %w", err)
	}
	var vj vmessJSON
	if err := json.Unmarshal(raw, &vj); err != nil {
		return domain.Node{}, fmt.Errorf("vmess json: %w", err)
	}
	port, err := toPort(vj.Port)
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(vj.Add, port, opts); err != nil {
		return domain.Node{}, err
	}
	if vj.ID == "" {
		return domain.Node{}, fmt.Errorf("missing id")
	}
	transport := normalizeTransport(vj.Net)
	security := domain.SecurityNone
	if vj.TLS == "tls" {
		security = domain.SecurityTLS
	}
	params := domain.NewOrderedParams()
	if vj.Type != "" {
		params.Set("type", vj.Type)
	}
	if vj.Host != "" {
		params.Set("host", vj.Host)
	}
	return domain.Node{
		Protocol:  domain.ProtocolVMess,
		Host:      vj.Add,
		Port:      port,
		UserID:    vj.ID,
		Transport: transport,
		Security:  security,
		SNI:       firstNonEmpty(vj.SNI, vj.Host),
		Path:      vj.Path,
		Params:    params,
		Tag:       vj.PS,
	}, nil
}

func parseVLess(line string, opts Options) (domain.Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return domain.Node{}, fmt.Errorf("vless url: %w", err)
	}
	uuid := u.User.Username()
	if !isLikelyUUID(uuid) {
		return domain.Node{}, fmt.Errorf("invalid uuid")
	}
	port, err := toPort(u.Port())
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(u.Hostname(), port, opts); err != nil {
		return domain.Node{}, err
	}
	q := u.Query()
	params := paramsFromQuery(q)
	security := domain.Security(firstNonEmpty(q.Get("security"), "none"))
	if !isValidSecurity(security) {
		security = domain.SecurityNone
	}
	transport := normalizeTransport(firstNonEmpty(q.Get("type"), "tcp"))
	return domain.Node{
		Protocol:  domain.ProtocolVLess,
		Host:      u.Hostname(),
		Port:      port,
		UserID:    uuid,
		Transport: transport,
		Security:  security,
		SNI:       q.Get("sni"),
		Path:      q.Get("path"),
		Params:    params,
		Tag:       fragmentTag(u),
	}, nil
}

func parseTrojan(line string, opts Options) (domain.Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return domain.Node{}, fmt.Errorf("trojan url: %w", err)
	}
	password := u.User.Username()
	if password == "" {
		return domain.Node{}, fmt.Errorf("missing password")
	}
	port, err := toPort(u.Port())
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(u.Hostname(), port, opts); err != nil {
		return domain.Node{}, err
	}
	q := u.Query()
	params := paramsFromQuery(q)
	transport := normalizeTransport(firstNonEmpty(q.Get("type"), "tcp"))
	return domain.Node{
		Protocol:  domain.ProtocolTrojan,
		Host:      u.Hostname(),
		Port:      port,
		UserID:    password,
		Transport: transport,
		Security:  domain.SecurityTLS,
		SNI:       q.Get("sni"),
		Path:      q.Get("path"),
		Params:    params,
		Tag:       fragmentTag(u),
	}, nil
}

var validSSMethods = map[string]bool{
	"aes-256-gcm":             true,
	"chacha20-ietf-poly1305":  true,
	"2022-blake3-aes-256-gcm": true,
	"aes-128-gcm":             true,
	"chacha20-poly1305":       true,
}

// parseSS accepts both the legacy ss://base64(method:password)@host:port
// and SIP002 ss://method:password@host:port forms.
func parseSS(line string, opts Options) (domain.Node, error) {
	_, rest, _ := strings.Cut(line, "://")
	rest, tag, _ := strings.Cut(rest, "#")
	tagDecoded, _ := url.QueryUnescape(tag)

	body, query, _ := strings.Cut(rest, "?")
	_ = query

	var method, password, hostport string
	if at := strings.LastIndex(body, "@"); at >= 0 {
		userinfo := body[:at]
		hostport = body[at+1:]
		if decoded, err := decodeAnyBase64(userinfo); err == nil {
			method, password, _ = strings.Cut(string(decoded), ":")
		} else {
			method, password, _ = strings.Cut(userinfo, ":")
		}
	} else {
		decoded, err := decodeAnyBase64(body)
		if err != nil {
			return domain.Node{}, fmt.Errorf("ss legacy base64: %w", err)
		}
		cred, hp, ok := strings.Cut(string(decoded), "@")
		if !ok {
			return domain.Node{}, fmt.Errorf("ss legacy: missing @host:port")
		}
		method, password, _ = strings.Cut(cred, ":")
		hostport = hp
	}

	if !validSSMethods[strings.ToLower(method)] {
		return domain.Node{}, fmt.Errorf("unsupported ss method %q", method)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return domain.Node{}, fmt.Errorf("ss host:port: %w", err)
	}
	port, err := toPort(portStr)
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(host, port, opts); err != nil {
		return domain.Node{}, err
	}
	params := domain.NewOrderedParams()
	params.Set("method", strings.ToLower(method))
	return domain.Node{
		Protocol:  domain.ProtocolSS,
		Host:      host,
		Port:      port,
		UserID:    password,
		Transport: domain.TransportTCP,
		Security:  domain.SecurityNone,
		Params:    params,
		Tag:       tagDecoded,
	}, nil
}

// parseSSR implements the strict subset decided in DESIGN.md: legacy
// compound base64 of
// server:port:protocol:method:obfs:base64(password)/?params.
func parseSSR(line string, opts Options) (domain.Node, error) {
	_, rest, _ := strings.Cut(line, "://")
	decoded, err := decodeAnyBase64(rest)
	if err != nil {
		return domain.Node{}, fmt.Errorf("ssr base64: %w", err)
	}
	main, query, _ := strings.Cut(string(decoded), "/?")
	parts := strings.SplitN(main, ":", 6)
	if len(parts) != 6 {
		return domain.Node{}, fmt.Errorf("ssr: malformed compound")
	}
	host := parts[0]
	portStr := parts[1]
	protocol := parts[2]
	method := parts[3]
	obfs := parts[4]
	passB64 := parts[5]

	allowedProtocols := map[string]bool{"origin": true, "auth_sha1_v4": true, "auth_aes128_md5": true, "auth_aes128_sha1": true}
	allowedObfs := map[string]bool{"plain": true, "http_simple": true, "tls1.2_ticket_auth": true}
	if !allowedProtocols[protocol] || !allowedObfs[obfs] {
		return domain.Node{}, fmt.Errorf("ssr: unsupported protocol/obfs plugin")
	}

	port, err := toPort(portStr)
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(host, port, opts); err != nil {
		return domain.Node{}, err
	}
	passwordBytes, err := decodeAnyBase64(passB64)
	if err != nil {
		return domain.Node{}, fmt.Errorf("ssr password: %w", err)
	}

	params := domain.NewOrderedParams()
	params.Set("method", method)
	params.Set("protocol", protocol)
	params.Set("obfs", obfs)
	var tag string
	if query != "" {
		vals, _ := url.ParseQuery(query)
		if remarksB64 := vals.Get("remarks"); remarksB64 != "" {
			if r, err := decodeAnyBase64(remarksB64); err == nil {
				tag = string(r)
			}
		}
		if v := vals.Get("obfsparam"); v != "" {
			params.Set("obfsparam", v)
		}
		if v := vals.Get("protoparam"); v != "" {
			params.Set("protoparam", v)
		}
	}

	return domain.Node{
		Protocol:  domain.ProtocolSSR,
		Host:      host,
		Port:      port,
		UserID:    string(passwordBytes),
		Transport: domain.TransportTCP,
		Security:  domain.SecurityNone,
		Params:    params,
		Tag:       tag,
	}, nil
}

func parseHysteria2(line string, opts Options) (domain.Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return domain.Node{}, fmt.Errorf("hysteria2 url: %w", err)
	}
	password := u.User.Username()
	port, err := toPort(u.Port())
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(u.Hostname(), port, opts); err != nil {
		return domain.Node{}, err
	}
	q := u.Query()
	params := paramsFromQuery(q)
	return domain.Node{
		Protocol:  domain.ProtocolHysteria2,
		Host:      u.Hostname(),
		Port:      port,
		UserID:    password,
		Transport: domain.TransportQUIC,
		Security:  domain.SecurityTLS,
		SNI:       q.Get("sni"),
		Params:    params,
		Tag:       fragmentTag(u),
	}, nil
}

func parseTUIC(line string, opts Options) (domain.Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return domain.Node{}, fmt.Errorf("tuic url: %w", err)
	}
	uuid := u.User.Username()
	if uuid == "" {
		return domain.Node{}, fmt.Errorf("missing uuid")
	}
	port, err := toPort(u.Port())
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(u.Hostname(), port, opts); err != nil {
		return domain.Node{}, err
	}
	q := u.Query()
	params := paramsFromQuery(q)
	return domain.Node{
		Protocol:  domain.ProtocolTUIC,
		Host:      u.Hostname(),
		Port:      port,
		UserID:    uuid,
		Transport: domain.TransportQUIC,
		Security:  domain.SecurityTLS,
		SNI:       q.Get("sni"),
		Params:    params,
		Tag:       fragmentTag(u),
	}, nil
}

func parseWireGuard(line string, opts Options) (domain.Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return domain.Node{}, fmt.Errorf("wireguard url: %w", err)
	}
	privKey := u.User.Username()
	if privKey == "" {
		return domain.Node{}, fmt.Errorf("missing private key")
	}
	port, err := toPort(u.Port())
	if err != nil {
		return domain.Node{}, err
	}
	if err := validateHostPort(u.Hostname(), port, opts); err != nil {
		return domain.Node{}, err
	}
	q := u.Query()
	params := paramsFromQuery(q)
	return domain.Node{
		Protocol:  domain.ProtocolWireGuard,
		Host:      u.Hostname(),
		Port:      port,
		UserID:    privKey,
		Transport: domain.TransportQUIC,
		Security:  domain.SecurityNone,
		Params:    params,
		Tag:       fragmentTag(u),
	}, nil
}

// --- shared helpers ---

func decodeAnyBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

func toPort(v any) (int, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		return int(t), validatePortRange(int(t))
	case int:
		return t, validatePortRange(t)
	case nil:
		return 0, fmt.Errorf("missing port")
	default:
		s = fmt.Sprintf("%v", t)
	}
	if s == "" {
		return 0, fmt.Errorf("missing port")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, validatePortRange(n)
}

func validatePortRange(n int) error {
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}

func validateHostPort(host string, port int, opts Options) error {
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if err := validatePortRange(port); err != nil {
		return err
	}
	if opts.StrictMode && isPrivateOrLoopback(host) {
		return fmt.Errorf("host %q is private/loopback in strict mode", host)
	}
	return nil
}

func isPrivateOrLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.EqualFold(host, "localhost")
	}
	if ip.IsLoopback() {
		return true
	}
	private4 := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	for _, cidr := range private4 {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func normalizeTransport(s string) domain.Transport {
	switch strings.ToLower(s) {
	case "ws":
		return domain.TransportWS
	case "grpc":
		return domain.TransportGRPC
	case "h2", "http":
		return domain.TransportH2
	case "quic":
		return domain.TransportQUIC
	default:
		return domain.TransportTCP
	}
}

func isValidSecurity(s domain.Security) bool {
	switch s {
	case domain.SecurityNone, domain.SecurityTLS, domain.SecurityReality:
		return true
	default:
		return false
	}
}

func paramsFromQuery(q url.Values) *domain.OrderedParams {
	params := domain.NewOrderedParams()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	// url.Values has no defined order; sort for determinism, matching
	// spec.md's "params preserves insertion order so downstream outputs
	// are byte-stable" invariant applied to a source with no natural order.
	sortStrings(keys)
	for _, k := range keys {
		params.Set(k, q.Get(k))
	}
	return params
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fragmentTag(u *url.URL) string {
	if u.Fragment != "" {
		return u.Fragment
	}
	if u.RawFragment != "" {
		s, err := url.QueryUnescape(u.RawFragment)
		if err == nil {
			return s
		}
	}
	return ""
}

var uuidLike = func(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !isHexDigit(byte(c)) {
			return false
		}
	}
	return true
}

func isLikelyUUID(s string) bool { return uuidLike(s) }

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Fingerprint computes the canonical dedup key for n, per spec.md §4.3:
// sha256(lowercase(protocol)||host||:||port||"|"||identity||"|"||transport||"|"||security||"|"||sni||"|"||path).
func Fingerprint(n *domain.Node) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s%s:%d|%s|%s|%s|%s|%s",
		strings.ToLower(string(n.Protocol)), n.Host, n.Port, n.UserID,
		n.Transport, n.Security, n.SNI, n.Path)
	return hex.EncodeToString(h.Sum(nil))
}
