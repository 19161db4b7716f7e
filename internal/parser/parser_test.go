// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package parser

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/vpnagg/internal/domain"
)

func TestParseVLess(t *testing.T) {
	line := "vless://2b2a2a2a-1111-2222-3333-444455556666@example.com:443?security=tls&type=ws&sni=example.com&path=%2Fws#my-node"
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
	n := nodes[0]
	require.Equal(t, domain.ProtocolVLess, n.Protocol)
	require.Equal(t, "example.com", n.Host)
	require.Equal(t, 443, n.Port)
	require.Equal(t, domain.SecurityTLS, n.Security)
	require.Equal(t, domain.TransportWS, n.Transport)
	require.Equal(t, "/ws", n.Path)
	require.Equal(t, "my-node", n.Tag)
	require.Equal(t, "src-1", n.SourceID)
	require.NotEmpty(t, n.Fingerprint)
}

func TestParseTrojan(t *testing.T) {
	line := "trojan://sup3rsecret@proxy.example.net:443?sni=proxy.example.net#trojan-node"
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
	require.Equal(t, domain.ProtocolTrojan, nodes[0].Protocol)
	require.Equal(t, domain.SecurityTLS, nodes[0].Security)
}

func TestParseSSSIP002(t *testing.T) {
	line := "ss://aes-256-gcm:password123@192.0.2.1:8388#ss-node"
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
	n := nodes[0]
	require.Equal(t, domain.ProtocolSS, n.Protocol)
	require.Equal(t, "192.0.2.1", n.Host)
	require.Equal(t, 8388, n.Port)
	require.Equal(t, "password123", n.UserID)
}

func TestParseSSLegacyBase64(t *testing.T) {
	cred := base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:password123@192.0.2.1:8388"))
	line := "ss://" + cred
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
	require.Equal(t, "192.0.2.1", nodes[0].Host)
}

func TestParseVMessBase64JSON(t *testing.T) {
	payload := `{"v":"2","ps":"vm-node","add":"198.51.100.2","port":443,"id":"2b2a2a2a-1111-2222-3333-444455556666","aid":0,"net":"ws","type":"none","host":"cdn.example.com","path":"/path","tls":"tls","sni":"cdn.example.com"}`
	line := "vmess://" + base64.StdEncoding.EncodeToString([]byte(payload))
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
	n := nodes[0]
	require.Equal(t, domain.ProtocolVMess, n.Protocol)
	require.Equal(t, 443, n.Port)
	require.Equal(t, domain.TransportWS, n.Transport)
	require.Equal(t, domain.SecurityTLS, n.Security)
}

func TestParseWholeBodyBase64Encoded(t *testing.T) {
	inner := "trojan://sup3rsecret@proxy.example.net:443?sni=proxy.example.net#tag\n"
	body := base64.StdEncoding.EncodeToString([]byte(inner))
	nodes, errs := Parse([]byte(body), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
}

func TestParseSkipsBadLinesWithoutFailingWhole(t *testing.T) {
	body := "trojan://sup3rsecret@proxy.example.net:443#ok\nnot-a-uri-at-all\nvless://bad-uuid@host:443\n"
	nodes, errs := Parse([]byte(body), "src-1", Options{})
	require.Len(t, nodes, 1)
	require.Len(t, errs, 2)
}

func TestStrictModeRejectsPrivateHosts(t *testing.T) {
	line := "trojan://secret@10.0.0.5:443#internal"
	nodes, errs := Parse([]byte(line), "src-1", Options{StrictMode: true})
	require.Empty(t, nodes)
	require.Len(t, errs, 1)
}

func TestFingerprintStableForEquivalentNodes(t *testing.T) {
	a := domain.Node{Protocol: domain.ProtocolTrojan, Host: "h", Port: 443, UserID: "p", Transport: domain.TransportTCP, Security: domain.SecurityTLS}
	b := a
	require.Equal(t, Fingerprint(&a), Fingerprint(&b))
	b.Port = 444
	require.NotEqual(t, Fingerprint(&a), Fingerprint(&b))
}

func TestParseSSRCompound(t *testing.T) {
	main := "192.0.2.9:8989:auth_sha1_v4:aes-256-gcm:plain:" + base64.StdEncoding.EncodeToString([]byte("p@ssw0rd"))
	line := "ssr://" + base64.StdEncoding.EncodeToString([]byte(main))
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Len(t, nodes, 1)
	require.Equal(t, domain.ProtocolSSR, nodes[0].Protocol)
	require.Equal(t, "p@ssw0rd", nodes[0].UserID)
}

func TestParseHysteria2(t *testing.T) {
	line := "hysteria2://secretpw@203.0.113.5:443?sni=h2.example.com#hy2"
	nodes, errs := Parse([]byte(line), "src-1", Options{})
	require.Empty(t, errs)
	require.Equal(t, domain.ProtocolHysteria2, nodes[0].Protocol)
	require.Equal(t, domain.TransportQUIC, nodes[0].Transport)
}
