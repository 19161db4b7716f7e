// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/vpnagg/internal/domain"
	"github.com/kraklabs/vpnagg/internal/jobs"
	"github.com/kraklabs/vpnagg/internal/sources"
	"github.com/kraklabs/vpnagg/internal/stats"
)

type stubJobs struct {
	submitID   string
	submitErr  error
	job        domain.Job
	jobFound   bool
	cancelRes  jobs.CancelResult
	listResult []domain.Job
}

func (s *stubJobs) Submit(domain.JobConfig) (string, error)              { return s.submitID, s.submitErr }
func (s *stubJobs) Status(jobID string) (domain.Job, bool)               { return s.job, s.jobFound }
func (s *stubJobs) Cancel(jobID string) jobs.CancelResult                { return s.cancelRes }
func (s *stubJobs) List(limit int, status domain.JobStatus) []domain.Job { return s.listResult }

func newTestServer(j JobSubmitter) (*Server, *sources.Manager, *NodeStore) {
	srcMgr := sources.New(nil, false)
	nodeStore := NewNodeStore()
	statsRg := stats.New(false)
	return NewServer(j, srcMgr, nodeStore, statsRg), srcMgr, nodeStore
}

func TestRunPipelineAccepted(t *testing.T) {
	stub := &stubJobs{submitID: "job_abc123"}
	s, _, _ := newTestServer(stub)

	body, _ := json.Marshal(domain.JobConfig{OutputDir: "/tmp/out", Formats: []string{"raw"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/pipeline/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleRunPipeline(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp runPipelineResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "job_abc123", resp.JobID)
	require.Equal(t, "accepted", resp.Status)
}

func TestRunPipelineMissingOutputDirRejected(t *testing.T) {
	s, _, _ := newTestServer(&stubJobs{})
	body, _ := json.Marshal(domain.JobConfig{})
	req := httptest.NewRequest(http.MethodPost, "/v1/pipeline/run", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleRunPipeline(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobStatusFound(t *testing.T) {
	stub := &stubJobs{job: domain.Job{JobID: "job_1", Status: domain.JobRunning}, jobFound: true}
	s, _, _ := newTestServer(stub)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job_1", nil)
	w := httptest.NewRecorder()
	s.handleGetJobStatus(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var job domain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, domain.JobRunning, job.Status)
}

func TestGetJobStatusNotFound(t *testing.T) {
	s, _, _ := newTestServer(&stubJobs{jobFound: false})
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job_missing", nil)
	w := httptest.NewRecorder()
	s.handleGetJobStatus(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJobViaDelete(t *testing.T) {
	stub := &stubJobs{cancelRes: jobs.CancelOK}
	s, _, _ := newTestServer(stub)
	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job_1", nil)
	w := httptest.NewRecorder()
	s.handleGetJobStatus(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	stub := &stubJobs{cancelRes: jobs.CancelTerminal}
	s, _, _ := newTestServer(stub)
	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job_1", nil)
	w := httptest.NewRecorder()
	s.handleGetJobStatus(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestListSourcesReturnsAll(t *testing.T) {
	s, srcMgr, _ := newTestServer(&stubJobs{})
	srcMgr.Add("https://example.com/sub1", domain.TierPremium)
	srcMgr.Add("https://example.com/sub2", domain.TierBulk)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	w := httptest.NewRecorder()
	s.handleSources(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp listSourcesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 2)
}

func TestAddSourceCreated(t *testing.T) {
	s, _, _ := newTestServer(&stubJobs{})
	body, _ := json.Marshal(addSourceRequest{URL: "https://example.com/new", Tier: domain.TierReliable})
	req := httptest.NewRequest(http.MethodPost, "/v1/sources", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleSources(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp addSourceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "added", resp.Status)
	require.NotEmpty(t, resp.ID)
}

func TestAddSourceDuplicateConflicts(t *testing.T) {
	s, srcMgr, _ := newTestServer(&stubJobs{})
	srcMgr.Add("https://example.com/dup", domain.TierBulk)

	body, _ := json.Marshal(addSourceRequest{URL: "https://example.com/dup"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sources", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleSources(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestListConfigurationsFiltersByProtocolAndQuality(t *testing.T) {
	s, _, nodeStore := newTestServer(&stubJobs{})
	nodeStore.RecordNodes([]domain.Node{
		{Protocol: domain.ProtocolVLess, Fingerprint: "a", Quality: 0.9},
		{Protocol: domain.ProtocolSS, Fingerprint: "b", Quality: 0.3},
		{Protocol: domain.ProtocolVLess, Fingerprint: "c", Quality: 0.1},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/configurations?protocol=vless&min_quality=0.5", nil)
	w := httptest.NewRecorder()
	s.handleListConfigurations(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp listConfigurationsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	require.Len(t, resp.Configurations, 1)
	require.Equal(t, "a", resp.Configurations[0].Fingerprint)
}

func TestListConfigurationsPagination(t *testing.T) {
	s, _, nodeStore := newTestServer(&stubJobs{})
	nodeStore.RecordNodes([]domain.Node{
		{Fingerprint: "a"}, {Fingerprint: "b"}, {Fingerprint: "c"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/configurations?limit=1&offset=1", nil)
	w := httptest.NewRecorder()
	s.handleListConfigurations(w, req)

	var resp listConfigurationsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Equal(t, 1, resp.Limit)
	require.Equal(t, 1, resp.Offset)
	require.Len(t, resp.Configurations, 1)
	require.Equal(t, "b", resp.Configurations[0].Fingerprint)
}

// TestListConfigurationsWireShapeUsesSnakeCase asserts on the raw response
// bytes rather than round-tripping through domain.Node, so a regression in
// Node's json tags (or OrderedParams' marshaling) can't hide behind
// unmarshaling into the same tagged type used to produce the fixture.
func TestListConfigurationsWireShapeUsesSnakeCase(t *testing.T) {
	s, _, nodeStore := newTestServer(&stubJobs{})
	params := domain.NewOrderedParams()
	params.Set("type", "grpc")
	params.Set("serviceName", "grpc-svc")
	nodeStore.RecordNodes([]domain.Node{
		{
			Protocol: domain.ProtocolVLess, Host: "203.0.113.5", Port: 443,
			UserID:    "11111111-1111-4111-8111-111111111111",
			Transport: domain.TransportGRPC, Security: domain.SecurityReality,
			SNI: "example.com", Params: params, SourceID: "src-1",
			Fingerprint: "a", Quality: 0.9,
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/configurations", nil)
	w := httptest.NewRecorder()
	s.handleListConfigurations(w, req)

	raw := w.Body.String()
	for _, key := range []string{
		`"user_id"`, `"source_id"`, `"seen_at"`, `"fingerprint"`,
		`"params"`, `"key":"type"`, `"value":"grpc"`,
	} {
		require.Contains(t, raw, key)
	}
	require.NotContains(t, raw, `"UserID"`)
	require.NotContains(t, raw, `"Params":{}`)
}

func TestGetStatisticsReturnsSnapshot(t *testing.T) {
	s, _, _ := newTestServer(&stubJobs{})
	req := httptest.NewRequest(http.MethodGet, "/v1/statistics", nil)
	w := httptest.NewRecorder()
	s.handleGetStatistics(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
}
