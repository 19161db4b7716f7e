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

// Package controlplane implements the six HTTP operations spec.md §6
// defines as the pipeline's public surface, in the teacher's
// plain-ServeMux-and-explicit-handlers style (no framework).
package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/kraklabs/vpnagg/internal/domain"
	"github.com/kraklabs/vpnagg/internal/jobs"
	"github.com/kraklabs/vpnagg/internal/sources"
	"github.com/kraklabs/vpnagg/internal/stats"
)

// JobSubmitter is the subset of *jobs.Manager the server needs.
type JobSubmitter interface {
	Submit(cfg domain.JobConfig) (string, error)
	Status(jobID string) (domain.Job, bool)
	Cancel(jobID string) jobs.CancelResult
	List(limit int, status domain.JobStatus) []domain.Job
}

// NodeStore backs ListConfigurations with the last completed run's nodes.
// It implements pipeline.NodesSink.
type NodeStore struct {
	mu    chan struct{} // 1-buffered channel used as a mutex; holders only copy the slice
	nodes []domain.Node
}

// NewNodeStore constructs an empty NodeStore.
func NewNodeStore() *NodeStore {
	s := &NodeStore{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

// RecordNodes implements pipeline.NodesSink.
func (s *NodeStore) RecordNodes(nodes []domain.Node) {
	<-s.mu
	s.nodes = append([]domain.Node(nil), nodes...)
	s.mu <- struct{}{}
}

func (s *NodeStore) snapshot() []domain.Node {
	<-s.mu
	out := append([]domain.Node(nil), s.nodes...)
	s.mu <- struct{}{}
	return out
}

// Server wires the job runner, source manager, node store, and
// statistics registry behind the six spec.md §6 operations.
type Server struct {
	jobs    JobSubmitter
	srcMgr  *sources.Manager
	nodes   *NodeStore
	statsRg *stats.Registry
}

// NewServer constructs a Server.
func NewServer(jobRunner JobSubmitter, srcMgr *sources.Manager, nodes *NodeStore, statsRg *stats.Registry) *Server {
	return &Server{jobs: jobRunner, srcMgr: srcMgr, nodes: nodes, statsRg: statsRg}
}

// RegisterRoutes registers every handler on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/pipeline/run", s.handleRunPipeline)
	mux.HandleFunc("/v1/jobs/", s.handleGetJobStatus)
	mux.HandleFunc("/v1/sources", s.handleSources)
	mux.HandleFunc("/v1/configurations", s.handleListConfigurations)
	mux.HandleFunc("/v1/statistics", s.handleGetStatistics)
}

// ListenAndServe starts the HTTP server with the teacher's timeout
// conventions (internal/ratelimiter/api.Server.ListenAndServe).
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	fmt.Printf("vpnagg control plane listening on %s\n", addr)
	return httpServer.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, domain.ErrorInfo{Code: code, Message: message})
}

// runPipelineResponse is RunPipeline's bit-exact shape (spec.md §6).
type runPipelineResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_config", "POST required")
		return
	}
	var cfg domain.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", "malformed request body: "+err.Error())
		return
	}
	if cfg.OutputDir == "" {
		writeError(w, http.StatusBadRequest, "invalid_config", "output_dir is required")
		return
	}
	id, err := s.jobs.Submit(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "io_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, runPipelineResponse{JobID: id, Status: "accepted"})
}

// handleGetJobStatus also serves DELETE as Cancel, since both act on
// /v1/jobs/{id} and the spec keeps job lifecycle operations colocated.
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/v1/jobs/"):]
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_config", "job id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		job, ok := s.jobs.Status(id)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "no such job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		switch s.jobs.Cancel(id) {
		case jobs.CancelOK:
			w.WriteHeader(http.StatusNoContent)
		case jobs.CancelNotFound:
			writeError(w, http.StatusNotFound, "not_found", "no such job")
		case jobs.CancelTerminal:
			writeError(w, http.StatusConflict, "invalid_config", "job already finished")
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "invalid_config", "GET or DELETE required")
	}
}

type listSourcesResponse struct {
	Sources []domain.Source `json:"sources"`
}

type addSourceRequest struct {
	URL  string      `json:"url"`
	Tier domain.Tier `json:"tier,omitempty"`
}

type addSourceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, listSourcesResponse{Sources: s.srcMgr.All()})
	case http.MethodPost:
		var req addSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_config", "malformed request body: "+err.Error())
			return
		}
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "invalid_url", "url is required")
			return
		}
		tier := req.Tier
		if tier == "" {
			tier = domain.TierExperimental
		}
		res := s.srcMgr.Add(req.URL, tier)
		switch res {
		case sources.AddOK:
			src, _ := s.srcMgr.Get(req.URL)
			writeJSON(w, http.StatusCreated, addSourceResponse{ID: src.ID, Status: "added"})
		case sources.AddDuplicate:
			writeError(w, http.StatusConflict, "invalid_config", "source already exists")
		case sources.AddInvalid:
			writeError(w, http.StatusBadRequest, "invalid_url", "url could not be normalized")
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "invalid_config", "GET or POST required")
	}
}

type listConfigurationsResponse struct {
	Total          int           `json:"total"`
	Limit          int           `json:"limit"`
	Offset         int           `json:"offset"`
	Configurations []domain.Node `json:"configurations"`
}

func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_config", "GET required")
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_config", "limit must be an integer in [0,1000]")
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_config", "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	protocol := q.Get("protocol")
	var minQuality float64
	if v := q.Get("min_quality"); v != "" {
		mq, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_config", "min_quality must be a number")
			return
		}
		minQuality = mq
	}

	all := s.nodes.snapshot()
	filtered := make([]domain.Node, 0, len(all))
	for _, n := range all {
		if protocol != "" && string(n.Protocol) != protocol {
			continue
		}
		if n.Quality < minQuality {
			continue
		}
		filtered = append(filtered, n)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Fingerprint < filtered[j].Fingerprint })

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := filtered[offset:end]

	writeJSON(w, http.StatusOK, listConfigurationsResponse{
		Total: total, Limit: limit, Offset: offset, Configurations: page,
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_config", "GET required")
		return
	}
	writeJSON(w, http.StatusOK, s.statsRg.Snapshot())
}
