// Copyright 2025 go-highway Authors
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

// Package api serves kernel generation over HTTP.
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajroetker/go-mfa/internal/logger"
	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

type Server struct {
	gen     *Generator
	log     logger.Logger
	metrics http.Handler
	clock   func() time.Time
}

// NewServer serves gen. Metrics are read from gatherer; nil selects the
// default Prometheus registry.
func NewServer(gen *Generator, log logger.Logger, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		gen:     gen,
		log:     log,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/kernels/gemm", s.handleGEMM)
	e.POST("/v1/kernels/attention", s.handleAttention)
	e.GET("/v1/kernels", s.handleListKernels)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
}

// KernelResponse is returned by both generation endpoints.
type KernelResponse struct {
	ID        string              `json:"id"`
	Object    string              `json:"object"`
	Kind      string              `json:"kind"`
	Created   int64               `json:"created"`
	CacheKey  string              `json:"cache_key"`
	Program   mfa.Program         `json:"program"`
	Constants []mfa.ConstantValue `json:"function_constants"`
	// Grid is the threadgroup count; attention kernels dispatch along x
	// only.
	Grid []uint32 `json:"grid"`
	// Kernel is the resolved kernel descriptor.
	Kernel any `json:"kernel"`
}

// AttentionRequest names the problem and the pass to generate.
type AttentionRequest struct {
	Descriptor json.RawMessage       `json:"descriptor"`
	Type       attention.KernelType `json:"type"`
}

func (s *Server) handleGEMM(c *echo.Context) error {
	d, err := decodeJSON[gemm.Descriptor](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	k, err := s.gen.GEMM(c.Request().Context(), d)
	if err != nil {
		return s.writeGenerationError(c, KindGEMM, err)
	}
	return c.JSON(http.StatusOK, KernelResponse{
		ID:        "kernel-" + uuid.NewString(),
		Object:    "kernel",
		Kind:      KindGEMM,
		Created:   s.clock().Unix(),
		CacheKey:  k.Descriptor.CacheKey(),
		Program:   k.Program,
		Constants: d.FunctionConstants(),
		Grid:      k.Grid[:],
		Kernel:    k.Descriptor,
	})
}

func (s *Server) handleAttention(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Descriptor) == 0 {
		return writeBadRequest(c, "descriptor is required")
	}
	if !req.Type.Pass.Valid() {
		return writeBadRequest(c, "type.pass must be one of forward, backward-query, backward-key-value")
	}
	d, err := attention.ParseDescriptor(req.Descriptor)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	k, err := s.gen.Attention(c.Request().Context(), d, req.Type)
	if err != nil {
		return s.writeGenerationError(c, KindAttention, err)
	}
	return c.JSON(http.StatusOK, KernelResponse{
		ID:        "kernel-" + uuid.NewString(),
		Object:    "kernel",
		Kind:      KindAttention,
		Created:   s.clock().Unix(),
		CacheKey:  k.Descriptor.CacheKey(),
		Program:   k.Program,
		Constants: d.FunctionConstants(),
		Grid:      []uint32{k.Grid},
		Kernel:    k.Descriptor,
	})
}

func (s *Server) handleListKernels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.gen.Cached(),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"device":  s.gen.Device(),
		"kernels": s.gen.Len(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
