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

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/cache"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

const gemmBody = `{
	"matrix": {"m": 50, "n": 50, "k": 50},
	"memory_precisions": {"a": "FP16", "b": "FP16", "c": "FP32"},
	"transpose": {"a": true}
}`

const attentionBody = `{
	"descriptor": {"matrix": {"row": 40, "column": 40, "head": 16}},
	"type": {"pass": "forward", "secondary": true}
}`

func newTestEcho(t *testing.T) (*echo.Echo, *Generator) {
	t.Helper()
	reg := prometheus.NewRegistry()
	gen := NewGenerator(mfa.Device{Family: mfa.Apple9}, nil, cache.WithMetrics(cache.NewMetrics(reg)))
	server := NewServer(gen, nil, reg)
	e := echo.New()
	server.Register(e)
	return e, gen
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type kernelPayload struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	CacheKey  string              `json:"cache_key"`
	Program   mfa.Program         `json:"program"`
	Constants []mfa.ConstantValue `json:"function_constants"`
	Grid      []uint32            `json:"grid"`
}

type errorPayload struct {
	Error ResponseError `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGEMMEndpoint(t *testing.T) {
	t.Parallel()
	e, gen := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/kernels/gemm", gemmBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[kernelPayload](t, rec)
	require.True(t, strings.HasPrefix(first.ID, "kernel-"))
	require.Equal(t, KindGEMM, first.Kind)
	require.Equal(t, gemm.EntryPoint, first.Program.EntryPoint)
	require.Contains(t, first.Program.Source, "kernel void "+gemm.EntryPoint)
	require.NotEmpty(t, first.CacheKey)
	require.NotEmpty(t, first.Constants)
	require.Len(t, first.Grid, 2)

	rec = doJSON(t, e, http.MethodPost, "/v1/kernels/gemm", gemmBody)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[kernelPayload](t, rec)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.CacheKey, second.CacheKey)
	require.Equal(t, first.Program.Source, second.Program.Source)
	require.Equal(t, 1, gen.Len()[KindGEMM])
}

func TestAttentionEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/kernels/attention", attentionBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[kernelPayload](t, rec)
	require.Equal(t, KindAttention, got.Kind)
	require.Equal(t, attention.EntryPoint, got.Program.EntryPoint)
	require.Len(t, got.Grid, 1)
	require.NotZero(t, got.Grid[0])
}

func TestListKernels(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	require.Equal(t, http.StatusOK, doJSON(t, e, http.MethodPost, "/v1/kernels/attention", attentionBody).Code)
	require.Equal(t, http.StatusOK, doJSON(t, e, http.MethodPost, "/v1/kernels/gemm", gemmBody).Code)

	rec := doJSON(t, e, http.MethodGet, "/v1/kernels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Object string         `json:"object"`
		Data   []CachedKernel `json:"data"`
	}](t, rec)
	require.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	require.Equal(t, KindAttention, list.Data[0].Kind)
	require.Equal(t, KindGEMM, list.Data[1].Kind)
	require.NotZero(t, list.Data[1].ThreadgroupSize)
}

func TestEndpointErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	for _, tc := range []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"malformed json", "/v1/kernels/gemm", `{"matrix":`, http.StatusBadRequest, ""},
		{"unknown field", "/v1/kernels/gemm", `{"rows": 3}`, http.StatusBadRequest, ""},
		{"incomplete gemm", "/v1/kernels/gemm", `{"matrix": {"m": 8, "n": 8}}`, http.StatusUnprocessableEntity, "descriptor_incomplete"},
		{"missing descriptor", "/v1/kernels/attention", `{"type": {"pass": "forward"}}`, http.StatusBadRequest, ""},
		{"missing pass", "/v1/kernels/attention", `{"descriptor": {"matrix": {"row": 8, "column": 8, "head": 8}}}`, http.StatusBadRequest, ""},
		{"incomplete attention", "/v1/kernels/attention", `{"descriptor": {"matrix": {"row": 8}}, "type": {"pass": "forward"}}`, http.StatusBadRequest, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			got := decode[errorPayload](t, rec)
			require.NotEmpty(t, got.Error.Message)
			require.Equal(t, tc.code, got.Error.Code)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[struct {
		Status string         `json:"status"`
		Device mfa.Device     `json:"device"`
		Counts map[string]int `json:"kernels"`
	}](t, rec)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, mfa.Apple9, health.Device.Family)
	require.Equal(t, 0, health.Counts[KindGEMM])

	require.Equal(t, http.StatusOK, doJSON(t, e, http.MethodPost, "/v1/kernels/gemm", gemmBody).Code)
	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `mfa_cache_misses_total{cache="gemm"} 1`)
}
