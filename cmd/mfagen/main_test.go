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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/ajroetker/go-mfa/internal/api"
	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

// run executes mfagen with an empty config directory.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(mfa.FamilyEnv, "")
	require.NoError(t, os.Unsetenv(mfa.FamilyEnv))
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(context.Background(), append([]string{"mfagen"}, args...))
	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGEMMCommand(t *testing.T) {
	md := filepath.Join(t.TempDir(), "gemm.json")
	out, err := run(t, "--family", "apple9", "gemm",
		"--m", "64", "--n", "48", "--k", "32",
		"--precision-a", "fp16", "--transpose-b", "--metadata", md)
	require.NoError(t, err)
	require.Contains(t, out, "kernel void gemm(")

	data, err := os.ReadFile(md)
	require.NoError(t, err)
	var got Metadata
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, api.KindGEMM, got.Kind)
	require.Equal(t, "gemm", got.EntryPoint)
	require.Len(t, got.Grid, 2)
	require.NotEmpty(t, got.Bindings)
	require.NotZero(t, got.ThreadgroupSize)
}

func TestAttentionCommand(t *testing.T) {
	src := filepath.Join(t.TempDir(), "out", "bwd.metal")
	_, err := run(t, "--family", "apple7", "attention",
		"--row", "100", "--column", "80", "--head", "64",
		"--pass", "backward-key-value", "--secondary", "-o", src)
	require.NoError(t, err)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.Contains(t, string(data), "kernel void attention(")

	_, err = run(t, "--family", "apple7", "attention", "--row", "8", "--column", "8", "--head", "8", "--pass", "sideways")
	require.Error(t, err)
}

const manifest = `kernels:
  - name: proj
    gemm:
      matrix: {m: 96, n: 64, k: 40}
      memory_precisions: {a: fp16, b: fp16, c: fp32}
      transpose: {a: true}
  - name: attn
    attention:
      descriptor:
        matrix: {row: 64, column: 64, head: 32}
  - name: dterm
    attention:
      descriptor:
        matrix: {row: 64, column: 64, head: 32}
      types:
        - {pass: backward-query}
`

func TestBundleCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "manifest.yaml", manifest)
	archive := filepath.Join(dir, "kernels.txtar")
	_, err := run(t, "--family", "apple8", "bundle", "-j", "2", "-o", archive, path)
	require.NoError(t, err)

	ar, err := txtar.ParseFile(archive)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(ar.Comment), "mfagen bundle "))
	var names []string
	files := map[string]string{}
	for _, f := range ar.Files {
		names = append(names, f.Name)
		files[f.Name] = string(f.Data)
	}
	require.Equal(t, []string{
		"proj.metal",
		"attn.forward.metal",
		"attn.backward-query.metal",
		"attn.backward-key-value.metal",
		"dterm.backward-query-primary.metal",
		manifestFile,
	}, names)
	require.Contains(t, files["proj.metal"], "kernel void gemm(")
	require.Contains(t, files["dterm.backward-query-primary.metal"], "kernel void attention(")

	var index BundleIndex
	require.NoError(t, json.Unmarshal([]byte(files[manifestFile]), &index))
	_, err = uuid.Parse(index.ID)
	require.NoError(t, err)
	require.Equal(t, mfa.Apple8, index.Device.Family)
	require.Len(t, index.Kernels, 5)
	require.Equal(t, "attn", index.Kernels[1].Name)
	require.Equal(t, api.KindAttention, index.Kernels[1].Kind)
}

func TestManifestErrors(t *testing.T) {
	_, err := ParseManifest([]byte("kernels:\n  - name: x\n    gem: {}\n"))
	require.Error(t, err)
	_, err = ParseManifest([]byte("kernels: []\n"))
	require.Error(t, err)

	gen := api.NewGenerator(mfa.Device{Family: mfa.Apple9}, nil)
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"no kind", "kernels:\n  - name: a\n"},
		{"two kinds", "kernels:\n  - name: a\n    gemm: {matrix: {m: 1, n: 1, k: 1}}\n    attention: {descriptor: {matrix: {row: 1, column: 1, head: 8}}}\n"},
		{"bad name", "kernels:\n  - name: a/b\n    gemm: {matrix: {m: 1, n: 1, k: 1}}\n"},
		{"duplicate", "kernels:\n  - name: a\n    gemm: {matrix: {m: 1, n: 1, k: 1}}\n  - name: a\n    gemm: {matrix: {m: 2, n: 2, k: 2}}\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tc.yaml))
			require.NoError(t, err)
			_, err = m.jobs(gen)
			require.Error(t, err)
		})
	}
}

func TestBundleGenerationError(t *testing.T) {
	m, err := ParseManifest([]byte("kernels:\n  - name: empty\n    gemm: {matrix: {m: 8, n: 8}}\n"))
	require.NoError(t, err)
	gen := api.NewGenerator(mfa.Device{Family: mfa.Apple9}, nil)
	_, _, err = buildBundle(context.Background(), gen, m, 4)
	require.ErrorIs(t, err, mfa.ErrDescriptorIncomplete)
	require.ErrorContains(t, err, "empty.metal")
}

func TestVerifyCommand(t *testing.T) {
	out, err := run(t, "--family", "apple8", "verify", "gemm", "--m", "33", "--n", "20", "--k", "17", "--transpose-a")
	require.NoError(t, err)
	require.Contains(t, out, "gemm 33x20x17 C")
	require.Contains(t, out, " ok\n")

	out, err = run(t, "--family", "apple9", "verify", "attention", "--row", "20", "--column", "24", "--head", "16")
	require.NoError(t, err)
	require.Equal(t, 6, strings.Count(out, " ok\n"), out)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "manifest.yaml", "kernels:\n  - name: g\n    gemm:\n      matrix: {m: 8, n: 8, k: 8}\n      memory_precisions: {a: fp32, b: fp32, c: fp32}\n")
	cfg := writeFile(t, dir, "config.yaml", "family: apple7\ncores: 10\nlog_level: error\n")

	bundleFamily := func(args ...string) mfa.Device {
		out, err := run(t, append(args, "bundle", path)...)
		require.NoError(t, err)
		ar := txtar.Parse([]byte(out))
		var index BundleIndex
		for _, f := range ar.Files {
			if f.Name == manifestFile {
				require.NoError(t, json.Unmarshal(f.Data, &index))
			}
		}
		return index.Device
	}
	dev := bundleFamily("--config", cfg)
	require.Equal(t, mfa.Apple7, dev.Family)
	require.Equal(t, 10, dev.CoreCount)
	require.Equal(t, mfa.Apple9, bundleFamily("--config", cfg, "--family", "apple9").Family)

	_, err := run(t, "--config", filepath.Join(dir, "missing.yaml"), "tables")
	require.Error(t, err)
}

func TestLoadConfigDefaultLocation(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Nil(t, cfg.Family)

	writeFile(t, xdg, filepath.Join("mfagen", "config.yaml"), "server_address: 0.0.0.0:9000\njobs: 3\n")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", *cfg.ServerAddress)
	require.Equal(t, 3, *cfg.Jobs)

	writeFile(t, xdg, filepath.Join("mfagen", "config.yaml"), "family: [unclosed\n")
	_, err = LoadConfig("")
	require.Error(t, err)
}

func TestTablesCommand(t *testing.T) {
	out, err := run(t, "tables")
	require.NoError(t, err)
	tables, err := tuning.Parse([]byte(out))
	require.NoError(t, err)
	require.Equal(t, tuning.Default(), tables)
}

func TestInvalidGlobalFlags(t *testing.T) {
	_, err := run(t, "--family", "apple3", "gemm", "--m", "8", "--n", "8", "--k", "8")
	require.ErrorIs(t, err, mfa.ErrUnsupportedDevice)

	_, err = run(t, "--log-level", "loud", "tables")
	require.Error(t, err)
}
