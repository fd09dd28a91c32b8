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

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("generated", "kernel", "gemm")

	out := buf.String()
	for _, want := range []string{`"msg":"generated"`, `"kernel":"gemm"`, `"level":"INFO"`, `"source"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() > 0 {
		t.Fatalf("info/debug logged at warn level: %s", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("warn missing: %s", buf.String())
	}
}

func TestWithGroup(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelDebug).With("cache", "attention").WithGroup("kernel")
	log.Debug("miss", "key", "k1")
	out := buf.String()
	if !strings.Contains(out, "cache=attention") || !strings.Contains(out, "kernel.key=k1") {
		t.Errorf("output %q", out)
	}
}

func TestContext(t *testing.T) {
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("context logger not used: %q", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Error("no default logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) succeeded")
	}
}

func TestForFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := ForFormat("json", &buf, slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json format wrote %q", buf.String())
	}
	if _, err := ForFormat("xml", &buf, slog.LevelInfo); err == nil {
		t.Error("ForFormat(xml) succeeded")
	}
	Discard().Error("dropped")
}
