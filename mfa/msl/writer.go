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

// Package msl is a small builder for Metal Shading Language source.
//
// Kernels are assembled from nested blocks. Each block helper takes a
// closure for its body, so braces always balance and indentation follows
// the nesting of the Go code that produced it:
//
//	var w msl.Writer
//	w.For(msl.UnrollFull, "ushort k = 0; k < 32; k += 8", func() {
//		w.If("k < K", func() {
//			w.Line("accumulate(k);")
//		})
//	})
package msl

import (
	"bytes"
	"fmt"
	"strings"
)

// Writer accumulates indented source text. The zero value is ready to use.
type Writer struct {
	buf    bytes.Buffer
	indent int
}

// Unroll selects the loop pragma emitted before a for statement.
type Unroll uint8

const (
	// UnrollNone leaves the decision to the compiler.
	UnrollNone Unroll = iota
	// UnrollFull requires full unrolling; the trip count must be a
	// compile-time constant.
	UnrollFull
	// UnrollDisable keeps the loop rolled.
	UnrollDisable
)

func (u Unroll) pragma() string {
	switch u {
	case UnrollFull:
		return "#pragma clang loop unroll(full)"
	case UnrollDisable:
		return "#pragma clang loop unroll(disable)"
	}
	return ""
}

// Linef writes one formatted line at the current indentation.
func (w *Writer) Linef(format string, args ...any) {
	w.Line(fmt.Sprintf(format, args...))
}

// Line writes s followed by a newline at the current indentation.
func (w *Writer) Line(s string) {
	for range w.indent {
		w.buf.WriteByte('\t')
	}
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

// Raw writes a multi-line fragment, indenting each non-empty line.
func (w *Writer) Raw(text string) {
	text = strings.TrimSuffix(text, "\n")
	for line := range strings.SplitSeq(text, "\n") {
		if strings.TrimSpace(line) == "" {
			w.buf.WriteByte('\n')
			continue
		}
		w.Line(line)
	}
}

// Blank writes an empty line.
func (w *Writer) Blank() {
	w.buf.WriteByte('\n')
}

// Comment writes a single-line comment.
func (w *Writer) Comment(format string, args ...any) {
	w.Line("// " + fmt.Sprintf(format, args...))
}

// Block writes "header {", the body one level deeper, and "}".
func (w *Writer) Block(header string, body func()) {
	w.Line(header + " {")
	w.Indent(body)
	w.Line("}")
}

// Scope writes a bare brace-delimited scope.
func (w *Writer) Scope(body func()) {
	w.Line("{")
	w.Indent(body)
	w.Line("}")
}

// Indent runs body one level deeper without emitting braces.
func (w *Writer) Indent(body func()) {
	w.indent++
	body()
	w.indent--
}

// If writes a conditional.
func (w *Writer) If(cond string, then func()) {
	w.Block("if ("+cond+")", then)
}

// IfElse writes a two-way conditional.
func (w *Writer) IfElse(cond string, then, otherwise func()) {
	w.Line("if (" + cond + ") {")
	w.Indent(then)
	w.Line("} else {")
	w.Indent(otherwise)
	w.Line("}")
}

// For writes a loop preceded by the pragma for unroll. header is the text
// between the parentheses.
func (w *Writer) For(unroll Unroll, header string, body func()) {
	if p := unroll.pragma(); p != "" {
		w.Line(p)
	}
	w.Block("for ("+header+")", body)
}

// Barrier synchronizes the threadgroup on threadgroup memory.
func (w *Writer) Barrier() {
	w.Line("threadgroup_barrier(mem_flags::mem_threadgroup);")
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// String returns the accumulated source.
func (w *Writer) String() string {
	return w.buf.String()
}

// Bool renders a Go bool as a Metal literal.
func Bool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
