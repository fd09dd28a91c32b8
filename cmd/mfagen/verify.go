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
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/urfave/cli/v3"

	"github.com/ajroetker/go-mfa/internal/logger"
	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/reference"
)

func (a *app) verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Emulate a kernel on the CPU and compare it with the reference",
		Commands: []*cli.Command{
			a.verifyGEMMCmd(),
			a.verifyAttentionCmd(),
		},
	}
}

func verifyFlags(seed *int64, tolerance *float64) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{Name: "seed", Usage: "random seed for the inputs", Value: 1, Destination: seed},
		&cli.FloatFlag{Name: "tolerance", Usage: "max relative error (0 = by precision)", Destination: tolerance},
	}
}

func (a *app) verifyGEMMCmd() *cli.Command {
	var (
		opts      gemmOptions
		seed      int64
		tolerance float64
	)
	return &cli.Command{
		Name:  "gemm",
		Usage: "Verify a matrix multiplication kernel",
		Flags: append(opts.flags(), verifyFlags(&seed, &tolerance)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			d, err := opts.descriptor()
			if err != nil {
				return err
			}
			dev, err := a.device()
			if err != nil {
				return err
			}
			t, err := a.tables()
			if err != nil {
				return err
			}
			kd, err := d.KernelDescriptor(dev, t)
			if err != nil {
				return err
			}
			r, err := reference.VerifyGEMM(kd, d, rand.New(rand.NewPCG(uint64(seed), 0)))
			if err != nil {
				return err
			}
			mp := d.MemoryPrecisions
			if tolerance == 0 {
				tolerance = reference.Tolerance(narrowest(mp.A, mp.B, mp.C))
			}
			logger.FromContext(ctx).Debug("verified gemm", "key", kd.CacheKey(), "seed", seed)
			return report(a.stdout, fmt.Sprintf("gemm %dx%dx%d", d.Matrix.M, d.Matrix.N, d.Matrix.K), r, tolerance)
		},
	}
}

func (a *app) verifyAttentionCmd() *cli.Command {
	var (
		opts      attentionOptions
		seed      int64
		tolerance float64
	)
	return &cli.Command{
		Name:  "attention",
		Usage: "Verify the forward and backward attention kernels of a problem",
		Flags: append(opts.flags(), verifyFlags(&seed, &tolerance)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			d := opts.descriptor()
			dev, err := a.device()
			if err != nil {
				return err
			}
			t, err := a.tables()
			if err != nil {
				return err
			}
			r, err := reference.VerifyAttention(d, dev, t, rand.New(rand.NewPCG(uint64(seed), 0)))
			if err != nil {
				return err
			}
			if tolerance == 0 {
				tolerance = reference.Tolerance(mfa.FP32)
				if d.LowPrecisionInputs || d.LowPrecisionIntermediates || d.LowPrecisionOutputs || d.AggressiveIntermediates {
					tolerance = reference.Tolerance(mfa.BF16)
				} else {
					// Softmax and the gradient chains compound FP32 rounding.
					tolerance *= 10
				}
			}
			logger.FromContext(ctx).Debug("verified attention", "seed", seed)
			name := fmt.Sprintf("attention %dx%dx%d", d.Matrix.Row, d.Matrix.Column, d.Matrix.Head)
			return report(a.stdout, name, r, tolerance)
		},
	}
}

// narrowest orders BF16 below FP16 below FP32.
func narrowest(ps ...mfa.Precision) mfa.Precision {
	out := mfa.FP32
	for _, p := range ps {
		switch {
		case p == mfa.BF16:
			return p
		case p == mfa.FP16:
			out = p
		}
	}
	return out
}

// report prints one line per output and fails when any exceeds tolerance.
func report(w io.Writer, name string, r reference.Report, tolerance float64) error {
	for _, o := range r.Outputs {
		status := "ok"
		if !(o.Error <= tolerance) {
			status = "FAIL"
		}
		if _, err := fmt.Fprintf(w, "%s %-3s max relative error %.3g (tolerance %.3g) %s\n", name, o.Name, o.Error, tolerance, status); err != nil {
			return err
		}
	}
	if e := r.Max(); !(e <= tolerance) {
		return fmt.Errorf("%s: max relative error %.3g exceeds %.3g", name, e, tolerance)
	}
	return nil
}
