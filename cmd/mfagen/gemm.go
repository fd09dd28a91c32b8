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

	"github.com/urfave/cli/v3"

	"github.com/ajroetker/go-mfa/internal/logger"
	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

type gemmOptions struct {
	m, n, k, batch      int
	precA, precB, precC string
	transA, transB      bool
	ldA, ldB, ldC       int
	loadPreviousC       bool
	beta                float64
	bias, biasPrecision string
}

func (o *gemmOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "m", Usage: "rows of A and C", Required: true, Destination: &o.m},
		&cli.IntFlag{Name: "n", Usage: "columns of B and C", Required: true, Destination: &o.n},
		&cli.IntFlag{Name: "k", Usage: "inner dimension", Required: true, Destination: &o.k},
		&cli.IntFlag{Name: "batch", Usage: "number of products dispatched together", Value: 1, Destination: &o.batch},
		&cli.StringFlag{Name: "precision-a", Usage: "memory precision of A (fp32, fp16, bf16)", Value: "fp32", Destination: &o.precA},
		&cli.StringFlag{Name: "precision-b", Usage: "memory precision of B", Value: "fp32", Destination: &o.precB},
		&cli.StringFlag{Name: "precision-c", Usage: "memory precision of C", Value: "fp32", Destination: &o.precC},
		&cli.BoolFlag{Name: "transpose-a", Usage: "A is stored K×M", Destination: &o.transA},
		&cli.BoolFlag{Name: "transpose-b", Usage: "B is stored N×K", Destination: &o.transB},
		&cli.IntFlag{Name: "ld-a", Usage: "leading dimension of A (0 = packed)", Destination: &o.ldA},
		&cli.IntFlag{Name: "ld-b", Usage: "leading dimension of B (0 = packed)", Destination: &o.ldB},
		&cli.IntFlag{Name: "ld-c", Usage: "leading dimension of C (0 = packed)", Destination: &o.ldC},
		&cli.BoolFlag{Name: "load-previous-c", Usage: "compute C = A·B + beta·C", Destination: &o.loadPreviousC},
		&cli.FloatFlag{Name: "beta", Usage: "scale of the previous C (0 = 1)", Destination: &o.beta},
		&cli.StringFlag{Name: "bias", Usage: "bias axis (none, rows, columns)", Value: "none", Destination: &o.bias},
		&cli.StringFlag{Name: "bias-precision", Usage: "bias precision (default: precision of C)", Destination: &o.biasPrecision},
	}
}

func (o *gemmOptions) descriptor() (gemm.Descriptor, error) {
	var d gemm.Descriptor
	var err error
	if d.MemoryPrecisions.A, err = mfa.ParsePrecision(o.precA); err != nil {
		return d, err
	}
	if d.MemoryPrecisions.B, err = mfa.ParsePrecision(o.precB); err != nil {
		return d, err
	}
	if d.MemoryPrecisions.C, err = mfa.ParsePrecision(o.precC); err != nil {
		return d, err
	}
	if d.Bias.Axis, err = gemm.ParseBiasAxis(o.bias); err != nil {
		return d, err
	}
	if o.biasPrecision != "" {
		if d.Bias.Precision, err = mfa.ParsePrecision(o.biasPrecision); err != nil {
			return d, err
		}
	}
	d.BatchDimension = o.batch
	d.Matrix = gemm.Dimensions{M: uint32(o.m), N: uint32(o.n), K: uint32(o.k)}
	d.Transpose = gemm.Transpose{A: o.transA, B: o.transB}
	d.LeadingDimensions = gemm.LeadingDimensions{A: uint32(o.ldA), B: uint32(o.ldB), C: uint32(o.ldC)}
	d.LoadPreviousC = o.loadPreviousC
	d.Beta = float32(o.beta)
	return d, nil
}

func (a *app) gemmCmd() *cli.Command {
	var (
		opts     gemmOptions
		output   string
		metadata string
	)
	return &cli.Command{
		Name:  "gemm",
		Usage: "Generate a matrix multiplication kernel",
		Flags: append(opts.flags(),
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Metal source file (- for stdout)", Value: "-", Destination: &output},
			&cli.StringFlag{Name: "metadata", Usage: "write dispatch metadata as JSON to this file", Destination: &metadata},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			d, err := opts.descriptor()
			if err != nil {
				return err
			}
			gen, err := a.generator()
			if err != nil {
				return err
			}
			k, err := gen.GEMM(ctx, d)
			if err != nil {
				return err
			}
			log.Info("generated gemm kernel",
				"key", k.Descriptor.CacheKey(),
				"threadgroup_memory", k.Program.ThreadgroupMemory,
				"grid", k.Grid)
			if err := writeOutput(a.stdout, output, []byte(k.Program.Source)); err != nil {
				return err
			}
			return writeMetadata(a.stdout, metadata, gemmMetadata(k, d.FunctionConstants()))
		},
	}
}
