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
	"github.com/ajroetker/go-mfa/mfa/attention"
)

type attentionOptions struct {
	row, column, head int

	lowInputs, lowIntermed, lowOutputs bool

	aggressive bool

	transQ, transK, transV, transO bool
}

func (o *attentionOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "row", Usage: "output sequence length (R)", Required: true, Destination: &o.row},
		&cli.IntFlag{Name: "column", Usage: "input sequence length (C)", Required: true, Destination: &o.column},
		&cli.IntFlag{Name: "head", Usage: "head dimension (D)", Required: true, Destination: &o.head},
		&cli.BoolFlag{Name: "low-precision-inputs", Usage: "store Q, K, V as FP16 and dO as BF16", Destination: &o.lowInputs},
		&cli.BoolFlag{Name: "low-precision-intermediates", Usage: "store L as FP16 and D, dSᵀ as BF16", Destination: &o.lowIntermed},
		&cli.BoolFlag{Name: "low-precision-outputs", Usage: "store O as FP16 and the gradients as BF16", Destination: &o.lowOutputs},
		&cli.BoolFlag{Name: "aggressive", Usage: "narrow the register precision of S, P, dP and dS", Destination: &o.aggressive},
		&cli.BoolFlag{Name: "transpose-q", Usage: "Q and dQ are stored D×R", Destination: &o.transQ},
		&cli.BoolFlag{Name: "transpose-k", Usage: "K and dK are stored D×C", Destination: &o.transK},
		&cli.BoolFlag{Name: "transpose-v", Usage: "V and dV are stored D×C", Destination: &o.transV},
		&cli.BoolFlag{Name: "transpose-o", Usage: "O and dO are stored D×R", Destination: &o.transO},
	}
}

func (o *attentionOptions) descriptor() attention.Descriptor {
	return attention.Descriptor{
		LowPrecisionInputs:        o.lowInputs,
		LowPrecisionIntermediates: o.lowIntermed,
		LowPrecisionOutputs:       o.lowOutputs,
		AggressiveIntermediates:   o.aggressive,
		Matrix: attention.Dimensions{
			Row:    uint32(o.row),
			Column: uint32(o.column),
			Head:   uint16(o.head),
		},
		Transpose: attention.Transpose{Q: o.transQ, K: o.transK, V: o.transV, O: o.transO},
	}
}

func (a *app) attentionCmd() *cli.Command {
	var (
		opts      attentionOptions
		pass      string
		secondary bool
		output    string
		metadata  string
	)
	return &cli.Command{
		Name:  "attention",
		Usage: "Generate one pass of a FlashAttention kernel",
		Flags: append(opts.flags(),
			&cli.StringFlag{Name: "pass", Usage: "forward, backward-query or backward-key-value", Value: "forward", Destination: &pass},
			&cli.BoolFlag{
				Name:        "secondary",
				Usage:       "store L (forward), compute dQ (backward-query) or dK (backward-key-value)",
				Destination: &secondary,
			},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Metal source file (- for stdout)", Value: "-", Destination: &output},
			&cli.StringFlag{Name: "metadata", Usage: "write dispatch metadata as JSON to this file", Destination: &metadata},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := attention.ParsePass(pass)
			if err != nil {
				return err
			}
			d := opts.descriptor()
			gen, err := a.generator()
			if err != nil {
				return err
			}
			k, err := gen.Attention(ctx, d, attention.KernelType{Pass: p, Secondary: secondary})
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Info("generated attention kernel",
				"key", k.Descriptor.CacheKey(),
				"cached", k.Descriptor.CacheState,
				"threadgroups", k.Grid)
			if err := writeOutput(a.stdout, output, []byte(k.Program.Source)); err != nil {
				return err
			}
			return writeMetadata(a.stdout, metadata, attentionMetadata(k, d.FunctionConstants()))
		},
	}
}
