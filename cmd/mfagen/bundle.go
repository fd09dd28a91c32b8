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
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/txtar"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-mfa/internal/api"
	"github.com/ajroetker/go-mfa/internal/logger"
	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

// manifestFile is the archive member describing every kernel.
const manifestFile = "manifest.json"

// Manifest lists the kernels of a bundle.
//
//	kernels:
//	  - name: proj
//	    gemm:
//	      matrix: {m: 4096, n: 4096, k: 1024}
//	      memory_precisions: {a: fp16, b: fp16, c: fp32}
//	  - name: attn
//	    attention:
//	      descriptor:
//	        matrix: {row: 4096, column: 4096, head: 64}
//	        low_precision_inputs: true
type Manifest struct {
	Kernels []ManifestEntry `yaml:"kernels"`
}

// ManifestEntry names one GEMM or one attention problem.
type ManifestEntry struct {
	Name      string           `yaml:"name"`
	GEMM      *gemm.Descriptor `yaml:"gemm,omitempty"`
	Attention *AttentionEntry  `yaml:"attention,omitempty"`
}

// AttentionEntry is an attention problem and the kernels to generate for
// it. No types selects the training set: forward with L, backward-query
// with dQ and backward-key-value with dK.
type AttentionEntry struct {
	Descriptor attention.Descriptor   `yaml:"descriptor"`
	Types      []attention.KernelType `yaml:"types,omitempty"`
}

// ParseManifest decodes a YAML manifest. Unknown keys are errors.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Kernels) == 0 {
		return Manifest{}, errors.New("manifest lists no kernels")
	}
	return m, nil
}

type bundleJob struct {
	name string
	file string
	run  func(ctx context.Context) (Metadata, string, error)
}

func (m Manifest) jobs(gen *api.Generator) ([]bundleJob, error) {
	var jobs []bundleJob
	for i, e := range m.Kernels {
		switch {
		case e.Name == "" || strings.ContainsAny(e.Name, `/\ `):
			return nil, fmt.Errorf("kernel %d: invalid name %q", i, e.Name)
		case (e.GEMM == nil) == (e.Attention == nil):
			return nil, fmt.Errorf("kernel %q: exactly one of gemm and attention is required", e.Name)
		case e.GEMM != nil:
			d := *e.GEMM
			jobs = append(jobs, bundleJob{
				name: e.Name,
				file: e.Name + ".metal",
				run: func(ctx context.Context) (Metadata, string, error) {
					k, err := gen.GEMM(ctx, d)
					if err != nil {
						return Metadata{}, "", err
					}
					return gemmMetadata(k, d.FunctionConstants()), k.Program.Source, nil
				},
			})
		default:
			d := e.Attention.Descriptor
			types := e.Attention.Types
			if len(types) == 0 {
				types = lo.Map(attention.Passes, func(p attention.Pass, _ int) attention.KernelType {
					return attention.KernelType{Pass: p, Secondary: true}
				})
			}
			for _, typ := range types {
				jobs = append(jobs, bundleJob{
					name: e.Name,
					file: fmt.Sprintf("%s.%v%s.metal", e.Name, typ.Pass, lo.Ternary(typ.Secondary, "", "-primary")),
					run: func(ctx context.Context) (Metadata, string, error) {
						k, err := gen.Attention(ctx, d, typ)
						if err != nil {
							return Metadata{}, "", err
						}
						return attentionMetadata(k, d.FunctionConstants()), k.Program.Source, nil
					},
				})
			}
		}
	}
	if dups := lo.FindDuplicates(lo.Map(jobs, func(j bundleJob, _ int) string { return j.file })); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate kernel files %v", dups)
	}
	return jobs, nil
}

// BundleIndex is the content of manifest.json.
type BundleIndex struct {
	ID      string     `json:"id"`
	Device  mfa.Device `json:"device"`
	Kernels []Metadata `json:"kernels"`
}

// buildBundle generates every kernel of m with at most limit generations
// in flight and returns the txtar archive.
func buildBundle(ctx context.Context, gen *api.Generator, m Manifest, limit int) ([]byte, BundleIndex, error) {
	jobs, err := m.jobs(gen)
	if err != nil {
		return nil, BundleIndex{}, err
	}
	type result struct {
		md  Metadata
		src string
	}
	results := make([]result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, j := range jobs {
		g.Go(func() error {
			md, src, err := j.run(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", j.file, err)
			}
			md.Name, md.File = j.name, j.file
			results[i] = result{md: md, src: src}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, BundleIndex{}, err
	}

	index := BundleIndex{ID: uuid.NewString(), Device: gen.Device()}
	ar := &txtar.Archive{
		Comment: fmt.Appendf(nil, "mfagen bundle %s for %v\n", index.ID, gen.Device().Family),
	}
	for _, r := range results {
		index.Kernels = append(index.Kernels, r.md)
		ar.Files = append(ar.Files, txtar.File{Name: r.md.File, Data: []byte(r.src)})
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, BundleIndex{}, err
	}
	ar.Files = append(ar.Files, txtar.File{Name: manifestFile, Data: append(data, '\n')})
	return txtar.Format(ar), index, nil
}

func (a *app) bundleCmd() *cli.Command {
	var (
		output string
		jobs   int
	)
	return &cli.Command{
		Name:      "bundle",
		Usage:     "Generate the kernels of a YAML manifest into a txtar archive",
		ArgsUsage: "<manifest.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "archive file (- for stdout)", Value: "-", Destination: &output},
			&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Usage: "concurrent generations", Value: runtime.GOMAXPROCS(0), Destination: &jobs},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cmd.Args().Len() != 1 {
				return errors.New("bundle takes exactly one manifest file")
			}
			if a.cfg.Jobs != nil && !cmd.IsSet("jobs") {
				jobs = *a.cfg.Jobs
			}
			data, err := os.ReadFile(cmd.Args().First())
			if err != nil {
				return err
			}
			m, err := ParseManifest(data)
			if err != nil {
				return err
			}
			gen, err := a.generator()
			if err != nil {
				return err
			}
			archive, index, err := buildBundle(ctx, gen, m, jobs)
			if err != nil {
				return err
			}
			log.Info("bundled kernels", "id", index.ID, "kernels", len(index.Kernels), "distinct", gen.Len())
			return writeOutput(a.stdout, output, archive)
		},
	}
}
