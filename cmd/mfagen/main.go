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

// Command mfagen generates Metal GEMM and attention kernels.
//
//	mfagen --family apple9 gemm --m 1024 --n 1024 --k 1024 --precision-a fp16 -o gemm.metal
//	mfagen attention --row 4096 --column 4096 --head 64 --pass backward-query --secondary
//	mfagen bundle -o kernels.txtar manifest.yaml
//	mfagen serve --addr 127.0.0.1:8080
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ajroetker/go-mfa/internal/api"
	"github.com/ajroetker/go-mfa/internal/logger"
	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/cache"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// app holds the global options shared by every command.
type app struct {
	stdout, stderr io.Writer

	configPath string
	family     string
	mobile     bool
	cores      int
	tuningPath string
	logLevel   string
	logFormat  string

	cfg Config
	log logger.Logger
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	a := &app{stdout: stdout, stderr: stderr, log: logger.Discard()}
	return &cli.Command{
		Name:      "mfagen",
		Usage:     "Generate Metal GEMM and FlashAttention kernels",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     a.globalFlags(),
		Before:    a.before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			a.gemmCmd(),
			a.attentionCmd(),
			a.bundleCmd(),
			a.verifyCmd(),
			a.serveCmd(),
			a.tablesCmd(),
		},
	}
}

func (a *app) globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default $XDG_CONFIG_HOME/mfagen/config.yaml)",
			Destination: &a.configPath,
		},
		&cli.StringFlag{
			Name:        "family",
			Usage:       "GPU family (apple7, apple8, apple9); detected when empty",
			Sources:     cli.EnvVars(mfa.FamilyEnv),
			Destination: &a.family,
		},
		&cli.BoolFlag{
			Name:        "mobile",
			Usage:       "use the phone/tablet core-count estimates",
			Destination: &a.mobile,
		},
		&cli.IntFlag{
			Name:        "cores",
			Usage:       "GPU core count (0 = estimate from the tuning tables)",
			Destination: &a.cores,
		},
		&cli.StringFlag{
			Name:        "tuning",
			Usage:       "YAML file overlaid on the built-in tuning tables",
			Destination: &a.tuningPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &a.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (text, json)",
			Value:       "text",
			Destination: &a.logFormat,
		},
	}
}

func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return ctx, err
	}
	a.applyConfig(cmd, cfg)
	level, err := logger.ParseLevel(a.logLevel)
	if err != nil {
		return ctx, err
	}
	log, err := logger.ForFormat(a.logFormat, a.stderr, level)
	if err != nil {
		return ctx, err
	}
	a.log = log
	return logger.WithContext(ctx, log), nil
}

// device resolves the target GPU from --family, falling back to the host.
func (a *app) device() (mfa.Device, error) {
	var dev mfa.Device
	if a.family != "" {
		f, err := mfa.ParseFamily(a.family)
		if err != nil {
			return mfa.Device{}, err
		}
		dev = mfa.Device{Name: f.String(), Family: f, Mobile: a.mobile}
	} else {
		d, err := mfa.DetectDevice()
		if err != nil {
			return mfa.Device{}, fmt.Errorf("%w (pass --family to generate for another GPU)", err)
		}
		dev = d
	}
	if a.cores > 0 {
		dev.CoreCount = a.cores
	}
	return dev, nil
}

func (a *app) tables() (*tuning.Tables, error) {
	if a.tuningPath == "" {
		return tuning.Default(), nil
	}
	return tuning.Load(a.tuningPath)
}

func (a *app) generator(opts ...cache.Option) (*api.Generator, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	t, err := a.tables()
	if err != nil {
		return nil, err
	}
	a.log.Debug("target device", "family", dev.Family, "cores", t.CoreCount(dev))
	opts = append([]cache.Option{cache.WithLogger(a.log)}, opts...)
	return api.NewGenerator(dev, t, opts...), nil
}
