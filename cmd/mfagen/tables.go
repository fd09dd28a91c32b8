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
)

func (a *app) tablesCmd() *cli.Command {
	var output string
	return &cli.Command{
		Name:  "tables",
		Usage: "Print the effective tuning tables as YAML",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "YAML file (- for stdout)", Value: "-", Destination: &output},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			t, err := a.tables()
			if err != nil {
				return err
			}
			data, err := t.Marshal()
			if err != nil {
				return err
			}
			return writeOutput(a.stdout, output, data)
		},
	}
}
