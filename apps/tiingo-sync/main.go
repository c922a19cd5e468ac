// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/tiingo/catalog"
	"github.com/stockparfait/tiingo/config"
	"github.com/stockparfait/tiingo/emit"
	"github.com/stockparfait/tiingo/state"
	"github.com/stockparfait/tiingo/sync"
	"github.com/stockparfait/tiingo/tiingo"
)

// Exit codes of the sync app.
const (
	ExitSuccess = 0 // all selected streams completed
	ExitFatal   = 1 // run-fatal error: bad config, rejected key, lost state
	ExitPartial = 2 // some streams failed, others completed
)

type Flags struct {
	Config   string // default: ~/.stockparfait/tiingo/config.toml
	Catalog  string // optional stream/field selection; empty selects all
	State    string // default: ~/.stockparfait/tiingo/state.json
	Output   string // messages destination; empty for stdout
	Discover bool   // print stream descriptions and exit
	LogLevel logging.Level
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("tiingo-sync", flag.ContinueOnError)
	fs.StringVar(&flags.Config, "config", config.DefaultPath(),
		"configuration file, TOML or JSON")
	fs.StringVar(&flags.Catalog, "catalog", "",
		"catalog file with stream and field selection; empty selects everything")
	fs.StringVar(&flags.State, "state",
		filepath.Join(os.Getenv("HOME"), ".stockparfait", "tiingo", "state.json"),
		"state file with replication cursors")
	fs.StringVar(&flags.Output, "out", "",
		"output file for emitted messages; empty for stdout")
	fs.BoolVar(&flags.Discover, "discover", false,
		"print the stream catalog as JSON and exit")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")

	err := fs.Parse(args)
	return &flags, err
}

func discover(cfg *config.Config, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sync.Discover(cfg)); err != nil {
		return errors.Annotate(err, "failed to write stream descriptions")
	}
	return nil
}

func output(flags *Flags) (io.WriteCloser, error) {
	if flags.Output == "" {
		return os.Stdout, nil
	}
	f, err := os.Create(flags.Output)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create output file %s", flags.Output)
	}
	return f, nil
}

func run(ctx context.Context, flags *Flags) (int, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return ExitFatal, errors.Annotate(err, "failed to load config")
	}
	out, err := output(flags)
	if err != nil {
		return ExitFatal, err
	}
	if flags.Output != "" {
		defer out.Close()
	}

	if flags.Discover {
		if err := discover(cfg, out); err != nil {
			return ExitFatal, err
		}
		return ExitSuccess, nil
	}

	if err := cfg.Validate(); err != nil {
		return ExitFatal, errors.Annotate(err, "invalid config")
	}
	cat := catalog.Default()
	if flags.Catalog != "" {
		if cat, err = catalog.Load(flags.Catalog); err != nil {
			return ExitFatal, errors.Annotate(err, "failed to load catalog")
		}
	}
	client := &tiingo.Client{
		BaseURL:     cfg.APIURL,
		APIKey:      cfg.APIKey,
		UserAgent:   cfg.UserAgent,
		MaxAttempts: cfg.MaxAttempts,
	}
	ctx = tiingo.UseClient(ctx, client)

	syncer := &sync.Syncer{
		Config:  cfg,
		Catalog: cat,
		Store:   state.NewStore(flags.State),
		Emitter: emit.NewWriter(out),
	}
	results, err := syncer.Run(ctx)
	if err != nil {
		return ExitFatal, err
	}
	if sync.HasFailures(results) {
		return ExitPartial, nil
	}
	return ExitSuccess, nil
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(ExitFatal)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	code, err := run(ctx, flags)
	if err != nil {
		logging.Errorf(ctx, err.Error())
	}
	os.Exit(code)
}
