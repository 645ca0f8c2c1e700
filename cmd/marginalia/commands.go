// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/marginalia/cmd/marginalia/config"
	"github.com/AleutianAI/marginalia/pkg/logging"
	"github.com/AleutianAI/marginalia/pkg/ux"
	"github.com/AleutianAI/marginalia/services/annotator/prefs"
	"github.com/spf13/cobra"
)

// app is the state shared by every command, filled in by the root
// command's PersistentPreRunE and released by teardown.
type app struct {
	// Flags.
	configPath string
	outputMode string
	logLevel   string
	trace      bool

	cfg       config.MarginaliaConfig
	logger    *logging.Logger
	printer   *ux.Printer
	stopTrace func(context.Context)

	stdout io.Writer
	stderr io.Writer
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "marginalia",
		Short:         "Annotate HTML with streamed word explanations and phrase simplifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.marginalia/marginalia.yaml)")
	pf.StringVarP(&a.outputMode, "output", "o", "auto", "output format: auto, human or json")
	pf.StringVar(&a.logLevel, "log-level", "", "log level override: debug, info, warn, error")
	pf.BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans to stderr")

	root.AddCommand(
		newAnnotateCmd(a),
		newProjectCmd(a),
		newPrefsCmd(a),
		newDevServerCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath, a.stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Logging.Dir,
		Service: "marginalia",
		JSON:    cfg.Logging.JSON,
		Output:  a.stderr,
	})

	mode := ux.ParseMode(a.outputMode)
	if f, ok := a.stdout.(*os.File); ok {
		mode = mode.Resolve(f)
	} else if mode == ux.ModeAuto {
		mode = ux.ModeJSON
	}
	a.printer = ux.NewPrinter(a.stdout, mode)

	if a.trace {
		stop, err := initTracer(ctx, a.stderr, a.logger.Slog())
		if err != nil {
			return err
		}
		a.stopTrace = stop
	}
	return nil
}

// teardown flushes spans and closes the log file. Safe to call when
// setup never ran.
func (a *app) teardown(ctx context.Context) {
	if a.stopTrace != nil {
		a.stopTrace(context.WithoutCancel(ctx))
		a.stopTrace = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
		a.logger = nil
	}
}

// openPrefs opens the configured preference store. The returned close
// function is never nil.
func (a *app) openPrefs() (prefs.Store, func() error, error) {
	if a.cfg.Prefs.Path == "" {
		return prefs.NewMemoryStore(nil), func() error { return nil }, nil
	}
	store, err := prefs.OpenBadger(prefs.BadgerConfig{Path: a.cfg.Prefs.Path, Logger: a.logger.Slog()})
	if err != nil {
		return nil, nil, fmt.Errorf("open preferences: %w", err)
	}
	return store, store.Close, nil
}
