// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/marginalia/services/annotator/prefs"
	"github.com/AleutianAI/marginalia/services/devserver"
	"github.com/spf13/cobra"
)

// =============================================================================
// project
// =============================================================================

type projection struct {
	Length int    `json:"length"`
	Start  int    `json:"start"`
	Text   string `json:"text"`
}

func newProjectCmd(a *app) *cobra.Command {
	var start, end int
	cmd := &cobra.Command{
		Use:   "project FILE",
		Short: "Print the text projection selections are measured against",
		Long: `Project prints the document text exactly as selection offsets see it:
hidden elements skipped and block boundaries as newlines. Use it to find
START:END values for "annotate --at".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0], os.Stdin)
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			proj := doc.Project()
			if end < 0 || end > proj.Len() {
				end = proj.Len()
			}
			if start < 0 || start > end {
				return fmt.Errorf("--start %d outside 0..%d", start, end)
			}
			out := projection{Length: proj.Len(), Start: start, Text: proj.Slice(start, end)}
			human := fmt.Sprintf("%s\n\n%d characters", out.Text, out.Length)
			return a.printer.Value(fmt.Sprintf("Projection [%d:%d]", start, end), out, human)
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "first rune offset to print")
	cmd.Flags().IntVar(&end, "end", -1, "rune offset to stop at (default: end of document)")
	return cmd
}

// =============================================================================
// prefs
// =============================================================================

func newPrefsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read and write persistent preferences",
	}

	get := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Print one preference, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openPrefs()
			if err != nil {
				return err
			}
			defer closeStore()

			keys := prefs.Keys()
			if len(args) == 1 {
				if _, err := prefs.Normalize(args[0], defaultFor(args[0])); err != nil {
					return err
				}
				keys = args
			}
			values := make(map[string]string, len(keys))
			var lines []string
			for _, k := range keys {
				v, ok, err := store.Get(cmd.Context(), k)
				if err != nil {
					return err
				}
				if !ok {
					v = defaultFor(k)
				}
				values[k] = v
				lines = append(lines, fmt.Sprintf("%s = %s", k, v))
			}
			return a.printer.Value("Preferences", values, strings.Join(lines, "\n"))
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a preference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := prefs.Normalize(args[0], args[1])
			if err != nil {
				return err
			}
			store, closeStore, err := a.openPrefs()
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.Set(cmd.Context(), args[0], value); err != nil {
				return err
			}
			return a.printer.Value("Preference saved", map[string]string{args[0]: value}, fmt.Sprintf("%s = %s", args[0], value))
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func defaultFor(key string) string {
	switch key {
	case prefs.KeyEnabled:
		return "true"
	case prefs.KeyLanguage:
		return prefs.DefaultLanguage
	}
	return ""
}

// =============================================================================
// devserver
// =============================================================================

func newDevServerCmd(a *app) *cobra.Command {
	var addr, glossary string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local explanation backend that streams glossary content",
		RunE: func(cmd *cobra.Command, args []string) error {
			dc := a.cfg.DevServer
			if addr != "" {
				dc.Addr = addr
			}
			if glossary != "" {
				dc.Glossary = glossary
			}
			srv, err := devserver.New(devserver.Config{
				Addr:          dc.Addr,
				GlossaryPath:  dc.Glossary,
				RatePerSecond: dc.RatePerSecond,
				Burst:         dc.Burst,
				ChunkDelay:    dc.ChunkDelay,
				Logger:        a.logger.Slog(),
			})
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the config)")
	cmd.Flags().StringVar(&glossary, "glossary", "", "YAML glossary file (overrides the config)")
	return cmd
}
