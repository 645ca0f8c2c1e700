// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/AleutianAI/marginalia/pkg/ux"
	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/engine"
	"github.com/AleutianAI/marginalia/services/annotator/input"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/prefs"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Targets
// =============================================================================

// target is one selection to make, in projection offsets.
type target struct {
	gesture    input.Gesture
	start, end int
	label      string
}

// parseAt parses "word:START:END" or "phrase:START:END".
func parseAt(s string) (target, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return target{}, fmt.Errorf("--at %q: want word:START:END or phrase:START:END", s)
	}
	var g input.Gesture
	switch parts[0] {
	case "word":
		g = input.DoubleActivation
	case "phrase":
		g = input.DragRelease
	default:
		return target{}, fmt.Errorf("--at %q: unknown kind %q", s, parts[0])
	}
	start, err := strconv.Atoi(parts[1])
	if err != nil {
		return target{}, fmt.Errorf("--at %q: bad start: %w", s, err)
	}
	end, err := strconv.Atoi(parts[2])
	if err != nil {
		return target{}, fmt.Errorf("--at %q: bad end: %w", s, err)
	}
	if start < 0 || end < start {
		return target{}, fmt.Errorf("--at %q: range out of order", s)
	}
	return target{gesture: g, start: start, end: end, label: s}, nil
}

// locate finds the first occurrence of needle in text. Words only match
// whole tokens.
func locate(text []rune, needle string, wholeWord bool) (int, int, bool) {
	n := []rune(needle)
	if len(n) == 0 {
		return 0, 0, false
	}
	for i := 0; i+len(n) <= len(text); i++ {
		if string(text[i:i+len(n)]) != needle {
			continue
		}
		if wholeWord {
			if i > 0 && isWordRune(text[i-1]) {
				continue
			}
			if end := i + len(n); end < len(text) && isWordRune(text[end]) {
				continue
			}
		}
		return i, i + len(n), true
	}
	return 0, 0, false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

// resolveTargets turns flag values into offsets against proj.
func resolveTargets(proj *dom.Projection, words, phrases, at []string) ([]target, error) {
	text := proj.Runes()
	var out []target
	for _, w := range words {
		start, end, ok := locate(text, w, true)
		if !ok {
			return nil, fmt.Errorf("word %q not found in the document", w)
		}
		out = append(out, target{gesture: input.DoubleActivation, start: start, end: end, label: w})
	}
	for _, p := range phrases {
		start, end, ok := locate(text, p, false)
		if !ok {
			return nil, fmt.Errorf("phrase %q not found in the document", p)
		}
		out = append(out, target{gesture: input.DragRelease, start: start, end: end, label: p})
	}
	for _, s := range at {
		t, err := parseAt(s)
		if err != nil {
			return nil, err
		}
		if t.end > proj.Len() {
			return nil, fmt.Errorf("--at %q: document projection has %d characters", s, proj.Len())
		}
		out = append(out, t)
	}
	return out, nil
}

// =============================================================================
// Event Queue
// =============================================================================

type settleKind int

const (
	settleResolved settleKind = iota
	settleRemoved
)

type settlement struct {
	kind settleKind
	key  string
}

// settlements collects terminal events from session callbacks. Callbacks
// run on the session loop, so pushing never blocks.
type settlements struct {
	mu      sync.Mutex
	pending []settlement
	signal  chan struct{}
}

func newSettlements() *settlements {
	return &settlements{signal: make(chan struct{}, 1)}
}

func (q *settlements) push(s settlement) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *settlements) drain() []settlement {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// =============================================================================
// Annotate
// =============================================================================

type annotateOptions struct {
	words    []string
	phrases  []string
	at       []string
	more     int
	timeout  time.Duration
	out      string
	snapshot bool
	progress bool
	backend  string
	language string
}

func newAnnotateCmd(a *app) *cobra.Command {
	opts := &annotateOptions{}
	cmd := &cobra.Command{
		Use:   "annotate FILE",
		Short: "Select words and phrases in an HTML file and stream their annotations",
		Long: `Annotate parses an HTML file, selects every --word, --phrase and --at
target in order, and prints annotation events as they stream in. FILE may be
"-" to read standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.annotate(cmd.Context(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.words, "word", nil, "word to explain (first whole-word occurrence)")
	f.StringArrayVar(&opts.phrases, "phrase", nil, "phrase to simplify (first occurrence)")
	f.StringArrayVar(&opts.at, "at", nil, "explicit selection as word:START:END or phrase:START:END")
	f.IntVar(&opts.more, "more", 0, "ask for this many further results after each resolution")
	f.DurationVar(&opts.timeout, "timeout", 60*time.Second, "give up on outstanding annotations after this long")
	f.StringVar(&opts.out, "out", "", "write the annotated HTML to this file")
	f.BoolVar(&opts.snapshot, "snapshot", false, "print every annotation once all have settled")
	f.BoolVar(&opts.progress, "progress", false, "print streaming progress events")
	f.StringVar(&opts.backend, "backend", "", "backend base URL (overrides the config)")
	f.StringVar(&opts.language, "language", "", "explanation language (overrides preferences)")
	return cmd
}

func readDocument(path string, stdin io.Reader) (*dom.Document, error) {
	if path == "-" {
		return dom.Parse(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return dom.Parse(f)
}

// annotate runs one session over path until every selection settles.
//
// # Description
//
// The session loop and the driver run in one errgroup. The driver makes
// the selections, waits for each annotation to resolve or be removed,
// asks for more results when requested, then closes the session, which
// ends the loop.
func (a *app) annotate(ctx context.Context, path string, opts *annotateOptions) error {
	doc, err := readDocument(path, os.Stdin)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	targets, err := resolveTargets(doc.Project(), opts.words, opts.phrases, opts.at)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("nothing to annotate: pass --word, --phrase or --at")
	}

	store, closeStore, err := a.openPrefs()
	if err != nil {
		return err
	}
	defer closeStore()

	backend := a.cfg.Backend
	if opts.backend != "" {
		backend.BaseURL = opts.backend
	}
	requester, err := client.New(client.Config{
		BaseURL:        backend.BaseURL,
		ExplainPath:    backend.ExplainPath,
		SimplifyPath:   backend.SimplifyPath,
		ConnectTimeout: backend.ConnectTimeout,
	}, a.logger.Slog())
	if err != nil {
		return err
	}

	language := opts.language
	if language == "" {
		if _, ok, _ := store.Get(ctx, prefs.KeyLanguage); !ok {
			language = a.cfg.Selection.Language
		}
	}

	queue := newSettlements()
	session, err := engine.New(ctx, doc, requester, engine.Config{
		Rules: input.Rules{
			MinPhraseWords:  a.cfg.Selection.MinPhraseWords,
			ExcludedRegions: a.cfg.Selection.ExcludedRegions,
		},
		ContextTokens: a.cfg.Selection.ContextTokens,
		Language:      language,
		Prefs:         store,
		Callbacks:     a.callbacks(queue, opts.progress),
		Logger:        a.logger.Slog(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := session.Run(gctx)
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// The driver failed and cancelled the group; report its error.
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer session.Close()
		return a.drive(gctx, session, queue, targets, opts)
	})
	return g.Wait()
}

// callbacks prints every session event and records terminal ones.
func (a *app) callbacks(queue *settlements, progress bool) engine.Callbacks {
	p := a.printer
	return engine.Callbacks{
		OnSelected: func(text, key string) {
			_ = p.Event(ux.Event{Type: ux.EventSelected, Key: key, Text: text})
		},
		OnProgress: func(key, accumulated string) {
			if progress {
				_ = p.Event(ux.Event{Type: ux.EventProgress, Key: key, Accumulated: accumulated})
			}
		},
		OnResolved: func(key string, payload stream.Payload) {
			_ = p.Event(ux.Event{Type: ux.EventResolved, Key: key, Text: payload.Text(), Payload: payload})
			queue.push(settlement{kind: settleResolved, key: key})
		},
		OnFailed: func(key string, err error) {
			_ = p.Event(ux.Event{Type: ux.EventFailed, Key: key, Error: err.Error()})
		},
		OnRemoved: func(key string) {
			_ = p.Event(ux.Event{Type: ux.EventRemoved, Key: key})
			queue.push(settlement{kind: settleRemoved, key: key})
		},
		OnNotice: func(n engine.Notice) {
			_ = p.Event(ux.Event{Type: ux.EventNotice, Key: n.Key, Notice: string(n.Kind), Text: n.Message})
		},
	}
}

func (a *app) drive(ctx context.Context, session *engine.Session, queue *settlements, targets []target, opts *annotateOptions) error {
	outstanding := make(map[string]int) // key -> further results still to ask for
	for _, t := range targets {
		key, err := session.Select(ctx, t.gesture, t.start, t.end)
		if errors.Is(err, input.ErrRejected) {
			a.logger.Debug("selection rejected", "target", t.label, "error", err)
			continue
		}
		if errors.Is(err, position.ErrPositionStale) {
			a.logger.Warn("selection no longer matches the document", "target", t.label, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("select %q: %w", t.label, err)
		}
		outstanding[key] = opts.more
	}

	timeout := time.NewTimer(opts.timeout)
	defer timeout.Stop()
	for len(outstanding) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timed out with %d annotation(s) outstanding", len(outstanding))
		case <-queue.signal:
		}
		for _, s := range queue.drain() {
			more, ok := outstanding[s.key]
			if !ok {
				continue
			}
			if s.kind == settleRemoved || more == 0 {
				delete(outstanding, s.key)
				continue
			}
			outstanding[s.key] = more - 1
			if err := session.FetchMore(ctx, s.key); err != nil {
				a.logger.Warn("fetch more failed", "key", s.key, "error", err)
				delete(outstanding, s.key)
			}
		}
	}

	if opts.out != "" {
		html, err := session.HTML(ctx)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.out, []byte(html), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.out, err)
		}
	}
	if opts.snapshot {
		views, err := session.Snapshot(ctx)
		if err != nil {
			return err
		}
		return a.printer.Value("Annotations", views, humanSnapshot(views))
	}
	return nil
}

func humanSnapshot(views []engine.View) string {
	var b strings.Builder
	for i, v := range views {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s %s", ux.Styles.Muted.Render(v.Key), ux.Styles.Bold.Render(v.State), ux.Styles.Highlight.Render(v.Text))
		if v.Payload != nil {
			fmt.Fprintf(&b, "\n  %s %s", ux.IconArrow, v.Payload.Text())
		}
	}
	return b.String()
}
