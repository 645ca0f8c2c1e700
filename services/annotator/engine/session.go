// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine wires the annotator components into a Session: one
// document, one event loop, any number of concurrent annotation streams.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/marginalia/pkg/logging"
	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/input"
	"github.com/AleutianAI/marginalia/services/annotator/marker"
	"github.com/AleutianAI/marginalia/services/annotator/overlap"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/prefs"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"golang.org/x/net/html"
)

// DefaultNoticeTTL is how long a notice should stay on screen.
const DefaultNoticeTTL = 3 * time.Second

// ErrClosed is returned by every method once the session loop has stopped.
var ErrClosed = errors.New("engine: session closed")

// ErrNotControl is returned by Activate when the target is not a marker
// control.
var ErrNotControl = errors.New("engine: not a marker control")

// Config configures a Session.
type Config struct {
	// Rules configures selection validation.
	Rules input.Rules

	// ContextTokens is the number of tokens sent on each side of a word.
	ContextTokens int

	// NoticeTTL defaults to DefaultNoticeTTL.
	NoticeTTL time.Duration

	// Language overrides the preferred explanation language.
	Language string

	// Prefs is read at construction for the enabled flag and language, and
	// written by SetEnabled. nil means enabled with DefaultLanguage.
	Prefs prefs.Store

	// ReadSize is the stream body read size.
	ReadSize int

	// Callbacks receive annotation events. All run on the loop goroutine.
	Callbacks Callbacks

	Logger *slog.Logger
}

// Session owns one document and every annotation on it.
//
// # Description
//
// All document and registry access happens on the goroutine running Run.
// Public methods marshal work onto that goroutine and wait for it, so
// they may be called from anywhere. Network requests and body reads run on
// their own goroutines and hand decoded frames back to the loop.
//
// # Thread Safety
//
// Safe for concurrent use. Run must be called exactly once.
type Session struct {
	doc        *dom.Document
	reg        *registry.Registry
	mapper     *position.Mapper
	detector   *overlap.Detector
	wrapper    *marker.Wrapper
	classifier *input.Classifier
	consumer   *stream.Consumer
	requester  client.Requester
	store      prefs.Store
	cb         Callbacks
	noticeTTL  time.Duration
	logger     *slog.Logger

	// Loop-owned state.
	enabled  bool
	language string
	flights  map[string]*flight

	inbox     chan func()
	stopped   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	running   sync.Once
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// New builds a session over doc.
//
// # Inputs
//
//   - ctx: Bounds the preference reads only.
//   - doc: The document. The session becomes its only writer.
//   - requester: Starts annotation streams.
//   - cfg: Configuration.
//
// # Outputs
//
//   - *Session: Not processing anything until Run is called.
//   - error: Non-nil when the selection rules do not compile.
func New(ctx context.Context, doc *dom.Document, requester client.Requester, cfg Config) (*Session, error) {
	if doc == nil {
		return nil, dom.ErrNoDocument
	}
	if requester == nil {
		return nil, errors.New("engine: requester is required")
	}
	classifier, err := input.NewClassifier(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := logging.OrDiscard(cfg.Logger)
	wrapper := marker.NewWrapper(doc, logger)

	s := &Session{
		doc:        doc,
		reg:        registry.New(wrapper, logger),
		mapper:     position.NewMapper(doc, cfg.ContextTokens),
		detector:   overlap.NewDetector(wrapper, logger),
		wrapper:    wrapper,
		classifier: classifier,
		consumer:   stream.NewConsumer(stream.WithLogger(logger), stream.WithReadSize(cfg.ReadSize)),
		requester:  requester,
		store:      cfg.Prefs,
		cb:         cfg.Callbacks,
		noticeTTL:  cfg.NoticeTTL,
		logger:     logger,
		enabled:    prefs.Enabled(ctx, cfg.Prefs),
		language:   cfg.Language,
		flights:    make(map[string]*flight),
		inbox:      make(chan func()),
		stopped:    make(chan struct{}),
	}
	if s.noticeTTL <= 0 {
		s.noticeTTL = DefaultNoticeTTL
	}
	if s.language == "" {
		s.language = prefs.Language(ctx, cfg.Prefs)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// =============================================================================
// Event Loop
// =============================================================================

// Run processes work until ctx is cancelled or Close is called.
//
// # Description
//
// On exit every in-flight stream is cancelled and its goroutines are
// waited for. Markers stay in the document so it can still be rendered.
//
// # Outputs
//
//   - error: ctx.Err() when ctx ended the loop, nil after Close.
func (s *Session) Run(ctx context.Context) error {
	ran := false
	s.running.Do(func() { ran = true })
	if !ran {
		return errors.New("engine: Run called twice")
	}
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case fn := <-s.inbox:
			fn()
		}
	}
}

// Close stops the loop and waits for stream goroutines to exit. Safe to
// call more than once and before Run.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	started := true
	s.running.Do(func() { started = false })
	if started {
		<-s.stopped
	} else {
		close(s.stopped)
	}
	s.workers.Wait()
	return nil
}

func (s *Session) shutdown() {
	s.cancel()
	for key, fl := range s.flights {
		fl.Cancel()
		delete(s.flights, key)
	}
	close(s.stopped)
	s.logger.Debug("session stopped", "annotations", s.reg.Len())
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.inbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn on the loop without waiting. It reports false once the
// session is stopping.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	case <-s.stopped:
		return false
	}
}

// =============================================================================
// Public Operations
// =============================================================================

// Select handles a gesture over the projection span [start, end).
//
// # Description
//
// The span is resolved against the current document on the loop. Accepted
// selections are wrapped, registered and dispatched before Select returns;
// the annotation then resolves asynchronously through the callbacks.
//
// # Outputs
//
//   - string: The annotation key.
//   - error: A *input.Rejection (also surfaced as a notice), a dom range
//     error, or ErrClosed.
func (s *Session) Select(ctx context.Context, g input.Gesture, start, end int) (string, error) {
	var (
		key string
		err error
	)
	if derr := s.do(ctx, func() {
		var rng dom.Range
		rng, err = s.doc.Project().Range(start, end)
		if err != nil {
			return
		}
		key, err = s.selectRange(g, rng)
	}); derr != nil {
		return "", derr
	}
	return key, err
}

// Cancel interrupts a loading annotation. The annotation is removed and its
// markers unwrapped; OnRemoved fires and nothing else follows. Cancelling
// an annotation that is not loading, or that no longer exists, is a no-op.
func (s *Session) Cancel(ctx context.Context, key string) error {
	return s.do(ctx, func() { s.cancelKey(key) })
}

// Remove dismisses an annotation in any state.
func (s *Session) Remove(ctx context.Context, key string) error {
	var err error
	if derr := s.do(ctx, func() { err = s.removeKey(key) }); derr != nil {
		return derr
	}
	return err
}

// FetchMore asks for further results on a resolved annotation.
func (s *Session) FetchMore(ctx context.Context, key string) error {
	var err error
	if derr := s.do(ctx, func() { err = s.fetchMore(key) }); derr != nil {
		return derr
	}
	return err
}

// Activate handles a click on the first node matching the XPath expression.
// The node must be a marker control, or inside one.
func (s *Session) Activate(ctx context.Context, expr string) error {
	var err error
	if derr := s.do(ctx, func() { err = s.activate(expr) }); derr != nil {
		return derr
	}
	return err
}

// SetEnabled turns the feature on or off and persists the choice.
// Disabling removes every annotation.
func (s *Session) SetEnabled(ctx context.Context, enabled bool) error {
	if s.store != nil {
		if err := s.store.Set(ctx, prefs.KeyEnabled, fmt.Sprint(enabled)); err != nil {
			s.logger.Warn("persisting enabled flag failed", "error", err)
		}
	}
	return s.do(ctx, func() {
		s.enabled = enabled
		if !enabled {
			s.removeAll()
		}
		s.logger.Info("annotation toggled", "enabled", enabled)
	})
}

// RemoveAll removes every annotation and returns the removed keys.
func (s *Session) RemoveAll(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.do(ctx, func() { keys = s.removeAll() })
	return keys, err
}

// Revalidate checks every annotation against the current document.
//
// # Description
//
// Pending and loading annotations whose markers are gone or no longer hold
// their text are removed with a log entry. Resolved annotations are kept
// even when stale.
//
// # Outputs
//
//   - []string: Keys removed as stale.
func (s *Session) Revalidate(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.do(ctx, func() { keys = s.revalidate() })
	return keys, err
}

// HTML renders the body of the document with its markers.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var (
		out string
		err error
	)
	if derr := s.do(ctx, func() { out, err = s.doc.RenderBody() }); derr != nil {
		return "", derr
	}
	return out, err
}

// View is a read-only copy of one annotation.
type View struct {
	Key     string         `json:"key"`
	Kind    registry.Kind  `json:"kind"`
	State   string         `json:"state"`
	Text    string         `json:"text"`
	Markers int            `json:"markers"`
	Attempt int            `json:"attempt"`
	Payload stream.Payload `json:"payload,omitempty"`
}

// Snapshot returns every annotation in creation order.
func (s *Session) Snapshot(ctx context.Context) ([]View, error) {
	var out []View
	err := s.do(ctx, func() {
		for _, a := range s.reg.All() {
			rec := a.Rec()
			out = append(out, View{
				Key:     rec.Key,
				Kind:    a.Kind(),
				State:   rec.State.String(),
				Text:    rec.Text,
				Markers: len(rec.Markers),
				Attempt: rec.Attempt,
				Payload: rec.Payload,
			})
		}
	})
	return out, err
}

// Enabled reports whether selections are accepted.
func (s *Session) Enabled(ctx context.Context) (bool, error) {
	var on bool
	err := s.do(ctx, func() { on = s.enabled })
	return on, err
}

// =============================================================================
// Loop-side Handlers
// =============================================================================

func (s *Session) selectRange(g input.Gesture, rng dom.Range) (string, error) {
	if !s.enabled {
		rej := input.Reject(input.ReasonDisabled, "annotations are turned off")
		s.notify(Notice{Kind: NoticeDisabled, Reason: rej.Reason, Message: rej.Message})
		return "", rej
	}
	d, err := s.classifier.Classify(s.doc, g, rng)
	if err != nil {
		return "", s.rejected(err)
	}
	switch d.Kind {
	case registry.KindWord:
		return s.selectWord(d, rng)
	default:
		return s.selectPhrase(d, rng)
	}
}

// rejected surfaces a *input.Rejection as a notice and returns err.
func (s *Session) rejected(err error) error {
	var rej *input.Rejection
	if errors.As(err, &rej) {
		s.notify(Notice{Kind: NoticeRejected, Reason: rej.Reason, Message: rej.Message})
	}
	return err
}

func (s *Session) cancelKey(key string) {
	a, ok := s.reg.Get(key)
	if !ok || a.Rec().State != registry.StateLoading {
		return
	}
	if _, err := s.reg.Transition(key, registry.EventCancel); err != nil {
		s.logger.Warn("cancel failed", "key", key, "error", err)
		return
	}
	s.endFlight(key, a.Kind(), "cancelled")
	s.cb.removed(key)
}

func (s *Session) removeKey(key string) error {
	a, ok := s.reg.Get(key)
	if !ok {
		return fmt.Errorf("remove %q: %w", key, registry.ErrNotFound)
	}
	loading := a.Rec().State == registry.StateLoading
	if _, err := s.reg.Transition(key, registry.EventRemove); err != nil {
		return err
	}
	if loading {
		s.endFlight(key, a.Kind(), "cancelled")
	}
	s.cb.removed(key)
	return nil
}

func (s *Session) fetchMore(key string) error {
	a, ok := s.reg.Get(key)
	if !ok {
		return fmt.Errorf("fetch more %q: %w", key, registry.ErrNotFound)
	}
	if to, ok := registry.Next(a.Rec().State, registry.EventRefine); !ok || to != registry.StateLoading {
		return &registry.TransitionError{Key: key, From: a.Rec().State, Event: registry.EventRefine}
	}
	if p, ok := a.(*registry.PhraseAnnotation); ok {
		if simp, ok := p.Simplification(); ok && simp.SimplifiedText != "" {
			p.History = append(p.History, simp.SimplifiedText)
			if n := len(p.History); n > client.MaxPreviousResults {
				p.History = p.History[n-client.MaxPreviousResults:]
			}
		}
	}
	return s.dispatch(a, registry.EventRefine)
}

func (s *Session) activate(expr string) error {
	nodes, err := s.doc.Query(expr)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: %s matches nothing", ErrNotControl, expr)
	}
	var (
		ref    registry.MarkerRef
		action string
		found  bool
	)
	dom.Ancestors(nodes[0], func(n *html.Node) bool {
		ref, action, found = marker.ControlTarget(n)
		return !found
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrNotControl, expr)
	}
	m, err := s.wrapper.Find(ref)
	if err != nil {
		return err
	}
	id, _ := marker.IdentityOf(m)
	switch action {
	case marker.ControlCancel:
		s.cancelKey(id.Key)
		return nil
	case marker.ControlRemove:
		return s.removeKey(id.Key)
	}
	return fmt.Errorf("%w: unknown action %q", ErrNotControl, action)
}

func (s *Session) removeAll() []string {
	loading := make(map[string]registry.Kind)
	for _, a := range s.reg.All() {
		if a.Rec().State == registry.StateLoading {
			loading[a.Rec().Key] = a.Kind()
		}
	}
	keys := s.reg.RemoveAll()
	for _, key := range keys {
		if kind, ok := loading[key]; ok {
			s.endFlight(key, kind, "cancelled")
		}
		s.cb.removed(key)
	}
	if len(keys) > 0 {
		s.logger.Info("annotations cleared", "count", len(keys))
	}
	return keys
}

func (s *Session) revalidate() []string {
	var stale []string
	for _, a := range s.reg.All() {
		rec := a.Rec()
		if rec.State == registry.StateResolved || s.intact(a) {
			continue
		}
		s.logger.Warn("annotation position stale, removing", "key", rec.Key, "state", rec.State.String(),
			"error", position.ErrPositionStale)
		loading := rec.State == registry.StateLoading
		if _, err := s.reg.Transition(rec.Key, registry.EventRemove); err != nil {
			s.logger.Warn("stale removal failed", "key", rec.Key, "error", err)
			continue
		}
		if loading {
			s.endFlight(rec.Key, a.Kind(), "stale")
		}
		s.cb.removed(rec.Key)
		stale = append(stale, rec.Key)
	}
	return stale
}

// intact reports whether every marker of a still exists and still holds
// the annotated text.
func (s *Session) intact(a registry.Annotation) bool {
	for _, ref := range a.Rec().Markers {
		m, err := s.wrapper.Find(ref)
		if err != nil {
			return false
		}
		text := dom.ProjectNode(m).String()
		switch v := a.(type) {
		case *registry.WordAnnotation:
			if normalizeWord(text) != v.Word {
				return false
			}
		case *registry.PhraseAnnotation:
			if collapseSpace(text) != collapseSpace(v.Position.SourceText) {
				return false
			}
		}
	}
	return true
}
