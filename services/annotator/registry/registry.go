// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/marginalia/pkg/logging"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
)

// Unwrapper removes a marker from the document, restoring its content.
type Unwrapper interface {
	Unwrap(ref MarkerRef) error
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds every live annotation of one document.
//
// # Description
//
// Records leave the registry the moment they enter Removed: the in-flight
// stream is cancelled, every marker is unwrapped through the Unwrapper, and
// the record is discarded. A record therefore never exists without markers.
//
// # Thread Safety
//
// Not safe for concurrent use. A registry belongs to the event loop of the
// session that owns the document.
type Registry struct {
	records   map[string]Annotation
	order     []string
	unwrapper Unwrapper
	logger    *slog.Logger
}

// New creates a registry. A nil unwrapper leaves markers in place, which is
// only useful in tests.
func New(unwrapper Unwrapper, logger *slog.Logger) *Registry {
	return &Registry{
		records:   make(map[string]Annotation),
		unwrapper: unwrapper,
		logger:    logging.OrDiscard(logger),
	}
}

// Create registers a in state Pending.
func (r *Registry) Create(a Annotation) error {
	rec := a.Rec()
	if rec == nil {
		return fmt.Errorf("create: %w", ErrNoMarkers)
	}
	if _, ok := r.records[rec.Key]; ok {
		return fmt.Errorf("create %q: %w", rec.Key, ErrDuplicate)
	}
	if len(rec.Markers) == 0 {
		return fmt.Errorf("create %q: %w", rec.Key, ErrNoMarkers)
	}
	rec.State = StatePending
	r.records[rec.Key] = a
	r.order = append(r.order, rec.Key)
	activeAnnotations.WithLabelValues(string(a.Kind())).Inc()
	r.logger.Debug("annotation created", "key", rec.Key, "kind", a.Kind(), "markers", len(rec.Markers))
	return nil
}

// Get returns the live annotation for key.
func (r *Registry) Get(key string) (Annotation, bool) {
	a, ok := r.records[key]
	return a, ok
}

// Word returns the live word annotation for key.
func (r *Registry) Word(key string) (*WordAnnotation, bool) {
	w, ok := r.records[key].(*WordAnnotation)
	return w, ok
}

// Phrase returns the live phrase annotation for key.
func (r *Registry) Phrase(key string) (*PhraseAnnotation, bool) {
	p, ok := r.records[key].(*PhraseAnnotation)
	return p, ok
}

// Has reports whether key has a live record.
func (r *Registry) Has(key string) bool {
	_, ok := r.records[key]
	return ok
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	return len(r.records)
}

// All returns the live annotations in creation order.
func (r *Registry) All() []Annotation {
	out := make([]Annotation, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.records[key])
	}
	return out
}

// Phrases returns the live phrase annotations in creation order.
func (r *Registry) Phrases() []*PhraseAnnotation {
	var out []*PhraseAnnotation
	for _, key := range r.order {
		if p, ok := r.records[key].(*PhraseAnnotation); ok {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Transitions
// =============================================================================

type transitionArgs struct {
	cancel  func()
	payload stream.Payload
}

// TransitionOption supplies data an event needs.
type TransitionOption func(*transitionArgs)

// WithCancel attaches the cancel handle of a newly started stream.
func WithCancel(cancel func()) TransitionOption {
	return func(a *transitionArgs) { a.cancel = cancel }
}

// WithPayload attaches the payload of a completed stream.
func WithPayload(p stream.Payload) TransitionOption {
	return func(a *transitionArgs) { a.payload = p }
}

// Transition applies event to the annotation at key.
//
// # Description
//
// Looks up the edge in the transition table. Dispatch and Refine need
// WithCancel and bump Record.Attempt; Complete needs WithPayload. Entering
// Removed cancels the stream, unwraps the markers and drops the record.
//
// # Outputs
//
//   - State: The new state.
//   - error: ErrNotFound, *TransitionError, ErrMissingCancel or
//     ErrMissingPayload. The record is unchanged on error.
func (r *Registry) Transition(key string, event Event, opts ...TransitionOption) (State, error) {
	a, ok := r.records[key]
	if !ok {
		return StateRemoved, fmt.Errorf("%s %q: %w", event, key, ErrNotFound)
	}
	rec := a.Rec()

	to, ok := Next(rec.State, event)
	if !ok {
		rejectedTransitions.WithLabelValues(string(a.Kind()), event.String()).Inc()
		return rec.State, &TransitionError{Key: key, From: rec.State, Event: event}
	}

	var args transitionArgs
	for _, opt := range opts {
		opt(&args)
	}

	switch event {
	case EventDispatch, EventRefine:
		if args.cancel == nil {
			return rec.State, fmt.Errorf("%s %q: %w", event, key, ErrMissingCancel)
		}
	case EventComplete:
		if args.payload == nil {
			return rec.State, fmt.Errorf("%s %q: %w", event, key, ErrMissingPayload)
		}
	}

	from := rec.State
	switch to {
	case StateLoading:
		rec.cancel = args.cancel
		rec.Attempt++
	case StateResolved:
		rec.cancel = nil
		rec.Payload = args.payload
	case StateRemoved:
		r.discard(a)
	}
	rec.State = to

	recordTransition(a.Kind(), from, to)
	r.logger.Debug("annotation transition",
		"key", key, "event", event.String(), "from", from.String(), "to", to.String(), "attempt", rec.Attempt)
	return to, nil
}

// RemoveAll removes every live annotation and returns the removed keys in
// creation order.
func (r *Registry) RemoveAll() []string {
	keys := slices.Clone(r.order)
	for _, key := range keys {
		a := r.records[key]
		from := a.Rec().State
		r.discard(a)
		a.Rec().State = StateRemoved
		recordTransition(a.Kind(), from, StateRemoved)
	}
	return keys
}

func (r *Registry) discard(a Annotation) {
	rec := a.Rec()
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	if r.unwrapper != nil {
		for _, ref := range rec.Markers {
			if err := r.unwrapper.Unwrap(ref); err != nil {
				r.logger.Warn("unwrap failed", "key", rec.Key, "marker", string(ref), "error", err)
			}
		}
	}
	delete(r.records, rec.Key)
	r.order = slices.DeleteFunc(r.order, func(k string) bool { return k == rec.Key })
	activeAnnotations.WithLabelValues(string(a.Kind())).Dec()
}
