// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
)

// =============================================================================
// Flight
// =============================================================================

// flight is one request and the stream reading its response.
type flight struct {
	kind    registry.Kind
	started time.Time
	cancel  context.CancelFunc

	mu      sync.Mutex
	stream  *stream.Stream
	stopped bool
}

// attach records the stream once the response arrives. It reports false
// when the flight was cancelled in the meantime.
func (f *flight) attach(st *stream.Stream) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.stream = st
	return true
}

// Cancel aborts the request or stream. No frame is forwarded after it
// returns. Safe to call repeatedly and after completion.
func (f *flight) Cancel() {
	f.cancel()
	f.mu.Lock()
	f.stopped = true
	st := f.stream
	f.mu.Unlock()
	if st != nil {
		st.Cancel()
	}
}

// =============================================================================
// Dispatch
// =============================================================================

// dispatch moves a to Loading through event and starts its request.
//
// # Description
//
// The request runs on its own goroutine so the loop never blocks on the
// network. Frames come back through post, tagged with the attempt number;
// frames of an earlier attempt are dropped on arrival.
func (s *Session) dispatch(a registry.Annotation, event registry.Event) error {
	rec := a.Rec()
	reqCtx, cancel := context.WithCancel(s.ctx)
	fl := &flight{kind: a.Kind(), started: time.Now(), cancel: cancel}

	var (
		open   func(context.Context) (io.ReadCloser, error)
		mode   stream.Mode
		reduce string
	)
	switch v := a.(type) {
	case *registry.WordAnnotation:
		req := s.wordRequest(v)
		open = func(ctx context.Context) (io.ReadCloser, error) { return s.requester.Explain(ctx, req) }
		mode, reduce = stream.ModeExplain, v.Word
	case *registry.PhraseAnnotation:
		req := s.phraseRequest(v)
		open = func(ctx context.Context) (io.ReadCloser, error) { return s.requester.Simplify(ctx, req) }
		mode = stream.ModeSimplify
	default:
		cancel()
		return fmt.Errorf("dispatch %q: unsupported annotation %T", rec.Key, a)
	}

	if _, err := s.reg.Transition(rec.Key, event, registry.WithCancel(fl.Cancel)); err != nil {
		cancel()
		return err
	}
	s.flights[rec.Key] = fl
	s.restyle(a)
	streamsStarted.WithLabelValues(string(a.Kind()), event.String()).Inc()

	key, attempt := rec.Key, rec.Attempt
	reducer := stream.NewReducer(mode, reduce)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		body, err := open(reqCtx)
		if err != nil {
			if reqCtx.Err() != nil {
				return
			}
			s.post(func() { s.requestFailed(key, attempt, err) })
			return
		}
		st := s.consumer.Start(reqCtx, body)
		if !fl.attach(st) {
			st.Cancel()
			return
		}
		for f := range st.Frames() {
			if !s.post(func() { s.applyFrame(key, attempt, reducer, f) }) {
				st.Cancel()
				return
			}
		}
	}()

	s.logger.Debug("annotation dispatched", "key", key, "attempt", attempt, "event", event.String())
	return nil
}

// current returns the annotation for key when it is still loading the
// given attempt.
func (s *Session) current(key string, attempt int) (registry.Annotation, bool) {
	a, ok := s.reg.Get(key)
	if !ok || a.Rec().State != registry.StateLoading || a.Rec().Attempt != attempt {
		return nil, false
	}
	return a, true
}

func (s *Session) applyFrame(key string, attempt int, reducer *stream.Reducer, f stream.Frame) {
	a, ok := s.current(key, attempt)
	if !ok {
		return
	}
	step := reducer.Apply(f)
	switch step.Outcome {
	case stream.OutcomeProgress:
		s.cb.progress(key, step.Accumulated)

	case stream.OutcomeResolved, stream.OutcomeDegraded:
		if step.Outcome == stream.OutcomeDegraded {
			s.logger.Warn("stream ended early, keeping partial result", "key", key, "error", step.Err)
		}
		if _, err := s.reg.Transition(key, registry.EventComplete, registry.WithPayload(step.Payload)); err != nil {
			s.logger.Error("completing annotation failed", "key", key, "error", err)
			return
		}
		s.endFlight(key, a.Kind(), step.Outcome.String())
		s.restyle(a)
		s.cb.resolved(key, step.Payload)

	case stream.OutcomeFailed:
		s.fail(a, step.Err)
	}
}

func (s *Session) requestFailed(key string, attempt int, err error) {
	a, ok := s.current(key, attempt)
	if !ok {
		return
	}
	s.fail(a, err)
}

// fail removes a loading annotation after an unusable response.
func (s *Session) fail(a registry.Annotation, err error) {
	key := a.Rec().Key
	var se *stream.ServerError
	rateLimited := errors.Is(err, client.ErrRateLimited) || (errors.As(err, &se) && se.RateLimited())
	if rateLimited && !errors.Is(err, client.ErrRateLimited) {
		err = fmt.Errorf("%w: %w", client.ErrRateLimited, err)
	}

	if _, terr := s.reg.Transition(key, registry.EventFail); terr != nil {
		s.logger.Error("failing annotation failed", "key", key, "error", terr)
		return
	}
	outcome := "failed"
	if rateLimited {
		outcome = "rate_limited"
	}
	s.endFlight(key, a.Kind(), outcome)
	s.logger.Warn("annotation failed", "key", key, "error", err)

	s.cb.failed(key, err)
	s.cb.removed(key)
	if rateLimited {
		s.notify(Notice{Kind: NoticeRateLimited, Key: key, Message: "too many requests, try again shortly"})
	} else {
		s.notify(Notice{Kind: NoticeFailed, Key: key, Message: "no explanation available"})
	}
}

// endFlight stops and forgets the flight of key and records its outcome.
func (s *Session) endFlight(key string, kind registry.Kind, outcome string) {
	fl, ok := s.flights[key]
	if !ok {
		return
	}
	delete(s.flights, key)
	fl.Cancel()
	streamDuration.WithLabelValues(string(kind), outcome).Observe(time.Since(fl.started).Seconds())
}

// restyle updates every marker of a to its current state.
func (s *Session) restyle(a registry.Annotation) {
	rec := a.Rec()
	for _, ref := range rec.Markers {
		// Words carry one control, on their first marker.
		controls := a.Kind() == registry.KindPhrase || ref == rec.Markers[0]
		if err := s.wrapper.Restyle(ref, rec.State, controls); err != nil {
			s.logger.Warn("restyle failed", "key", rec.Key, "marker", string(ref), "error", err)
		}
	}
}
