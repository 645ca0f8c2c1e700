// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"fmt"
	"strings"
)

// Mode selects the payload shape a stream resolves to.
type Mode int

const (
	// ModeExplain streams a word explanation.
	ModeExplain Mode = iota

	// ModeSimplify streams a phrase simplification.
	ModeSimplify
)

// Outcome is what the annotation should do after a frame.
type Outcome int

const (
	// OutcomeNone means nothing to apply.
	OutcomeNone Outcome = iota

	// OutcomeProgress reports accumulated text; the state is unchanged.
	OutcomeProgress

	// OutcomeResolved carries the final payload.
	OutcomeResolved

	// OutcomeDegraded carries a payload salvaged from partial text.
	OutcomeDegraded

	// OutcomeFailed carries the error that ended the stream.
	OutcomeFailed
)

// String returns a lower-case name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeProgress:
		return "progress"
	case OutcomeResolved:
		return "resolved"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Terminal reports whether the outcome ends the stream.
func (o Outcome) Terminal() bool {
	return o == OutcomeResolved || o == OutcomeDegraded || o == OutcomeFailed
}

// Step is the result of applying one frame.
type Step struct {
	Outcome     Outcome
	Accumulated string
	Payload     Payload
	Err         error
}

// Reducer folds the frames of one stream into outcomes.
//
// A terminal step is produced at most once; every frame after it yields
// OutcomeNone. This is what keeps a sentinel that follows a complete frame
// from resolving the annotation a second time.
type Reducer struct {
	mode        Mode
	word        string
	accumulated strings.Builder
	finished    bool
}

// NewReducer creates a reducer. word fills Explanation.Word when the
// backend omits it or when a partial result is salvaged.
func NewReducer(mode Mode, word string) *Reducer {
	return &Reducer{mode: mode, word: word}
}

// Finished reports whether a terminal step was produced.
func (r *Reducer) Finished() bool {
	return r.finished
}

// Accumulated returns the text gathered from chunk frames so far.
func (r *Reducer) Accumulated() string {
	return r.accumulated.String()
}

// Apply folds f into the reducer.
func (r *Reducer) Apply(f Frame) Step {
	if r.finished {
		return Step{Outcome: OutcomeNone}
	}

	switch f.Kind {
	case FrameChunk:
		if f.Accumulated != "" {
			r.accumulated.Reset()
			r.accumulated.WriteString(f.Accumulated)
		} else {
			r.accumulated.WriteString(f.Chunk)
		}
		return Step{Outcome: OutcomeProgress, Accumulated: r.accumulated.String()}

	case FrameComplete:
		r.finished = true
		p := f.Payload
		if e, ok := p.(Explanation); ok && e.Word == "" {
			e.Word = r.word
			p = e
		}
		return Step{Outcome: OutcomeResolved, Payload: p, Accumulated: r.accumulated.String()}

	case FrameError:
		r.finished = true
		if partial := strings.TrimSpace(r.accumulated.String()); partial != "" {
			return Step{Outcome: OutcomeDegraded, Payload: r.salvage(partial), Accumulated: partial, Err: f.Err}
		}
		return Step{Outcome: OutcomeFailed, Err: f.Err}

	case FrameEnd:
		r.finished = true
		if partial := strings.TrimSpace(r.accumulated.String()); f.Truncated && partial != "" {
			return Step{Outcome: OutcomeDegraded, Payload: r.salvage(partial), Accumulated: partial, Err: ErrEmptyResolution}
		}
		return Step{Outcome: OutcomeFailed, Err: ErrEmptyResolution}
	}
	return Step{Outcome: OutcomeNone}
}

func (r *Reducer) salvage(partial string) Payload {
	if r.mode == ModeSimplify {
		return Simplification{SimplifiedText: partial, Degraded: true}
	}
	return Explanation{Word: r.word, Meaning: partial, Degraded: true}
}
