// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"errors"
	"testing"

	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fakeUnwrapper struct {
	unwrapped []MarkerRef
	fail      map[MarkerRef]bool
}

func (f *fakeUnwrapper) Unwrap(ref MarkerRef) error {
	f.unwrapped = append(f.unwrapped, ref)
	if f.fail[ref] {
		return errors.New("marker gone")
	}
	return nil
}

func newWord(key string, refs ...MarkerRef) *WordAnnotation {
	if len(refs) == 0 {
		refs = []MarkerRef{NewMarkerRef()}
	}
	return NewWord(key, key, refs, []int{0})
}

func noop() {}

// =============================================================================
// Create Tests
// =============================================================================

func TestCreate_DuplicateGuard(t *testing.T) {
	r := New(&fakeUnwrapper{}, nil)
	require.NoError(t, r.Create(newWord("serendipity")))

	err := r.Create(newWord("serendipity"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, r.Len())

	// Once removed the key is free again.
	_, err = r.Transition("serendipity", EventRemove)
	require.NoError(t, err)
	assert.NoError(t, r.Create(newWord("serendipity")))
}

func TestCreate_RequiresMarkers(t *testing.T) {
	r := New(nil, nil)
	err := r.Create(NewWord("w", "w", nil, nil))
	assert.ErrorIs(t, err, ErrNoMarkers)
	assert.Zero(t, r.Len())
}

func TestCreate_StartsPending(t *testing.T) {
	r := New(nil, nil)
	p := NewPhrase("phrase:4:15", position.Position{StartOffset: 4, Length: 15, SourceText: "quick brown fox"}, NewMarkerRef())
	require.NoError(t, r.Create(p))

	got, ok := r.Phrase("phrase:4:15")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, "quick brown fox", got.Text)
	_, ok = r.Word("phrase:4:15")
	assert.False(t, ok)
}

// =============================================================================
// Transition Table Tests
// =============================================================================

func TestTransition_Table(t *testing.T) {
	allEvents := []Event{EventDispatch, EventComplete, EventFail, EventCancel, EventRemove, EventRefine}
	allowed := map[State]map[Event]State{
		StatePending:  {EventDispatch: StateLoading, EventFail: StateRemoved, EventRemove: StateRemoved},
		StateLoading:  {EventComplete: StateResolved, EventCancel: StateRemoved, EventFail: StateRemoved, EventRemove: StateRemoved},
		StateResolved: {EventRefine: StateLoading, EventRemove: StateRemoved},
		StateRemoved:  {},
	}
	for from, events := range allowed {
		for _, ev := range allEvents {
			to, ok := Next(from, ev)
			want, legal := events[ev]
			assert.Equal(t, legal, ok, "%s on %s", ev, from)
			if legal {
				assert.Equal(t, want, to, "%s on %s", ev, from)
			}
		}
	}
}

func TestTransition_HappyPath(t *testing.T) {
	u := &fakeUnwrapper{}
	r := New(u, nil)
	w := newWord("serendipity")
	require.NoError(t, r.Create(w))

	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("word", "pending", "loading"))

	state, err := r.Transition("serendipity", EventDispatch, WithCancel(noop))
	require.NoError(t, err)
	assert.Equal(t, StateLoading, state)
	assert.Equal(t, 1, w.Attempt)
	assert.Equal(t, before+1, testutil.ToFloat64(transitionsTotal.WithLabelValues("word", "pending", "loading")))

	payload := stream.Explanation{Word: "serendipity", Meaning: "a happy accident"}
	state, err = r.Transition("serendipity", EventComplete, WithPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
	got, ok := w.Explanation()
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// A second completion is illegal.
	_, err = r.Transition("serendipity", EventComplete, WithPayload(payload))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateResolved, te.From)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	state, err = r.Transition("serendipity", EventRefine, WithCancel(noop))
	require.NoError(t, err)
	assert.Equal(t, StateLoading, state)
	assert.Equal(t, 2, w.Attempt)
	assert.Empty(t, u.unwrapped)
}

func TestTransition_RequiredOptions(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Create(newWord("w")))

	_, err := r.Transition("w", EventDispatch)
	assert.ErrorIs(t, err, ErrMissingCancel)
	a, _ := r.Get("w")
	assert.Equal(t, StatePending, a.Rec().State)

	_, err = r.Transition("w", EventDispatch, WithCancel(noop))
	require.NoError(t, err)
	_, err = r.Transition("w", EventComplete)
	assert.ErrorIs(t, err, ErrMissingPayload)
}

func TestTransition_UnknownKey(t *testing.T) {
	_, err := New(nil, nil).Transition("ghost", EventRemove)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_RemovedCancelsAndUnwraps(t *testing.T) {
	u := &fakeUnwrapper{}
	r := New(u, nil)
	refs := []MarkerRef{"m1", "m2", "m3"}
	require.NoError(t, r.Create(newWord("cat", refs...)))

	cancels := 0
	_, err := r.Transition("cat", EventDispatch, WithCancel(func() { cancels++ }))
	require.NoError(t, err)

	state, err := r.Transition("cat", EventCancel)
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, state)
	assert.Equal(t, 1, cancels)
	assert.Equal(t, refs, u.unwrapped)
	assert.False(t, r.Has("cat"))

	// Cancelling again is not a transition any more.
	_, err = r.Transition("cat", EventCancel)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, cancels)
}

func TestTransition_UnwrapFailureStillRemoves(t *testing.T) {
	u := &fakeUnwrapper{fail: map[MarkerRef]bool{"m1": true}}
	r := New(u, nil)
	require.NoError(t, r.Create(newWord("cat", "m1", "m2")))

	_, err := r.Transition("cat", EventFail)
	require.NoError(t, err)
	assert.Equal(t, []MarkerRef{"m1", "m2"}, u.unwrapped)
	assert.Zero(t, r.Len())
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestRemoveAll(t *testing.T) {
	u := &fakeUnwrapper{}
	r := New(u, nil)
	require.NoError(t, r.Create(newWord("a", "a1")))
	require.NoError(t, r.Create(NewPhrase("phrase:0:9", position.Position{Length: 9, SourceText: "x y z abc"}, "p1")))
	require.NoError(t, r.Create(newWord("b", "b1", "b2")))

	cancelled := false
	_, err := r.Transition("b", EventDispatch, WithCancel(func() { cancelled = true }))
	require.NoError(t, err)

	keys := r.RemoveAll()
	assert.Equal(t, []string{"a", "phrase:0:9", "b"}, keys)
	assert.Equal(t, []MarkerRef{"a1", "p1", "b1", "b2"}, u.unwrapped)
	assert.True(t, cancelled)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.RemoveAll())
}

func TestAllAndPhrases_CreationOrder(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Create(NewPhrase("p2", position.Position{}, "x")))
	require.NoError(t, r.Create(newWord("w")))
	require.NoError(t, r.Create(NewPhrase("p1", position.Position{}, "y")))

	var keys []string
	for _, a := range r.All() {
		keys = append(keys, a.Rec().Key)
	}
	assert.Equal(t, []string{"p2", "w", "p1"}, keys)

	phrases := r.Phrases()
	require.Len(t, phrases, 2)
	assert.Equal(t, "p2", phrases[0].Key)
	assert.Equal(t, KindPhrase, phrases[1].Kind())
}
