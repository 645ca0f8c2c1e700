// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGlossary = `
words:
  Serendipity:
    meaning: finding something good without looking for it
    examples: ["Meeting her was pure serendipity."]
    suggestions: [luck, chance]
phrases:
  the quick brown fox:
    - the fast brown fox
    - a speedy fox
`

func writeGlossary(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "glossary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestServer(t *testing.T, cfg Config) (*Server, *client.HTTPClient) {
	t.Helper()
	if cfg.GlossaryPath == "" {
		cfg.GlossaryPath = writeGlossary(t, testGlossary)
	}
	cfg.Logger = slog.New(slog.DiscardHandler)
	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(client.Config{BaseURL: ts.URL}, cfg.Logger)
	require.NoError(t, err)
	return srv, c
}

// resolve reads a response body to its terminal step.
func resolve(t *testing.T, mode stream.Mode, word string, body io.ReadCloser) (stream.Step, []string) {
	t.Helper()
	st := stream.NewConsumer().Start(context.Background(), body)
	reducer := stream.NewReducer(mode, word)
	var progress []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-st.Frames():
			require.True(t, ok, "stream closed without a terminal step")
			step := reducer.Apply(f)
			if step.Outcome == stream.OutcomeProgress {
				progress = append(progress, step.Accumulated)
			}
			if step.Outcome.Terminal() {
				st.Cancel()
				return step, progress
			}
		case <-timeout:
			t.Fatal("no terminal step")
		}
	}
}

// =============================================================================
// Glossary Tests
// =============================================================================

func TestGlossary_ExplainIsCaseInsensitive(t *testing.T) {
	g, err := ParseGlossary([]byte(testGlossary))
	require.NoError(t, err)

	e := g.Explain("serendipity")
	assert.Equal(t, "finding something good without looking for it", e.Meaning)
	assert.Equal(t, []string{"luck", "chance"}, e.Suggestions)

	unknown := g.Explain("zymurgy")
	assert.Contains(t, unknown.Meaning, "zymurgy")
}

func TestGlossary_SimplifySkipsPrevious(t *testing.T) {
	g, err := ParseGlossary([]byte(testGlossary))
	require.NoError(t, err)

	first, ok := g.Simplify("The  quick brown fox", nil)
	require.True(t, ok)
	assert.Equal(t, "the fast brown fox", first.SimplifiedText)
	assert.Equal(t, []string{"a speedy fox"}, first.Suggestions)

	second, ok := g.Simplify("the quick brown fox", []string{"the fast brown fox"})
	require.True(t, ok)
	assert.Equal(t, "a speedy fox", second.SimplifiedText)
	assert.Empty(t, second.Suggestions)

	_, ok = g.Simplify("the quick brown fox", []string{"the fast brown fox", "a speedy fox"})
	assert.False(t, ok)
}

func TestParseGlossary_Invalid(t *testing.T) {
	_, err := ParseGlossary([]byte("words: [unclosed"))
	assert.Error(t, err)
}

func TestGlossaryStore_WatchReloads(t *testing.T) {
	path := writeGlossary(t, testGlossary)
	store, err := LoadGlossary(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	store.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Give the watcher time to register before the write.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("words:\n  serendipity:\n    meaning: a lucky find\n"), 0o600))

	assert.Eventually(t, func() bool {
		return store.Current().Explain("serendipity").Meaning == "a lucky find"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestGlossaryStore_BadReloadKeepsPrevious(t *testing.T) {
	path := writeGlossary(t, testGlossary)
	store, err := LoadGlossary(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("words: [unclosed"), 0o600))
	assert.Error(t, store.reload())
	assert.Equal(t, "finding something good without looking for it", store.Current().Explain("serendipity").Meaning)
}

// =============================================================================
// Server Tests
// =============================================================================

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ExplainStreamsThenCompletes(t *testing.T) {
	_, c := newTestServer(t, Config{ChunkWords: 2})
	body, err := c.Explain(context.Background(), client.WordRequest{
		Text:          "what serendipity",
		WordLocations: []client.WordLocation{{Word: "serendipity", Index: 5, Length: 11}},
	})
	require.NoError(t, err)

	step, progress := resolve(t, stream.ModeExplain, "serendipity", body)
	require.Equal(t, stream.OutcomeResolved, step.Outcome)
	e, ok := step.Payload.(stream.Explanation)
	require.True(t, ok)
	assert.Equal(t, "finding something good without looking for it", e.Meaning)
	assert.Equal(t, []string{"Meeting her was pure serendipity."}, e.Examples)
	require.NotEmpty(t, progress)
	assert.Equal(t, "finding something", progress[0])
	assert.Equal(t, e.Meaning, progress[len(progress)-1])
}

func TestServer_SimplifyWithHistory(t *testing.T) {
	_, c := newTestServer(t, Config{})
	req := client.PhraseRequest{Text: "the quick brown fox", TextLength: 19}

	body, err := c.Simplify(context.Background(), req)
	require.NoError(t, err)
	step, _ := resolve(t, stream.ModeSimplify, "", body)
	require.Equal(t, stream.OutcomeResolved, step.Outcome)
	assert.Equal(t, "the fast brown fox", step.Payload.Text())

	req.PreviousResults = []string{"the fast brown fox"}
	body, err = c.Simplify(context.Background(), req)
	require.NoError(t, err)
	step, _ = resolve(t, stream.ModeSimplify, "", body)
	assert.Equal(t, "a speedy fox", step.Payload.Text())
}

func TestServer_SimplifyExhausted(t *testing.T) {
	_, c := newTestServer(t, Config{})
	body, err := c.Simplify(context.Background(), client.PhraseRequest{
		Text:            "the quick brown fox",
		TextLength:      19,
		PreviousResults: []string{"the fast brown fox", "a speedy fox"},
	})
	require.NoError(t, err)

	step, _ := resolve(t, stream.ModeSimplify, "", body)
	require.Equal(t, stream.OutcomeFailed, step.Outcome)
	var se *stream.ServerError
	require.ErrorAs(t, step.Err, &se)
	assert.Equal(t, CodeExhausted, se.Code)
}

func TestServer_InvalidRequest(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	tests := []struct {
		name string
		path string
		body string
	}{
		{"not json", "/v1/explain", "{"},
		{"no locations", "/v1/explain", `{"text":"a word","wordLocations":[]}`},
		{"location outside text", "/v1/explain", `{"text":"word","wordLocations":[{"word":"word","index":2,"length":4}]}`},
		{"length mismatch", "/v1/simplify", `{"text":"abc","textLength":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestServer_RateLimited(t *testing.T) {
	_, c := newTestServer(t, Config{RatePerSecond: 0.001, Burst: 1})
	req := client.PhraseRequest{Text: "the quick brown fox", TextLength: 19}

	body, err := c.Simplify(context.Background(), req)
	require.NoError(t, err)
	_ = body.Close()

	_, err = c.Simplify(context.Background(), req)
	assert.ErrorIs(t, err, client.ErrRateLimited)
}

func TestServer_RetryAfterHeader(t *testing.T) {
	srv, _ := newTestServer(t, Config{RatePerSecond: 0.5, Burst: 1})
	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/v1/simplify", bytes.NewBufferString(`{"text":"abc","textLength":3}`))
		req.Header.Set("Content-Type", "application/json")
		srv.Handler().ServeHTTP(w, req)
		return w
	}
	require.Equal(t, http.StatusOK, send().Code)

	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestServer_EmptyGlossaryServesPlaceholders(t *testing.T) {
	srv, err := New(Config{Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	assert.Empty(t, srv.Glossary().Current().Words)

	s, ok := srv.Glossary().Current().Simplify("leave  it", nil)
	require.True(t, ok)
	assert.Equal(t, "leave it", s.SimplifiedText)
}
