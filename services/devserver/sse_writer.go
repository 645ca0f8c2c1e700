// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/marginalia/services/annotator/stream"
)

// =============================================================================
// Wire Frames
// =============================================================================

// wireFrame is one data line as the annotator expects it.
type wireFrame struct {
	Type           string              `json:"type"`
	Chunk          *string             `json:"chunk,omitempty"`
	Accumulated    string              `json:"accumulated,omitempty"`
	WordInfo       *stream.Explanation `json:"word_info,omitempty"`
	SimplifiedText *string             `json:"simplified_text,omitempty"`
	Suggestions    []string            `json:"suggestions,omitempty"`
	Error          *wireError          `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// =============================================================================
// SSEWriter
// =============================================================================

// SSEWriter writes annotation frames to a streaming HTTP response.
//
// # Description
//
// Every frame is one "data: <json>" line followed by a blank line and an
// immediate flush. The stream ends with the "data: [DONE]" sentinel.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized.
type SSEWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	done    bool
}

// SetSSEHeaders prepares w for streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// NewSSEWriter wraps w, which must implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &SSEWriter{writer: w, flusher: flusher}, nil
}

// WriteChunk writes a progress frame.
func (w *SSEWriter) WriteChunk(chunk, accumulated string) error {
	return w.writeFrame(wireFrame{Type: "chunk", Chunk: &chunk, Accumulated: accumulated})
}

// WriteExplanation writes the complete frame of a word request.
func (w *SSEWriter) WriteExplanation(e stream.Explanation) error {
	return w.writeFrame(wireFrame{Type: "complete", WordInfo: &e, Suggestions: e.Suggestions})
}

// WriteSimplification writes the complete frame of a phrase request.
func (w *SSEWriter) WriteSimplification(s stream.Simplification) error {
	return w.writeFrame(wireFrame{Type: "complete", SimplifiedText: &s.SimplifiedText, Suggestions: s.Suggestions})
}

// WriteError writes an error frame. The message must be safe to show.
func (w *SSEWriter) WriteError(message, code string) error {
	return w.writeFrame(wireFrame{Type: "error", Error: &wireError{Message: message, Code: code}})
}

// WriteDone writes the end-of-stream sentinel. Later writes fail.
func (w *SSEWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return w.writeLine("data: " + stream.Sentinel + "\n\n")
}

// WriteKeepAlive writes a comment line, which clients ignore.
func (w *SSEWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLine(": ping\n\n")
}

func (w *SSEWriter) writeFrame(f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("stream already finished")
	}
	return w.writeLine("data: " + string(data) + "\n\n")
}

func (w *SSEWriter) writeLine(s string) error {
	if _, err := w.writer.Write([]byte(s)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}
