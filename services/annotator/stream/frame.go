// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream consumes the chunked annotation responses of the backend.
//
// The package is split the same way the CLI's stream handling is:
//
//   - parser.go turns one line into at most one Frame
//   - decoder.go reassembles lines from arbitrary byte chunks
//   - consumer.go owns the reading goroutine of one response body
//   - reducer.go folds a stream's frames into annotation outcomes
//
// Wire format:
//
//	data: {"type":"chunk","chunk":"A hap","accumulated":"A hap"}\n
//	data: {"type":"complete","word_info":{"word":"serendipity","meaning":"...","examples":["..."]}}\n
//	data: [DONE]\n
package stream

import (
	"errors"
	"fmt"
)

// =============================================================================
// Frame Types
// =============================================================================

// FrameKind identifies the role of a decoded frame.
type FrameKind int

const (
	// FrameChunk carries incremental text.
	FrameChunk FrameKind = iota

	// FrameComplete carries the final payload.
	FrameComplete

	// FrameError reports a server-side or transport failure.
	FrameError

	// FrameEnd is the end-of-stream sentinel, or a synthesized end when the
	// body closed without one.
	FrameEnd
)

// String returns the wire name of the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameComplete:
		return "complete"
	case FrameError:
		return "error"
	case FrameEnd:
		return "end"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is one decoded unit of a streamed response.
type Frame struct {
	Kind FrameKind

	// Chunk and Accumulated are set on chunk frames. Accumulated may be
	// empty when the server only sends deltas.
	Chunk       string
	Accumulated string

	// Payload is set on complete frames.
	Payload Payload

	// Err is set on error frames. Server errors are *ServerError; read
	// failures wrap ErrTransport.
	Err error

	// Truncated marks an end frame synthesized at EOF without a sentinel.
	Truncated bool
}

// =============================================================================
// Payloads
// =============================================================================

// Payload is the resolved content of an annotation.
type Payload interface {
	// Text returns the main human-readable text of the payload.
	Text() string

	isPayload()
}

// Explanation is the payload of a word annotation.
type Explanation struct {
	Word        string   `json:"word"`
	Meaning     string   `json:"meaning"`
	Examples    []string `json:"examples,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`

	// Degraded is set when the payload was salvaged from partial text.
	Degraded bool `json:"degraded,omitempty"`
}

// Text returns the meaning.
func (e Explanation) Text() string { return e.Meaning }

func (Explanation) isPayload() {}

// Simplification is the payload of a phrase annotation.
type Simplification struct {
	SimplifiedText string   `json:"simplifiedText"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
}

// Text returns the simplified text.
func (s Simplification) Text() string { return s.SimplifiedText }

func (Simplification) isPayload() {}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMalformedFrame is returned for data lines whose payload is not a
	// recognizable frame. The consumer logs and skips such lines.
	ErrMalformedFrame = errors.New("stream: malformed frame")

	// ErrEmptyResolution is reported when a stream ends with no complete
	// frame and no usable partial text.
	ErrEmptyResolution = errors.New("stream: ended without a result")

	// ErrTransport wraps read failures of the response body.
	ErrTransport = errors.New("stream: transport failure")

	// ErrServer is the base of every *ServerError.
	ErrServer = errors.New("stream: server error")
)

// CodeRateLimited is the error code the backend uses when throttling.
const CodeRateLimited = "rate_limited"

// ServerError is an error frame reported by the backend.
type ServerError struct {
	Code    string
	Message string
}

// Error implements error.
func (e *ServerError) Error() string {
	if e.Code == "" {
		return "stream: server error: " + e.Message
	}
	return fmt.Sprintf("stream: server error [%s]: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrServer.
func (e *ServerError) Unwrap() error { return ErrServer }

// RateLimited reports whether the backend throttled the request.
func (e *ServerError) RateLimited() bool { return e.Code == CodeRateLimited }
