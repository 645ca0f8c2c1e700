// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel is the data payload that terminates a response stream.
const Sentinel = "[DONE]"

const dataPrefix = "data:"

// =============================================================================
// Parser
// =============================================================================

// Parser converts single lines of a response stream into frames.
//
// Parsers ONLY parse. They do not perform I/O or keep state between lines,
// so one Parser may be shared by every stream.
//
// Line handling:
//   - Empty lines: nil, nil (event delimiter)
//   - Comment lines (":"): nil, nil
//   - Other field lines ("event:", "id:", "retry:", anything else): nil, nil
//   - "data: [DONE]": an end frame
//   - "data: <json>": the classified frame, or ErrMalformedFrame
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses one line without its trailing newline.
func (p *Parser) ParseLine(line string) (*Frame, error) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	if strings.HasPrefix(line, ":") {
		return nil, nil
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return nil, nil
	}

	// Handles both "data: x" and "data:x".
	data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if data == Sentinel {
		return &Frame{Kind: FrameEnd}, nil
	}
	return p.ParseJSON([]byte(data))
}

// rawFrame matches every field the backend may send in one data line.
type rawFrame struct {
	Type           string          `json:"type"`
	Chunk          *string         `json:"chunk"`
	Accumulated    string          `json:"accumulated"`
	WordInfo       *Explanation    `json:"word_info"`
	SimplifiedText *string         `json:"simplified_text"`
	Suggestions    []string        `json:"suggestions"`
	Error          json.RawMessage `json:"error"`
	Message        string          `json:"message"`
	Code           string          `json:"code"`
}

// ParseJSON classifies a JSON payload.
//
// An explicit "type" wins. Without one the kind is inferred: word_info or
// simplified_text make a complete frame, error an error frame, chunk a
// chunk frame.
func (p *Parser) ParseJSON(data []byte) (*Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty data line", ErrMalformedFrame)
	}
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind := raw.Type
	if kind == "" {
		switch {
		case raw.WordInfo != nil || raw.SimplifiedText != nil:
			kind = "complete"
		case len(raw.Error) > 0 && string(raw.Error) != "null":
			kind = "error"
		case raw.Chunk != nil:
			kind = "chunk"
		}
	}

	switch kind {
	case "chunk":
		f := &Frame{Kind: FrameChunk, Accumulated: raw.Accumulated}
		if raw.Chunk != nil {
			f.Chunk = *raw.Chunk
		}
		return f, nil
	case "complete":
		return completeFrame(raw)
	case "error":
		return &Frame{Kind: FrameError, Err: serverError(raw)}, nil
	case "":
		return nil, fmt.Errorf("%w: no recognizable fields", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, kind)
	}
}

func completeFrame(raw rawFrame) (*Frame, error) {
	switch {
	case raw.WordInfo != nil:
		info := *raw.WordInfo
		if len(raw.Suggestions) > 0 {
			info.Suggestions = raw.Suggestions
		}
		info.Degraded = false
		return &Frame{Kind: FrameComplete, Payload: info}, nil
	case raw.SimplifiedText != nil:
		return &Frame{Kind: FrameComplete, Payload: Simplification{
			SimplifiedText: *raw.SimplifiedText,
			Suggestions:    raw.Suggestions,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: complete frame without payload", ErrMalformedFrame)
	}
}

// serverError accepts "error" as a string or as {"message","code"}.
func serverError(raw rawFrame) *ServerError {
	se := &ServerError{Code: raw.Code, Message: raw.Message}
	if len(raw.Error) == 0 {
		return se
	}
	var msg string
	if err := json.Unmarshal(raw.Error, &msg); err == nil {
		if msg != "" {
			se.Message = msg
		}
		return se
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw.Error, &obj); err == nil {
		if obj.Message != "" {
			se.Message = obj.Message
		}
		if obj.Code != "" {
			se.Code = obj.Code
		}
	}
	return se
}
