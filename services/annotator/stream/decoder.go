// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"log/slog"

	"github.com/AleutianAI/marginalia/pkg/logging"
)

// Decoder reassembles lines from arbitrarily split byte chunks.
//
// Every stream owns its own Decoder; nothing in it is shared.
//
// Thread Safety: not safe for concurrent use.
type Decoder struct {
	parser *Parser
	logger *slog.Logger
	buf    []byte
	ended  bool
}

// NewDecoder creates a decoder. A nil logger discards skipped-line logs.
func NewDecoder(parser *Parser, logger *slog.Logger) *Decoder {
	if parser == nil {
		parser = NewParser()
	}
	return &Decoder{parser: parser, logger: logging.OrDiscard(logger)}
}

// Feed appends chunk to the buffer and returns the frames of every line it
// completed. The trailing partial line is kept for the next call. Nothing
// is returned once the sentinel has been seen.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.ended {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for !d.ended {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		frames = d.appendLine(frames, line)
	}
	if d.ended {
		d.buf = nil
	}
	return frames
}

// Flush parses whatever partial line remains at EOF.
func (d *Decoder) Flush() []Frame {
	if d.ended || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	return d.appendLine(nil, line)
}

// Reset drops buffered bytes and forgets the sentinel.
func (d *Decoder) Reset() {
	d.buf = nil
	d.ended = false
}

// Ended reports whether the sentinel has been decoded.
func (d *Decoder) Ended() bool {
	return d.ended
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) appendLine(frames []Frame, line string) []Frame {
	f, err := d.parser.ParseLine(line)
	if err != nil {
		d.logger.Warn("skipping malformed stream line", "error", err, "line", truncate(line, 120))
		return frames
	}
	if f == nil {
		return frames
	}
	if f.Kind == FrameEnd {
		d.ended = true
	}
	return append(frames, *f)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
