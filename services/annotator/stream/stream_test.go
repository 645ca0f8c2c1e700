// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// chunkReader returns one pre-split chunk per Read, then err (io.EOF when nil).
type chunkReader struct {
	chunks []string
	err    error
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func collect(t *testing.T, s *Stream) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

const serendipityComplete = `data: {"word_info":{"word":"serendipity","meaning":"a happy accident","examples":["Finding it was pure serendipity."]}}`

// =============================================================================
// Parser Tests
// =============================================================================

func TestParser_ParseLine(t *testing.T) {
	p := NewParser()
	tests := []struct {
		name string
		line string
		kind FrameKind
		nilF bool
		err  error
	}{
		{name: "blank", line: "", nilF: true},
		{name: "whitespace", line: "  \r", nilF: true},
		{name: "comment", line: ": ping", nilF: true},
		{name: "event field", line: "event: message", nilF: true},
		{name: "id field", line: "id: 7", nilF: true},
		{name: "sentinel", line: "data: [DONE]", kind: FrameEnd},
		{name: "sentinel no space", line: "data:[DONE]\r", kind: FrameEnd},
		{name: "typed chunk", line: `data: {"type":"chunk","chunk":"A","accumulated":"A"}`, kind: FrameChunk},
		{name: "inferred chunk", line: `data: {"chunk":"A"}`, kind: FrameChunk},
		{name: "inferred word", line: serendipityComplete, kind: FrameComplete},
		{name: "inferred phrase", line: `data: {"simplified_text":"short"}`, kind: FrameComplete},
		{name: "inferred error", line: `data: {"error":"boom"}`, kind: FrameError},
		{name: "bad json", line: `data: {"chunk":`, err: ErrMalformedFrame},
		{name: "unknown type", line: `data: {"type":"weird"}`, err: ErrMalformedFrame},
		{name: "no fields", line: `data: {}`, err: ErrMalformedFrame},
		{name: "complete without payload", line: `data: {"type":"complete"}`, err: ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := p.ParseLine(tt.line)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			if tt.nilF {
				assert.Nil(t, f)
				return
			}
			require.NotNil(t, f)
			assert.Equal(t, tt.kind, f.Kind)
		})
	}
}

func TestParser_CompletePayloads(t *testing.T) {
	p := NewParser()

	f, err := p.ParseLine(serendipityComplete)
	require.NoError(t, err)
	assert.Equal(t, Explanation{
		Word:     "serendipity",
		Meaning:  "a happy accident",
		Examples: []string{"Finding it was pure serendipity."},
	}, f.Payload)

	f, err = p.ParseLine(`data: {"type":"complete","simplified_text":"It was lucky.","suggestions":["luck"]}`)
	require.NoError(t, err)
	assert.Equal(t, Simplification{SimplifiedText: "It was lucky.", Suggestions: []string{"luck"}}, f.Payload)
}

func TestParser_ErrorShapes(t *testing.T) {
	p := NewParser()

	f, err := p.ParseLine(`data: {"type":"error","error":{"message":"slow down","code":"rate_limited"}}`)
	require.NoError(t, err)
	var se *ServerError
	require.ErrorAs(t, f.Err, &se)
	assert.True(t, se.RateLimited())
	assert.Equal(t, "slow down", se.Message)
	assert.ErrorIs(t, f.Err, ErrServer)

	f, err = p.ParseLine(`data: {"type":"error","message":"bad","code":"internal"}`)
	require.NoError(t, err)
	require.ErrorAs(t, f.Err, &se)
	assert.False(t, se.RateLimited())
	assert.Contains(t, se.Error(), "[internal]: bad")
}

// =============================================================================
// Decoder Tests
// =============================================================================

func TestDecoder_FrameSplitAcrossReads(t *testing.T) {
	d := NewDecoder(nil, nil)
	line := `data: {"type":"chunk","chunk":"A hap","accumulated":"A hap"}` + "\n"
	cut := strings.Index(line, "hap") + 1

	assert.Empty(t, d.Feed([]byte(line[:cut])))
	assert.Equal(t, cut, d.Buffered())

	frames := d.Feed([]byte(line[cut:]))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameChunk, frames[0].Kind)
	assert.Equal(t, "A hap", frames[0].Accumulated)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_ByteAtATime(t *testing.T) {
	input := "data: {\"chunk\":\"a\"}\r\n\r\n: keepalive\r\ndata: {\"chunk\":\"b\"}\r\n" + serendipityComplete + "\ndata: [DONE]\n"
	d := NewDecoder(nil, nil)
	var frames []Frame
	for i := 0; i < len(input); i++ {
		frames = append(frames, d.Feed([]byte{input[i]})...)
	}
	require.Len(t, frames, 4)
	assert.Equal(t, []FrameKind{FrameChunk, FrameChunk, FrameComplete, FrameEnd},
		[]FrameKind{frames[0].Kind, frames[1].Kind, frames[2].Kind, frames[3].Kind})
	assert.True(t, d.Ended())
}

func TestDecoder_IgnoresAfterSentinel(t *testing.T) {
	d := NewDecoder(nil, nil)
	frames := d.Feed([]byte("data: [DONE]\ndata: [DONE]\ndata: {\"chunk\":\"late\"}\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameEnd, frames[0].Kind)
	assert.Empty(t, d.Feed([]byte("data: [DONE]\n")))
	assert.Empty(t, d.Flush())

	d.Reset()
	assert.False(t, d.Ended())
	assert.Len(t, d.Feed([]byte("data: [DONE]\n")), 1)
}

func TestDecoder_MalformedLineSkipped(t *testing.T) {
	d := NewDecoder(nil, nil)
	frames := d.Feed([]byte("data: {oops\ndata: {\"chunk\":\"ok\"}\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "ok", frames[0].Chunk)
}

func TestDecoder_FlushPartialLine(t *testing.T) {
	d := NewDecoder(nil, nil)
	assert.Empty(t, d.Feed([]byte(`data: {"chunk":"tail"}`)))
	frames := d.Flush()
	require.Len(t, frames, 1)
	assert.Equal(t, "tail", frames[0].Chunk)
	assert.Empty(t, d.Flush())
}

// =============================================================================
// Consumer Tests
// =============================================================================

func TestConsumer_ReassemblesChunks(t *testing.T) {
	body := &chunkReader{chunks: []string{
		"data: {\"type\":\"chunk\",\"chu",
		"nk\":\"A \"}\ndata: {\"chunk\":\"happy\"}\n" + serendipityComplete[:20],
		serendipityComplete[20:] + "\ndata: [DONE]\ndata: [DONE]\n",
	}}
	s := NewConsumer(WithReadSize(7)).Start(context.Background(), body)
	frames := collect(t, s)

	require.Len(t, frames, 4)
	assert.Equal(t, "A ", frames[0].Chunk)
	assert.Equal(t, "happy", frames[1].Chunk)
	assert.Equal(t, FrameComplete, frames[2].Kind)
	assert.Equal(t, FrameEnd, frames[3].Kind)
	assert.False(t, frames[3].Truncated)
	assert.True(t, body.closed)
}

func TestConsumer_TruncatedAtEOF(t *testing.T) {
	body := &chunkReader{chunks: []string{`data: {"chunk":"partial"}`}}
	frames := collect(t, NewConsumer().Start(context.Background(), body))
	require.Len(t, frames, 2)
	assert.Equal(t, "partial", frames[0].Chunk)
	assert.Equal(t, FrameEnd, frames[1].Kind)
	assert.True(t, frames[1].Truncated)
}

func TestConsumer_ReadFailure(t *testing.T) {
	body := &chunkReader{chunks: []string{"data: {\"chunk\":\"x\"}\n"}, err: errors.New("connection reset")}
	frames := collect(t, NewConsumer().Start(context.Background(), body))
	require.Len(t, frames, 2)
	assert.Equal(t, FrameError, frames[1].Kind)
	assert.ErrorIs(t, frames[1].Err, ErrTransport)
}

func TestStream_CancelMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewConsumer().Start(context.Background(), pr)

	go func() {
		_, _ = pw.Write([]byte("data: {\"chunk\":\"first\"}\n"))
	}()
	f := <-s.Frames()
	assert.Equal(t, "first", f.Chunk)

	s.Cancel()
	s.Cancel()

	_, ok := <-s.Frames()
	assert.False(t, ok, "frames channel must be closed after Cancel")
	_, err := pw.Write([]byte("data: {\"chunk\":\"late\"}\n"))
	assert.Error(t, err)
	<-s.Done()
}

func TestStream_CancelAfterCompletion(t *testing.T) {
	body := &chunkReader{chunks: []string{"data: [DONE]\n"}}
	s := NewConsumer().Start(context.Background(), body)
	collect(t, s)
	assert.NotPanics(t, s.Cancel)
	assert.NotPanics(t, s.Cancel)
}

func TestStream_ContextCancel(t *testing.T) {
	pr, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewConsumer().Start(ctx, pr)
	cancel()
	assert.Empty(t, collect(t, s))
}

// =============================================================================
// Reducer Tests
// =============================================================================

func TestReducer_CompleteThenDuplicateSentinels(t *testing.T) {
	d := NewDecoder(nil, nil)
	frames := d.Feed([]byte(serendipityComplete + "\ndata: [DONE]\n"))
	frames = append(frames, Frame{Kind: FrameEnd})

	r := NewReducer(ModeExplain, "serendipity")
	resolved := 0
	for _, f := range frames {
		step := r.Apply(f)
		if step.Outcome == OutcomeResolved {
			resolved++
			assert.Equal(t, "a happy accident", step.Payload.Text())
		} else {
			assert.Equal(t, OutcomeNone, step.Outcome)
		}
	}
	assert.Equal(t, 1, resolved)
	assert.True(t, r.Finished())
}

func TestReducer_ChunksAccumulate(t *testing.T) {
	r := NewReducer(ModeSimplify, "")
	assert.Equal(t, "It ", r.Apply(Frame{Kind: FrameChunk, Chunk: "It "}).Accumulated)
	assert.Equal(t, "It was", r.Apply(Frame{Kind: FrameChunk, Chunk: "was"}).Accumulated)
	step := r.Apply(Frame{Kind: FrameChunk, Chunk: "!", Accumulated: "It was lucky!"})
	assert.Equal(t, OutcomeProgress, step.Outcome)
	assert.Equal(t, "It was lucky!", step.Accumulated)
}

func TestReducer_ErrorWithPartialDegrades(t *testing.T) {
	r := NewReducer(ModeSimplify, "")
	r.Apply(Frame{Kind: FrameChunk, Chunk: "It was lucky"})
	step := r.Apply(Frame{Kind: FrameError, Err: &ServerError{Message: "cut"}})
	assert.Equal(t, OutcomeDegraded, step.Outcome)
	assert.Equal(t, Simplification{SimplifiedText: "It was lucky", Degraded: true}, step.Payload)
	assert.Equal(t, OutcomeNone, r.Apply(Frame{Kind: FrameEnd}).Outcome)
}

func TestReducer_ErrorWithoutPartialFails(t *testing.T) {
	r := NewReducer(ModeExplain, "w")
	step := r.Apply(Frame{Kind: FrameError, Err: &ServerError{Code: CodeRateLimited}})
	assert.Equal(t, OutcomeFailed, step.Outcome)
	var se *ServerError
	require.ErrorAs(t, step.Err, &se)
	assert.True(t, se.RateLimited())
}

func TestReducer_EndWithoutComplete(t *testing.T) {
	r := NewReducer(ModeExplain, "w")
	r.Apply(Frame{Kind: FrameChunk, Chunk: "   "})
	step := r.Apply(Frame{Kind: FrameEnd})
	assert.Equal(t, OutcomeFailed, step.Outcome)
	assert.ErrorIs(t, step.Err, ErrEmptyResolution)
	assert.True(t, step.Outcome.Terminal())
}

func TestReducer_TruncatedWithPartialDegrades(t *testing.T) {
	r := NewReducer(ModeExplain, "serendipity")
	r.Apply(Frame{Kind: FrameChunk, Chunk: "a happy"})
	step := r.Apply(Frame{Kind: FrameEnd, Truncated: true})
	assert.Equal(t, OutcomeDegraded, step.Outcome)
	assert.Equal(t, Explanation{Word: "serendipity", Meaning: "a happy", Degraded: true}, step.Payload)
}

func TestReducer_FillsMissingWord(t *testing.T) {
	r := NewReducer(ModeExplain, "serendipity")
	step := r.Apply(Frame{Kind: FrameComplete, Payload: Explanation{Meaning: "m"}})
	assert.Equal(t, "serendipity", step.Payload.(Explanation).Word)
}
