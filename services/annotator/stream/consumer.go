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
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/AleutianAI/marginalia/pkg/logging"
)

// DefaultReadSize is the size of each body read.
const DefaultReadSize = 4096

// =============================================================================
// Consumer
// =============================================================================

// Consumer starts one reading goroutine per response body.
//
// Thread Safety: safe for concurrent use. Streams share nothing but the
// stateless Parser.
type Consumer struct {
	parser   *Parser
	logger   *slog.Logger
	readSize int
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithReadSize sets the body read size. Values below 1 are ignored.
func WithReadSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithLogger sets the logger used for skipped lines and read failures.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logging.OrDiscard(l)
	}
}

// NewConsumer creates a consumer.
func NewConsumer(opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		parser:   NewParser(),
		logger:   logging.Discard(),
		readSize: DefaultReadSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins reading body in a new goroutine.
//
// # Description
//
// Frames are published on Stream.Frames in receipt order. The channel is
// closed after the sentinel, after EOF (preceded by an end frame marked
// Truncated when no sentinel arrived), after a read failure (preceded by
// an error frame wrapping ErrTransport), or after cancellation.
//
// # Inputs
//
//   - ctx: Cancelling it stops the stream like Stream.Cancel.
//   - body: The response body. The stream always closes it.
//
// # Outputs
//
//   - *Stream: Handle owning the goroutine.
func (c *Consumer) Start(ctx context.Context, body io.ReadCloser) *Stream {
	s := &Stream{
		frames:  make(chan Frame),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		body:    body,
		decoder: NewDecoder(c.parser, c.logger),
	}
	go s.run(ctx, c.readSize, c.logger)
	return s
}

// =============================================================================
// Stream
// =============================================================================

// Stream is the live consumption of one response body.
type Stream struct {
	frames  chan Frame
	done    chan struct{}
	exited  chan struct{}
	body    io.ReadCloser
	decoder *Decoder

	once      sync.Once
	closeOnce sync.Once
}

// Frames returns the channel of decoded frames.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Cancel stops the stream, closes the body and waits for the reading
// goroutine to exit. No frame is published after Cancel returns. Safe to
// call repeatedly and after the stream finished.
//
// The body's Close must unblock a pending Read, as net/http bodies do.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.closeBody()
	})
	<-s.exited
}

// Done is closed once the reading goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.exited
}

func (s *Stream) closeBody() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

func (s *Stream) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// publish delivers f unless the stream is cancelled first.
func (s *Stream) publish(ctx context.Context, f Frame) bool {
	if s.cancelled() {
		return false
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) run(ctx context.Context, readSize int, logger *slog.Logger) {
	defer close(s.exited)
	defer close(s.frames)
	defer s.closeBody()

	stop := context.AfterFunc(ctx, s.closeBody)
	defer stop()

	buf := make([]byte, readSize)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			for _, f := range s.decoder.Feed(buf[:n]) {
				if !s.publish(ctx, f) {
					s.decoder.Reset()
					return
				}
			}
			if s.decoder.Ended() {
				return
			}
		}
		if err == nil {
			continue
		}

		if s.cancelled() || ctx.Err() != nil {
			s.decoder.Reset()
			return
		}
		if errors.Is(err, io.EOF) {
			for _, f := range s.decoder.Flush() {
				if !s.publish(ctx, f) {
					return
				}
			}
			if !s.decoder.Ended() {
				s.publish(ctx, Frame{Kind: FrameEnd, Truncated: true})
			}
			return
		}

		logger.Warn("stream read failed", "error", err)
		s.decoder.Reset()
		s.publish(ctx, Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
		return
	}
}
