// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/input"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
)

// Callbacks is the presentation layer's view of the engine. Nil fields are
// skipped. Every callback runs on the loop goroutine and must not call back
// into the Session synchronously.
type Callbacks struct {
	OnSelected func(text, key string)
	OnRemoved  func(key string)
	OnResolved func(key string, payload stream.Payload)
	OnProgress func(key, accumulated string)
	OnFailed   func(key string, err error)
	OnNotice   func(Notice)
}

func (c Callbacks) selected(text, key string) {
	if c.OnSelected != nil {
		c.OnSelected(text, key)
	}
}

func (c Callbacks) removed(key string) {
	if c.OnRemoved != nil {
		c.OnRemoved(key)
	}
}

func (c Callbacks) resolved(key string, p stream.Payload) {
	if c.OnResolved != nil {
		c.OnResolved(key, p)
	}
}

func (c Callbacks) progress(key, accumulated string) {
	if c.OnProgress != nil {
		c.OnProgress(key, accumulated)
	}
}

func (c Callbacks) failed(key string, err error) {
	if c.OnFailed != nil {
		c.OnFailed(key, err)
	}
}

// NoticeKind classifies a transient notice.
type NoticeKind string

const (
	// NoticeRejected is an invalid selection.
	NoticeRejected NoticeKind = "rejected"

	// NoticeRateLimited means the backend is throttling requests.
	NoticeRateLimited NoticeKind = "rate_limited"

	// NoticeFailed is a request or stream that produced nothing usable.
	NoticeFailed NoticeKind = "failed"

	// NoticeDisabled is a selection made while the feature is off.
	NoticeDisabled NoticeKind = "disabled"
)

// Notice is a transient, auto-dismissing message. TTL tells the
// presentation layer when to drop it.
type Notice struct {
	Kind    NoticeKind
	Reason  input.Reason
	Key     string
	Message string
	TTL     time.Duration
}

func (s *Session) notify(n Notice) {
	if n.TTL <= 0 {
		n.TTL = s.noticeTTL
	}
	noticesTotal.WithLabelValues(string(n.Kind)).Inc()
	s.logger.Debug("notice", "kind", string(n.Kind), "reason", string(n.Reason), "message", n.Message)
	if s.cb.OnNotice != nil {
		s.cb.OnNotice(n)
	}
}
