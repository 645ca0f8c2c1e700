// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// EventType names one annotation lifecycle event.
type EventType string

const (
	EventSelected EventType = "selected"
	EventProgress EventType = "progress"
	EventResolved EventType = "resolved"
	EventFailed   EventType = "failed"
	EventRemoved  EventType = "removed"
	EventNotice   EventType = "notice"
)

// Event is one line of annotate output.
type Event struct {
	Time        time.Time `json:"time"`
	Type        EventType `json:"type"`
	Key         string    `json:"key,omitempty"`
	Text        string    `json:"text,omitempty"`
	Accumulated string    `json:"accumulated,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Error       string    `json:"error,omitempty"`
	Notice      string    `json:"notice,omitempty"`
}

// Printer writes events and results in one mode.
//
// # Thread Safety
//
// Safe for concurrent use; lines are never interleaved.
type Printer struct {
	mode Mode
	out  io.Writer
	mu   sync.Mutex
	now  func() time.Time
}

// NewPrinter creates a printer. mode must be resolved; ModeAuto is
// treated as ModeJSON.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{mode: mode, out: out, now: time.Now}
}

// Mode returns the output mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Event writes e, stamping it when Time is zero.
func (p *Printer) Event(e Event) error {
	if e.Time.IsZero() {
		e.Time = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != ModeHuman {
		return json.NewEncoder(p.out).Encode(e)
	}
	_, err := fmt.Fprintln(p.out, humanLine(e))
	return err
}

// Value writes v as JSON in machine mode, or as title and body in human
// mode.
func (p *Printer) Value(title string, v any, human string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != ModeHuman {
		return json.NewEncoder(p.out).Encode(v)
	}
	_, err := fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+human))
	return err
}

func humanLine(e Event) string {
	key := Styles.Muted.Render("[" + e.Key + "]")
	switch e.Type {
	case EventSelected:
		return fmt.Sprintf("%s %s %s", IconPending.Render(), key, Styles.Highlight.Render(e.Text))
	case EventProgress:
		return fmt.Sprintf("%s %s %s", Styles.Muted.Render(string(IconArrow)), key, Styles.Muted.Render(e.Accumulated))
	case EventResolved:
		return fmt.Sprintf("%s %s %s", IconSuccess.Render(), key, e.Text)
	case EventFailed:
		return fmt.Sprintf("%s %s %s", IconError.Render(), key, Styles.Error.Render(e.Error))
	case EventRemoved:
		return fmt.Sprintf("%s %s %s", Styles.Muted.Render(string(IconBullet)), key, Styles.Muted.Render("removed"))
	case EventNotice:
		msg := strings.TrimSpace(e.Notice + ": " + e.Text)
		return fmt.Sprintf("%s %s", IconWarning.Render(), Styles.Warning.Render(msg))
	default:
		return fmt.Sprintf("%s %s %s", IconBullet, key, e.Text)
	}
}
