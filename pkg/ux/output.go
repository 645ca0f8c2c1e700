// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders marginalia CLI output, styled for terminals and as
// JSON lines for everything else.
package ux

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Marginalia palette, ink on paper.
var (
	ColorInk       = lipgloss.Color("#2B3A55") // Ink - main text accents
	ColorHighlight = lipgloss.Color("#F2C94C") // Highlighter yellow - annotated text
	ColorMargin    = lipgloss.Color("#8B9DC3") // Margin blue - secondary elements
	ColorFaded     = lipgloss.Color("#6C7A89") // Faded - muted text

	ColorSuccess = lipgloss.Color("#27AE60")
	ColorWarning = lipgloss.Color("#F39C12")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorInk),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorFaded),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Bold(true).Foreground(ColorHighlight),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMargin).
		Padding(0, 1),
}

// Icon provides status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Output Mode
// =============================================================================

// Mode selects how events are written.
type Mode string

const (
	// ModeHuman writes styled lines for a person at a terminal.
	ModeHuman Mode = "human"

	// ModeJSON writes one JSON object per line for scripts and pipes.
	ModeJSON Mode = "json"

	// ModeAuto picks ModeHuman on a terminal and ModeJSON otherwise.
	ModeAuto Mode = "auto"
)

// ParseMode converts a flag value. Unknown values select ModeAuto.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "human", "text", "h":
		return ModeHuman
	case "json", "jsonl", "machine", "j":
		return ModeJSON
	default:
		return ModeAuto
	}
}

// Resolve turns ModeAuto into a concrete mode for f.
func (m Mode) Resolve(f *os.File) Mode {
	if m != ModeAuto {
		return m
	}
	if IsTerminal(f) {
		return ModeHuman
	}
	return ModeJSON
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
