// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client sends annotation requests to the explanation backend and
// hands back the streamed response body.
package client

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxTextBytes bounds the text carried by one request.
	MaxTextBytes = 16 * 1024

	// MaxPreviousResults bounds the history sent when asking for more.
	MaxPreviousResults = 20

	// MaxWordLocations bounds the words of one word request.
	MaxWordLocations = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate validates outgoing requests. Initialized in init() with
// custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxTextBytes
	})
	requestValidate.RegisterStructValidation(validateWordLocations, WordRequest{})
	requestValidate.RegisterStructValidation(validatePhraseLength, PhraseRequest{})
}

// =============================================================================
// Request Types
// =============================================================================

// WordLocation locates one word inside WordRequest.Text. Index and Length
// are rune offsets.
type WordLocation struct {
	Word   string `json:"word" validate:"required"`
	Index  int    `json:"index" validate:"min=0"`
	Length int    `json:"length" validate:"min=1"`
}

// WordRequest asks for the explanation of words in a context window.
//
// # Fields
//
//   - TextStartIndex: Projection offset of the first rune of Text.
//   - Text: The context window around the word.
//   - WordLocations: Words to explain, located inside Text.
//   - Language: Preferred explanation language (BCP 47 tag).
type WordRequest struct {
	TextStartIndex int            `json:"textStartIndex" validate:"min=0"`
	Text           string         `json:"text" validate:"required,maxbytes"`
	WordLocations  []WordLocation `json:"wordLocations" validate:"required,min=1,max=64,dive"`
	Language       string         `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
}

// PhraseRequest asks for a simplified rewrite of a phrase.
//
// # Fields
//
//   - TextStartIndex: Projection offset of the phrase.
//   - TextLength: Rune length of the phrase; must match Text.
//   - Text: The phrase.
//   - PreviousResults: Earlier rewrites, sent when asking for more.
//   - Language: Preferred explanation language (BCP 47 tag).
type PhraseRequest struct {
	TextStartIndex  int      `json:"textStartIndex" validate:"min=0"`
	TextLength      int      `json:"textLength" validate:"min=1"`
	Text            string   `json:"text" validate:"required,maxbytes"`
	PreviousResults []string `json:"previousResults" validate:"max=20"`
	Language        string   `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
}

// Validate checks the request before it is sent.
func (r WordRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Validate checks the request before it is sent.
func (r PhraseRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// validateWordLocations checks every location fits inside Text and holds
// the word it names.
func validateWordLocations(sl validator.StructLevel) {
	req := sl.Current().Interface().(WordRequest)
	runes := []rune(req.Text)
	for i, loc := range req.WordLocations {
		end := loc.Index + loc.Length
		if loc.Index < 0 || loc.Length < 1 || end > len(runes) {
			sl.ReportError(req.WordLocations[i], fmt.Sprintf("WordLocations[%d]", i), "WordLocations", "inside_text", "")
			continue
		}
		if !strings.EqualFold(string(runes[loc.Index:end]), loc.Word) {
			sl.ReportError(req.WordLocations[i], fmt.Sprintf("WordLocations[%d]", i), "WordLocations", "matches_text", "")
		}
	}
}

func validatePhraseLength(sl validator.StructLevel) {
	req := sl.Current().Interface().(PhraseRequest)
	if len([]rune(req.Text)) != req.TextLength {
		sl.ReportError(req.TextLength, "TextLength", "TextLength", "rune_length", "")
	}
}
