// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/marginalia/pkg/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("marginalia.annotator.client")

// Default endpoint paths, relative to the base URL.
const (
	DefaultExplainPath  = "/v1/explain"
	DefaultSimplifyPath = "/v1/simplify"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidRequest is returned before sending when validation fails.
	ErrInvalidRequest = errors.New("client: invalid request")

	// ErrUnreachable is returned when the backend cannot be reached.
	ErrUnreachable = errors.New("client: backend unreachable")

	// ErrRateLimited is returned when the backend throttles the caller. It
	// is surfaced separately so the user sees a specific message.
	ErrRateLimited = errors.New("client: rate limited")

	// ErrMalformedResponse is returned for responses that cannot be
	// consumed as a stream.
	ErrMalformedResponse = errors.New("client: malformed response")

	// ErrUnexpectedStatus is wrapped inside ErrMalformedResponse for
	// non-2xx statuses other than 429.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// =============================================================================
// Requester
// =============================================================================

// Requester starts annotation streams. The returned body must be closed by
// the caller; the stream consumer does this.
type Requester interface {
	Explain(ctx context.Context, req WordRequest) (io.ReadCloser, error)
	Simplify(ctx context.Context, req PhraseRequest) (io.ReadCloser, error)
}

// Config configures an HTTPClient.
type Config struct {
	// BaseURL is the backend root, e.g. http://localhost:8088.
	BaseURL string

	// ExplainPath and SimplifyPath default to DefaultExplainPath and
	// DefaultSimplifyPath.
	ExplainPath  string
	SimplifyPath string

	// ConnectTimeout bounds dialing and response headers. Streams
	// themselves have no deadline; callers cancel them.
	ConnectTimeout time.Duration

	// Transport overrides the base transport; nil uses
	// http.DefaultTransport. It is always wrapped by otelhttp.
	Transport http.RoundTripper
}

// HTTPClient is the Requester talking to the real backend.
type HTTPClient struct {
	httpClient   *http.Client
	baseURL      string
	explainPath  string
	simplifyPath string
	logger       *slog.Logger
}

// New creates an HTTPClient.
func New(cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base URL not set", ErrInvalidRequest)
	}
	rt := cfg.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if t, ok := rt.(*http.Transport); ok && cfg.ConnectTimeout > 0 {
		t = t.Clone()
		t.ResponseHeaderTimeout = cfg.ConnectTimeout
		rt = t
	}
	c := &HTTPClient{
		httpClient:   &http.Client{Transport: otelhttp.NewTransport(rt)},
		baseURL:      base,
		explainPath:  orDefault(cfg.ExplainPath, DefaultExplainPath),
		simplifyPath: orDefault(cfg.SimplifyPath, DefaultSimplifyPath),
		logger:       logging.OrDiscard(logger),
	}
	c.logger.Debug("annotation client ready", "base_url", base)
	return c, nil
}

// Explain implements Requester.
func (c *HTTPClient) Explain(ctx context.Context, req WordRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "HTTPClient.Explain", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.Int("marginalia.words", len(req.WordLocations)),
		attribute.Int("marginalia.text_start", req.TextStartIndex),
	)
	body, err := c.post(ctx, c.explainPath, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

// Simplify implements Requester.
func (c *HTTPClient) Simplify(ctx context.Context, req PhraseRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "HTTPClient.Simplify", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.Int("marginalia.text_length", req.TextLength),
		attribute.Int("marginalia.previous_results", len(req.PreviousResults)),
	)
	body, err := c.post(ctx, c.simplifyPath, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

// post sends payload and returns the body of a 2xx response.
func (c *HTTPClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	requestID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("annotation backend unreachable", "path", path, "request_id", requestID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp.Body)
		retry := resp.Header.Get("Retry-After")
		c.logger.Info("annotation backend rate limited", "path", path, "request_id", requestID, "retry_after", retry)
		if retry != "" {
			return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, retry)
		}
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet := drain(resp.Body)
		c.logger.Warn("annotation backend failed", "path", path, "request_id", requestID,
			"status", resp.StatusCode, "body", snippet)
		return nil, fmt.Errorf("%w: %w %d", ErrMalformedResponse, ErrUnexpectedStatus, resp.StatusCode)
	}

	c.logger.Debug("annotation stream opened", "path", path, "request_id", requestID)
	return resp.Body, nil
}

// drain reads a short prefix of body for logging and closes it.
func drain(body io.ReadCloser) string {
	defer body.Close()
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	return strings.TrimSpace(string(b))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
