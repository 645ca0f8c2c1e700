// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package devserver is a local explanation backend. It streams canned
// glossary content in the wire format the annotator consumes, so the
// engine can be exercised end to end without a model.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the development backend.
//
// # Fields
//
//   - Addr: Listen address. Default ":8089".
//   - GlossaryPath: YAML glossary; empty serves placeholders only.
//   - RatePerSecond: Sustained request rate before 429. Zero disables limiting.
//   - Burst: Requests allowed above the sustained rate. Default 5.
//   - ChunkDelay: Pause between progress frames.
//   - ChunkWords: Words per progress frame. Default 3.
type Config struct {
	Addr          string
	GlossaryPath  string
	RatePerSecond float64
	Burst         int
	ChunkDelay    time.Duration
	ChunkWords    int
	Logger        *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8089"
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.ChunkWords <= 0 {
		c.ChunkWords = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CodeExhausted is sent when every known rewrite was already served.
const CodeExhausted = "exhausted"

// =============================================================================
// Server
// =============================================================================

// Server serves /v1/explain and /v1/simplify.
type Server struct {
	cfg      Config
	glossary *GlossaryStore
	limiter  *rate.Limiter
	router   *gin.Engine
	logger   *slog.Logger
}

// New loads the glossary and builds the router.
func New(cfg Config) (*Server, error) {
	cfg.applyDefaults()
	glossary, err := LoadGlossary(cfg.GlossaryPath, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, glossary: glossary, logger: cfg.Logger}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Glossary returns the store backing the server.
func (s *Server) Glossary() *GlossaryStore {
	return s.glossary
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("marginalia-devserver"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(s.rateLimit())
	v1.POST(strings.TrimPrefix(client.DefaultExplainPath, "/v1"), s.handleExplain)
	v1.POST(strings.TrimPrefix(client.DefaultSimplifyPath, "/v1"), s.handleSimplify)
	return router
}

// Run serves until ctx ends, then shuts down gracefully. The glossary is
// reloaded whenever its file changes.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.glossary.Watch(gctx) })
	g.Go(func() error {
		s.logger.Info("devserver listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("devserver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// =============================================================================
// Middleware
// =============================================================================

// rateLimit answers 429 with Retry-After once the limiter is empty.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		r := s.limiter.Reserve()
		if !r.OK() || r.Delay() > 0 {
			retry := 1
			if r.OK() {
				retry = int(math.Ceil(r.Delay().Seconds()))
				r.Cancel()
			}
			requestsTotal.WithLabelValues(routeName(c), "throttled").Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"message": "too many requests", "code": stream.CodeRateLimited},
			})
			return
		}
		c.Next()
	}
}

func routeName(c *gin.Context) string {
	if strings.HasSuffix(c.FullPath(), "simplify") {
		return "simplify"
	}
	return "explain"
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleExplain(c *gin.Context) {
	var req client.WordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "explain", err)
		return
	}
	if err := req.Validate(); err != nil {
		s.badRequest(c, "explain", err)
		return
	}
	explanation := s.glossary.Current().Explain(req.WordLocations[0].Word)

	w, ok := s.openStream(c)
	if !ok {
		return
	}
	if !s.streamText(c.Request.Context(), w, explanation.Meaning) {
		return
	}
	_ = w.WriteExplanation(explanation)
	_ = w.WriteDone()
	requestsTotal.WithLabelValues("explain", "streamed").Inc()
}

func (s *Server) handleSimplify(c *gin.Context) {
	var req client.PhraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "simplify", err)
		return
	}
	if err := req.Validate(); err != nil {
		s.badRequest(c, "simplify", err)
		return
	}

	w, ok := s.openStream(c)
	if !ok {
		return
	}
	simplified, found := s.glossary.Current().Simplify(req.Text, req.PreviousResults)
	if !found {
		_ = w.WriteError("no further rewrites", CodeExhausted)
		_ = w.WriteDone()
		requestsTotal.WithLabelValues("simplify", "exhausted").Inc()
		return
	}
	if !s.streamText(c.Request.Context(), w, simplified.SimplifiedText) {
		return
	}
	_ = w.WriteSimplification(simplified)
	_ = w.WriteDone()
	requestsTotal.WithLabelValues("simplify", "streamed").Inc()
}

func (s *Server) badRequest(c *gin.Context, route string, err error) {
	requestsTotal.WithLabelValues(route, "invalid").Inc()
	s.logger.Debug("rejected request", "route", route, "error", err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_request"}})
}

func (s *Server) openStream(c *gin.Context) (*SSEWriter, bool) {
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		s.logger.Error("streaming unsupported", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return nil, false
	}
	return w, true
}

// streamText writes text as progress frames of ChunkWords words. It
// reports false when the client went away.
func (s *Server) streamText(ctx context.Context, w *SSEWriter, text string) bool {
	words := strings.Fields(text)
	var acc strings.Builder
	for i := 0; i < len(words); i += s.cfg.ChunkWords {
		end := min(i+s.cfg.ChunkWords, len(words))
		chunk := strings.Join(words[i:end], " ")
		if acc.Len() > 0 {
			chunk = " " + chunk
		}
		acc.WriteString(chunk)
		if err := w.WriteChunk(chunk, acc.String()); err != nil {
			return false
		}
		chunksWritten.Inc()
		if s.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(s.cfg.ChunkDelay):
			}
		}
	}
	return ctx.Err() == nil
}
