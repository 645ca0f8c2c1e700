// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// streamsStarted counts dispatched requests.
	// Labels: kind, event (dispatch, refine)
	streamsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marginalia",
		Subsystem: "engine",
		Name:      "streams_started_total",
		Help:      "Total annotation requests dispatched",
	}, []string{"kind", "event"})

	// streamDuration observes time from dispatch to the end of a stream.
	// Labels: kind, outcome (resolved, degraded, failed, rate_limited, cancelled, stale)
	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marginalia",
		Subsystem: "engine",
		Name:      "stream_duration_seconds",
		Help:      "Duration of annotation streams by outcome",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind", "outcome"})

	// noticesTotal counts transient notices.
	// Labels: kind
	noticesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marginalia",
		Subsystem: "engine",
		Name:      "notices_total",
		Help:      "Total notices shown to the user",
	}, []string{"kind"})
)
