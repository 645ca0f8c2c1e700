// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts annotation requests.
	// Labels: route (explain, simplify), status (streamed, invalid, throttled, exhausted)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marginalia",
		Subsystem: "devserver",
		Name:      "requests_total",
		Help:      "Total annotation requests by outcome",
	}, []string{"route", "status"})

	// chunksWritten counts progress frames sent.
	chunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marginalia",
		Subsystem: "devserver",
		Name:      "chunks_written_total",
		Help:      "Total progress frames streamed",
	})
)
