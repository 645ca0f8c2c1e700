// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Annotation Life-cycle
// =============================================================================

var (
	// transitionsTotal counts applied transitions.
	// Labels: kind (word, phrase), from, to (state names)
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marginalia",
		Subsystem: "annotation",
		Name:      "transitions_total",
		Help:      "Total annotation state transitions",
	}, []string{"kind", "from", "to"})

	// rejectedTransitions counts events refused by the table.
	// Labels: kind, event
	rejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marginalia",
		Subsystem: "annotation",
		Name:      "rejected_transitions_total",
		Help:      "Total annotation events refused as illegal",
	}, []string{"kind", "event"})

	// activeAnnotations tracks live records.
	// Labels: kind
	activeAnnotations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marginalia",
		Subsystem: "annotation",
		Name:      "active",
		Help:      "Annotations currently held by registries",
	}, []string{"kind"})
)

func recordTransition(kind Kind, from, to State) {
	transitionsTotal.WithLabelValues(string(kind), from.String(), to.String()).Inc()
}
