// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the run/step counters a coordinator.Sink can
// drive, so terminal-status and retry counts are recorded without the
// engine itself depending on Prometheus. The counters are registered
// with the default Prometheus registry; no package in this module
// serves a /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayhq/orchestrator/pkg/coordinator"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_total",
			Help: "Total runs by terminal status",
		},
		[]string{"status"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_steps_total",
			Help: "Total steps by terminal status",
		},
		[]string{"status"},
	)

	stepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_step_retries_total",
			Help: "Total step retry attempts",
		},
		[]string{"step"},
	)
)

// Sink returns a coordinator.Sink that increments the package's
// counters from the coordinator's event taxonomy. Pass it (or chain it
// with another sink) into coordinator.New.
func Sink() coordinator.Sink {
	return func(e coordinator.Event) {
		switch e.Type {
		case coordinator.EventRunCompleted:
			runsTotal.WithLabelValues("completed").Inc()
		case coordinator.EventRunFailed:
			runsTotal.WithLabelValues("failed").Inc()
		case coordinator.EventRunCancelled:
			runsTotal.WithLabelValues("cancelled").Inc()
		case coordinator.EventStepCompleted:
			stepsTotal.WithLabelValues("completed").Inc()
		case coordinator.EventStepFailed:
			stepsTotal.WithLabelValues("failed").Inc()
		case coordinator.EventStepSkipped:
			stepsTotal.WithLabelValues("skipped").Inc()
		case coordinator.EventStepRetrying:
			stepRetriesTotal.WithLabelValues(e.StepName).Inc()
		}
	}
}

// Chain combines multiple sinks into one, calling each in order.
func Chain(sinks ...coordinator.Sink) coordinator.Sink {
	return func(e coordinator.Event) {
		for _, s := range sinks {
			if s != nil {
				s(e)
			}
		}
	}
}
