/*
Copyright 2026 openUKR Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Label values for the result label.
const (
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultQueued     = "queued"
	ResultUnresolved = "unresolved"
)

var (
	// PublishAttemptsTotal counts per-target dispatch outcomes.
	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certpublisher_publish_attempts_total",
			Help: "Number of per-target publish attempts by outcome",
		},
		[]string{"kind", "publisher", "result"},
	)

	// QueueAdmissionsTotal counts entries written to the retry queue.
	QueueAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certpublisher_queue_admissions_total",
			Help: "Number of retry queue entries created",
		},
		[]string{"kind", "status"},
	)

	// QueueErrorsTotal counts swallowed retry queue persistence failures.
	QueueErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certpublisher_queue_errors_total",
			Help: "Number of retry queue writes that failed and were dropped",
		},
		[]string{"kind"},
	)

	// DispatchDuration tracks the latency of a whole fan-out.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certpublisher_dispatch_duration_seconds",
			Help:    "Latency of publishing one artifact to all of its targets",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RegistryMutationsTotal counts publisher registry writes.
	RegistryMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certpublisher_registry_mutations_total",
			Help: "Number of publisher registry mutations by operation and outcome",
		},
		[]string{"operation", "result"},
	)

	// ConnectionTestsTotal counts liveness probes.
	ConnectionTestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certpublisher_connection_tests_total",
			Help: "Number of publisher connection tests by outcome",
		},
		[]string{"result"},
	)

	// BreakerStateChangesTotal counts per-target circuit breaker transitions.
	BreakerStateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certpublisher_breaker_state_changes_total",
			Help: "Number of circuit breaker state changes per publisher",
		},
		[]string{"publisher", "to"},
	)
)

func init() {
	// Register custom metrics with the global prometheus registry
	metrics.Registry.MustRegister(
		PublishAttemptsTotal,
		QueueAdmissionsTotal,
		QueueErrorsTotal,
		DispatchDuration,
		RegistryMutationsTotal,
		ConnectionTestsTotal,
		BreakerStateChangesTotal,
	)
}

// Result maps an error to the success/failure label value.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
