/*
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

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecc-platform/rule-engine/pkg/metrics"
)

const (
	subsystem = "coordinator"

	metricResultAdmitted = "admitted"

	reasonLabel             = "reason"
	metricReasonStale       = "stale_slot"
	metricReasonLeaked      = "leaked_slot"
	metricReasonCancelled   = "cancel_grace"
	metricReasonReservation = "expired_reservation"
)

var (
	admissionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "admissions_total",
			Help:      "Submissions processed, labeled by admitted or the admission error kind.",
		},
		[]string{metrics.ResultLabel},
	)
	admissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "admission_duration_seconds",
			Help:      "Time from submission to READY.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
	jobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "jobs_finalized_total",
			Help:      "Jobs driven to a terminal state, labeled by state and cloud.",
		},
		[]string{metrics.StateLabel, metrics.CloudLabel},
	)
	reclaimsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "janitor_reclaims_total",
			Help:      "Resources the janitor reclaimed, labeled by reason.",
		},
		[]string{reasonLabel},
	)
	batchesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "event_batches_total",
			Help:      "Resource event windows flushed into batch results.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(admissionsCounter, admissionDuration, jobsCounter, reclaimsCounter, batchesCounter)
}
