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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecc-platform/rule-engine/pkg/metrics"
)

const (
	subsystem = "worker"

	metricResultEvaluated = "evaluated"
	metricResultCrashed   = "crashed"
	metricResultTimedOut  = "timed_out"
)

var (
	jobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "jobs_total",
			Help:      "Jobs a worker drove to a terminal state, labeled by state and cloud.",
		},
		[]string{metrics.StateLabel, metrics.CloudLabel},
	)
	regionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "regions_total",
			Help:      "Region evaluations, labeled by how the evaluator run ended.",
		},
		[]string{metrics.ResultLabel},
	)
	regionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "region_duration_seconds",
			Help:      "Wall time of one evaluator region run.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "scan_duration_seconds",
			Help:      "Wall time from claim to terminal state of one job.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(jobsCounter, regionsCounter, regionDuration, scanDuration)
}
