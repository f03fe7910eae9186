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

package ruleset

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecc-platform/rule-engine/pkg/metrics"
)

const (
	subsystem = "ruleset"

	metricResultCompiled = "compiled"
	metricResultFailed   = "failed"
)

var (
	compileCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "compiles_total",
			Help:      "Artifact compilations attempted, labeled by outcome.",
		},
		[]string{metrics.CloudLabel, metrics.ResultLabel},
	)
	compiledHitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "artifact_hits_total",
			Help:      "Compile requests satisfied by an existing READY artifact.",
		},
		[]string{metrics.CloudLabel},
	)
	compileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "compile_duration_seconds",
			Help:      "Time from compile request to READY artifact.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(compileCounter, compiledHitCounter, compileDuration)
}
