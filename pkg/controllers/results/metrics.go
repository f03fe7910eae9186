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

package results

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecc-platform/rule-engine/pkg/metrics"
)

var ingestDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "results",
		Name:      "ingest_duration_seconds",
		Help:      "Time to canonicalize and persist one job's statistics.",
		Buckets:   metrics.DurationBuckets(),
	},
)

func init() {
	metrics.Registry.MustRegister(ingestDuration)
}
