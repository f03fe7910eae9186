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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	enginemetrics "github.com/ecc-platform/rule-engine/pkg/metrics"
)

var (
	mergesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: enginemetrics.Namespace,
			Subsystem: "aggregator",
			Name:      "merges_total",
			Help:      "Jobs folded into tenant metric snapshots.",
		},
	)
	prunesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: enginemetrics.Namespace,
			Subsystem: "aggregator",
			Name:      "prunes_total",
			Help:      "Snapshots removed by the retention sweep.",
		},
	)
)

func init() {
	enginemetrics.Registry.MustRegister(mergesCounter, prunesCounter)
}
