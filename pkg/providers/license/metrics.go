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

package license

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecc-platform/rule-engine/pkg/metrics"
)

const (
	subsystem = "license"

	metricResultReserved  = "reserved"
	metricResultCommitted = "committed"
	metricResultRefunded  = "refunded"
	metricResultExhausted = "exhausted"
)

var (
	activationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "activations_total",
			Help:      "Completed license activations.",
		},
		[]string{metrics.CustomerLabel},
	)
	reservationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "reservations_total",
			Help:      "Quota reservation outcomes.",
		},
		[]string{metrics.ResultLabel},
	)
)

func init() {
	metrics.Registry.MustRegister(activationsCounter, reservationsCounter)
}
