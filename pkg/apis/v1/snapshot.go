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

package v1

import (
	"time"
)

// ComplianceRatio is covered controls over total controls for one
// standard version.
type ComplianceRatio struct {
	Covered int     `json:"covered"`
	Total   int     `json:"total"`
	Ratio   float64 `json:"ratio"`
}

// LicenseSummary is the license view embedded in a snapshot.
type LicenseSummary struct {
	LicenseKey string    `json:"license_key"`
	ValidUntil time.Time `json:"valid_until"`
	JobQuota   int       `json:"job_quota,omitempty"`
	JobsUsed   int       `json:"jobs_used,omitempty"`
}

// MetricSnapshot is the rolling per-tenant aggregation for one as-of
// date. Single writer per (tenant, as_of) enforced by conditional put;
// re-aggregation from the same job set reproduces the same content.
type MetricSnapshot struct {
	ObjectMeta

	Customer    string    `json:"customer"`
	Tenant      string    `json:"tenant"`
	AsOf        string    `json:"as_of"`
	GeneratedAt time.Time `json:"generated_at"`

	// ResourceTypes counts currently failed resources by type;
	// Severities counts failed rules by severity; Regions counts
	// findings by region.
	ResourceTypes map[string]int `json:"resource_types,omitempty"`
	Severities    map[string]int `json:"severities,omitempty"`
	Regions       map[string]int `json:"regions,omitempty"`

	// Mitre maps tactic to technique to affected resources.
	Mitre map[string]map[string][]Resource `json:"mitre,omitempty"`

	// Compliance maps standard to version to ratio.
	Compliance map[string]map[string]ComplianceRatio `json:"compliance,omitempty"`

	// TopFindings is the top-N resources by failed rule count, worst
	// first.
	TopFindings []Resource `json:"top_findings,omitempty"`

	RulesPassed int `json:"rules_passed"`
	RulesFailed int `json:"rules_failed"`

	LastScanAt   time.Time        `json:"last_scan_at"`
	JobsIncluded []string         `json:"jobs_included,omitempty"`
	Licenses     []LicenseSummary `json:"licenses,omitempty"`

	// SnapshotKey is the blob key of the serialized snapshot.
	SnapshotKey string `json:"snapshot_key,omitempty"`
}

func (m *MetricSnapshot) Keys() (string, string) {
	return m.Customer, "metrics/" + m.Tenant + "/" + m.AsOf
}

func MetricSnapshotKeys(customer, tenant, asOf string) (string, string) {
	return customer, "metrics/" + tenant + "/" + asOf
}

// AsOfDate formats the snapshot date key for a point in time.
func AsOfDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
