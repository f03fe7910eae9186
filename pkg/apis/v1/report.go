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
	"fmt"
	"time"
)

type ReportType string

const (
	ReportOperational ReportType = "operational"
	ReportProject     ReportType = "project"
	ReportDepartment  ReportType = "department"
	ReportCLevel      ReportType = "c_level"
	ReportCompliance  ReportType = "compliance"
	ReportDetails     ReportType = "details"
	ReportDigests     ReportType = "digests"
	ReportErrors      ReportType = "errors"
	ReportRules       ReportType = "rules"
	ReportFindings    ReportType = "findings"
)

func ReportTypes() []ReportType {
	return []ReportType{
		ReportOperational, ReportProject, ReportDepartment, ReportCLevel,
		ReportCompliance, ReportDetails, ReportDigests, ReportErrors,
		ReportRules, ReportFindings,
	}
}

func ParseReportType(s string) (ReportType, error) {
	for _, t := range ReportTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown report type %q", s)
}

type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "PENDING"
	ReportStatusSucceeded ReportStatus = "SUCCEEDED"
	ReportStatusFailed    ReportStatus = "FAILED"
	ReportStatusDuplicate ReportStatus = "DUPLICATE"
)

// ReportStatistics tracks one report dispatch through the retry
// pipeline. Entity is the job id or tenant the report covers; the
// (Entity, Type) pair is the dedup key for retry-all.
type ReportStatistics struct {
	ObjectMeta

	Customer string       `json:"customer"`
	ID       string       `json:"id"`
	Entity   string       `json:"entity"`
	Type     ReportType   `json:"type"`
	Status   ReportStatus `json:"status"`

	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	PayloadKey  string     `json:"payload_key,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

func (r *ReportStatistics) Keys() (string, string) {
	return r.Customer, "report/" + r.ID
}

func ReportStatisticsKeys(customer, id string) (string, string) {
	return customer, "report/" + id
}

// DedupKey identifies retries of the same logical report.
func (r *ReportStatistics) DedupKey() string {
	return r.Entity + "/" + string(r.Type)
}
