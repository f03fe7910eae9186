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

type FindingStatus string

const (
	FindingPassed FindingStatus = "PASSED"
	FindingFailed FindingStatus = "FAILED"
	FindingError  FindingStatus = "ERROR"
)

// ScanErrorKind classifies per-rule evaluator errors. When a rule
// accumulates errors of several kinds the highest-priority one wins.
type ScanErrorKind string

const (
	ScanErrorCredentials ScanErrorKind = "CREDENTIALS"
	ScanErrorAccess      ScanErrorKind = "ACCESS"
	ScanErrorQuota       ScanErrorKind = "QUOTA"
	ScanErrorThrottling  ScanErrorKind = "THROTTLING"
	ScanErrorInternal    ScanErrorKind = "INTERNAL"
)

// scanErrorPriority orders kinds; lower wins.
var scanErrorPriority = map[ScanErrorKind]int{
	ScanErrorCredentials: 0,
	ScanErrorAccess:      1,
	ScanErrorQuota:       2,
	ScanErrorThrottling:  3,
	ScanErrorInternal:    4,
}

// WorseScanError returns the higher-priority of two kinds. The empty
// kind always loses.
func WorseScanError(a, b ScanErrorKind) ScanErrorKind {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	pa, ok := scanErrorPriority[a]
	if !ok {
		pa = scanErrorPriority[ScanErrorInternal]
	}
	pb, ok := scanErrorPriority[b]
	if !ok {
		pb = scanErrorPriority[ScanErrorInternal]
	}
	if pb < pa {
		return b
	}
	return a
}

// ParseScanErrorKind maps free-form evaluator error labels onto the
// taxonomy; anything unrecognized is INTERNAL.
func ParseScanErrorKind(s string) ScanErrorKind {
	switch ScanErrorKind(s) {
	case ScanErrorCredentials, ScanErrorAccess, ScanErrorQuota, ScanErrorThrottling, ScanErrorInternal:
		return ScanErrorKind(s)
	}
	return ScanErrorInternal
}

// Resource identifies one cloud resource in a finding. ID is the ARN
// or native identifier.
type Resource struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type"`
	Region string `json:"region"`
}

// RuleResult is the canonical per-(rule, region) outcome inside a job
// statistics document.
type RuleResult struct {
	RuleID           string        `json:"rule_id"`
	Region           string        `json:"region"`
	Status           FindingStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	ResourcesScanned int           `json:"resources_scanned"`
	ElapsedSeconds   float64       `json:"elapsed_time"`
	FailedResources  []Resource    `json:"failed_resources,omitempty"`
	ErrorKind        ScanErrorKind `json:"error_kind,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// RulesSummary rolls the per-rule entries up. ResourceSamples keeps up
// to SampleLimit failed resources per rule for report rendering.
type RulesSummary struct {
	Total           int                   `json:"total"`
	Disabled        int                   `json:"disabled"`
	Passed          int                   `json:"passed"`
	Failed          int                   `json:"failed"`
	ResourceSamples map[string][]Resource `json:"resource_samples,omitempty"`
}

// SampleLimit bounds failed-resource samples retained per rule in the
// summary.
const SampleLimit = 10

// JobStatistics is the canonical, deterministic output of result
// ingestion. Rules are sorted by (rule_id, region) and resources by
// (id, region, type); re-ingesting the same raw outputs reproduces the
// document byte for byte.
type JobStatistics struct {
	JobID      string       `json:"job_id"`
	Customer   string       `json:"customer"`
	Tenant     string       `json:"tenant"`
	Cloud      Cloud        `json:"cloud"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Rules      []RuleResult `json:"rules"`
	Summary    RulesSummary `json:"rules_summary"`
}
