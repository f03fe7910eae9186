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

type JobState string

const (
	JobStateSubmitted JobState = "SUBMITTED"
	JobStateReserved  JobState = "RESERVED"
	JobStateReady     JobState = "READY"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
	JobStateTimedOut  JobState = "TIMED_OUT"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateTimedOut:
		return true
	}
	return false
}

// Active reports whether the job holds (or is about to hold) a tenant
// slot.
func (s JobState) Active() bool {
	switch s {
	case JobStateReserved, JobStateReady, JobStateRunning:
		return true
	}
	return false
}

// Job is one scan execution. State transitions follow
// SUBMITTED -> RESERVED -> READY -> RUNNING -> terminal and every
// transition is written with CAS so concurrent coordinators and workers
// cannot double-drive a job.
type Job struct {
	ObjectMeta

	ID          string   `json:"id"`
	Customer    string   `json:"customer"`
	Tenant      string   `json:"tenant"`
	Cloud       Cloud    `json:"cloud"`
	Regions     []string `json:"regions,omitempty"`
	RuleSets    []string `json:"rulesets,omitempty"`
	LicenseKey  string   `json:"license_key,omitempty"`
	BatchID     string   `json:"batch_id,omitempty"`
	SubmittedBy string   `json:"submitted_by,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`

	State     JobState `json:"state"`
	ErrorKind string   `json:"error_kind,omitempty"`
	ErrorText string   `json:"error_text,omitempty"`
	Attempts  int      `json:"attempts"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// Fingerprint of the compiled artifact the worker runs.
	Fingerprint string `json:"fingerprint,omitempty"`
	// SecretRef is the sealed credentials envelope. Unsealed exactly
	// once by the worker and forgotten immediately after.
	SecretRef string `json:"secret_ref,omitempty"`

	ResultsKey    string `json:"results_key,omitempty"`
	StatisticsKey string `json:"statistics_key,omitempty"`

	CancelRequested   bool       `json:"cancel_requested,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`

	// HeartbeatAt is bumped by the worker while the job runs; the
	// janitor reclaims slots whose jobs went quiet past the slot TTL.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

func (j *Job) Keys() (string, string) {
	return j.Customer, "job/" + j.ID
}

func JobKeys(customer, id string) (string, string) {
	return customer, "job/" + id
}

// TenantSlot is the per-tenant concurrency token. At most one exists
// per (customer, tenant); it is created with a conditional put when a
// job is admitted and deleted on the job's terminal transition.
type TenantSlot struct {
	ObjectMeta

	Customer   string    `json:"customer"`
	Tenant     string    `json:"tenant"`
	JobID      string    `json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TouchedAt  time.Time `json:"touched_at"`
}

func (s *TenantSlot) Keys() (string, string) {
	return s.Customer, "slot/" + s.Tenant
}

func TenantSlotKeys(customer, tenant string) (string, string) {
	return customer, "slot/" + tenant
}
