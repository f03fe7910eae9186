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

// ScheduledJob fires a fresh Job on a cron or rate schedule. Name is
// unique within a customer, enforced by conditional put. LastFireTime
// is the CAS guard that keeps concurrent scheduler replicas from
// double-firing one nominal tick.
type ScheduledJob struct {
	ObjectMeta

	Customer string `json:"customer"`
	Name     string `json:"name"`
	// Schedule is either cron(<standard 5 field expression>) or
	// rate(<n> <minutes|hours|days>).
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	Tenant   string   `json:"tenant"`
	Regions  []string `json:"regions,omitempty"`
	RuleSets []string `json:"rulesets,omitempty"`

	LastFireTime *time.Time `json:"last_fire_time,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
}

func (s *ScheduledJob) Keys() (string, string) {
	return s.Customer, "schedule/" + s.Name
}

func ScheduledJobKeys(customer, name string) (string, string) {
	return customer, "schedule/" + name
}

// ResourceEvent is one cloud resource change notification feeding the
// event batcher.
type ResourceEvent struct {
	Source       string    `json:"source,omitempty"`
	Region       string    `json:"region,omitempty"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Kind         string    `json:"kind,omitempty"`
	At           time.Time `json:"at"`
}

// BatchResult is a window of coalesced resource events for one tenant.
// Jobs spawned from a flushed window reference it by id.
type BatchResult struct {
	ObjectMeta

	Customer    string          `json:"customer"`
	Tenant      string          `json:"tenant"`
	ID          string          `json:"id"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Events      []ResourceEvent `json:"events"`
	JobIDs      []string        `json:"job_ids,omitempty"`
}

func (b *BatchResult) Keys() (string, string) {
	return b.Customer, "batch/" + b.Tenant + "/" + b.ID
}

func BatchResultKeys(customer, tenant, id string) (string, string) {
	return customer, "batch/" + tenant + "/" + id
}
