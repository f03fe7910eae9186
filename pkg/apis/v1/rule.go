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

	"github.com/samber/lo"
)

type Severity string

const (
	SeverityInfo   Severity = "Info"
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// RuleSource points at an external policy repository rules are synced
// from. The access secret, when the repository is private, is sealed in
// the broker and referenced here.
type RuleSource struct {
	ObjectMeta

	Customer   string `json:"customer"`
	ID         string `json:"id"`
	URL        string `json:"url"`
	Ref        string `json:"ref,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty"`
	SecretRef  string `json:"secret_ref,omitempty"`
	// AllowedTenants restricts which tenants may scan with rules from
	// this source; empty means all. RestrictedTenants always lose.
	AllowedTenants    []string `json:"allowed_tenants,omitempty"`
	RestrictedTenants []string `json:"restricted_tenants,omitempty"`
	LatestCommit      string   `json:"latest_commit,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
}

func (s *RuleSource) Keys() (string, string) {
	return s.Customer, "rulesource/" + s.ID
}

// PermitsTenant applies the source's tenant scoping; a restriction
// always wins over an allowance.
func (s *RuleSource) PermitsTenant(tenant string) bool {
	if lo.Contains(s.RestrictedTenants, tenant) {
		return false
	}
	return len(s.AllowedTenants) == 0 || lo.Contains(s.AllowedTenants, tenant)
}

func RuleSourceKeys(customer, id string) (string, string) {
	return customer, "rulesource/" + id
}

// Rule is one policy definition from the catalog. Immutable per
// (ID, Version); a newer sync that drops the rule tombstones the record
// instead of deleting it so historical jobs stay explainable.
type Rule struct {
	ObjectMeta

	ID             string   `json:"id"`
	RuleVersion    string   `json:"rule_version,omitempty"`
	Cloud          Cloud    `json:"cloud"`
	ResourceType   string   `json:"resource"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description,omitempty"`
	ServiceSection string   `json:"service_section,omitempty"`
	// Standards maps standard name to version to covered controls.
	Standards map[string]map[string][]string `json:"standards,omitempty"`
	// MitreAttack maps tactic to techniques.
	MitreAttack map[string][]string `json:"mitre,omitempty"`

	SourceID     string     `json:"source_id"`
	Commit       string     `json:"commit,omitempty"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
}

func (r *Rule) Keys() (string, string) {
	return "rules/" + r.Cloud.Lower(), r.ID
}

func RuleKeys(cloud Cloud, id string) (string, string) {
	return "rules/" + cloud.Lower(), id
}

func (r *Rule) Tombstoned() bool {
	return r.TombstonedAt != nil
}

// SyncStamp records a completed catalog sync so re-syncs of the same
// commit become no-ops.
type SyncStamp struct {
	ObjectMeta

	SourceID  string    `json:"source_id"`
	Commit    string    `json:"commit"`
	SyncedAt  time.Time `json:"synced_at"`
	RuleCount int       `json:"rule_count"`
}

func (s *SyncStamp) Keys() (string, string) {
	return "rulesource/" + s.SourceID, "sync/" + s.Commit
}

func SyncStampKeys(sourceID, commit string) (string, string) {
	return "rulesource/" + sourceID, "sync/" + commit
}
