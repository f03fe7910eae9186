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

// License is a time-bounded grant issued by the external license
// manager. The signing private key issued on activation lives in the
// secret broker; the record only carries its ref.
type License struct {
	ObjectMeta

	Customer   string `json:"customer"`
	LicenseKey string `json:"license_key"`
	// Rulesets the license entitles; empty means every ruleset.
	Rulesets []string `json:"rulesets,omitempty"`
	// AllowedRules intersects the compiled rule list when non-empty.
	AllowedRules []string `json:"allowed_rules,omitempty"`
	RuleQuota    int      `json:"rule_quota,omitempty"`
	// JobQuota is the number of scan jobs per quota period; 0 means
	// unmetered.
	JobQuota   int       `json:"job_quota,omitempty"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	// Signing identity issued by the license manager.
	Algorithm     string `json:"algorithm,omitempty"`
	KeyID         string `json:"key_id,omitempty"`
	PrivateKeyRef string `json:"private_key_ref,omitempty"`
	// Activations is the set of tenant names the license is bound to.
	Activations []string `json:"activations,omitempty"`
	// TenantKeys maps an activated tenant to the tenant license key the
	// license manager issued for it.
	TenantKeys map[string]string `json:"tenant_keys,omitempty"`
}

func (l *License) Keys() (string, string) {
	return l.Customer, "license/" + l.LicenseKey
}

func LicenseKeys(customer, licenseKey string) (string, string) {
	return customer, "license/" + licenseKey
}

func (l *License) Expired(now time.Time) bool {
	return !l.ValidUntil.IsZero() && l.ValidUntil.Before(now)
}

func (l *License) ActivatedFor(tenant string) bool {
	return lo.Contains(l.Activations, tenant)
}

// QuotaPeriodStart truncates now to the start of the quota period.
// Quota periods are calendar months.
func QuotaPeriodStart(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// LicenseUsage counts committed reservations for one license within one
// quota period. Single record per (license, period), updated by CAS.
type LicenseUsage struct {
	ObjectMeta

	LicenseKey  string `json:"license_key"`
	PeriodStart string `json:"period_start"`
	Used        int    `json:"used"`
}

func (u *LicenseUsage) Keys() (string, string) {
	return "license/" + u.LicenseKey, "usage/" + u.PeriodStart
}

func LicenseUsageKeys(licenseKey, periodStart string) (string, string) {
	return "license/" + licenseKey, "usage/" + periodStart
}

// Reservation holds one quota unit for a job between admission start
// and commit. Uncommitted reservations past ExpiresAt are refunded by
// the janitor.
type Reservation struct {
	ObjectMeta

	LicenseKey  string    `json:"license_key"`
	JobID       string    `json:"job_id"`
	PeriodStart string    `json:"period_start"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (r *Reservation) Keys() (string, string) {
	return "license/" + r.LicenseKey, "reservation/" + r.JobID
}

func ReservationKeys(licenseKey, jobID string) (string, string) {
	return "license/" + licenseKey, "reservation/" + jobID
}
