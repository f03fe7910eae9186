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

	"github.com/samber/lo"
)

// Tenant is one cloud account (or Kubernetes cluster) owned by a
// customer. Tenants scope jobs, credentials bindings, exceptions and
// metric snapshots.
type Tenant struct {
	ObjectMeta

	Customer  string `json:"customer"`
	Name      string `json:"name"`
	Cloud     Cloud  `json:"cloud"`
	AccountID string `json:"account_id"`
	// Regions a scan may target. Kubernetes tenants keep this empty.
	Regions []string `json:"regions,omitempty"`
	// ExcludedRules are dropped from every compiled ruleset for this
	// tenant; IncludedRules force-keep rules otherwise filtered. The two
	// sets must not intersect.
	ExcludedRules []string `json:"excluded_rules,omitempty"`
	IncludedRules []string `json:"included_rules,omitempty"`
	CreatedBy     string   `json:"created_by,omitempty"`
}

func (t *Tenant) Keys() (string, string) {
	return t.Customer, "tenant/" + t.Name
}

func TenantKeys(customer, name string) (string, string) {
	return customer, "tenant/" + name
}

func (t *Tenant) Validate() error {
	if t.Customer == "" || t.Name == "" {
		return fmt.Errorf("tenant requires customer and name")
	}
	if _, err := ParseCloud(string(t.Cloud)); err != nil {
		return err
	}
	if t.Cloud != CloudKubernetes && len(t.Regions) == 0 {
		return fmt.Errorf("tenant %q on %s requires at least one activated region", t.Name, t.Cloud)
	}
	if t.Cloud == CloudKubernetes && len(t.Regions) != 0 {
		return fmt.Errorf("kubernetes tenant %q must not declare regions", t.Name)
	}
	if both := lo.Intersect(t.ExcludedRules, t.IncludedRules); len(both) != 0 {
		return fmt.Errorf("rules %v are both excluded and included for tenant %q", both, t.Name)
	}
	return nil
}

// HasRegion reports whether the tenant activated the given region.
func (t *Tenant) HasRegion(region string) bool {
	return lo.Contains(t.Regions, region)
}
