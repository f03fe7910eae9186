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

// RuleSet is the named selector a caller submits against. The concrete
// rule list is resolved at compile time from the catalog; identical
// resolved lists collapse onto one CompiledRuleSet via the fingerprint.
type RuleSet struct {
	ObjectMeta

	Customer string `json:"customer"`
	Name     string `json:"name"`
	// RevisionTag distinguishes editions of the same named set, for
	// example AWS_CIS_v1 vs AWS_CIS_v2 published under one name.
	RevisionTag string `json:"revision_tag,omitempty"`
	Cloud       Cloud  `json:"cloud"`
	// Selector: either an explicit rule id list, or standard/service
	// filters resolved against the catalog.
	RuleIDs         []string `json:"rule_ids,omitempty"`
	Standards       []string `json:"standards,omitempty"`
	ServiceSections []string `json:"service_sections,omitempty"`
	Severities      []string `json:"severities,omitempty"`
	LicenseKey      string   `json:"license_key,omitempty"`
	Active          bool     `json:"active"`
	CreatedBy       string   `json:"created_by,omitempty"`
}

func (r *RuleSet) Keys() (string, string) {
	return r.Customer, "ruleset/" + r.Name
}

func RuleSetKeys(customer, name string) (string, string) {
	return customer, "ruleset/" + name
}

// Explicit reports whether the set pins rule ids rather than filters.
func (r *RuleSet) Explicit() bool {
	return len(r.RuleIDs) > 0
}

type CompileStatus string

const (
	CompileStatusCompiling CompileStatus = "COMPILING"
	CompileStatusReady     CompileStatus = "READY"
	CompileStatusFailed    CompileStatus = "FAILED"
)

// CompiledRuleSet is the content-addressed artifact record. One exists
// per fingerprint; every job whose resolved rule list hashes to the
// same fingerprint shares it. Refs counts non-terminal jobs holding the
// artifact; Delete requires Refs == 0.
type CompiledRuleSet struct {
	ObjectMeta

	Cloud       Cloud         `json:"cloud"`
	Fingerprint string        `json:"fingerprint"`
	RuleIDs     []string      `json:"rule_ids"`
	Status      CompileStatus `json:"status"`
	ArtifactKey string        `json:"artifact_key,omitempty"`
	ContentHash string        `json:"content_hash,omitempty"`
	Error       string        `json:"error,omitempty"`
	Refs        int           `json:"refs"`
}

func (c *CompiledRuleSet) Keys() (string, string) {
	return "rulesets/" + c.Cloud.Lower(), c.Fingerprint
}

func CompiledRuleSetKeys(cloud Cloud, fingerprint string) (string, string) {
	return "rulesets/" + cloud.Lower(), fingerprint
}
