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

package rulecatalog

import (
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
)

// policyFile is the on-disk shape of a rule definition document. One
// file may declare several policies.
type policyFile struct {
	Policies []policyDoc `json:"policies"`
}

type policyDoc struct {
	Name        string         `json:"name"`
	Resource    string         `json:"resource"`
	Description string         `json:"description,omitempty"`
	Metadata    policyMetadata `json:"metadata,omitempty"`
}

type policyMetadata struct {
	Rule ruleMetadata `json:"rule,omitempty"`
}

type ruleMetadata struct {
	Cloud          string                         `json:"cloud,omitempty"`
	Severity       string                         `json:"severity,omitempty"`
	ServiceSection string                         `json:"service_section,omitempty"`
	Version        string                         `json:"version,omitempty"`
	Standard       map[string]map[string][]string `json:"standard,omitempty"`
	Mitre          map[string][]string            `json:"mitre,omitempty"`
}

// parseRuleFile turns one YAML document into catalog records. Files
// without a policies list are skipped by returning no rules.
func parseRuleFile(raw []byte) ([]*v1.Rule, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("unmarshaling policy document, %w", err)
	}
	rules := make([]*v1.Rule, 0, len(file.Policies))
	for _, doc := range file.Policies {
		if doc.Name == "" {
			return nil, fmt.Errorf("policy without a name")
		}
		cloud, err := policyCloud(doc)
		if err != nil {
			return nil, fmt.Errorf("policy %q, %w", doc.Name, err)
		}
		rules = append(rules, &v1.Rule{
			ID:             doc.Name,
			RuleVersion:    doc.Metadata.Rule.Version,
			Cloud:          cloud,
			ResourceType:   doc.Resource,
			Severity:       parseSeverity(doc.Metadata.Rule.Severity),
			Description:    doc.Description,
			ServiceSection: doc.Metadata.Rule.ServiceSection,
			Standards:      doc.Metadata.Rule.Standard,
			MitreAttack:    doc.Metadata.Rule.Mitre,
		})
	}
	return rules, nil
}

// policyCloud prefers the explicit metadata cloud and falls back to
// the resource type prefix (aws.security-group, gcp.bucket, ...).
func policyCloud(doc policyDoc) (v1.Cloud, error) {
	name := doc.Metadata.Rule.Cloud
	if name == "" {
		name, _, _ = strings.Cut(doc.Resource, ".")
	}
	switch strings.ToUpper(name) {
	case "GCP":
		return v1.CloudGoogle, nil
	case "K8S":
		return v1.CloudKubernetes, nil
	}
	return v1.ParseCloud(name)
}

func parseSeverity(s string) v1.Severity {
	switch strings.ToLower(s) {
	case "high":
		return v1.SeverityHigh
	case "medium":
		return v1.SeverityMedium
	case "low":
		return v1.SeverityLow
	default:
		return v1.SeverityInfo
	}
}
