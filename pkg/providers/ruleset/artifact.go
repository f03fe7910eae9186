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

package ruleset

import (
	"crypto/sha256"
	"encoding/hex"

	"sigs.k8s.io/yaml"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// bundle is the document the policy evaluator consumes. The shape
// matches what rule sources publish so the evaluator needs no
// translation layer.
type bundle struct {
	Policies []bundlePolicy `json:"policies"`
}

type bundlePolicy struct {
	Name        string         `json:"name"`
	Resource    string         `json:"resource"`
	Description string         `json:"description,omitempty"`
	Metadata    bundleMetadata `json:"metadata"`
}

type bundleMetadata struct {
	Rule bundleRule `json:"rule"`
}

type bundleRule struct {
	Version        string                         `json:"version,omitempty"`
	Cloud          v1.Cloud                       `json:"cloud"`
	Severity       v1.Severity                    `json:"severity"`
	ServiceSection string                         `json:"service_section,omitempty"`
	Standard       map[string]map[string][]string `json:"standard,omitempty"`
	Mitre          map[string][]string            `json:"mitre,omitempty"`
}

// assemble renders the rule list into the evaluator bundle and hashes
// the exact bytes that get stored.
func assemble(rules []*v1.Rule) ([]byte, string, error) {
	doc := bundle{}
	for _, rule := range rules {
		doc.Policies = append(doc.Policies, bundlePolicy{
			Name:        rule.ID,
			Resource:    rule.ResourceType,
			Description: rule.Description,
			Metadata: bundleMetadata{Rule: bundleRule{
				Version:        rule.RuleVersion,
				Cloud:          rule.Cloud,
				Severity:       rule.Severity,
				ServiceSection: rule.ServiceSection,
				Standard:       rule.Standards,
				Mitre:          rule.MitreAttack,
			}},
		})
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.KindInternal, "rendering policy bundle")
	}
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}
