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

package cloud

import (
	"encoding/json"
	"regexp"
	"strings"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

func init() {
	register(&googleCapability{})
}

// GoogleServiceAccountJSON is the material key carrying the service
// account document.
const GoogleServiceAccountJSON = "google_service_account_json"

var googleRegionPattern = regexp.MustCompile(`^[a-z]+-[a-z]+\d$`)

type googleCapability struct{}

func (c *googleCapability) Cloud() v1.Cloud { return v1.CloudGoogle }

func (c *googleCapability) ValidateRegions(regions []string) error {
	if len(regions) == 0 {
		return errors.New(errors.KindValidation, "google scans require at least one region")
	}
	for _, region := range regions {
		if !googleRegionPattern.MatchString(region) {
			return errors.New(errors.KindValidation, "%q is not a google region", region)
		}
	}
	return nil
}

// EnvVars validates the service account document structurally; there
// is no cheap authenticated probe for GCP so malformed documents are
// the failure mode we can catch at admission.
func (c *googleCapability) EnvVars(material map[string]string) (map[string]string, error) {
	document := material[GoogleServiceAccountJSON]
	if document == "" {
		return nil, errors.New(errors.KindNoCredentials, "google material requires %s", GoogleServiceAccountJSON)
	}
	account := struct {
		Type       string `json:"type"`
		ProjectID  string `json:"project_id"`
		PrivateKey string `json:"private_key"`
	}{}
	if err := json.Unmarshal([]byte(document), &account); err != nil {
		return nil, errors.New(errors.KindNoCredentials, "google service account document is not valid json")
	}
	if account.Type != "service_account" || account.ProjectID == "" || account.PrivateKey == "" {
		return nil, errors.New(errors.KindNoCredentials, "google service account document is incomplete")
	}
	return map[string]string{
		"GOOGLE_APPLICATION_CREDENTIALS_JSON": document,
		"GOOGLE_CLOUD_PROJECT":                account.ProjectID,
	}, nil
}

func (c *googleCapability) ClassifyError(message string) v1.ScanErrorKind {
	switch lowered := strings.ToLower(message); {
	case contains(lowered, "invalid_grant", "invalid jwt", "unauthenticated"):
		return v1.ScanErrorCredentials
	case contains(lowered, "permission_denied", "permission denied", "forbidden"):
		return v1.ScanErrorAccess
	case contains(lowered, "resource_exhausted", "ratelimitexceeded", "rate limit"):
		return v1.ScanErrorThrottling
	case contains(lowered, "quotaexceeded", "quota exceeded"):
		return v1.ScanErrorQuota
	}
	return v1.ScanErrorInternal
}
