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
	"regexp"
	"strings"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

func init() {
	register(&azureCapability{})
}

// Material keys accepted for Azure service principals.
const (
	AzureTenantID       = "azure_tenant_id"
	AzureClientID       = "azure_client_id"
	AzureClientSecret   = "azure_client_secret"
	AzureSubscriptionID = "azure_subscription_id"
)

var azureRegionPattern = regexp.MustCompile(`^[a-z]+[a-z0-9]*$`)

type azureCapability struct{}

func (c *azureCapability) Cloud() v1.Cloud { return v1.CloudAzure }

func (c *azureCapability) ValidateRegions(regions []string) error {
	if len(regions) == 0 {
		return errors.New(errors.KindValidation, "azure scans require at least one region")
	}
	for _, region := range regions {
		if !azureRegionPattern.MatchString(region) {
			return errors.New(errors.KindValidation, "%q is not an azure region", region)
		}
	}
	return nil
}

func (c *azureCapability) EnvVars(material map[string]string) (map[string]string, error) {
	for _, key := range []string{AzureTenantID, AzureClientID, AzureClientSecret, AzureSubscriptionID} {
		if material[key] == "" {
			return nil, errors.New(errors.KindNoCredentials, "azure material requires %s", key)
		}
	}
	return map[string]string{
		"AZURE_TENANT_ID":       material[AzureTenantID],
		"AZURE_CLIENT_ID":       material[AzureClientID],
		"AZURE_CLIENT_SECRET":   material[AzureClientSecret],
		"AZURE_SUBSCRIPTION_ID": material[AzureSubscriptionID],
	}, nil
}

func (c *azureCapability) ClassifyError(message string) v1.ScanErrorKind {
	switch lowered := strings.ToLower(message); {
	case contains(lowered, "authenticationfailed", "invalid_client", "invalid client secret", "aadsts"):
		return v1.ScanErrorCredentials
	case contains(lowered, "authorizationfailed", "does not have authorization", "forbidden"):
		return v1.ScanErrorAccess
	case contains(lowered, "toomanyrequests", "429", "retry after"):
		return v1.ScanErrorThrottling
	case contains(lowered, "quotaexceeded", "quota exceeded"):
		return v1.ScanErrorQuota
	}
	return v1.ScanErrorInternal
}
