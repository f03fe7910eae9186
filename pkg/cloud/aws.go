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
	register(&awsCapability{})
}

// Material keys accepted for AWS static credentials.
const (
	AWSAccessKeyID     = "aws_access_key_id"
	AWSSecretAccessKey = "aws_secret_access_key"
	AWSSessionToken    = "aws_session_token"
)

var awsRegionPattern = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d$`)

type awsCapability struct{}

func (c *awsCapability) Cloud() v1.Cloud { return v1.CloudAWS }

func (c *awsCapability) ValidateRegions(regions []string) error {
	if len(regions) == 0 {
		return errors.New(errors.KindValidation, "aws scans require at least one region")
	}
	for _, region := range regions {
		if !awsRegionPattern.MatchString(region) {
			return errors.New(errors.KindValidation, "%q is not an aws region", region)
		}
	}
	return nil
}

func (c *awsCapability) EnvVars(material map[string]string) (map[string]string, error) {
	accessKey, secretKey := material[AWSAccessKeyID], material[AWSSecretAccessKey]
	if accessKey == "" || secretKey == "" {
		return nil, errors.New(errors.KindNoCredentials, "aws material requires %s and %s", AWSAccessKeyID, AWSSecretAccessKey)
	}
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     accessKey,
		"AWS_SECRET_ACCESS_KEY": secretKey,
	}
	if token := material[AWSSessionToken]; token != "" {
		env["AWS_SESSION_TOKEN"] = token
	}
	return env, nil
}

func (c *awsCapability) ClassifyError(message string) v1.ScanErrorKind {
	switch lowered := strings.ToLower(message); {
	case contains(lowered, "invalidclienttokenid", "signaturedoesnotmatch", "expiredtoken", "unrecognizedclientexception", "security token"):
		return v1.ScanErrorCredentials
	case contains(lowered, "accessdenied", "unauthorizedoperation", "not authorized"):
		return v1.ScanErrorAccess
	case contains(lowered, "throttling", "rate exceeded", "toomanyrequests", "slowdown"):
		return v1.ScanErrorThrottling
	case contains(lowered, "limitexceeded", "quotaexceeded", "quota exceeded"):
		return v1.ScanErrorQuota
	}
	return v1.ScanErrorInternal
}

func contains(message string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}
