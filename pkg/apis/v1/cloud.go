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
	"strings"
)

// Cloud identifies the provider a tenant lives on. Kubernetes tenants
// have no regions; every other cloud requires at least one.
type Cloud string

const (
	CloudAWS        Cloud = "AWS"
	CloudAzure      Cloud = "AZURE"
	CloudGoogle     Cloud = "GOOGLE"
	CloudKubernetes Cloud = "KUBERNETES"
)

func Clouds() []Cloud {
	return []Cloud{CloudAWS, CloudAzure, CloudGoogle, CloudKubernetes}
}

// ParseCloud accepts the canonical upper-case names case-insensitively.
func ParseCloud(s string) (Cloud, error) {
	c := Cloud(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case CloudAWS, CloudAzure, CloudGoogle, CloudKubernetes:
		return c, nil
	}
	return "", fmt.Errorf("unknown cloud %q", s)
}

func (c Cloud) String() string {
	return string(c)
}

// Lower is the form used in blob keys and rule id prefixes.
func (c Cloud) Lower() string {
	return strings.ToLower(string(c))
}
