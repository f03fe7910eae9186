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
)

type CredentialsKind string

const (
	CredentialsAssumeRole CredentialsKind = "ASSUME_ROLE"
	CredentialsStatic     CredentialsKind = "STATIC"
)

// CredentialsBinding registers how scans for a tenant obtain cloud
// access when the submission injects nothing. Static material is sealed
// in the broker; the record only carries the ref.
type CredentialsBinding struct {
	ObjectMeta

	Customer string          `json:"customer"`
	Tenant   string          `json:"tenant"`
	Kind     CredentialsKind `json:"kind"`

	// Assume-role binding (AWS).
	RoleARN    string `json:"role_arn,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	// Static binding: sealed keypair, kubeconfig or service account.
	SecretRef string `json:"secret_ref,omitempty"`

	// AllowAmbient permits falling through to the submitter's
	// environment when this binding fails to resolve.
	AllowAmbient bool `json:"allow_ambient,omitempty"`

	CreatedBy string `json:"created_by,omitempty"`
}

func (b *CredentialsBinding) Keys() (string, string) {
	return b.Customer, "credentials/" + b.Tenant
}

func CredentialsBindingKeys(customer, tenant string) (string, string) {
	return customer, "credentials/" + tenant
}

func (b *CredentialsBinding) Validate() error {
	switch b.Kind {
	case CredentialsAssumeRole:
		if b.RoleARN == "" {
			return fmt.Errorf("assume-role binding requires role_arn")
		}
	case CredentialsStatic:
		if b.SecretRef == "" {
			return fmt.Errorf("static binding requires sealed material")
		}
	default:
		return fmt.Errorf("unknown credentials kind %q", b.Kind)
	}
	return nil
}
