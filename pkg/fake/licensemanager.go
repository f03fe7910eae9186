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

package fake

import (
	"context"
	"encoding/base64"

	"github.com/ecc-platform/rule-engine/pkg/providers/license"
)

// LicenseManagerAPI answers activations with canned items. With no
// scripted Items it issues one deterministic item per call so tests do
// not have to set anything up.
type LicenseManagerAPI struct {
	InitBehavior MockedFunction[[]byte, []license.ActivationItem]
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *LicenseManagerAPI) Reset() {
	a.InitBehavior.Reset()
}

func (a *LicenseManagerAPI) Init(_ context.Context, document []byte, _ string) ([]license.ActivationItem, error) {
	out, err := a.InitBehavior.Invoke(&document, func(doc *[]byte) (*[]license.ActivationItem, error) {
		return &[]license.ActivationItem{{
			CustomerName:     "default",
			TenantLicenseKey: "tenant-license-key",
			PrivateKey: license.ActivationKey{
				KeyID:     "fake-key-id",
				Algorithm: "ECC:p521_sha512",
				Value:     base64.StdEncoding.EncodeToString([]byte("fake-private-key")),
			},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}
