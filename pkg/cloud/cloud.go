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

// Package cloud holds the per-cloud capability table: how regions are
// validated, how credential material maps onto evaluator environment
// variables, and how raw evaluator errors classify into scan error
// kinds. Everything else in the engine is cloud-agnostic.
package cloud

import (
	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Capability is one cloud's contribution to scans.
type Capability interface {
	Cloud() v1.Cloud
	// ValidateRegions rejects region lists the cloud cannot scan.
	ValidateRegions(regions []string) error
	// EnvVars maps canonical credential material onto the environment
	// the evaluator subprocess expects. Values are secret.
	EnvVars(material map[string]string) (map[string]string, error)
	// ClassifyError buckets a raw evaluator error line.
	ClassifyError(message string) v1.ScanErrorKind
}

var capabilities = map[v1.Cloud]Capability{}

func register(c Capability) {
	capabilities[c.Cloud()] = c
}

// For returns the cloud's capability table.
func For(cloud v1.Cloud) (Capability, error) {
	capability, ok := capabilities[cloud]
	if !ok {
		return nil, errors.New(errors.KindValidation, "unsupported cloud %q", cloud)
	}
	return capability, nil
}
