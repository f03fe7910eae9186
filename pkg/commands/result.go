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

package commands

import (
	"encoding/json"
	"io"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Result is the envelope every command answers with. Data and Errors
// are mutually exclusive in practice; both carry the trace id for
// correlation with server logs.
type Result struct {
	TraceID string        `json:"trace_id"`
	Data    interface{}   `json:"data,omitempty"`
	Errors  []ResultError `json:"errors,omitempty"`
}

type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func newResult(traceID string, data interface{}, err error) *Result {
	result := &Result{TraceID: traceID}
	if err != nil {
		kind := errors.KindOf(err)
		result.Errors = append(result.Errors, ResultError{
			Kind:    string(kind),
			Message: err.Error(),
			Hint:    hintFor(kind),
		})
		return result
	}
	result.Data = data
	return result
}

// OK reports whether the command succeeded.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Render writes the envelope as indented JSON.
func (r *Result) Render(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

func hintFor(kind errors.Kind) string {
	switch kind {
	case errors.KindBusy:
		return "another job holds the tenant slot; wait for it or cancel it"
	case errors.KindLicenseExpired:
		return "renew or activate a valid license for this tenant"
	case errors.KindLicenseQuota:
		return "the job quota of this license period is exhausted"
	case errors.KindNoCredentials:
		return "register a credentials binding for the tenant or pass credentials on submit"
	case errors.KindNoRules:
		return "the selected rulesets resolve to no usable rules for this cloud"
	case errors.KindConflict:
		return "the record changed underneath this write; re-read and retry"
	case errors.KindUpstreamUnavailable:
		return "a backing service is unreachable; run health_check"
	default:
		return ""
	}
}
