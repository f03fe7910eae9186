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
	"time"
)

// ResourceIdentity pins an exception to one concrete resource.
type ResourceIdentity struct {
	Type     string `json:"type"`
	Location string `json:"location"`
	ID       string `json:"id"`
}

// ResourceException suppresses matching findings from report output.
// Raw statistics are never altered. Exactly one of Identity, ARN or
// Tags must be set; expired exceptions are ignored by the matcher.
type ResourceException struct {
	ObjectMeta

	Customer string `json:"customer"`
	Tenant   string `json:"tenant"`
	ID       string `json:"id"`

	Identity *ResourceIdentity `json:"identity,omitempty"`
	ARN      string            `json:"arn,omitempty"`
	// Tags is a conjunction: every pair must match.
	Tags map[string]string `json:"tags,omitempty"`

	ExpireAt  time.Time `json:"expire_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (e *ResourceException) Keys() (string, string) {
	return e.Customer, "exception/" + e.Tenant + "/" + e.ID
}

func ResourceExceptionKeys(customer, tenant, id string) (string, string) {
	return customer, "exception/" + tenant + "/" + id
}

func (e *ResourceException) Validate() error {
	set := 0
	if e.Identity != nil {
		set++
	}
	if e.ARN != "" {
		set++
	}
	if len(e.Tags) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exception requires exactly one of identity, arn or tags, got %d", set)
	}
	if e.ExpireAt.IsZero() {
		return fmt.Errorf("exception requires expire_at")
	}
	return nil
}

func (e *ResourceException) Expired(now time.Time) bool {
	return e.ExpireAt.Before(now)
}

// Matches reports whether the exception suppresses the given resource.
// Tag matching is against the resource tag map collected at scan time.
func (e *ResourceException) Matches(r Resource, tags map[string]string) bool {
	switch {
	case e.Identity != nil:
		return e.Identity.Type == r.Type && e.Identity.Location == r.Region && e.Identity.ID == r.ID
	case e.ARN != "":
		return strings.EqualFold(e.ARN, r.ID)
	case len(e.Tags) > 0:
		for k, v := range e.Tags {
			if tags[k] != v {
				return false
			}
		}
		return true
	}
	return false
}
