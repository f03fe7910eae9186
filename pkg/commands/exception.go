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
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type exceptionCreateParams struct {
	Customer string
	Tenant   string `validate:"required"`
	// Exactly one selector: identity triple, ARN or tag conjunction.
	ResourceType string
	Location     string
	ResourceID   string
	ARN          string
	Tags         map[string]string
	ExpireAt     string `validate:"required"`
	Reason       string
}

type exceptionListParams struct {
	Customer string
	Tenant   string `validate:"required"`
	// IncludeExpired keeps exceptions past their expiry in the listing.
	IncludeExpired bool
}

type exceptionRefParams struct {
	Customer string
	Tenant   string `validate:"required"`
	ID       string `validate:"required"`
}

func init() {
	Register(&Command{
		Key:   Key{Group: "exception", Verb: "create"},
		Short: "Suppress matching findings from report output until expiry",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &exceptionCreateParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant the exception applies to")
			fs.StringVar(&p.ResourceType, "resource-type", "", "Identity selector: resource type")
			fs.StringVar(&p.Location, "location", "", "Identity selector: region or location")
			fs.StringVar(&p.ResourceID, "resource-id", "", "Identity selector: resource id")
			fs.StringVar(&p.ARN, "arn", "", "ARN selector")
			fs.StringToStringVar(&p.Tags, "tags", nil, "Tag selector; every pair must match")
			fs.StringVar(&p.ExpireAt, "expire-at", "", "RFC3339 expiry of the exception")
			fs.StringVar(&p.Reason, "reason", "", "Why the resource is excepted")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*exceptionCreateParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			expireAt, err := time.Parse(time.RFC3339, p.ExpireAt)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "parsing expire-at %q", p.ExpireAt)
			}
			exception := &v1.ResourceException{
				Customer:  customer,
				Tenant:    p.Tenant,
				ID:        uuid.NewString(),
				ARN:       p.ARN,
				Tags:      p.Tags,
				ExpireAt:  expireAt,
				CreatedBy: submittedBy(deps),
				Reason:    p.Reason,
			}
			if p.ResourceType != "" || p.Location != "" || p.ResourceID != "" {
				exception.Identity = &v1.ResourceIdentity{
					Type:     p.ResourceType,
					Location: p.Location,
					ID:       p.ResourceID,
				}
			}
			if err := exception.Validate(); err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "validating exception")
			}
			exception.Touch(deps.Backend.Clock.Now())
			if err := deps.Backend.Stores.Exceptions.Put(ctx, exception); err != nil {
				return nil, err
			}
			return exception, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "exception", Verb: "list"},
		Short: "List exceptions of a tenant",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &exceptionListParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant name")
			fs.BoolVar(&p.IncludeExpired, "include-expired", false, "Include exceptions past their expiry")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*exceptionListParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			all, err := records.ScanAll(ctx, deps.Backend.Stores.Exceptions, customer, "exception/"+p.Tenant+"/")
			if err != nil {
				return nil, err
			}
			if p.IncludeExpired {
				return all, nil
			}
			now := deps.Backend.Clock.Now()
			active := make([]*v1.ResourceException, 0, len(all))
			for _, e := range all {
				if !e.Expired(now) {
					active = append(active, e)
				}
			}
			return active, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "exception", Verb: "delete"},
		Short: "Delete an exception",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &exceptionRefParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant name")
			fs.StringVar(&p.ID, "id", "", "Exception id")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*exceptionRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			pk, sk := v1.ResourceExceptionKeys(customer, p.Tenant, p.ID)
			if err := deps.Backend.Stores.Exceptions.Delete(ctx, pk, sk); err != nil {
				return nil, err
			}
			return map[string]string{"id": p.ID, "status": "deleted"}, nil
		},
	})
}
