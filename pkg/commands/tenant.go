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

	"github.com/spf13/pflag"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/credentials"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type tenantCreateParams struct {
	Customer      string
	Name          string `validate:"required"`
	Cloud         string `validate:"required"`
	AccountID     string
	Regions       []string
	ExcludedRules []string
	IncludedRules []string
}

type tenantRefParams struct {
	Customer string
	Name     string `validate:"required"`
}

type credentialsRegisterParams struct {
	Customer string
	Tenant   string `validate:"required"`
	Kind     string `validate:"required,oneof=assume_role static"`
	// Assume-role binding.
	RoleARN    string
	ExternalID string
	// Static binding, sealed on write.
	Material     map[string]string
	AllowAmbient bool
}

type credentialsRefParams struct {
	Customer string
	Tenant   string `validate:"required"`
}

func init() {
	Register(&Command{
		Key:   Key{Group: "tenant", Verb: "create"},
		Short: "Create a tenant",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &tenantCreateParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Name, "name", "", "Tenant name, unique per customer")
			fs.StringVar(&p.Cloud, "cloud", "", "Cloud of the tenant: aws, azure, google or kubernetes")
			fs.StringVar(&p.AccountID, "account-id", "", "Cloud account or cluster identifier")
			fs.StringSliceVar(&p.Regions, "regions", nil, "Activated regions; empty only for kubernetes tenants")
			fs.StringSliceVar(&p.ExcludedRules, "excluded-rules", nil, "Rule ids dropped from every compiled ruleset")
			fs.StringSliceVar(&p.IncludedRules, "included-rules", nil, "Rule ids force-kept in compiled rulesets")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*tenantCreateParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			cloud, err := v1.ParseCloud(p.Cloud)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "parsing cloud %q", p.Cloud)
			}
			tenant := &v1.Tenant{
				Customer:      customer,
				Name:          p.Name,
				Cloud:         cloud,
				AccountID:     p.AccountID,
				Regions:       p.Regions,
				ExcludedRules: p.ExcludedRules,
				IncludedRules: p.IncludedRules,
				CreatedBy:     submittedBy(deps),
			}
			if err := tenant.Validate(); err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "validating tenant %q", p.Name)
			}
			tenant.Touch(deps.Backend.Clock.Now())
			if err := deps.Backend.Stores.Tenants.Put(ctx, tenant); err != nil {
				if errors.IsConflict(err) {
					return nil, errors.Wrap(err, errors.KindConflict, "tenant %q already exists", p.Name)
				}
				return nil, err
			}
			return tenant, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "tenant", Verb: "list"},
		Short: "List tenants of a customer",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return records.ScanAll(ctx, deps.Backend.Stores.Tenants, customer, "tenant/")
		},
	})
	Register(&Command{
		Key:   Key{Group: "tenant", Verb: "describe"},
		Short: "Show one tenant",
		Bind:  bindTenantRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*tenantRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			pk, sk := v1.TenantKeys(customer, p.Name)
			tenant := &v1.Tenant{}
			if err := deps.Backend.Stores.Tenants.Get(ctx, pk, sk, tenant); err != nil {
				return nil, err
			}
			return tenant, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "tenant", Verb: "delete"},
		Short: "Delete a tenant",
		Bind:  bindTenantRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*tenantRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			active, err := deps.Backend.Coordinator.ActiveJobs(ctx, customer, p.Name)
			if err != nil {
				return nil, err
			}
			if len(active) != 0 {
				return nil, errors.New(errors.KindBusy, "tenant %q has %d active job(s)", p.Name, len(active))
			}
			pk, sk := v1.TenantKeys(customer, p.Name)
			if err := deps.Backend.Stores.Tenants.Delete(ctx, pk, sk); err != nil {
				return nil, err
			}
			return map[string]string{"name": p.Name, "status": "deleted"}, nil
		},
	})

	Register(&Command{
		Key:   Key{Group: "tenant", Subgroup: "credentials", Verb: "register"},
		Short: "Register how scans of a tenant obtain cloud access",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &credentialsRegisterParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant the binding belongs to")
			fs.StringVar(&p.Kind, "kind", "", "Binding kind: assume_role or static")
			fs.StringVar(&p.RoleARN, "role-arn", "", "Role to assume (assume_role)")
			fs.StringVar(&p.ExternalID, "external-id", "", "External id presented on assume (assume_role)")
			fs.StringToStringVar(&p.Material, "material", nil, "Static credential material; sealed on write, never stored raw")
			fs.BoolVar(&p.AllowAmbient, "allow-ambient", false, "Fall through to the submitter environment when the binding fails")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*credentialsRegisterParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			binding := &v1.CredentialsBinding{
				Customer:     customer,
				Tenant:       p.Tenant,
				RoleARN:      p.RoleARN,
				ExternalID:   p.ExternalID,
				AllowAmbient: p.AllowAmbient,
				CreatedBy:    submittedBy(deps),
			}
			switch p.Kind {
			case "assume_role":
				binding.Kind = v1.CredentialsAssumeRole
			case "static":
				binding.Kind = v1.CredentialsStatic
			}
			if err := deps.Backend.Credentials.Bind(ctx, binding, p.Material); err != nil {
				return nil, err
			}
			return binding, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "tenant", Subgroup: "credentials", Verb: "describe"},
		Short: "Show the credentials binding of a tenant",
		Bind:  bindCredentialsRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*credentialsRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Credentials.GetBinding(ctx, customer, p.Tenant)
		},
	})
	Register(&Command{
		Key:   Key{Group: "tenant", Subgroup: "credentials", Verb: "verify"},
		Short: "Resolve and probe the credentials of a tenant without running a scan",
		Bind:  bindCredentialsRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*credentialsRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			pk, sk := v1.TenantKeys(customer, p.Tenant)
			tenant := &v1.Tenant{}
			if err := deps.Backend.Stores.Tenants.Get(ctx, pk, sk, tenant); err != nil {
				return nil, err
			}
			envelope, err := deps.Backend.Credentials.Resolve(ctx, credentials.Request{
				Customer: customer,
				Tenant:   tenant,
				Cloud:    tenant.Cloud,
			})
			if err != nil {
				return nil, err
			}
			// The envelope's material stays in memory only; the answer
			// carries provenance, never values.
			return map[string]interface{}{
				"tenant":     p.Tenant,
				"cloud":      envelope.Cloud,
				"source":     envelope.Source,
				"expires_at": envelope.ExpiresAt,
				"verified":   true,
			}, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "tenant", Subgroup: "credentials", Verb: "delete"},
		Short: "Delete the credentials binding of a tenant and forget its sealed material",
		Bind:  bindCredentialsRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*credentialsRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			if err := deps.Backend.Credentials.DeleteBinding(ctx, customer, p.Tenant); err != nil {
				return nil, err
			}
			return map[string]string{"tenant": p.Tenant, "status": "deleted"}, nil
		},
	})
}

func bindTenantRef(fs *pflag.FlagSet) interface{} {
	p := &tenantRefParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.Name, "name", "", "Tenant name")
	return p
}

func bindCredentialsRef(fs *pflag.FlagSet) interface{} {
	p := &credentialsRefParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.Tenant, "tenant", "", "Tenant name")
	return p
}
