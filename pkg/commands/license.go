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

	"github.com/spf13/pflag"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

type licenseCreateParams struct {
	Customer   string
	LicenseKey string `validate:"required"`
	Rulesets   []string
	JobQuota   int
	ValidFrom  string
	ValidUntil string `validate:"required"`
}

type licenseRefParams struct {
	Customer   string
	LicenseKey string `validate:"required"`
}

type licenseTenantParams struct {
	Customer   string
	LicenseKey string `validate:"required"`
	Tenant     string `validate:"required"`
}

func init() {
	Register(&Command{
		Key:   Key{Group: "license", Verb: "create"},
		Short: "Register a license grant",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &licenseCreateParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.LicenseKey, "license-key", "", "License key issued by the license manager")
			fs.StringSliceVar(&p.Rulesets, "rulesets", nil, "Entitled rulesets; empty entitles all")
			fs.IntVar(&p.JobQuota, "job-quota", 0, "Scan jobs per quota period; 0 is unmetered")
			fs.StringVar(&p.ValidFrom, "valid-from", "", "RFC3339 start of validity; empty means now")
			fs.StringVar(&p.ValidUntil, "valid-until", "", "RFC3339 end of validity")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*licenseCreateParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			validUntil, err := time.Parse(time.RFC3339, p.ValidUntil)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "parsing valid-until %q", p.ValidUntil)
			}
			validFrom := deps.Backend.Clock.Now().UTC()
			if p.ValidFrom != "" {
				if validFrom, err = time.Parse(time.RFC3339, p.ValidFrom); err != nil {
					return nil, errors.Wrap(err, errors.KindValidation, "parsing valid-from %q", p.ValidFrom)
				}
			}
			license := &v1.License{
				Customer:   customer,
				LicenseKey: p.LicenseKey,
				Rulesets:   p.Rulesets,
				JobQuota:   p.JobQuota,
				ValidFrom:  validFrom,
				ValidUntil: validUntil,
			}
			if err := deps.Backend.Licenses.Create(ctx, license); err != nil {
				return nil, err
			}
			return license, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "license", Verb: "list"},
		Short: "List licenses of a customer",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Licenses.List(ctx, customer)
		},
	})
	Register(&Command{
		Key:   Key{Group: "license", Verb: "describe"},
		Short: "Show one license",
		Bind:  bindLicenseRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*licenseRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Licenses.Get(ctx, customer, p.LicenseKey)
		},
	})
	Register(&Command{
		Key:   Key{Group: "license", Verb: "activate"},
		Short: "Activate a license for a tenant through the license manager",
		Bind:  bindLicenseTenant,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*licenseTenantParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Licenses.Activate(ctx, customer, p.Tenant, p.LicenseKey)
		},
	})
	Register(&Command{
		Key:   Key{Group: "license", Verb: "quota"},
		Short: "Show remaining job quota of a license for a tenant",
		Bind:  bindLicenseTenant,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*licenseTenantParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			allowed, remaining, err := deps.Backend.Licenses.CheckQuota(ctx, customer, p.LicenseKey, p.Tenant)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"license_key": p.LicenseKey,
				"tenant":      p.Tenant,
				"allowed":     allowed,
				"remaining":   remaining,
				"period":      v1.QuotaPeriodStart(deps.Backend.Clock.Now()),
			}, nil
		},
	})
}

func bindLicenseRef(fs *pflag.FlagSet) interface{} {
	p := &licenseRefParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.LicenseKey, "license-key", "", "License key")
	return p
}

func bindLicenseTenant(fs *pflag.FlagSet) interface{} {
	p := &licenseTenantParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.LicenseKey, "license-key", "", "License key")
	fs.StringVar(&p.Tenant, "tenant", "", "Tenant name")
	return p
}
