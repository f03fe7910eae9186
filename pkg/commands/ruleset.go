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
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/rulecatalog"
	"github.com/ecc-platform/rule-engine/pkg/providers/ruleset"
)

type ruleSetWriteParams struct {
	Customer        string
	Name            string `validate:"required"`
	Cloud           string `validate:"required"`
	RevisionTag     string
	RuleIDs         []string
	Standards       []string
	ServiceSections []string
	Severities      []string
	LicenseKey      string
	Inactive        bool
}

type ruleSetRefParams struct {
	Customer string
	Name     string `validate:"required"`
}

type ruleSetCompileParams struct {
	Customer   string
	Tenant     string   `validate:"required"`
	RuleSets   []string `validate:"required,min=1"`
	LicenseKey string
}

type ruleListParams struct {
	Cloud             string `validate:"required"`
	Standard          string
	Severity          string
	Service           string
	ResourceType      string
	IncludeTombstoned bool
	Limit             int
	Cursor            string
}

type ruleRefParams struct {
	Cloud string `validate:"required"`
	ID    string `validate:"required"`
}

type ruleSourceAddParams struct {
	Customer   string
	ID         string `validate:"required"`
	URL        string `validate:"required,url"`
	Ref        string
	PathPrefix string
	// Token authenticates the pull; sealed on write.
	Token             string
	AllowedTenants    []string
	RestrictedTenants []string
}

type ruleSourceRefParams struct {
	Customer string
	ID       string `validate:"required"`
}

func init() {
	Register(&Command{
		Key:   Key{Group: "ruleset", Verb: "create"},
		Short: "Create a ruleset",
		Bind:  bindRuleSetWrite,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			return writeRuleSet(ctx, deps, params.(*ruleSetWriteParams), deps.Backend.RuleSets.Create)
		},
	})
	Register(&Command{
		Key:   Key{Group: "ruleset", Verb: "update"},
		Short: "Update a ruleset; the compiled artifact of the old selector stays shared by fingerprint",
		Bind:  bindRuleSetWrite,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleSetWriteParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			existing, err := deps.Backend.RuleSets.Get(ctx, customer, p.Name)
			if err != nil {
				return nil, err
			}
			next, err := buildRuleSet(customer, p, submittedBy(deps))
			if err != nil {
				return nil, err
			}
			next.ObjectMeta = existing.ObjectMeta
			if err := deps.Backend.RuleSets.Update(ctx, next); err != nil {
				return nil, err
			}
			return next, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "ruleset", Verb: "list"},
		Short: "List rulesets of a customer",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.RuleSets.List(ctx, customer)
		},
	})
	Register(&Command{
		Key:   Key{Group: "ruleset", Verb: "describe"},
		Short: "Show one ruleset",
		Bind:  bindRuleSetRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleSetRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.RuleSets.Get(ctx, customer, p.Name)
		},
	})
	Register(&Command{
		Key:   Key{Group: "ruleset", Verb: "delete"},
		Short: "Delete a ruleset; its compiled artifact survives while referenced",
		Bind:  bindRuleSetRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleSetRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			if err := deps.Backend.RuleSets.Delete(ctx, customer, p.Name); err != nil {
				return nil, err
			}
			return map[string]string{"name": p.Name, "status": "deleted"}, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "ruleset", Verb: "compile"},
		Short: "Compile rulesets for a tenant without submitting a job",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &ruleSetCompileParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant whose filters apply")
			fs.StringSliceVar(&p.RuleSets, "rulesets", nil, "Rulesets to compile together")
			fs.StringVar(&p.LicenseKey, "license-key", "", "License whose entitlements apply")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleSetCompileParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			pk, sk := v1.TenantKeys(customer, p.Tenant)
			tenant := &v1.Tenant{}
			if err := deps.Backend.Stores.Tenants.Get(ctx, pk, sk, tenant); err != nil {
				return nil, err
			}
			req := ruleset.CompileRequest{
				Customer: customer,
				Tenant:   tenant,
				Cloud:    tenant.Cloud,
				RuleSets: p.RuleSets,
			}
			if p.LicenseKey != "" {
				lic, err := deps.Backend.Licenses.Get(ctx, customer, p.LicenseKey)
				if err != nil {
					return nil, err
				}
				req.License = lic
			}
			return deps.Backend.RuleSets.EnsureCompiled(ctx, req)
		},
	})

	Register(&Command{
		Key:   Key{Group: "rule", Verb: "list"},
		Short: "Query the rule catalog",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &ruleListParams{}
			fs.StringVar(&p.Cloud, "cloud", "", "Cloud the rules target")
			fs.StringVar(&p.Standard, "standard", "", "Compliance standard filter")
			fs.StringVar(&p.Severity, "severity", "", "Severity filter")
			fs.StringVar(&p.Service, "service", "", "Service section filter")
			fs.StringVar(&p.ResourceType, "resource-type", "", "Resource type filter")
			fs.BoolVar(&p.IncludeTombstoned, "include-tombstoned", false, "Include rules removed upstream")
			fs.IntVar(&p.Limit, "limit", 100, "Page size")
			fs.StringVar(&p.Cursor, "cursor", "", "Opaque continuation cursor from a previous page")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleListParams)
			cloud, err := v1.ParseCloud(p.Cloud)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "parsing cloud %q", p.Cloud)
			}
			return deps.Backend.Catalog.List(ctx, rulecatalog.Query{
				Cloud:             cloud,
				Standard:          p.Standard,
				Severity:          p.Severity,
				Service:           p.Service,
				ResourceType:      p.ResourceType,
				IncludeTombstoned: p.IncludeTombstoned,
				Limit:             p.Limit,
				Cursor:            p.Cursor,
			})
		},
	})
	Register(&Command{
		Key:   Key{Group: "rule", Verb: "describe"},
		Short: "Show one catalog rule",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &ruleRefParams{}
			fs.StringVar(&p.Cloud, "cloud", "", "Cloud the rule targets")
			fs.StringVar(&p.ID, "id", "", "Rule id")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleRefParams)
			cloud, err := v1.ParseCloud(p.Cloud)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "parsing cloud %q", p.Cloud)
			}
			return deps.Backend.Catalog.GetRule(ctx, cloud, p.ID)
		},
	})

	Register(&Command{
		Key:   Key{Group: "rulesource", Verb: "add"},
		Short: "Register an upstream rule repository",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &ruleSourceAddParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.ID, "id", "", "Source id, unique per customer")
			fs.StringVar(&p.URL, "url", "", "Repository URL")
			fs.StringVar(&p.Ref, "ref", "", "Branch or tag to track")
			fs.StringVar(&p.PathPrefix, "path-prefix", "", "Subdirectory holding the rule definitions")
			fs.StringVar(&p.Token, "token", "", "Access token for the pull; sealed on write, never stored raw")
			fs.StringSliceVar(&p.AllowedTenants, "allowed-tenants", nil, "Tenants permitted to scan with rules from this source")
			fs.StringSliceVar(&p.RestrictedTenants, "restricted-tenants", nil, "Tenants denied rules from this source")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleSourceAddParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			source := &v1.RuleSource{
				Customer:          customer,
				ID:                p.ID,
				URL:               p.URL,
				Ref:               p.Ref,
				PathPrefix:        p.PathPrefix,
				AllowedTenants:    p.AllowedTenants,
				RestrictedTenants: p.RestrictedTenants,
			}
			if p.Token != "" {
				ref, err := deps.Backend.Broker.Seal(ctx, "rulesource/"+customer, []byte(p.Token))
				if err != nil {
					return nil, err
				}
				source.SecretRef = ref
			}
			source.Touch(deps.Backend.Clock.Now())
			if err := deps.Backend.Stores.RuleSources.Put(ctx, source); err != nil {
				if errors.IsConflict(err) {
					return nil, errors.Wrap(err, errors.KindConflict, "rule source %q already exists", p.ID)
				}
				return nil, err
			}
			return source, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "rulesource", Verb: "list"},
		Short: "List rule sources of a customer",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return records.ScanAll(ctx, deps.Backend.Stores.RuleSources, customer, "rulesource/")
		},
	})
	Register(&Command{
		Key:   Key{Group: "rulesource", Verb: "sync"},
		Short: "Pull the source and upsert its rules into the catalog",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &ruleSourceRefParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.ID, "id", "", "Source id")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*ruleSourceRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Catalog.Sync(ctx, customer, p.ID)
		},
	})
}

func bindRuleSetWrite(fs *pflag.FlagSet) interface{} {
	p := &ruleSetWriteParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.Name, "name", "", "Ruleset name, unique per customer")
	fs.StringVar(&p.Cloud, "cloud", "", "Cloud the ruleset targets")
	fs.StringVar(&p.RevisionTag, "revision-tag", "", "Edition tag distinguishing revisions of one name")
	fs.StringSliceVar(&p.RuleIDs, "rule-ids", nil, "Explicit rule selection")
	fs.StringSliceVar(&p.Standards, "standards", nil, "Select rules by compliance standard")
	fs.StringSliceVar(&p.ServiceSections, "service-sections", nil, "Select rules by service section")
	fs.StringSliceVar(&p.Severities, "severities", nil, "Select rules by severity")
	fs.StringVar(&p.LicenseKey, "license-key", "", "License whose entitlements bound the selection")
	fs.BoolVar(&p.Inactive, "inactive", false, "Create or update without activating")
	return p
}

func bindRuleSetRef(fs *pflag.FlagSet) interface{} {
	p := &ruleSetRefParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.Name, "name", "", "Ruleset name")
	return p
}

func writeRuleSet(ctx context.Context, deps *Deps, p *ruleSetWriteParams, write func(ctx context.Context, ruleSet *v1.RuleSet) error) (interface{}, error) {
	customer, err := deps.customer(p.Customer)
	if err != nil {
		return nil, err
	}
	ruleSet, err := buildRuleSet(customer, p, submittedBy(deps))
	if err != nil {
		return nil, err
	}
	if err := write(ctx, ruleSet); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

func buildRuleSet(customer string, p *ruleSetWriteParams, createdBy string) (*v1.RuleSet, error) {
	cloud, err := v1.ParseCloud(p.Cloud)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing cloud %q", p.Cloud)
	}
	return &v1.RuleSet{
		Customer:        customer,
		Name:            p.Name,
		RevisionTag:     p.RevisionTag,
		Cloud:           cloud,
		RuleIDs:         p.RuleIDs,
		Standards:       p.Standards,
		ServiceSections: p.ServiceSections,
		Severities:      p.Severities,
		LicenseKey:      p.LicenseKey,
		Active:          !p.Inactive,
		CreatedBy:       createdBy,
	}, nil
}
