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
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type jobSubmitParams struct {
	Customer    string
	Tenant      string `validate:"required"`
	Regions     []string
	RuleSets    []string
	LicenseKey  string
	Credentials map[string]string
}

type jobRefParams struct {
	Customer string
	ID       string `validate:"required"`
}

type listParams struct {
	Customer string
}

type scheduleCreateParams struct {
	Customer string
	Name     string `validate:"required"`
	Schedule string `validate:"required"`
	Tenant   string `validate:"required"`
	Regions  []string
	RuleSets []string
	Disabled bool
}

type scheduleRefParams struct {
	Customer string
	Name     string `validate:"required"`
}

// submittedBy names the CLI caller on records it creates.
func submittedBy(deps *Deps) string {
	if deps.Profile != nil && deps.Profile.User != "" {
		return "cli/" + deps.Profile.User
	}
	return "cli"
}

func init() {
	Register(&Command{
		Key:   Key{Group: "job", Verb: "submit"},
		Short: "Submit a scan job through admission",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &jobSubmitParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant to scan")
			fs.StringSliceVar(&p.Regions, "regions", nil, "Regions to scan; defaults to every activated region")
			fs.StringSliceVar(&p.RuleSets, "rulesets", nil, "Rulesets to evaluate")
			fs.StringVar(&p.LicenseKey, "license-key", "", "License backing the job")
			fs.StringToStringVar(&p.Credentials, "credentials", nil, "Explicit credential material; sealed immediately, never stored raw")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*jobSubmitParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			job, err := deps.Backend.Coordinator.Submit(ctx, coordinator.Submission{
				Customer:    customer,
				Tenant:      p.Tenant,
				Regions:     p.Regions,
				RuleSets:    p.RuleSets,
				LicenseKey:  p.LicenseKey,
				Credentials: p.Credentials,
				SubmittedBy: submittedBy(deps),
				TraceID:     TraceIDFromContext(ctx),
			})
			if err != nil {
				return nil, err
			}
			return job, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Verb: "describe"},
		Short: "Show one job",
		Bind:  bindJobRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*jobRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Coordinator.GetJob(ctx, customer, p.ID)
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Verb: "cancel"},
		Short: "Request cooperative cancellation of a job",
		Bind:  bindJobRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*jobRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			if err := deps.Backend.Coordinator.Cancel(ctx, customer, p.ID); err != nil {
				return nil, err
			}
			return map[string]string{"id": p.ID, "status": "cancel requested"}, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Verb: "list"},
		Short: "List jobs of a customer",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Coordinator.ListJobs(ctx, customer)
		},
	})

	Register(&Command{
		Key:   Key{Group: "job", Subgroup: "scheduled", Verb: "create"},
		Short: "Create a scheduled job",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &scheduleCreateParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Name, "name", "", "Schedule name, unique per customer")
			fs.StringVar(&p.Schedule, "schedule", "", "cron(<5 field expression>) or rate(<n> <minutes|hours|days>)")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant the fired jobs scan")
			fs.StringSliceVar(&p.Regions, "regions", nil, "Regions of the fired jobs")
			fs.StringSliceVar(&p.RuleSets, "rulesets", nil, "Rulesets of the fired jobs")
			fs.BoolVar(&p.Disabled, "disabled", false, "Create the schedule without arming it")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*scheduleCreateParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			schedule := &v1.ScheduledJob{
				Customer:  customer,
				Name:      p.Name,
				Schedule:  p.Schedule,
				Enabled:   !p.Disabled,
				Tenant:    p.Tenant,
				Regions:   p.Regions,
				RuleSets:  p.RuleSets,
				CreatedBy: submittedBy(deps),
			}
			schedule.Touch(deps.Backend.Clock.Now())
			if err := deps.Backend.Stores.Schedules.Put(ctx, schedule); err != nil {
				if errors.IsConflict(err) {
					return nil, errors.Wrap(err, errors.KindConflict, "schedule %q already exists", p.Name)
				}
				return nil, err
			}
			return schedule, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Subgroup: "scheduled", Verb: "list"},
		Short: "List scheduled jobs",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return records.ScanAll(ctx, deps.Backend.Stores.Schedules, customer, "schedule/")
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Subgroup: "scheduled", Verb: "delete"},
		Short: "Delete a scheduled job",
		Bind:  bindScheduleRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*scheduleRefParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			pk, sk := v1.ScheduledJobKeys(customer, p.Name)
			if err := deps.Backend.Stores.Schedules.Delete(ctx, pk, sk); err != nil {
				return nil, err
			}
			return map[string]string{"name": p.Name, "status": "deleted"}, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Subgroup: "scheduled", Verb: "enable"},
		Short: "Arm a scheduled job",
		Bind:  bindScheduleRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			return toggleSchedule(ctx, deps, params.(*scheduleRefParams), true)
		},
	})
	Register(&Command{
		Key:   Key{Group: "job", Subgroup: "scheduled", Verb: "disable"},
		Short: "Disarm a scheduled job",
		Bind:  bindScheduleRef,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			return toggleSchedule(ctx, deps, params.(*scheduleRefParams), false)
		},
	})
}

func bindJobRef(fs *pflag.FlagSet) interface{} {
	p := &jobRefParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.ID, "id", "", "Job id")
	return p
}

func bindList(fs *pflag.FlagSet) interface{} {
	p := &listParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	return p
}

func bindScheduleRef(fs *pflag.FlagSet) interface{} {
	p := &scheduleRefParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.Name, "name", "", "Schedule name")
	return p
}

func toggleSchedule(ctx context.Context, deps *Deps, p *scheduleRefParams, enabled bool) (interface{}, error) {
	customer, err := deps.customer(p.Customer)
	if err != nil {
		return nil, err
	}
	pk, sk := v1.ScheduledJobKeys(customer, p.Name)
	schedule := &v1.ScheduledJob{}
	if err := deps.Backend.Stores.Schedules.Get(ctx, pk, sk, schedule); err != nil {
		return nil, err
	}
	schedule.Enabled = enabled
	schedule.Touch(deps.Backend.Clock.Now())
	if err := deps.Backend.Stores.Schedules.Put(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}
