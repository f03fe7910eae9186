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
	"strconv"

	"github.com/spf13/pflag"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type reportSendParams struct {
	Customer string
	Tenant   string `validate:"required"`
	JobID    string `validate:"required"`
	Type     string `validate:"required"`
}

type settingGetParams struct {
	Name string `validate:"required"`
}

type settingSetParams struct {
	Name  string `validate:"required"`
	Value string `validate:"required"`
}

type metricsTenantParams struct {
	Customer string
	Tenant   string `validate:"required"`
}

func init() {
	Register(&Command{
		Key:   Key{Group: "report", Verb: "send"},
		Short: "Build and dispatch a report from a job's statistics",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &reportSendParams{}
			fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
			fs.StringVar(&p.Tenant, "tenant", "", "Tenant the statistics belong to")
			fs.StringVar(&p.JobID, "job-id", "", "Job whose canonical statistics feed the report")
			fs.StringVar(&p.Type, "type", "", "Report type, e.g. compliance, findings, digests")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*reportSendParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			reportType, err := v1.ParseReportType(p.Type)
			if err != nil {
				return nil, errors.Wrap(err, errors.KindValidation, "parsing report type %q", p.Type)
			}
			statistics, err := results.LoadStatistics(ctx, deps.Backend.Blob, p.JobID)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Dispatcher.Dispatch(ctx, customer, p.Tenant, p.JobID, reportType, statistics)
		},
	})
	Register(&Command{
		Key:   Key{Group: "report", Verb: "status"},
		Short: "List report dispatch records of a customer",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return records.ScanAll(ctx, deps.Backend.Stores.Reports, customer, "report/")
		},
	})
	Register(&Command{
		Key:   Key{Group: "report", Verb: "retry-all"},
		Short: "Requeue the newest parked report per (entity, type); older duplicates are marked",
		Bind:  bindList,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*listParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			requeued, err := deps.Backend.Dispatcher.RetryAll(ctx, customer)
			if err != nil {
				return nil, err
			}
			return map[string]int{"requeued": requeued}, nil
		},
	})

	Register(&Command{
		Key:   Key{Group: "setting", Verb: "get"},
		Short: "Read a global setting",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &settingGetParams{}
			fs.StringVar(&p.Name, "name", "", "Setting name")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*settingGetParams)
			pk, sk := v1.SettingKeys(v1.SettingScopeGlobal, p.Name)
			setting := &v1.Setting{}
			if err := deps.Backend.Stores.Settings.Get(ctx, pk, sk, setting); err != nil {
				return nil, err
			}
			return setting, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "setting", Verb: "set"},
		Short: "Write a global setting",
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &settingSetParams{}
			fs.StringVar(&p.Name, "name", "", "Setting name")
			fs.StringVar(&p.Value, "value", "", "Setting value")
			return p
		},
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*settingSetParams)
			// Re-enabling report sending also resets the failure
			// counter, so route through the dispatcher.
			if p.Name == v1.SettingReportSendingDisabled {
				disabled, err := strconv.ParseBool(p.Value)
				if err != nil {
					return nil, errors.Wrap(err, errors.KindValidation, "parsing %q as bool", p.Value)
				}
				if !disabled {
					if err := deps.Backend.Dispatcher.EnableSending(ctx); err != nil {
						return nil, err
					}
					return map[string]string{"name": p.Name, "value": p.Value}, nil
				}
			}
			pk, sk := v1.SettingKeys(v1.SettingScopeGlobal, p.Name)
			setting := &v1.Setting{}
			if err := deps.Backend.Stores.Settings.Get(ctx, pk, sk, setting); err != nil && !errors.IsNotFound(err) {
				return nil, err
			}
			setting.Scope = v1.SettingScopeGlobal
			setting.Name = p.Name
			setting.Value = p.Value
			setting.Touch(deps.Backend.Clock.Now())
			if err := deps.Backend.Stores.Settings.Put(ctx, setting); err != nil {
				return nil, err
			}
			return setting, nil
		},
	})

	Register(&Command{
		Key:   Key{Group: "metrics", Verb: "status"},
		Short: "Show the latest metric snapshot of a tenant",
		Bind:  bindMetricsTenant,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*metricsTenantParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			snapshot, err := deps.Backend.Aggregator.Latest(ctx, customer, p.Tenant)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"snapshot": snapshot,
				"age":      deps.Backend.Aggregator.SnapshotAge(snapshot),
			}, nil
		},
	})
	Register(&Command{
		Key:   Key{Group: "metrics", Verb: "update"},
		Short: "Rebuild today's metric snapshot of a tenant from its succeeded jobs",
		Bind:  bindMetricsTenant,
		Run: func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*metricsTenantParams)
			customer, err := deps.customer(p.Customer)
			if err != nil {
				return nil, err
			}
			return deps.Backend.Aggregator.Rebuild(ctx, customer, p.Tenant)
		},
	})
}

func bindMetricsTenant(fs *pflag.FlagSet) interface{} {
	p := &metricsTenantParams{}
	fs.StringVar(&p.Customer, "customer", "", "Customer scope; defaults to the profile")
	fs.StringVar(&p.Tenant, "tenant", "", "Tenant name")
	return p
}
