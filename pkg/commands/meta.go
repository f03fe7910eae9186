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
	"sort"

	"github.com/spf13/pflag"
)

type configureParams struct {
	User     string
	Customer string
	Tenant   string
	Mode     string
}

type healthStatus struct {
	Dependency string `json:"dependency"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

func init() {
	Register(&Command{
		Key:     Key{Group: "meta", Verb: "health_check"},
		Short:   "Ping every backing dependency and report per-dependency status",
		Bind:    func(*pflag.FlagSet) interface{} { return nil },
		Run: func(ctx context.Context, deps *Deps, _ interface{}) (interface{}, error) {
			names := make([]string, 0, len(deps.Backend.HealthChecks))
			for name := range deps.Backend.HealthChecks {
				names = append(names, name)
			}
			sort.Strings(names)
			statuses := make([]healthStatus, 0, len(names))
			for _, name := range names {
				status := healthStatus{Dependency: name, Healthy: true}
				if err := deps.Backend.HealthChecks[name](ctx); err != nil {
					status.Healthy = false
					status.Error = err.Error()
				}
				statuses = append(statuses, status)
			}
			return statuses, nil
		},
	})
	Register(&Command{
		Key:     Key{Group: "whoami"},
		Short:   "Show the effective identity and scope",
		Offline: true,
		Bind:    func(*pflag.FlagSet) interface{} { return nil },
		Run: func(_ context.Context, deps *Deps, _ interface{}) (interface{}, error) {
			return deps.Profile, nil
		},
	})
	Register(&Command{
		Key:     Key{Group: "configure"},
		Short:   "Write the CLI profile",
		Offline: true,
		Bind: func(fs *pflag.FlagSet) interface{} {
			p := &configureParams{}
			fs.StringVar(&p.User, "user", "", "Identity recorded on created records")
			fs.StringVar(&p.Customer, "set-customer", "", "Default customer scope")
			fs.StringVar(&p.Tenant, "set-tenant", "", "Default tenant scope")
			fs.StringVar(&p.Mode, "set-mode", "", "Deployment mode, saas or onprem")
			return p
		},
		Run: func(_ context.Context, deps *Deps, params interface{}) (interface{}, error) {
			p := params.(*configureParams)
			next := *deps.Profile
			if p.User != "" {
				next.User = p.User
			}
			if p.Customer != "" {
				next.Customer = p.Customer
			}
			if p.Tenant != "" {
				next.Tenant = p.Tenant
			}
			if p.Mode != "" {
				next.Mode = p.Mode
			}
			if err := next.Save(deps.Fs, deps.ProfilePath); err != nil {
				return nil, err
			}
			return &next, nil
		},
	})
	Register(&Command{
		Key:     Key{Group: "show_config"},
		Short:   "Show the on-disk CLI profile and where it lives",
		Offline: true,
		Bind:    func(*pflag.FlagSet) interface{} { return nil },
		Run: func(_ context.Context, deps *Deps, _ interface{}) (interface{}, error) {
			return map[string]interface{}{
				"path":    deps.ProfilePath,
				"profile": deps.Profile,
			}, nil
		},
	})
}
