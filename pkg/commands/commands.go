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

// Package commands is the operator command surface: a flat registry of
// (group, subgroup, verb) commands over the providers. Every dispatch
// gets a trace id, validates its parameters, and answers with one
// structured result envelope.
package commands

import (
	"context"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	aggregator "github.com/ecc-platform/rule-engine/pkg/controllers/metrics"
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	"github.com/ecc-platform/rule-engine/pkg/controllers/reports"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/credentials"
	"github.com/ecc-platform/rule-engine/pkg/providers/license"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/rulecatalog"
	"github.com/ecc-platform/rule-engine/pkg/providers/ruleset"
	"github.com/ecc-platform/rule-engine/pkg/providers/secrets"
)

// Key addresses one command. Subgroup is empty for two-level commands
// like "job submit".
type Key struct {
	Group    string
	Subgroup string
	Verb     string
}

func (k Key) String() string {
	return strings.Join(strings.Fields(strings.Join([]string{k.Group, k.Subgroup, k.Verb}, " ")), " ")
}

// Command is one registered verb. Bind registers the command's flags
// onto a flag set and returns the parameter struct they fill; Run
// receives that same struct back after validation.
type Command struct {
	Key   Key
	Short string
	// Offline commands run without a backend; everything else fails
	// fast when no backend is wired.
	Offline bool
	Bind    func(fs *pflag.FlagSet) interface{}
	Run     func(ctx context.Context, deps *Deps, params interface{}) (interface{}, error)
}

// Backend bundles every provider a command may reach. The CLI wires it
// from the operator; tests wire it from fakes.
type Backend struct {
	Stores       *records.Stores
	Blob         blob.Provider
	Broker       secrets.Broker
	Catalog      rulecatalog.Provider
	RuleSets     ruleset.Provider
	Licenses     license.Provider
	Credentials  credentials.Provider
	Coordinator  *coordinator.Coordinator
	Aggregator   *aggregator.Aggregator
	Dispatcher   *reports.Dispatcher
	HealthChecks map[string]func(ctx context.Context) error
	Clock        clock.Clock
}

// Deps is what a command runs against.
type Deps struct {
	Backend *Backend
	Profile *Profile
	// Fs and ProfilePath locate the on-disk configuration for the
	// offline verbs.
	Fs          afero.Fs
	ProfilePath string
}

// customer resolves the effective customer: an explicit parameter wins
// over the profile.
func (d *Deps) customer(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if d.Profile != nil && d.Profile.Customer != "" {
		return d.Profile.Customer, nil
	}
	return "", errors.New(errors.KindValidation, "no customer given and none configured; run configure or pass --customer")
}

var (
	registry = map[Key]*Command{}
	validate = validator.New()
)

// Register adds a command to the registry. Duplicate keys are developer
// error.
func Register(cmd *Command) {
	if _, ok := registry[cmd.Key]; ok {
		panic("command registered twice: " + cmd.Key.String())
	}
	registry[cmd.Key] = cmd
}

// All returns every command in stable order.
func All() []*Command {
	out := make([]*Command, 0, len(registry))
	for _, cmd := range registry {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Lookup finds a command by key, or nil.
func Lookup(group, subgroup, verb string) *Command {
	return registry[Key{Group: group, Subgroup: subgroup, Verb: verb}]
}

type traceIDKey struct{}

// TraceIDFromContext returns the trace id Dispatch stamped on the
// request context.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Dispatch runs one command: assign a trace id, validate parameters,
// execute, and fold the outcome into a result envelope. Errors never
// escape as panics or bare strings.
func Dispatch(ctx context.Context, deps *Deps, cmd *Command, params interface{}) *Result {
	traceID := uuid.NewString()
	ctx = context.WithValue(ctx, traceIDKey{}, traceID)
	ctx = logr.NewContext(ctx, logr.FromContextOrDiscard(ctx).WithValues("trace-id", traceID, "command", cmd.Key.String()))

	if !cmd.Offline && (deps.Backend == nil) {
		return newResult(traceID, nil, errors.New(errors.KindUpstreamUnavailable, "command %q needs a configured backend", cmd.Key.String()))
	}
	if params != nil {
		if err := validate.Struct(params); err != nil {
			return newResult(traceID, nil, errors.Wrap(err, errors.KindValidation, "validating parameters of %q", cmd.Key.String()))
		}
	}
	data, err := cmd.Run(ctx, deps, params)
	return newResult(traceID, data, err)
}
