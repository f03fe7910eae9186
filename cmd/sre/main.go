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

// sre is the operator CLI: the flat command registry rendered as a
// cobra tree. Every invocation prints one result envelope and exits 0
// on success, 1 on any failure.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ecc-platform/rule-engine/pkg/commands"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/operator"
	"github.com/ecc-platform/rule-engine/pkg/operator/options"
	"github.com/ecc-platform/rule-engine/pkg/utils/log"
)

func main() {
	root := &cobra.Command{
		Use:           "sre",
		Short:         "Operate the compliance rule engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	groups := map[string]*cobra.Command{}
	for _, cmd := range commands.All() {
		attach(root, groups, cmd)
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// attach mounts one registry command under its group (and subgroup)
// cobra parents, creating the parents on first use.
func attach(root *cobra.Command, groups map[string]*cobra.Command, cmd *commands.Command) {
	parent := root
	if cmd.Key.Verb != "" {
		parent = groupCommand(root, groups, cmd.Key.Group)
		if cmd.Key.Subgroup != "" {
			parent = groupCommand(parent, groups, cmd.Key.Group+" "+cmd.Key.Subgroup)
		}
	}

	use := cmd.Key.Verb
	if use == "" {
		use = cmd.Key.Group
	}
	leaf := &cobra.Command{
		Use:   use,
		Short: cmd.Short,
	}
	params := cmd.Bind(leaf.Flags())
	leaf.RunE = func(cobraCmd *cobra.Command, _ []string) error {
		return run(cobraCmd.Context(), cmd, params)
	}
	parent.AddCommand(leaf)
}

func groupCommand(parent *cobra.Command, groups map[string]*cobra.Command, name string) *cobra.Command {
	if existing, ok := groups[name]; ok {
		return existing
	}
	group := &cobra.Command{Use: lastField(name)}
	groups[name] = group
	parent.AddCommand(group)
	return group
}

func lastField(s string) string {
	if idx := strings.LastIndex(s, " "); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func run(ctx context.Context, cmd *commands.Command, params interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	osFs := afero.NewOsFs()
	profilePath := commands.DefaultProfilePath()
	profile, err := commands.LoadProfile(osFs, profilePath)
	if err != nil {
		return renderFailure(err)
	}
	deps := &commands.Deps{
		Profile:     profile,
		Fs:          osFs,
		ProfilePath: profilePath,
	}

	if !cmd.Offline {
		opts := options.New()
		// Flags belong to cobra here; the backend configures itself
		// from the environment alone.
		if err := opts.Parse(nil); err != nil {
			return renderFailure(errors.Wrap(err, errors.KindValidation, "reading configuration"))
		}
		if err := opts.Validate(); err != nil {
			return renderFailure(errors.Wrap(err, errors.KindValidation, "validating configuration"))
		}
		ctx = logr.NewContext(ctx, log.NewLogger("error"))
		ctx = options.ToContext(ctx, opts)
		op, err := operator.NewOperator(ctx, opts)
		if err != nil {
			return renderFailure(err)
		}
		deps.Backend = backendFor(op)
	}

	result := commands.Dispatch(ctx, deps, cmd, params)
	if err := result.Render(os.Stdout); err != nil {
		return err
	}
	if !result.OK() {
		return errExit
	}
	return nil
}

// errExit flips the exit code without double-printing; the envelope
// already carries the failure.
var errExit = fmt.Errorf("command failed")

func renderFailure(err error) error {
	result := commands.Dispatch(context.Background(), &commands.Deps{}, &commands.Command{
		Key:     commands.Key{Group: "internal"},
		Offline: true,
		Run: func(context.Context, *commands.Deps, interface{}) (interface{}, error) {
			return nil, err
		},
	}, nil)
	if renderErr := result.Render(os.Stdout); renderErr != nil {
		return renderErr
	}
	return errExit
}

func backendFor(op *operator.Operator) *commands.Backend {
	checks := map[string]func(ctx context.Context) error{
		"records": op.Stores.LiveCheck,
	}
	for name, dep := range map[string]interface{}{
		"blob":    op.Blob,
		"queue":   op.Queue,
		"secrets": op.Broker,
	} {
		if checker, ok := dep.(interface {
			LiveCheck(ctx context.Context) error
		}); ok {
			checks[name] = checker.LiveCheck
		}
	}
	return &commands.Backend{
		Stores:       op.Stores,
		Blob:         op.Blob,
		Broker:       op.Broker,
		Catalog:      op.Catalog,
		RuleSets:     op.RuleSets,
		Licenses:     op.Licenses,
		Credentials:  op.Credentials,
		Coordinator:  op.Coordinator,
		Aggregator:   op.Aggregator,
		Dispatcher:   op.Dispatcher,
		HealthChecks: checks,
		Clock:        op.Clock,
	}
}
