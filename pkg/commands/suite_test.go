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

package commands_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/commands"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestCommands(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Commands")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	env = test.NewEnvironment()
})

func backend() *commands.Backend {
	return &commands.Backend{
		Stores:      env.Stores.Stores,
		Blob:        env.Blob,
		Broker:      env.Broker,
		Catalog:     env.Catalog,
		RuleSets:    env.RuleSets,
		Licenses:    env.Licenses,
		Credentials: env.Credentials,
		Coordinator: env.Coordinator,
		Aggregator:  env.Aggregator,
		Dispatcher:  env.Dispatcher,
		Clock:       env.Clock,
	}
}

func bind(cmd *commands.Command, flags map[string]string) interface{} {
	fs := pflag.NewFlagSet(cmd.Key.String(), pflag.ContinueOnError)
	params := cmd.Bind(fs)
	for name, value := range flags {
		ExpectWithOffset(1, fs.Set(name, value)).To(Succeed())
	}
	return params
}

func renderedData(result *commands.Result) interface{} {
	var buf bytes.Buffer
	ExpectWithOffset(1, result.Render(&buf)).To(Succeed())
	envelope := map[string]interface{}{}
	ExpectWithOffset(1, json.Unmarshal(buf.Bytes(), &envelope)).To(Succeed())
	return envelope["data"]
}

var _ = Describe("Registry", func() {
	It("finds registered commands and keeps a stable listing", func() {
		Expect(commands.Lookup("meta", "", "health_check")).ToNot(BeNil())
		Expect(commands.Lookup("job", "", "submit")).ToNot(BeNil())
		Expect(commands.Lookup("report", "", "retry-all")).ToNot(BeNil())
		Expect(commands.Lookup("nope", "", "never")).To(BeNil())

		all := commands.All()
		Expect(len(all)).To(BeNumerically(">", 10))
		for i := 1; i < len(all); i++ {
			Expect(all[i-1].Key.String() < all[i].Key.String()).To(BeTrue())
		}
	})
})

var _ = Describe("Dispatch", func() {
	It("stamps every result with a trace id", func() {
		cmd := commands.Lookup("whoami", "", "")
		Expect(cmd).ToNot(BeNil())

		result := commands.Dispatch(ctx, &commands.Deps{Profile: &commands.Profile{User: "alice"}}, cmd, nil)
		Expect(result.OK()).To(BeTrue())
		Expect(result.TraceID).ToNot(BeEmpty())
	})
	It("fails an online command fast when no backend is wired", func() {
		cmd := commands.Lookup("job", "", "list")
		Expect(cmd).ToNot(BeNil())

		result := commands.Dispatch(ctx, &commands.Deps{}, cmd, bind(cmd, nil))
		Expect(result.OK()).To(BeFalse())
		Expect(result.Errors[0].Kind).To(Equal(string(errors.KindUpstreamUnavailable)))
	})
	It("rejects invalid parameters before running anything", func() {
		cmd := commands.Lookup("job", "", "submit")
		deps := &commands.Deps{Backend: backend()}

		// Tenant is required.
		result := commands.Dispatch(ctx, deps, cmd, bind(cmd, nil))
		Expect(result.OK()).To(BeFalse())
		Expect(result.Errors[0].Kind).To(Equal(string(errors.KindValidation)))
	})
	It("carries a hint for operator-actionable errors", func() {
		cmd := commands.Lookup("job", "", "submit")
		deps := &commands.Deps{Backend: backend(), Profile: &commands.Profile{Customer: "acme"}}

		// No such tenant; the kind carries through the envelope.
		result := commands.Dispatch(ctx, deps, cmd, bind(cmd, map[string]string{
			"tenant":   "ghost",
			"rulesets": "baseline",
		}))
		Expect(result.OK()).To(BeFalse())
		Expect(result.Errors[0].Kind).To(Equal(string(errors.KindNotFound)))
	})
	It("submits a job through the backend on behalf of the profile user", func() {
		customer := test.RandomName()
		tenant := test.Tenant(test.TenantOptions{Customer: customer})
		rule := test.Rule(test.RuleOptions{})
		ruleSet := test.RuleSet(test.RuleSetOptions{Customer: customer, RuleIDs: []string{rule.ID}})
		Expect(env.Stores.Tenants.Put(ctx, tenant)).To(Succeed())
		Expect(env.Stores.Rules.Put(ctx, rule)).To(Succeed())
		Expect(env.Stores.RuleSets.Put(ctx, ruleSet)).To(Succeed())

		cmd := commands.Lookup("job", "", "submit")
		deps := &commands.Deps{Backend: backend(), Profile: &commands.Profile{User: "alice", Customer: customer}}
		result := commands.Dispatch(ctx, deps, cmd, bind(cmd, map[string]string{
			"tenant":   tenant.Name,
			"rulesets": ruleSet.Name,
		}))
		Expect(result.OK()).To(BeTrue())

		jobs, err := env.Coordinator.ListJobs(ctx, customer)
		Expect(err).ToNot(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].State).To(Equal(v1.JobStateReady))
		Expect(jobs[0].SubmittedBy).To(Equal("cli/alice"))
		Expect(jobs[0].TraceID).To(Equal(result.TraceID))
	})
	It("reports per-dependency health", func() {
		deps := &commands.Deps{Backend: backend()}
		deps.Backend.HealthChecks = map[string]func(context.Context) error{
			"records": func(context.Context) error { return nil },
			"broker":  func(context.Context) error { return fmt.Errorf("connection refused") },
		}
		cmd := commands.Lookup("meta", "", "health_check")

		result := commands.Dispatch(ctx, deps, cmd, nil)
		Expect(result.OK()).To(BeTrue())

		statuses, ok := renderedData(result).([]interface{})
		Expect(ok).To(BeTrue())
		Expect(statuses).To(HaveLen(2))
		first := statuses[0].(map[string]interface{})
		second := statuses[1].(map[string]interface{})
		Expect(first["dependency"]).To(Equal("broker"))
		Expect(first["healthy"]).To(BeFalse())
		Expect(first["error"]).To(ContainSubstring("connection refused"))
		Expect(second["dependency"]).To(Equal("records"))
		Expect(second["healthy"]).To(BeTrue())
	})
})

var _ = Describe("Profiles", func() {
	It("merges configure onto the existing profile and persists it", func() {
		fs := afero.NewMemMapFs()
		path := "/home/op/.sre/config.json"
		deps := &commands.Deps{
			Profile:     &commands.Profile{User: "alice"},
			Fs:          fs,
			ProfilePath: path,
		}
		cmd := commands.Lookup("configure", "", "")

		result := commands.Dispatch(ctx, deps, cmd, bind(cmd, map[string]string{"set-customer": "acme"}))
		Expect(result.OK()).To(BeTrue())

		saved, err := commands.LoadProfile(fs, path)
		Expect(err).ToNot(HaveOccurred())
		Expect(saved.User).To(Equal("alice"))
		Expect(saved.Customer).To(Equal("acme"))
	})
	It("treats a missing profile as empty", func() {
		profile, err := commands.LoadProfile(afero.NewMemMapFs(), "/nowhere/config.json")
		Expect(err).ToNot(HaveOccurred())
		Expect(*profile).To(Equal(commands.Profile{}))
	})
	It("rejects a corrupt profile", func() {
		fs := afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/config.json", []byte("{nope"), 0o600)).To(Succeed())
		_, err := commands.LoadProfile(fs, "/config.json")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})
