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

package scheduler_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	"github.com/ecc-platform/rule-engine/pkg/controllers/scheduler"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	cfg := coordinator.DefaultConfig()
	cfg.AllowSimultaneousJobs = true
	cfg.AllowAmbientCredentials = true
	env = test.NewEnvironment(test.WithCoordinatorConfig(cfg))
})

type scheduleTarget struct {
	tenant   *v1.Tenant
	ruleSet  *v1.RuleSet
	schedule *v1.ScheduledJob
}

func seedSchedule(expression string) scheduleTarget {
	customer := test.RandomName()
	seedCustomer(customer)
	tenant := test.Tenant(test.TenantOptions{Customer: customer})
	rule := test.Rule(test.RuleOptions{})
	ruleSet := test.RuleSet(test.RuleSetOptions{Customer: customer, RuleIDs: []string{rule.ID}})
	ExpectWithOffset(1, env.Stores.Tenants.Put(ctx, tenant)).To(Succeed())
	ExpectWithOffset(1, env.Stores.Rules.Put(ctx, rule)).To(Succeed())
	ExpectWithOffset(1, env.Stores.RuleSets.Put(ctx, ruleSet)).To(Succeed())

	schedule := test.ScheduledJob(test.ScheduledJobOptions{
		Customer: customer,
		Tenant:   tenant.Name,
		Schedule: expression,
	})
	schedule.RuleSets = []string{ruleSet.Name}
	schedule.Touch(env.Clock.Now().UTC())
	ExpectWithOffset(1, env.Stores.Schedules.Put(ctx, schedule)).To(Succeed())
	return scheduleTarget{tenant: tenant, ruleSet: ruleSet, schedule: schedule}
}

func seedCustomer(name string) {
	customer := &v1.Customer{Name: name}
	customer.Touch(env.Clock.Now().UTC())
	ExpectWithOffset(2, env.Stores.Customers.Put(ctx, customer)).To(Succeed())
}

func jobsOf(customer string) []*v1.Job {
	jobs, err := records.ScanAll(ctx, env.Stores.Jobs, customer, "job/")
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	return jobs
}

var _ = Describe("Dispatch", func() {
	It("fires a due schedule and submits on its behalf", func() {
		target := seedSchedule("rate(1 minutes)")
		env.Clock.Step(2 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		jobs := jobsOf(target.tenant.Customer)
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].SubmittedBy).To(Equal("scheduler/" + target.schedule.Name))
		Expect(jobs[0].State).To(Equal(v1.JobStateReady))
		Expect(jobs[0].Regions).To(Equal(target.tenant.Regions))

		fresh := &v1.ScheduledJob{}
		pk, sk := target.schedule.Keys()
		Expect(env.Stores.Schedules.Get(ctx, pk, sk, fresh)).To(Succeed())
		Expect(fresh.LastFireTime).ToNot(BeNil())
		Expect(*fresh.LastFireTime).To(BeTemporally("==", env.Clock.Now().UTC()))
	})
	It("does not fire before the first interval elapses", func() {
		target := seedSchedule("rate(1 minutes)")

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		Expect(jobsOf(target.tenant.Customer)).To(BeEmpty())
	})
	It("ignores disabled schedules", func() {
		target := seedSchedule("rate(1 minutes)")
		target.schedule.Enabled = false
		Expect(env.Stores.Schedules.Put(ctx, target.schedule)).To(Succeed())
		env.Clock.Step(time.Hour)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		Expect(jobsOf(target.tenant.Customer)).To(BeEmpty())
	})
	It("skips a schedule with a bad expression without blocking the rest", func() {
		target := seedSchedule("rate(1 minutes)")
		broken := test.ScheduledJob(test.ScheduledJobOptions{
			Customer: target.tenant.Customer,
			Tenant:   target.tenant.Name,
			Schedule: "every full moon",
		})
		broken.Touch(env.Clock.Now().UTC())
		Expect(env.Stores.Schedules.Put(ctx, broken)).To(Succeed())
		env.Clock.Step(2 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		jobs := jobsOf(target.tenant.Customer)
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].SubmittedBy).To(Equal("scheduler/" + target.schedule.Name))
	})
	It("fires at most once per tick no matter how late it runs", func() {
		target := seedSchedule("rate(1 minutes)")
		env.Clock.Step(30 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())
		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		Expect(jobsOf(target.tenant.Customer)).To(HaveLen(1))
	})
	It("lets one replica own each nominal fire", func() {
		target := seedSchedule("rate(1 minutes)")
		replica := scheduler.NewScheduler(env.Stores.Stores, env.Coordinator, env.Clock, scheduler.DefaultConfig())
		env.Clock.Step(2 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())
		Expect(replica.TickOnce(ctx)).To(Succeed())

		Expect(jobsOf(target.tenant.Customer)).To(HaveLen(1))
	})
	It("fires cron schedules on their nominal boundary", func() {
		target := seedSchedule("cron(0 * * * *)")

		env.Clock.Step(30 * time.Minute)
		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())
		Expect(jobsOf(target.tenant.Customer)).To(BeEmpty())

		env.Clock.Step(31 * time.Minute)
		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())
		Expect(jobsOf(target.tenant.Customer)).To(HaveLen(1))
	})
	It("keeps the fire claimed when the submission fails", func() {
		customer := test.RandomName()
		seedCustomer(customer)
		tenant := test.Tenant(test.TenantOptions{Customer: customer})
		Expect(env.Stores.Tenants.Put(ctx, tenant)).To(Succeed())

		schedule := test.ScheduledJob(test.ScheduledJobOptions{Customer: customer, Tenant: tenant.Name})
		schedule.RuleSets = []string{"does-not-exist"}
		schedule.Touch(env.Clock.Now().UTC())
		Expect(env.Stores.Schedules.Put(ctx, schedule)).To(Succeed())
		env.Clock.Step(2 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		jobs := jobsOf(customer)
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].State).To(Equal(v1.JobStateFailed))

		fresh := &v1.ScheduledJob{}
		pk, sk := schedule.Keys()
		Expect(env.Stores.Schedules.Get(ctx, pk, sk, fresh)).To(Succeed())
		Expect(fresh.LastFireTime).ToNot(BeNil())
	})
	It("still claims the fire when the tenant has gone away", func() {
		target := seedSchedule("rate(1 minutes)")
		pk, sk := v1.TenantKeys(target.tenant.Customer, target.tenant.Name)
		Expect(env.Stores.Tenants.Delete(ctx, pk, sk)).To(Succeed())
		env.Clock.Step(2 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		Expect(jobsOf(target.tenant.Customer)).To(BeEmpty())
		fresh := &v1.ScheduledJob{}
		pk, sk = target.schedule.Keys()
		Expect(env.Stores.Schedules.Get(ctx, pk, sk, fresh)).To(Succeed())
		Expect(fresh.LastFireTime).ToNot(BeNil())
	})
	It("passes the schedule's explicit region selection through", func() {
		target := seedSchedule("rate(1 minutes)")
		target.schedule.Regions = []string{"us-east-1"}
		Expect(env.Stores.Schedules.Put(ctx, target.schedule)).To(Succeed())
		env.Clock.Step(2 * time.Minute)

		Expect(env.Scheduler.TickOnce(ctx)).To(Succeed())

		jobs := jobsOf(target.tenant.Customer)
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].Regions).To(Equal([]string{"us-east-1"}))
	})
})
