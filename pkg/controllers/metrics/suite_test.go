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

package metrics_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	env = test.NewEnvironment()
})

func seedRule(opts test.RuleOptions) *v1.Rule {
	rule := test.Rule(opts)
	ExpectWithOffset(1, env.Stores.Rules.Put(ctx, rule)).To(Succeed())
	return rule
}

func succeededJob(customer, tenant string) *v1.Job {
	now := env.Clock.Now().UTC()
	job := test.Job(now, test.JobOptions{Customer: customer, Tenant: tenant, State: v1.JobStateSucceeded})
	finished := now
	job.FinishedAt = &finished
	ExpectWithOffset(1, env.Stores.Jobs.Put(ctx, job)).To(Succeed())
	return job
}

func failedResource(id string) v1.Resource {
	return v1.Resource{ID: id, Type: "aws.s3", Region: "us-east-1"}
}

var _ = Describe("Snapshot merging", func() {
	It("folds one finished job into the tenant's snapshot for its finish date", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		passing := seedRule(test.RuleOptions{
			Severity:  v1.SeverityLow,
			Standards: map[string]map[string][]string{"cis": {"1.5": {"1.2"}}},
		})
		failing := seedRule(test.RuleOptions{
			Severity:  v1.SeverityHigh,
			Standards: map[string]map[string][]string{"cis": {"1.5": {"1.1"}}},
			Mitre:     map[string][]string{"TA0001": {"T1078"}},
		})
		job := succeededJob(customer, tenant)
		statistics := test.Statistics(env.Clock.Now().UTC(), test.StatisticsOptions{
			JobID:    job.ID,
			Customer: customer,
			Tenant:   tenant,
			Rules: []v1.RuleResult{
				test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{RuleID: passing.ID}),
				test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{
					RuleID:          failing.ID,
					Status:          v1.FindingFailed,
					FailedResources: []v1.Resource{failedResource("bucket-a")},
				}),
			},
		})

		Expect(env.Aggregator.OnJobSucceeded(ctx, job, statistics)).To(Succeed())

		snapshot, err := env.Aggregator.Latest(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.AsOf).To(Equal(v1.AsOfDate(statistics.FinishedAt)))
		Expect(snapshot.RulesPassed).To(Equal(1))
		Expect(snapshot.RulesFailed).To(Equal(1))
		Expect(snapshot.Severities).To(HaveKeyWithValue(string(v1.SeverityHigh), 1))
		Expect(snapshot.Regions).To(HaveKeyWithValue("us-east-1", 1))
		Expect(snapshot.ResourceTypes).To(HaveKeyWithValue("aws.s3", 1))
		Expect(snapshot.TopFindings).To(HaveLen(1))
		Expect(snapshot.TopFindings[0].ID).To(Equal("bucket-a"))
		Expect(snapshot.Mitre["TA0001"]["T1078"]).To(HaveLen(1))
		Expect(snapshot.JobsIncluded).To(ConsistOf(job.ID))

		// One control of two failed.
		ratio := snapshot.Compliance["cis"]["1.5"]
		Expect(ratio.Total).To(Equal(2))
		Expect(ratio.Covered).To(Equal(1))
		Expect(ratio.Ratio).To(BeNumerically("~", 0.5))

		_, ok := env.S3.Object(test.Bucket, snapshot.SnapshotKey)
		Expect(ok).To(BeTrue())
	})
	It("does not double-count a retried job", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		rule := seedRule(test.RuleOptions{})
		job := succeededJob(customer, tenant)
		statistics := test.Statistics(env.Clock.Now().UTC(), test.StatisticsOptions{
			JobID:    job.ID,
			Customer: customer,
			Tenant:   tenant,
			Rules: []v1.RuleResult{
				test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{
					RuleID:          rule.ID,
					Status:          v1.FindingFailed,
					FailedResources: []v1.Resource{failedResource("bucket-a")},
				}),
			},
		})

		Expect(env.Aggregator.OnJobSucceeded(ctx, job, statistics)).To(Succeed())
		Expect(env.Aggregator.OnJobSucceeded(ctx, job, statistics)).To(Succeed())

		snapshot, err := env.Aggregator.Latest(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.RulesFailed).To(Equal(1))
		Expect(snapshot.JobsIncluded).To(HaveLen(1))
	})
	It("keeps one snapshot per as-of date and Latest returns the newest", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		rule := seedRule(test.RuleOptions{})

		first := succeededJob(customer, tenant)
		statistics := test.Statistics(env.Clock.Now().UTC(), test.StatisticsOptions{
			JobID: first.ID, Customer: customer, Tenant: tenant,
			Rules: []v1.RuleResult{test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{RuleID: rule.ID})},
		})
		Expect(env.Aggregator.OnJobSucceeded(ctx, first, statistics)).To(Succeed())

		env.Clock.Step(48 * time.Hour)
		second := succeededJob(customer, tenant)
		statistics = test.Statistics(env.Clock.Now().UTC(), test.StatisticsOptions{
			JobID: second.ID, Customer: customer, Tenant: tenant,
			Rules: []v1.RuleResult{test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{RuleID: rule.ID})},
		})
		Expect(env.Aggregator.OnJobSucceeded(ctx, second, statistics)).To(Succeed())

		Expect(env.Stores.Snapshots.Len()).To(Equal(2))
		latest, err := env.Aggregator.Latest(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest.JobsIncluded).To(ConsistOf(second.ID))
	})
	It("caps MITRE samples per technique", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		rule := seedRule(test.RuleOptions{Mitre: map[string][]string{"TA0006": {"T1552"}}})
		var resources []v1.Resource
		for i := 0; i < v1.SampleLimit+5; i++ {
			resources = append(resources, failedResource(fmt.Sprintf("bucket-%02d", i)))
		}
		job := succeededJob(customer, tenant)
		statistics := test.Statistics(env.Clock.Now().UTC(), test.StatisticsOptions{
			JobID: job.ID, Customer: customer, Tenant: tenant,
			Rules: []v1.RuleResult{test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{
				RuleID:          rule.ID,
				Status:          v1.FindingFailed,
				FailedResources: resources,
			})},
		})

		Expect(env.Aggregator.OnJobSucceeded(ctx, job, statistics)).To(Succeed())
		snapshot, err := env.Aggregator.Latest(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Mitre["TA0006"]["T1552"]).To(HaveLen(v1.SampleLimit))
	})
	It("ranks top findings by failed rule count", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		ruleA := seedRule(test.RuleOptions{})
		ruleB := seedRule(test.RuleOptions{})
		shared := failedResource("bucket-shared")
		job := succeededJob(customer, tenant)
		statistics := test.Statistics(env.Clock.Now().UTC(), test.StatisticsOptions{
			JobID: job.ID, Customer: customer, Tenant: tenant,
			Rules: []v1.RuleResult{
				test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{
					RuleID: ruleA.ID, Status: v1.FindingFailed,
					FailedResources: []v1.Resource{shared, failedResource("bucket-once")},
				}),
				test.RuleResult(env.Clock.Now().UTC(), test.RuleResultOptions{
					RuleID: ruleB.ID, Status: v1.FindingFailed,
					FailedResources: []v1.Resource{shared},
				}),
			},
		})

		Expect(env.Aggregator.OnJobSucceeded(ctx, job, statistics)).To(Succeed())
		snapshot, err := env.Aggregator.Latest(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.TopFindings).To(HaveLen(2))
		Expect(snapshot.TopFindings[0].ID).To(Equal("bucket-shared"))
	})
	It("embeds license usage summaries", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		rule := seedRule(test.RuleOptions{})
		now := env.Clock.Now().UTC()
		lic := test.License(now, test.LicenseOptions{Customer: customer, JobQuota: 5})
		Expect(env.Stores.Licenses.Put(ctx, lic)).To(Succeed())
		usage := &v1.LicenseUsage{LicenseKey: lic.LicenseKey, PeriodStart: v1.QuotaPeriodStart(now), Used: 2}
		usage.Touch(now)
		Expect(env.Stores.Usage.Put(ctx, usage)).To(Succeed())

		job := succeededJob(customer, tenant)
		statistics := test.Statistics(now, test.StatisticsOptions{
			JobID: job.ID, Customer: customer, Tenant: tenant,
			Rules: []v1.RuleResult{test.RuleResult(now, test.RuleResultOptions{RuleID: rule.ID})},
		})

		Expect(env.Aggregator.OnJobSucceeded(ctx, job, statistics)).To(Succeed())
		snapshot, err := env.Aggregator.Latest(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.Licenses).To(HaveLen(1))
		Expect(snapshot.Licenses[0].JobsUsed).To(Equal(2))
		Expect(snapshot.Licenses[0].JobQuota).To(Equal(5))
	})
})

var _ = Describe("Rebuild", func() {
	It("recomputes today's snapshot from the succeeded jobs", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		rule := seedRule(test.RuleOptions{})
		now := env.Clock.Now().UTC()
		job := succeededJob(customer, tenant)
		statistics := test.Statistics(now, test.StatisticsOptions{
			JobID: job.ID, Customer: customer, Tenant: tenant,
			Rules: []v1.RuleResult{test.RuleResult(now, test.RuleResultOptions{
				RuleID: rule.ID, Status: v1.FindingFailed,
				FailedResources: []v1.Resource{failedResource("bucket-a")},
			})},
		})
		body, err := results.MarshalStatistics(statistics)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.Blob.Put(ctx, v1.StatisticsKey(job.ID), bytes.NewReader(body), "application/json")).To(Succeed())

		snapshot, err := env.Aggregator.Rebuild(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.JobsIncluded).To(ConsistOf(job.ID))
		Expect(snapshot.RulesFailed).To(Equal(1))

		// Rebuilding again reproduces the same content.
		again, err := env.Aggregator.Rebuild(ctx, customer, tenant)
		Expect(err).ToNot(HaveOccurred())
		Expect(again.RulesFailed).To(Equal(snapshot.RulesFailed))
		Expect(again.JobsIncluded).To(Equal(snapshot.JobsIncluded))
	})
	It("reports a tenant with no snapshots", func() {
		_, err := env.Aggregator.Latest(ctx, test.RandomName(), test.RandomName())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("Retention sweep", func() {
	It("prunes snapshots past the retention window, record and blob", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		seedCustomerRecord(customer)
		now := env.Clock.Now().UTC()

		stale := &v1.MetricSnapshot{
			Customer:    customer,
			Tenant:      tenant,
			AsOf:        v1.AsOfDate(now.AddDate(0, 0, -200)),
			SnapshotKey: v1.SnapshotBlobKey(tenant, v1.AsOfDate(now.AddDate(0, 0, -200))),
		}
		stale.Touch(now)
		Expect(env.Blob.Put(ctx, stale.SnapshotKey, bytes.NewReader([]byte("{}")), "application/json")).To(Succeed())
		Expect(env.Stores.Snapshots.Put(ctx, stale)).To(Succeed())

		fresh := &v1.MetricSnapshot{
			Customer:    customer,
			Tenant:      tenant,
			AsOf:        v1.AsOfDate(now),
			SnapshotKey: v1.SnapshotBlobKey(tenant, v1.AsOfDate(now)),
		}
		fresh.Touch(now)
		Expect(env.Blob.Put(ctx, fresh.SnapshotKey, bytes.NewReader([]byte("{}")), "application/json")).To(Succeed())
		Expect(env.Stores.Snapshots.Put(ctx, fresh)).To(Succeed())

		Expect(env.Aggregator.Sweep(ctx)).To(Succeed())

		Expect(env.Stores.Snapshots.Len()).To(Equal(1))
		_, ok := env.S3.Object(test.Bucket, stale.SnapshotKey)
		Expect(ok).To(BeFalse())
		_, ok = env.S3.Object(test.Bucket, fresh.SnapshotKey)
		Expect(ok).To(BeTrue())
	})
})

func seedCustomerRecord(name string) {
	customer := &v1.Customer{Name: name}
	customer.Touch(env.Clock.Now().UTC())
	ExpectWithOffset(1, env.Stores.Customers.Put(ctx, customer)).To(Succeed())
}
