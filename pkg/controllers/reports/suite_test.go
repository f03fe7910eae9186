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

package reports_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"
	"github.com/samber/lo"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers/reports"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestReports(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reports")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	env = test.NewEnvironment()
})

type envelope struct {
	Customer   string            `json:"customer"`
	Tenant     string            `json:"tenant"`
	Type       v1.ReportType     `json:"report_type"`
	Statistics *v1.JobStatistics `json:"statistics"`
}

func seedCustomer(name string) {
	customer := &v1.Customer{Name: name}
	customer.Touch(env.Clock.Now().UTC())
	ExpectWithOffset(1, env.Stores.Customers.Put(ctx, customer)).To(Succeed())
}

func failingStatistics(customer, tenant string, resources ...v1.Resource) *v1.JobStatistics {
	now := env.Clock.Now().UTC()
	return test.Statistics(now, test.StatisticsOptions{
		Customer: customer,
		Tenant:   tenant,
		Rules: []v1.RuleResult{
			test.RuleResult(now, test.RuleResultOptions{
				RuleID:          "ecc-s3-public",
				Status:          v1.FindingFailed,
				FailedResources: resources,
			}),
		},
	})
}

func reportRecord(customer string) *v1.ReportStatistics {
	all, err := records.ScanAll(ctx, env.Stores.Reports, customer, "report/")
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	ExpectWithOffset(1, all).To(HaveLen(1))
	return all[0]
}

var _ = Describe("Dispatch", func() {
	It("delivers a report and settles the record", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		statistics := failingStatistics(customer, tenant, v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})

		record, err := env.Dispatcher.Dispatch(ctx, customer, tenant, statistics.JobID, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Status).To(Equal(v1.ReportStatusSucceeded))
		Expect(record.DispatchedAt).ToNot(BeNil())
		Expect(record.LastError).To(BeEmpty())

		Expect(env.Sink.Sent.Len()).To(Equal(1))
		payload := env.Sink.Sent.At(0)
		Expect(payload.Entity).To(Equal(statistics.JobID))
		Expect(payload.Type).To(Equal(v1.ReportFindings))

		_, ok := env.S3.Object(test.Bucket, v1.ReportBlobKey(statistics.JobID, v1.ReportFindings))
		Expect(ok).To(BeTrue())
	})
	It("rejects an oversized payload before anything is persisted", func() {
		cfg := reports.DefaultConfig()
		cfg.MaxPayloadBytes = 64
		env = test.NewEnvironment(test.WithReportsConfig(cfg))
		customer, tenant := test.RandomName(), test.RandomName()
		statistics := failingStatistics(customer, tenant, v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})

		_, err := env.Dispatcher.Dispatch(ctx, customer, tenant, statistics.JobID, v1.ReportFindings, statistics)
		Expect(errors.IsValidation(err)).To(BeTrue())

		Expect(env.Stores.Reports.Len()).To(BeZero())
		Expect(env.Sink.Sent.Len()).To(BeZero())
		_, ok := env.S3.Object(test.Bucket, v1.ReportBlobKey(statistics.JobID, v1.ReportFindings))
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Retry pipeline", func() {
	It("schedules a retry with linear backoff after a failed delivery", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		seedCustomer(customer)
		statistics := failingStatistics(customer, tenant, v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})
		env.Sink.FailFor.Set(lo.ToPtr(1))

		record, err := env.Dispatcher.Dispatch(ctx, customer, tenant, statistics.JobID, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Status).To(Equal(v1.ReportStatusPending))
		Expect(record.Attempts).To(Equal(1))
		Expect(record.NextAttemptAt).ToNot(BeNil())
		backoff := reports.DefaultConfig().RetryBackoff
		Expect(*record.NextAttemptAt).To(BeTemporally("==", env.Clock.Now().UTC().Add(backoff)))

		// Not due yet.
		Expect(env.Retrier.Sweep(ctx)).To(Succeed())
		Expect(env.Sink.Sent.Len()).To(BeZero())

		env.Clock.Step(backoff + time.Minute)
		Expect(env.Retrier.Sweep(ctx)).To(Succeed())
		Expect(env.Sink.Sent.Len()).To(Equal(1))
		Expect(reportRecord(customer).Status).To(Equal(v1.ReportStatusSucceeded))
	})
	It("exhausts its attempts, trips the sending switch and parks new reports", func() {
		cfg := reports.DefaultConfig()
		cfg.MaxAttempts = 2
		env = test.NewEnvironment(test.WithReportsConfig(cfg))
		customer, tenant := test.RandomName(), test.RandomName()
		seedCustomer(customer)
		statistics := failingStatistics(customer, tenant, v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})
		env.Sink.FailFor.Set(lo.ToPtr(2))

		record, err := env.Dispatcher.Dispatch(ctx, customer, tenant, statistics.JobID, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Status).To(Equal(v1.ReportStatusPending))

		env.Clock.Step(cfg.RetryBackoff + time.Minute)
		Expect(env.Retrier.Sweep(ctx)).To(Succeed())
		Expect(reportRecord(customer).Status).To(Equal(v1.ReportStatusFailed))
		Expect(env.Dispatcher.SendingDisabled(ctx)).To(BeTrue())

		// A fresh dispatch parks without touching the sink.
		other := failingStatistics(customer, tenant, v1.Resource{ID: "bucket-b", Type: "aws.s3", Region: "us-east-1"})
		parked, err := env.Dispatcher.Dispatch(ctx, customer, tenant, other.JobID, v1.ReportFindings, other)
		Expect(err).ToNot(HaveOccurred())
		Expect(parked.Status).To(Equal(v1.ReportStatusPending))
		Expect(parked.Attempts).To(BeZero())
		Expect(env.Sink.Sent.Len()).To(BeZero())

		// The sweep holds still while the switch is tripped.
		env.Clock.Step(time.Hour)
		Expect(env.Retrier.Sweep(ctx)).To(Succeed())
		Expect(env.Sink.Sent.Len()).To(BeZero())

		// Re-enabling sending lets the parked report through.
		Expect(env.Dispatcher.EnableSending(ctx)).To(Succeed())
		Expect(env.Retrier.Sweep(ctx)).To(Succeed())
		Expect(env.Sink.Sent.Len()).To(Equal(1))
		Expect(env.Sink.Sent.At(0).Entity).To(Equal(other.JobID))
	})
	It("collapses retry-all onto the newest report per entity and type", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		statistics := failingStatistics(customer, tenant, v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})
		entity := statistics.JobID

		older := failedReport(customer, entity, v1.ReportFindings)
		env.Clock.Step(time.Minute)
		newest := failedReport(customer, entity, v1.ReportFindings)
		unrelated := failedReport(customer, uuid.NewString(), v1.ReportFindings)

		requeued, err := env.Dispatcher.RetryAll(ctx, customer)
		Expect(err).ToNot(HaveOccurred())
		Expect(requeued).To(Equal(2))

		Expect(getReport(customer, newest.ID).Status).To(Equal(v1.ReportStatusPending))
		Expect(getReport(customer, newest.ID).Attempts).To(BeZero())
		Expect(getReport(customer, older.ID).Status).To(Equal(v1.ReportStatusDuplicate))
		Expect(getReport(customer, unrelated.ID).Status).To(Equal(v1.ReportStatusPending))
	})
})

var _ = Describe("Exception suppression", func() {
	It("removes excepted resources from the payload and flips fully excepted rules", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		statistics := failingStatistics(customer, tenant,
			v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})
		exception := test.Exception(env.Clock.Now().UTC(), test.ExceptionOptions{
			Customer: customer,
			Tenant:   tenant,
			Identity: &v1.ResourceIdentity{Type: "aws.s3", Location: "us-east-1", ID: "bucket-a"},
		})
		Expect(env.Stores.Exceptions.Put(ctx, exception)).To(Succeed())

		body, err := env.Dispatcher.BuildPayload(ctx, customer, tenant, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		var rendered envelope
		Expect(json.Unmarshal(body, &rendered)).To(Succeed())
		Expect(rendered.Statistics.Rules).To(HaveLen(1))
		Expect(rendered.Statistics.Rules[0].Status).To(Equal(v1.FindingPassed))
		Expect(rendered.Statistics.Rules[0].FailedResources).To(BeEmpty())
		Expect(rendered.Statistics.Summary.Passed).To(Equal(1))
		Expect(rendered.Statistics.Summary.Failed).To(BeZero())

		// The source document keeps the truth.
		Expect(statistics.Rules[0].Status).To(Equal(v1.FindingFailed))
		Expect(statistics.Rules[0].FailedResources).To(HaveLen(1))
	})
	It("keeps a rule failed while any resource survives suppression", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		statistics := failingStatistics(customer, tenant,
			v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"},
			v1.Resource{ID: "bucket-b", Type: "aws.s3", Region: "us-east-1"})
		exception := test.Exception(env.Clock.Now().UTC(), test.ExceptionOptions{
			Customer: customer,
			Tenant:   tenant,
			Identity: &v1.ResourceIdentity{Type: "aws.s3", Location: "us-east-1", ID: "bucket-a"},
		})
		Expect(env.Stores.Exceptions.Put(ctx, exception)).To(Succeed())

		body, err := env.Dispatcher.BuildPayload(ctx, customer, tenant, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		var rendered envelope
		Expect(json.Unmarshal(body, &rendered)).To(Succeed())
		Expect(rendered.Statistics.Rules[0].Status).To(Equal(v1.FindingFailed))
		Expect(rendered.Statistics.Rules[0].FailedResources).To(HaveLen(1))
		Expect(rendered.Statistics.Rules[0].FailedResources[0].ID).To(Equal("bucket-b"))
	})
	It("matches ARNs case insensitively", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		arn := "arn:aws:s3:::Bucket-A"
		statistics := failingStatistics(customer, tenant,
			v1.Resource{ID: arn, Type: "aws.s3", Region: "us-east-1"})
		exception := test.Exception(env.Clock.Now().UTC(), test.ExceptionOptions{
			Customer: customer,
			Tenant:   tenant,
			ARN:      "arn:aws:s3:::bucket-a",
		})
		Expect(env.Stores.Exceptions.Put(ctx, exception)).To(Succeed())

		body, err := env.Dispatcher.BuildPayload(ctx, customer, tenant, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		var rendered envelope
		Expect(json.Unmarshal(body, &rendered)).To(Succeed())
		Expect(rendered.Statistics.Rules[0].FailedResources).To(BeEmpty())
	})
	It("ignores expired exceptions", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		statistics := failingStatistics(customer, tenant,
			v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"})
		exception := test.Exception(env.Clock.Now().UTC(), test.ExceptionOptions{
			Customer: customer,
			Tenant:   tenant,
			Identity: &v1.ResourceIdentity{Type: "aws.s3", Location: "us-east-1", ID: "bucket-a"},
			ExpireAt: env.Clock.Now().UTC().Add(-time.Hour),
		})
		Expect(env.Stores.Exceptions.Put(ctx, exception)).To(Succeed())

		body, err := env.Dispatcher.BuildPayload(ctx, customer, tenant, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		var rendered envelope
		Expect(json.Unmarshal(body, &rendered)).To(Succeed())
		Expect(rendered.Statistics.Rules[0].FailedResources).To(HaveLen(1))
	})
	It("does not keep an error finding excepted away from the report", func() {
		customer, tenant := test.RandomName(), test.RandomName()
		now := env.Clock.Now().UTC()
		statistics := test.Statistics(now, test.StatisticsOptions{
			Customer: customer,
			Tenant:   tenant,
			Rules: []v1.RuleResult{
				test.RuleResult(now, test.RuleResultOptions{
					RuleID:    "ecc-s3-public",
					Status:    v1.FindingFailed,
					ErrorKind: v1.ScanErrorAccess,
					FailedResources: []v1.Resource{
						{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"},
					},
				}),
			},
		})
		exception := test.Exception(now, test.ExceptionOptions{
			Customer: customer,
			Tenant:   tenant,
			Identity: &v1.ResourceIdentity{Type: "aws.s3", Location: "us-east-1", ID: "bucket-a"},
		})
		Expect(env.Stores.Exceptions.Put(ctx, exception)).To(Succeed())

		body, err := env.Dispatcher.BuildPayload(ctx, customer, tenant, v1.ReportFindings, statistics)
		Expect(err).ToNot(HaveOccurred())
		var rendered envelope
		Expect(json.Unmarshal(body, &rendered)).To(Succeed())
		// A rule that errored stays failed even with every resource excepted.
		Expect(rendered.Statistics.Rules[0].Status).To(Equal(v1.FindingFailed))
	})
	It("requires every tag of a tag exception to match", func() {
		exception := test.Exception(env.Clock.Now().UTC(), test.ExceptionOptions{
			Tags: map[string]string{"env": "dev", "team": "infra"},
		})
		resource := v1.Resource{ID: "bucket-a", Type: "aws.s3", Region: "us-east-1"}
		Expect(exception.Matches(resource, map[string]string{"env": "dev", "team": "infra"})).To(BeTrue())
		Expect(exception.Matches(resource, map[string]string{"env": "dev"})).To(BeFalse())
		Expect(exception.Matches(resource, nil)).To(BeFalse())
	})
})

func failedReport(customer, entity string, reportType v1.ReportType) *v1.ReportStatistics {
	now := env.Clock.Now().UTC()
	record := &v1.ReportStatistics{
		Customer:   customer,
		ID:         uuid.NewString(),
		Entity:     entity,
		Type:       reportType,
		Status:     v1.ReportStatusFailed,
		Attempts:   4,
		PayloadKey: v1.ReportBlobKey(entity, reportType),
	}
	record.Touch(now)
	ExpectWithOffset(1, env.Blob.Put(ctx, record.PayloadKey, bytes.NewReader([]byte("{}")), "application/json")).To(Succeed())
	ExpectWithOffset(1, env.Stores.Reports.Put(ctx, record)).To(Succeed())
	return record
}

func getReport(customer, id string) *v1.ReportStatistics {
	record := &v1.ReportStatistics{}
	pk, sk := v1.ReportStatisticsKeys(customer, id)
	ExpectWithOffset(1, env.Stores.Reports.Get(ctx, pk, sk, record)).To(Succeed())
	return record
}
