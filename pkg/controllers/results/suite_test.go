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

package results_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/evaluator"
	"github.com/ecc-platform/rule-engine/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
	job *v1.Job
)

func TestResults(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Results")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	env = test.NewEnvironment()

	now := env.Clock.Now().UTC()
	job = test.Job(now, test.JobOptions{State: v1.JobStateRunning})
	started := now.Add(-time.Minute)
	job.StartedAt = &started
	job.FinishedAt = &now
	Expect(env.Stores.Jobs.Put(ctx, job)).To(Succeed())
})

func putResult(region, policy, file string, body []byte) {
	key := v1.ResultKey(job.ID, region, policy, file)
	ExpectWithOffset(1, env.Blob.Put(ctx, key, bytes.NewReader(body), "application/json")).To(Succeed())
}

func putMetadata(region, policy, resourceType string) {
	body, err := json.Marshal(evaluator.Metadata{PolicyName: policy, ResourceType: resourceType})
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	putResult(region, policy, v1.MetadataFile, body)
}

func putResources(region, policy string, resources []evaluator.RawResource) {
	body, err := json.Marshal(resources)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	putResult(region, policy, v1.ResourcesFile, body)
}

var _ = Describe("Ingestion", func() {
	It("classifies a policy with no resources and no errors as PASSED", func() {
		putMetadata("us-east-1", "ecc-s3-encryption", "aws.s3")

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.Rules).To(HaveLen(1))
		Expect(statistics.Rules[0].RuleID).To(Equal("ecc-s3-encryption"))
		Expect(statistics.Rules[0].Status).To(Equal(v1.FindingPassed))
		Expect(statistics.Rules[0].ResourcesScanned).To(BeZero())
		Expect(statistics.Summary.Passed).To(Equal(1))
	})
	It("deduplicates failed resources keeping the first occurrence", func() {
		putMetadata("us-east-1", "ecc-s3-public", "aws.s3")
		putResources("us-east-1", "ecc-s3-public", []evaluator.RawResource{
			{ID: "bucket-a", Type: "aws.s3", Name: "first"},
			{ID: "bucket-a", Type: "aws.s3", Name: "second"},
			{ID: "bucket-b", Type: "aws.s3"},
		})

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.Rules).To(HaveLen(1))
		Expect(statistics.Rules[0].Status).To(Equal(v1.FindingFailed))
		Expect(statistics.Rules[0].FailedResources).To(HaveLen(2))
		Expect(statistics.Rules[0].FailedResources[0].ID).To(Equal("bucket-a"))
		Expect(statistics.Rules[0].FailedResources[0].Name).To(Equal("first"))
		Expect(statistics.Rules[0].FailedResources[1].ID).To(Equal("bucket-b"))
	})
	It("uses the ARN as the canonical identity when present", func() {
		putMetadata("us-east-1", "ecc-iam-wildcards", "aws.iam")
		putResources("us-east-1", "ecc-iam-wildcards", []evaluator.RawResource{
			{ID: "role-1", ARN: "arn:aws:iam::123456789012:role/admin", Type: "aws.iam"},
		})

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.Rules[0].FailedResources[0].ID).To(Equal("arn:aws:iam::123456789012:role/admin"))
	})
	It("fills the policy's declared resource type and region into bare resources", func() {
		putMetadata("us-east-1", "ecc-ebs-encryption", "aws.ebs")
		putResources("us-east-1", "ecc-ebs-encryption", []evaluator.RawResource{{ID: "vol-1"}})

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		resource := statistics.Rules[0].FailedResources[0]
		Expect(resource.Type).To(Equal("aws.ebs"))
		Expect(resource.Region).To(Equal("us-east-1"))
	})
	It("carries the worst error kind and every message", func() {
		putMetadata("us-east-1", "ecc-rds-backups", "aws.rds")
		putResult("us-east-1", "ecc-rds-backups", v1.ErrorsFile,
			[]byte("THROTTLING: rate exceeded\nCREDENTIALS: token expired\nACCESS: denied on rds\n"))

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.Rules[0].Status).To(Equal(v1.FindingFailed))
		Expect(statistics.Rules[0].ErrorKind).To(Equal(v1.ScanErrorCredentials))
		Expect(statistics.Rules[0].ErrorMessage).To(Equal("rate exceeded; token expired; denied on rds"))
	})
	It("classifies unprefixed error lines as INTERNAL", func() {
		putMetadata("us-east-1", "ecc-vpc-flowlogs", "aws.vpc")
		putResult("us-east-1", "ecc-vpc-flowlogs", v1.ErrorsFile, []byte("evaluator died unexpectedly\n"))

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.Rules[0].ErrorKind).To(Equal(v1.ScanErrorInternal))
	})
	It("keeps one entry per (rule, region), sorted", func() {
		putMetadata("us-west-2", "ecc-s3-public", "aws.s3")
		putMetadata("us-east-1", "ecc-s3-public", "aws.s3")
		putMetadata("us-east-1", "ecc-iam-mfa", "aws.iam")

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.Rules).To(HaveLen(3))
		Expect(statistics.Rules[0].RuleID).To(Equal("ecc-iam-mfa"))
		Expect(statistics.Rules[1].RuleID).To(Equal("ecc-s3-public"))
		Expect(statistics.Rules[1].Region).To(Equal("us-east-1"))
		Expect(statistics.Rules[2].Region).To(Equal("us-west-2"))
	})
	It("updates the job record with the results and statistics keys", func() {
		putMetadata("us-east-1", "ecc-s3-public", "aws.s3")

		_, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())

		fresh, err := env.Coordinator.GetJob(ctx, job.Customer, job.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.ResultsKey).To(Equal(v1.ResultsPrefix(job.ID)))
		Expect(fresh.StatisticsKey).To(Equal(v1.StatisticsKey(job.ID)))
		_, ok := env.S3.Object(test.Bucket, fresh.StatisticsKey)
		Expect(ok).To(BeTrue())
	})
	It("reproduces the document byte for byte on re-ingestion", func() {
		putMetadata("us-east-1", "ecc-s3-public", "aws.s3")
		putMetadata("us-west-2", "ecc-iam-mfa", "aws.iam")
		putResources("us-east-1", "ecc-s3-public", []evaluator.RawResource{
			{ID: "bucket-b", Type: "aws.s3"},
			{ID: "bucket-a", Type: "aws.s3"},
		})

		_, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		first, ok := env.S3.Object(test.Bucket, v1.StatisticsKey(job.ID))
		Expect(ok).To(BeTrue())

		_, err = env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		second, _ := env.S3.Object(test.Bucket, v1.StatisticsKey(job.ID))
		Expect(second).To(Equal(first))
	})
	It("normalizes timestamps to UTC seconds", func() {
		putMetadata("us-east-1", "ecc-s3-public", "aws.s3")
		precise := env.Clock.Now().UTC().Add(123456789 * time.Nanosecond)
		job.StartedAt = &precise
		Expect(env.Stores.Jobs.Put(ctx, job)).To(Succeed())

		statistics, err := env.Ingestor.Ingest(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		Expect(statistics.StartedAt).To(Equal(precise.Truncate(time.Second)))
		Expect(statistics.StartedAt.Location()).To(Equal(time.UTC))

		body, err := results.MarshalStatistics(statistics)
		Expect(err).ToNot(HaveOccurred())
		Expect(json.Valid(body)).To(BeTrue())
	})
})
