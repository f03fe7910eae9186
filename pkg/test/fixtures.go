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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
)

// RandomName returns a lowercase two-word name with a random suffix.
func RandomName() string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%d", randomdata.Adjective(), randomdata.Noun(), randomdata.Number(1000, 9999)))
}

type TenantOptions struct {
	Customer string
	Name     string
	Cloud    v1.Cloud
	Regions  []string
}

// Tenant builds a valid tenant; unset fields get random or sensible
// defaults.
func Tenant(opts TenantOptions) *v1.Tenant {
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.Name == "" {
		opts.Name = RandomName()
	}
	if opts.Cloud == "" {
		opts.Cloud = v1.CloudAWS
	}
	if len(opts.Regions) == 0 && opts.Cloud != v1.CloudKubernetes {
		opts.Regions = []string{"us-east-1"}
	}
	return &v1.Tenant{
		Customer:  opts.Customer,
		Name:      opts.Name,
		Cloud:     opts.Cloud,
		AccountID: fmt.Sprintf("%012d", randomdata.Number(0, 999999999999)),
		Regions:   opts.Regions,
	}
}

type LicenseOptions struct {
	Customer   string
	LicenseKey string
	JobQuota   int
	ValidUntil time.Time
	Rulesets   []string
}

// License builds a license valid for a year from the given end unless
// overridden.
func License(now time.Time, opts LicenseOptions) *v1.License {
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.LicenseKey == "" {
		opts.LicenseKey = uuid.NewString()
	}
	if opts.ValidUntil.IsZero() {
		opts.ValidUntil = now.AddDate(1, 0, 0)
	}
	return &v1.License{
		Customer:   opts.Customer,
		LicenseKey: opts.LicenseKey,
		Rulesets:   opts.Rulesets,
		JobQuota:   opts.JobQuota,
		ValidFrom:  now.AddDate(0, 0, -1),
		ValidUntil: opts.ValidUntil,
	}
}

type RuleOptions struct {
	ID           string
	Cloud        v1.Cloud
	Severity     v1.Severity
	ResourceType string
	Standards    map[string]map[string][]string
	Mitre        map[string][]string
	SourceID     string
}

// Rule builds a catalog rule.
func Rule(opts RuleOptions) *v1.Rule {
	if opts.ID == "" {
		opts.ID = "ecc-" + RandomName()
	}
	if opts.Cloud == "" {
		opts.Cloud = v1.CloudAWS
	}
	if opts.Severity == "" {
		opts.Severity = v1.SeverityMedium
	}
	if opts.ResourceType == "" {
		opts.ResourceType = "aws.s3"
	}
	if opts.SourceID == "" {
		opts.SourceID = "default-source"
	}
	return &v1.Rule{
		ID:             opts.ID,
		RuleVersion:    "1.0",
		Cloud:          opts.Cloud,
		ResourceType:   opts.ResourceType,
		Severity:       opts.Severity,
		Description:    randomdata.Paragraph(),
		ServiceSection: "storage",
		Standards:      opts.Standards,
		MitreAttack:    opts.Mitre,
		SourceID:       opts.SourceID,
		Commit:         uuid.NewString(),
	}
}

type RuleSetOptions struct {
	Customer string
	Name     string
	Cloud    v1.Cloud
	RuleIDs  []string
}

// RuleSet builds an active ruleset with an explicit rule selection.
func RuleSet(opts RuleSetOptions) *v1.RuleSet {
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.Name == "" {
		opts.Name = RandomName()
	}
	if opts.Cloud == "" {
		opts.Cloud = v1.CloudAWS
	}
	return &v1.RuleSet{
		Customer: opts.Customer,
		Name:     opts.Name,
		Cloud:    opts.Cloud,
		RuleIDs:  opts.RuleIDs,
		Active:   true,
	}
}

type JobOptions struct {
	Customer string
	Tenant   string
	Cloud    v1.Cloud
	State    v1.JobState
	Regions  []string
}

// Job builds a job record directly, bypassing admission; specs that
// exercise admission submit through the coordinator instead.
func Job(now time.Time, opts JobOptions) *v1.Job {
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.Tenant == "" {
		opts.Tenant = RandomName()
	}
	if opts.Cloud == "" {
		opts.Cloud = v1.CloudAWS
	}
	if opts.State == "" {
		opts.State = v1.JobStateSubmitted
	}
	job := &v1.Job{
		ID:          uuid.NewString(),
		Customer:    opts.Customer,
		Tenant:      opts.Tenant,
		Cloud:       opts.Cloud,
		Regions:     opts.Regions,
		State:       opts.State,
		SubmittedAt: now,
	}
	job.Touch(now)
	return job
}

type RuleResultOptions struct {
	RuleID          string
	Region          string
	Status          v1.FindingStatus
	FailedResources []v1.Resource
	ErrorKind       v1.ScanErrorKind
}

// RuleResult builds one canonical per-rule outcome.
func RuleResult(now time.Time, opts RuleResultOptions) v1.RuleResult {
	if opts.RuleID == "" {
		opts.RuleID = "ecc-" + RandomName()
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.Status == "" {
		opts.Status = v1.FindingPassed
	}
	return v1.RuleResult{
		RuleID:           opts.RuleID,
		Region:           opts.Region,
		Status:           opts.Status,
		StartedAt:        now,
		FinishedAt:       now.Add(time.Second),
		ResourcesScanned: len(opts.FailedResources) + 3,
		ElapsedSeconds:   1,
		FailedResources:  opts.FailedResources,
		ErrorKind:        opts.ErrorKind,
	}
}

type StatisticsOptions struct {
	JobID    string
	Customer string
	Tenant   string
	Cloud    v1.Cloud
	Rules    []v1.RuleResult
}

// Statistics builds a canonical statistics document with a consistent
// summary.
func Statistics(now time.Time, opts StatisticsOptions) *v1.JobStatistics {
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.Tenant == "" {
		opts.Tenant = RandomName()
	}
	if opts.Cloud == "" {
		opts.Cloud = v1.CloudAWS
	}
	statistics := &v1.JobStatistics{
		JobID:      opts.JobID,
		Customer:   opts.Customer,
		Tenant:     opts.Tenant,
		Cloud:      opts.Cloud,
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
		Rules:      opts.Rules,
		Summary: v1.RulesSummary{
			Total:           len(opts.Rules),
			ResourceSamples: map[string][]v1.Resource{},
		},
	}
	for _, rule := range opts.Rules {
		switch rule.Status {
		case v1.FindingFailed:
			statistics.Summary.Failed++
			if len(rule.FailedResources) > 0 {
				samples := rule.FailedResources
				if len(samples) > v1.SampleLimit {
					samples = samples[:v1.SampleLimit]
				}
				statistics.Summary.ResourceSamples[rule.RuleID] = samples
			}
		default:
			statistics.Summary.Passed++
		}
	}
	return statistics
}

type ExceptionOptions struct {
	Customer string
	Tenant   string
	Identity *v1.ResourceIdentity
	ARN      string
	Tags     map[string]string
	ExpireAt time.Time
}

// Exception builds a resource exception; callers set exactly one
// selector.
func Exception(now time.Time, opts ExceptionOptions) *v1.ResourceException {
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.Tenant == "" {
		opts.Tenant = RandomName()
	}
	if opts.ExpireAt.IsZero() {
		opts.ExpireAt = now.AddDate(0, 1, 0)
	}
	return &v1.ResourceException{
		Customer: opts.Customer,
		Tenant:   opts.Tenant,
		ID:       uuid.NewString(),
		Identity: opts.Identity,
		ARN:      opts.ARN,
		Tags:     opts.Tags,
		ExpireAt: opts.ExpireAt,
	}
}

type ScheduledJobOptions struct {
	Customer string
	Name     string
	Tenant   string
	Schedule string
	Enabled  *bool
}

// ScheduledJob builds an armed schedule firing every minute unless
// overridden.
func ScheduledJob(opts ScheduledJobOptions) *v1.ScheduledJob {
	if opts.Customer == "" {
		opts.Customer = RandomName()
	}
	if opts.Name == "" {
		opts.Name = RandomName()
	}
	if opts.Tenant == "" {
		opts.Tenant = RandomName()
	}
	if opts.Schedule == "" {
		opts.Schedule = "rate(1 minutes)"
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	return &v1.ScheduledJob{
		Customer: opts.Customer,
		Name:     opts.Name,
		Schedule: opts.Schedule,
		Enabled:  enabled,
		Tenant:   opts.Tenant,
	}
}
