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

// Package metrics aggregates finished scans into per-tenant rolling
// snapshots: severity and region distributions, MITRE mapping,
// compliance coverage and top findings, one snapshot per (tenant,
// as-of date). A snapshot is updated with CAS so concurrent engine
// replicas cannot double-count a job.
package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/license"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/rulecatalog"
)

const (
	// mergeRetryLimit bounds CAS retries on one snapshot.
	mergeRetryLimit = 10
	// topFindingsLimit caps the worst-resources list in a snapshot.
	topFindingsLimit = 10
)

type Config struct {
	// RetentionDays is how long tenant snapshots are kept.
	RetentionDays int
	// SweepInterval paces the retention sweep.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetentionDays: 90,
		SweepInterval: 24 * time.Hour,
	}
}

type Aggregator struct {
	stores   *records.Stores
	blob     blob.Provider
	catalog  rulecatalog.Provider
	licenses license.Provider
	clk      clock.Clock
	cfg      Config
}

func NewAggregator(stores *records.Stores, blobs blob.Provider, catalog rulecatalog.Provider, licenses license.Provider, clk clock.Clock, cfg Config) *Aggregator {
	return &Aggregator{
		stores:   stores,
		blob:     blobs,
		catalog:  catalog,
		licenses: licenses,
		clk:      clk,
		cfg:      cfg,
	}
}

func (a *Aggregator) Name() string { return "metrics" }

// Start runs the retention sweep until the context ends.
func (a *Aggregator) Start(ctx context.Context) error {
	return controllers.Tick(ctx, a.clk, a.Name(), a.cfg.SweepInterval, a.Sweep)
}

// OnJobSucceeded folds one finished job's statistics into the tenant's
// snapshot for the job's finish date. Idempotent per job: a job already
// included merges to a no-op, so a worker retry cannot double-count.
func (a *Aggregator) OnJobSucceeded(ctx context.Context, job *v1.Job, statistics *v1.JobStatistics) error {
	asOf := v1.AsOfDate(statistics.FinishedAt)
	if statistics.FinishedAt.IsZero() {
		asOf = v1.AsOfDate(a.clk.Now())
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("tenant", job.Tenant, "as-of", asOf)

	for attempt := 0; attempt < mergeRetryLimit; attempt++ {
		snapshot, err := a.get(ctx, job.Customer, job.Tenant, asOf)
		if errors.IsNotFound(err) {
			snapshot = &v1.MetricSnapshot{
				Customer: job.Customer,
				Tenant:   job.Tenant,
				AsOf:     asOf,
			}
		} else if err != nil {
			return err
		}
		if lo.Contains(snapshot.JobsIncluded, job.ID) {
			return nil
		}
		if err := a.merge(ctx, snapshot, statistics); err != nil {
			return err
		}
		snapshot.JobsIncluded = append(snapshot.JobsIncluded, job.ID)
		if err := a.refreshLicenses(ctx, snapshot); err != nil {
			log.Error(err, "refreshing license summaries")
		}
		err = a.persist(ctx, snapshot)
		if err == nil {
			mergesCounter.Inc()
			log.Info("merged job into snapshot", "job-id", job.ID, "jobs-included", len(snapshot.JobsIncluded))
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
	}
	return errors.New(errors.KindConflict, "merging job %s into snapshot %s kept conflicting", job.ID, asOf)
}

// Latest returns the tenant's most recent snapshot.
func (a *Aggregator) Latest(ctx context.Context, customer, tenant string) (*v1.MetricSnapshot, error) {
	snapshots, err := records.ScanAll(ctx, a.stores.Snapshots, customer, "metrics/"+tenant+"/")
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, errors.New(errors.KindNotFound, "tenant %q has no metric snapshots", tenant)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].AsOf < snapshots[j].AsOf })
	return snapshots[len(snapshots)-1], nil
}

// Rebuild recomputes today's snapshot for the tenant from scratch out
// of every job that succeeded today. Re-aggregation from the same job
// set reproduces the same content.
func (a *Aggregator) Rebuild(ctx context.Context, customer, tenant string) (*v1.MetricSnapshot, error) {
	asOf := v1.AsOfDate(a.clk.Now())
	jobs, err := records.ScanAll(ctx, a.stores.Jobs, customer, "job/")
	if err != nil {
		return nil, err
	}
	included := lo.Filter(jobs, func(j *v1.Job, _ int) bool {
		return j.Tenant == tenant && j.State == v1.JobStateSucceeded &&
			j.FinishedAt != nil && v1.AsOfDate(*j.FinishedAt) == asOf
	})
	sort.Slice(included, func(i, j int) bool { return included[i].ID < included[j].ID })

	snapshot := &v1.MetricSnapshot{Customer: customer, Tenant: tenant, AsOf: asOf}
	if existing, err := a.get(ctx, customer, tenant, asOf); err == nil {
		snapshot.ObjectMeta = existing.ObjectMeta
	} else if !errors.IsNotFound(err) {
		return nil, err
	}
	for _, job := range included {
		statistics, err := results.LoadStatistics(ctx, a.blob, job.ID)
		if err != nil {
			return nil, err
		}
		if err := a.merge(ctx, snapshot, statistics); err != nil {
			return nil, err
		}
		snapshot.JobsIncluded = append(snapshot.JobsIncluded, job.ID)
	}
	if err := a.refreshLicenses(ctx, snapshot); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "refreshing license summaries")
	}
	if err := a.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Sweep prunes snapshots past the retention window, record and blob
// both.
func (a *Aggregator) Sweep(ctx context.Context) (errs error) {
	cutoff := v1.AsOfDate(a.clk.Now().AddDate(0, 0, -a.cfg.RetentionDays))
	customerPK, customerPrefix := v1.CustomersPartition()
	customers, err := records.ScanAll(ctx, a.stores.Customers, customerPK, customerPrefix)
	if err != nil {
		return err
	}
	for _, customer := range customers {
		snapshots, err := records.ScanAll(ctx, a.stores.Snapshots, customer.Name, "metrics/")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, snapshot := range snapshots {
			if snapshot.AsOf >= cutoff {
				continue
			}
			if snapshot.SnapshotKey != "" {
				if err := a.blob.Delete(ctx, snapshot.SnapshotKey); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
			pk, sk := snapshot.Keys()
			if err := a.stores.Snapshots.Delete(ctx, pk, sk); err != nil && !errors.IsNotFound(err) {
				errs = multierr.Append(errs, err)
				continue
			}
			prunesCounter.Inc()
		}
	}
	return errs
}

func (a *Aggregator) get(ctx context.Context, customer, tenant, asOf string) (*v1.MetricSnapshot, error) {
	snapshot := &v1.MetricSnapshot{}
	pk, sk := v1.MetricSnapshotKeys(customer, tenant, asOf)
	if err := a.stores.Snapshots.Get(ctx, pk, sk, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (a *Aggregator) persist(ctx context.Context, snapshot *v1.MetricSnapshot) error {
	now := a.clk.Now().UTC()
	snapshot.GeneratedAt = now
	snapshot.SnapshotKey = v1.SnapshotBlobKey(snapshot.Tenant, snapshot.AsOf)
	body, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding snapshot %s/%s", snapshot.Tenant, snapshot.AsOf)
	}
	if err := a.blob.Put(ctx, snapshot.SnapshotKey, bytes.NewReader(body), "application/json"); err != nil {
		return err
	}
	snapshot.Touch(now)
	return a.stores.Snapshots.Put(ctx, snapshot)
}

// merge folds one statistics document into the snapshot. Rule metadata
// comes from the catalog; a rule since removed from the catalog still
// counts in the totals, it just cannot contribute severity, MITRE or
// compliance detail.
func (a *Aggregator) merge(ctx context.Context, snapshot *v1.MetricSnapshot, statistics *v1.JobStatistics) error {
	ruleIDs := lo.Uniq(lo.Map(statistics.Rules, func(r v1.RuleResult, _ int) string { return r.RuleID }))
	resolved, _, err := a.catalog.Resolve(ctx, statistics.Cloud, ruleIDs)
	if err != nil {
		return err
	}
	byID := lo.SliceToMap(resolved, func(r *v1.Rule) (string, *v1.Rule) { return r.ID, r })

	snapshot.RulesPassed += statistics.Summary.Passed
	snapshot.RulesFailed += statistics.Summary.Failed
	if statistics.FinishedAt.After(snapshot.LastScanAt) {
		snapshot.LastScanAt = statistics.FinishedAt
	}

	failureCounts := map[v1.Resource]int{}
	failedControls := map[string]map[string]map[string]struct{}{}
	allControls := map[string]map[string]map[string]struct{}{}
	for _, result := range statistics.Rules {
		rule := byID[result.RuleID]
		if rule != nil {
			collectControls(allControls, rule)
		}
		if result.Status != v1.FindingFailed {
			continue
		}
		if snapshot.Regions == nil {
			snapshot.Regions = map[string]int{}
		}
		snapshot.Regions[result.Region]++
		for _, resource := range result.FailedResources {
			if snapshot.ResourceTypes == nil {
				snapshot.ResourceTypes = map[string]int{}
			}
			snapshot.ResourceTypes[resource.Type]++
			failureCounts[resource]++
		}
		if rule == nil {
			continue
		}
		if snapshot.Severities == nil {
			snapshot.Severities = map[string]int{}
		}
		snapshot.Severities[string(rule.Severity)]++
		collectControls(failedControls, rule)
		mergeMitre(snapshot, rule, result.FailedResources)
	}
	mergeCompliance(snapshot, allControls, failedControls)
	snapshot.TopFindings = mergeTopFindings(snapshot.TopFindings, failureCounts)
	return nil
}

func collectControls(into map[string]map[string]map[string]struct{}, rule *v1.Rule) {
	for standard, versions := range rule.Standards {
		if into[standard] == nil {
			into[standard] = map[string]map[string]struct{}{}
		}
		for version, ctrls := range versions {
			if into[standard][version] == nil {
				into[standard][version] = map[string]struct{}{}
			}
			for _, control := range ctrls {
				into[standard][version][control] = struct{}{}
			}
		}
	}
}

// mergeCompliance counts a control covered when no failed rule touches
// it.
func mergeCompliance(snapshot *v1.MetricSnapshot, all, failed map[string]map[string]map[string]struct{}) {
	for standard, versions := range all {
		for version, controls := range versions {
			covered := 0
			for control := range controls {
				if _, bad := failed[standard][version][control]; !bad {
					covered++
				}
			}
			if snapshot.Compliance == nil {
				snapshot.Compliance = map[string]map[string]v1.ComplianceRatio{}
			}
			if snapshot.Compliance[standard] == nil {
				snapshot.Compliance[standard] = map[string]v1.ComplianceRatio{}
			}
			ratio := v1.ComplianceRatio{Covered: covered, Total: len(controls)}
			if ratio.Total > 0 {
				ratio.Ratio = float64(ratio.Covered) / float64(ratio.Total)
			}
			snapshot.Compliance[standard][version] = ratio
		}
	}
}

func mergeMitre(snapshot *v1.MetricSnapshot, rule *v1.Rule, resources []v1.Resource) {
	if len(rule.MitreAttack) == 0 || len(resources) == 0 {
		return
	}
	samples := resources
	if len(samples) > v1.SampleLimit {
		samples = samples[:v1.SampleLimit]
	}
	for tactic, techniques := range rule.MitreAttack {
		if snapshot.Mitre == nil {
			snapshot.Mitre = map[string]map[string][]v1.Resource{}
		}
		if snapshot.Mitre[tactic] == nil {
			snapshot.Mitre[tactic] = map[string][]v1.Resource{}
		}
		for _, technique := range techniques {
			existing := snapshot.Mitre[tactic][technique]
			for _, resource := range samples {
				if !lo.Contains(existing, resource) && len(existing) < v1.SampleLimit {
					existing = append(existing, resource)
				}
			}
			snapshot.Mitre[tactic][technique] = existing
		}
	}
}

// mergeTopFindings ranks this merge's worst resources first and keeps
// previously listed ones that still fit.
func mergeTopFindings(previous []v1.Resource, counts map[v1.Resource]int) []v1.Resource {
	type ranked struct {
		resource v1.Resource
		count    int
	}
	fresh := lo.MapToSlice(counts, func(r v1.Resource, n int) ranked { return ranked{resource: r, count: n} })
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].count != fresh[j].count {
			return fresh[i].count > fresh[j].count
		}
		return fresh[i].resource.ID < fresh[j].resource.ID
	})
	merged := lo.Map(fresh, func(r ranked, _ int) v1.Resource { return r.resource })
	for _, resource := range previous {
		if !lo.Contains(merged, resource) {
			merged = append(merged, resource)
		}
	}
	if len(merged) > topFindingsLimit {
		merged = merged[:topFindingsLimit]
	}
	return merged
}

func (a *Aggregator) refreshLicenses(ctx context.Context, snapshot *v1.MetricSnapshot) error {
	licenses, err := a.licenses.List(ctx, snapshot.Customer)
	if err != nil {
		return err
	}
	period := v1.QuotaPeriodStart(a.clk.Now())
	summaries := make([]v1.LicenseSummary, 0, len(licenses))
	for _, lic := range licenses {
		summary := v1.LicenseSummary{
			LicenseKey: lic.LicenseKey,
			ValidUntil: lic.ValidUntil,
			JobQuota:   lic.JobQuota,
		}
		usage := &v1.LicenseUsage{}
		pk, sk := v1.LicenseUsageKeys(lic.LicenseKey, period)
		if err := a.stores.Usage.Get(ctx, pk, sk, usage); err == nil {
			summary.JobsUsed = usage.Used
		} else if !errors.IsNotFound(err) {
			return err
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].LicenseKey < summaries[j].LicenseKey })
	snapshot.Licenses = summaries
	return nil
}

// SnapshotAge exposes how stale a tenant's latest snapshot is; used by
// the status command.
func (a *Aggregator) SnapshotAge(snapshot *v1.MetricSnapshot) string {
	return strings.TrimSpace(a.clk.Since(snapshot.GeneratedAt).Truncate(time.Second).String())
}
