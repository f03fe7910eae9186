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

// Package results turns the raw evaluator output tree of a job into
// the canonical statistics document. Ingestion is deterministic:
// re-running it over the same raw outputs reproduces the document byte
// for byte, which is what makes statistics safe to re-derive and
// aggregate.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/evaluator"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type Ingestor struct {
	blob   blob.Provider
	stores *records.Stores
	clk    clock.Clock
}

func NewIngestor(blobs blob.Provider, stores *records.Stores, clk clock.Clock) *Ingestor {
	return &Ingestor{blob: blobs, stores: stores, clk: clk}
}

// Ingest reads results/{job}/ and writes statistics/{job}.json, then
// updates the job record with both keys in one write. Returns the
// canonical document.
func (i *Ingestor) Ingest(ctx context.Context, job *v1.Job) (*v1.JobStatistics, error) {
	start := i.clk.Now()
	log := logr.FromContextOrDiscard(ctx).WithValues("job-id", job.ID)

	prefix := v1.ResultsPrefix(job.ID)
	keys, err := i.blob.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	outputs, err := i.collect(ctx, job, prefix, keys)
	if err != nil {
		return nil, err
	}
	statistics := Canonicalize(job, outputs)

	body, err := MarshalStatistics(statistics)
	if err != nil {
		return nil, err
	}
	statisticsKey := v1.StatisticsKey(job.ID)
	if err := i.blob.Put(ctx, statisticsKey, bytes.NewReader(body), "application/json"); err != nil {
		return nil, err
	}

	job.ResultsKey = prefix
	job.StatisticsKey = statisticsKey
	job.Touch(i.clk.Now().UTC())
	if err := i.stores.Jobs.Put(ctx, job); err != nil {
		return nil, err
	}
	ingestDuration.Observe(i.clk.Since(start).Seconds())
	log.Info("ingested results", "rules", len(statistics.Rules), "failed", statistics.Summary.Failed)
	return statistics, nil
}

// policyOutput is one (region, policy) leaf of the raw tree.
type policyOutput struct {
	region    string
	policy    string
	meta      evaluator.Metadata
	resources []evaluator.RawResource
	errors    []evaluator.ErrorEntry
}

// collect walks the blob keys under the job's results prefix. Layout
// is results/{job}/{region}/{policy}/{file}.
func (i *Ingestor) collect(ctx context.Context, job *v1.Job, prefix string, keys []string) (map[string]*policyOutput, error) {
	outputs := map[string]*policyOutput{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		parts := strings.Split(rest, "/")
		if len(parts) != 3 {
			continue
		}
		region, policy, file := parts[0], parts[1], parts[2]
		id := region + "/" + policy
		out, ok := outputs[id]
		if !ok {
			out = &policyOutput{region: region, policy: policy}
			outputs[id] = out
		}
		body, err := i.read(ctx, key)
		if err != nil {
			return nil, err
		}
		switch file {
		case v1.MetadataFile:
			if err := json.Unmarshal(body, &out.meta); err != nil {
				return nil, errors.New(errors.KindInternal, "job %s has a corrupt manifest at %q", job.ID, key)
			}
		case v1.ResourcesFile:
			if len(body) > 0 {
				if err := json.Unmarshal(body, &out.resources); err != nil {
					return nil, errors.New(errors.KindInternal, "job %s has corrupt resources at %q", job.ID, key)
				}
			}
		case v1.ErrorsFile:
			out.errors = evaluator.ParseErrorsLog(bytes.NewReader(body))
		}
	}
	return outputs, nil
}

func (i *Ingestor) read(ctx context.Context, key string) ([]byte, error) {
	body, err := i.blob.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "reading result object %q", key)
	}
	return data, nil
}

// Canonicalize applies the tie-break rules and produces the sorted,
// deterministic statistics document:
//  1. resources deduplicate by (id, region, type), first occurrence
//     wins;
//  2. zero resources and no errors means PASSED;
//  3. any error means FAILED carrying the highest-priority error kind;
//  4. timestamps normalize to RFC 3339 UTC.
func Canonicalize(job *v1.Job, outputs map[string]*policyOutput) *v1.JobStatistics {
	startedAt := normalize(job.StartedAt)
	finishedAt := normalize(job.FinishedAt)

	var rules []v1.RuleResult
	for _, out := range outputs {
		name := out.meta.PolicyName
		if name == "" {
			name = out.policy
		}
		result := v1.RuleResult{
			RuleID:           name,
			Region:           out.region,
			StartedAt:        startedAt,
			FinishedAt:       finishedAt,
			ResourcesScanned: len(out.resources),
			ElapsedSeconds:   finishedAt.Sub(startedAt).Seconds(),
			FailedResources:  canonicalResources(out),
		}
		switch {
		case len(out.errors) > 0:
			result.Status = v1.FindingFailed
			var kind v1.ScanErrorKind
			var messages []string
			for _, entry := range out.errors {
				kind = v1.WorseScanError(kind, entry.Kind)
				messages = append(messages, entry.Message)
			}
			result.ErrorKind = kind
			result.ErrorMessage = strings.Join(messages, "; ")
		case len(result.FailedResources) > 0:
			result.Status = v1.FindingFailed
		default:
			result.Status = v1.FindingPassed
		}
		rules = append(rules, result)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].RuleID != rules[j].RuleID {
			return rules[i].RuleID < rules[j].RuleID
		}
		return rules[i].Region < rules[j].Region
	})

	summary := v1.RulesSummary{Total: len(rules)}
	for _, rule := range rules {
		switch rule.Status {
		case v1.FindingPassed:
			summary.Passed++
		case v1.FindingFailed:
			summary.Failed++
			if len(rule.FailedResources) > 0 {
				if summary.ResourceSamples == nil {
					summary.ResourceSamples = map[string][]v1.Resource{}
				}
				samples := rule.FailedResources
				if len(samples) > v1.SampleLimit {
					samples = samples[:v1.SampleLimit]
				}
				// Last region wins deterministically given sorted rules.
				summary.ResourceSamples[rule.RuleID] = samples
			}
		}
	}

	return &v1.JobStatistics{
		JobID:      job.ID,
		Customer:   job.Customer,
		Tenant:     job.Tenant,
		Cloud:      job.Cloud,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Rules:      rules,
		Summary:    summary,
	}
}

// canonicalResources deduplicates by (id, region, type) keeping first
// occurrence, then sorts for byte stability.
func canonicalResources(out *policyOutput) []v1.Resource {
	type identity struct{ id, region, typ string }
	seen := map[identity]struct{}{}
	var resources []v1.Resource
	for _, raw := range out.resources {
		resourceType := raw.Type
		if resourceType == "" {
			resourceType = out.meta.ResourceType
		}
		location := raw.Location
		if location == "" {
			location = out.region
		}
		key := identity{id: raw.Identity(), region: location, typ: resourceType}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		resources = append(resources, v1.Resource{
			ID:     raw.Identity(),
			Name:   raw.Name,
			Type:   resourceType,
			Region: location,
		})
	}
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].ID != resources[j].ID {
			return resources[i].ID < resources[j].ID
		}
		if resources[i].Region != resources[j].Region {
			return resources[i].Region < resources[j].Region
		}
		return resources[i].Type < resources[j].Type
	})
	return resources
}

// MarshalStatistics renders the document with stable key order so
// re-ingestion is byte-identical.
func MarshalStatistics(statistics *v1.JobStatistics) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(statistics); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding statistics for job %s", statistics.JobID)
	}
	return buf.Bytes(), nil
}

// LoadStatistics fetches and decodes a job's canonical statistics.
func LoadStatistics(ctx context.Context, blobs blob.Provider, jobID string) (*v1.JobStatistics, error) {
	body, err := blobs.Get(ctx, v1.StatisticsKey(jobID))
	if err != nil {
		return nil, err
	}
	defer body.Close()
	statistics := &v1.JobStatistics{}
	if err := json.NewDecoder(body).Decode(statistics); err != nil {
		return nil, errors.New(errors.KindInternal, "statistics for job %s are corrupt", jobID)
	}
	return statistics, nil
}

func normalize(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Second)
}
