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

package ruleset

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/rulecatalog"
)

const (
	// compilePollInterval paces waiting on a concurrent writer that
	// holds COMPILING; the caller's context bounds the total wait.
	compilePollInterval = 250 * time.Millisecond
	// refsRetryLimit bounds optimistic retries on the refcount.
	refsRetryLimit = 10
)

// CompileRequest resolves named rule sets into one content-addressed
// artifact for a job. Tenant scoping and the license allow-list are
// applied before fingerprinting so equal effective rule lists share
// artifacts across tenants.
type CompileRequest struct {
	Customer string
	Tenant   *v1.Tenant
	Cloud    v1.Cloud
	RuleSets []string
	License  *v1.License
}

type Provider interface {
	Create(ctx context.Context, ruleSet *v1.RuleSet) error
	Update(ctx context.Context, ruleSet *v1.RuleSet) error
	Get(ctx context.Context, customer, name string) (*v1.RuleSet, error)
	List(ctx context.Context, customer string) ([]*v1.RuleSet, error)
	Delete(ctx context.Context, customer, name string) error

	EnsureCompiled(ctx context.Context, req CompileRequest) (*v1.CompiledRuleSet, error)
	GetCompiled(ctx context.Context, cloud v1.Cloud, fingerprint string) (*v1.CompiledRuleSet, error)
	Acquire(ctx context.Context, cloud v1.Cloud, fingerprint string) error
	Release(ctx context.Context, cloud v1.Cloud, fingerprint string) error
}

type DefaultProvider struct {
	sync.Mutex

	stores  *records.Stores
	catalog rulecatalog.Provider
	blob    blob.Provider
	cache   *cache.Cache
	clk     clock.Clock
}

func NewDefaultProvider(stores *records.Stores, catalog rulecatalog.Provider, blobs blob.Provider, compiledCache *cache.Cache, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		stores:  stores,
		catalog: catalog,
		blob:    blobs,
		cache:   compiledCache,
		clk:     clk,
	}
}

func (p *DefaultProvider) Create(ctx context.Context, ruleSet *v1.RuleSet) error {
	if err := validate(ruleSet); err != nil {
		return err
	}
	ruleSet.Touch(p.clk.Now().UTC())
	return p.stores.RuleSets.Put(ctx, ruleSet)
}

func (p *DefaultProvider) Update(ctx context.Context, ruleSet *v1.RuleSet) error {
	if err := validate(ruleSet); err != nil {
		return err
	}
	ruleSet.Touch(p.clk.Now().UTC())
	return p.stores.RuleSets.Put(ctx, ruleSet)
}

func (p *DefaultProvider) Get(ctx context.Context, customer, name string) (*v1.RuleSet, error) {
	ruleSet := &v1.RuleSet{}
	pk, sk := v1.RuleSetKeys(customer, name)
	if err := p.stores.RuleSets.Get(ctx, pk, sk, ruleSet); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string) ([]*v1.RuleSet, error) {
	return records.ScanAll(ctx, p.stores.RuleSets, customer, "ruleset/")
}

func (p *DefaultProvider) Delete(ctx context.Context, customer, name string) error {
	pk, sk := v1.RuleSetKeys(customer, name)
	return p.stores.RuleSets.Delete(ctx, pk, sk)
}

func validate(ruleSet *v1.RuleSet) error {
	if ruleSet.Name == "" {
		return errors.New(errors.KindValidation, "rule set name is required")
	}
	if _, err := v1.ParseCloud(string(ruleSet.Cloud)); err != nil {
		return errors.Wrap(err, errors.KindValidation, "validating rule set %q", ruleSet.Name)
	}
	return nil
}

// EnsureCompiled resolves the request to an effective rule list,
// fingerprints it, and returns the shared artifact record, compiling
// it first if this fingerprint has never been materialized. Only one
// writer promotes COMPILING to READY; everyone else waits on the
// record.
func (p *DefaultProvider) EnsureCompiled(ctx context.Context, req CompileRequest) (*v1.CompiledRuleSet, error) {
	start := p.clk.Now()
	rules, filter, err := p.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(req.Cloud, ruleIDs(rules), filter)
	if err != nil {
		return nil, err
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("cloud", req.Cloud, "fingerprint", fingerprint)
	cacheKey := req.Cloud.Lower() + "/" + fingerprint

	if cached, ok := p.cache.Get(cacheKey); ok {
		compiledHitCounter.WithLabelValues(req.Cloud.Lower()).Inc()
		return cached.(*v1.CompiledRuleSet), nil
	}
	for {
		compiled, err := p.GetCompiled(ctx, req.Cloud, fingerprint)
		if err == nil {
			switch compiled.Status {
			case v1.CompileStatusReady:
				p.cache.SetDefault(cacheKey, compiled)
				compiledHitCounter.WithLabelValues(req.Cloud.Lower()).Inc()
				return compiled, nil
			case v1.CompileStatusCompiling:
				if waitErr := p.waitTurn(ctx); waitErr != nil {
					return nil, waitErr
				}
				continue
			case v1.CompileStatusFailed:
				// Take the record over and recompile.
				compiled.Status = v1.CompileStatusCompiling
				compiled.Error = ""
				compiled.Touch(p.clk.Now().UTC())
				if putErr := p.stores.Compiled.Put(ctx, compiled); putErr != nil {
					if errors.IsConflict(putErr) {
						continue
					}
					return nil, putErr
				}
			}
		} else if errors.IsNotFound(err) {
			compiled = &v1.CompiledRuleSet{
				Cloud:       req.Cloud,
				Fingerprint: fingerprint,
				RuleIDs:     ruleIDs(rules),
				Status:      v1.CompileStatusCompiling,
			}
			compiled.Touch(p.clk.Now().UTC())
			if putErr := p.stores.Compiled.Put(ctx, compiled); putErr != nil {
				if errors.IsConflict(putErr) {
					continue
				}
				return nil, putErr
			}
		} else {
			return nil, err
		}

		compiled, err = p.materialize(ctx, compiled, rules)
		if err != nil {
			compileCounter.WithLabelValues(req.Cloud.Lower(), metricResultFailed).Inc()
			return nil, err
		}
		compileCounter.WithLabelValues(req.Cloud.Lower(), metricResultCompiled).Inc()
		compileDuration.Observe(p.clk.Since(start).Seconds())
		p.cache.SetDefault(cacheKey, compiled)
		log.Info("compiled rule set artifact", "rules", len(compiled.RuleIDs), "key", compiled.ArtifactKey)
		return compiled, nil
	}
}

// materialize assembles and uploads the policy bundle, then promotes
// the record we hold COMPILING on. Failures are written back as FAILED
// so later callers can retry the compile.
func (p *DefaultProvider) materialize(ctx context.Context, compiled *v1.CompiledRuleSet, rules []*v1.Rule) (*v1.CompiledRuleSet, error) {
	body, contentHash, err := assemble(rules)
	if err == nil {
		key := v1.RulesetArtifactKey(compiled.Cloud, compiled.Fingerprint)
		if putErr := p.blob.Put(ctx, key, strings.NewReader(string(body)), "application/x-yaml"); putErr != nil {
			err = putErr
		} else {
			compiled.Status = v1.CompileStatusReady
			compiled.ArtifactKey = key
			compiled.ContentHash = contentHash
			compiled.RuleIDs = ruleIDs(rules)
			compiled.Error = ""
		}
	}
	if err != nil {
		compiled.Status = v1.CompileStatusFailed
		compiled.Error = fmt.Sprintf("%s: %s", errors.KindOf(err), err)
		compiled.Touch(p.clk.Now().UTC())
		// The promote is best effort; the compile error wins.
		_ = p.stores.Compiled.Put(ctx, compiled)
		return nil, err
	}
	compiled.Touch(p.clk.Now().UTC())
	if putErr := p.stores.Compiled.Put(ctx, compiled); putErr != nil {
		return nil, putErr
	}
	return compiled, nil
}

func (p *DefaultProvider) waitTurn(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindTimedOut, "waiting for concurrent compile")
	case <-p.clk.After(compilePollInterval):
		return nil
	}
}

func (p *DefaultProvider) GetCompiled(ctx context.Context, cloud v1.Cloud, fingerprint string) (*v1.CompiledRuleSet, error) {
	compiled := &v1.CompiledRuleSet{}
	pk, sk := v1.CompiledRuleSetKeys(cloud, fingerprint)
	if err := p.stores.Compiled.Get(ctx, pk, sk, compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

// Acquire pins the artifact for a running job so garbage collection
// cannot remove it mid-scan.
func (p *DefaultProvider) Acquire(ctx context.Context, cloud v1.Cloud, fingerprint string) error {
	return p.updateRefs(ctx, cloud, fingerprint, 1)
}

// Release drops a job's pin; the count floors at zero.
func (p *DefaultProvider) Release(ctx context.Context, cloud v1.Cloud, fingerprint string) error {
	return p.updateRefs(ctx, cloud, fingerprint, -1)
}

func (p *DefaultProvider) updateRefs(ctx context.Context, cloud v1.Cloud, fingerprint string, delta int) error {
	for attempt := 0; attempt < refsRetryLimit; attempt++ {
		compiled, err := p.GetCompiled(ctx, cloud, fingerprint)
		if err != nil {
			return err
		}
		compiled.Refs = lo.Max([]int{compiled.Refs + delta, 0})
		compiled.Touch(p.clk.Now().UTC())
		err = p.stores.Compiled.Put(ctx, compiled)
		if err == nil {
			p.cache.Delete(cloud.Lower() + "/" + fingerprint)
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
	}
	return errors.New(errors.KindConflict, "updating artifact refs for %s kept conflicting", fingerprint)
}

// resolve produces the effective, sorted rule list for the request and
// the canonical filter expression that goes into the fingerprint.
func (p *DefaultProvider) resolve(ctx context.Context, req CompileRequest) ([]*v1.Rule, string, error) {
	selected := map[string]*v1.Rule{}
	var filters []string

	for _, name := range lo.Uniq(req.RuleSets) {
		ruleSet, err := p.Get(ctx, req.Customer, name)
		if err != nil {
			return nil, "", err
		}
		if !ruleSet.Active {
			return nil, "", errors.New(errors.KindValidation, "rule set %q is not active", name)
		}
		if ruleSet.Cloud != req.Cloud {
			return nil, "", errors.New(errors.KindValidation, "rule set %q targets %s, job targets %s", name, ruleSet.Cloud, req.Cloud)
		}
		if req.License != nil && len(req.License.Rulesets) > 0 && !lo.Contains(req.License.Rulesets, name) {
			return nil, "", errors.New(errors.KindForbidden, "license does not cover rule set %q", name)
		}
		if ruleSet.Explicit() {
			resolved, _, err := p.catalog.Resolve(ctx, req.Cloud, ruleSet.RuleIDs)
			if err != nil {
				return nil, "", err
			}
			for _, rule := range resolved {
				if !rule.Tombstoned() {
					selected[rule.ID] = rule
				}
			}
			continue
		}
		matched, err := p.selectByFilters(ctx, req.Cloud, ruleSet)
		if err != nil {
			return nil, "", err
		}
		for _, rule := range matched {
			selected[rule.ID] = rule
		}
		filters = append(filters, canonicalFilter(ruleSet))
	}

	if req.Tenant != nil {
		included, _, err := p.catalog.Resolve(ctx, req.Cloud, req.Tenant.IncludedRules)
		if err != nil {
			return nil, "", err
		}
		for _, rule := range included {
			if !rule.Tombstoned() {
				selected[rule.ID] = rule
			}
		}
		for _, id := range req.Tenant.ExcludedRules {
			delete(selected, id)
		}
	}
	if req.License != nil && len(req.License.AllowedRules) > 0 {
		allowed := lo.SliceToMap(req.License.AllowedRules, func(id string) (string, struct{}) { return id, struct{}{} })
		for id := range selected {
			if _, ok := allowed[id]; !ok {
				delete(selected, id)
			}
		}
	}
	if err := p.dropRestrictedSources(ctx, req, selected); err != nil {
		return nil, "", err
	}
	if len(selected) == 0 {
		return nil, "", errors.New(errors.KindNoRules, "no rules remain for %s after scoping", req.Cloud)
	}
	if req.License != nil && req.License.RuleQuota > 0 && len(selected) > req.License.RuleQuota {
		return nil, "", errors.New(errors.KindLicenseQuota, "resolved %d rules, license allows %d per job", len(selected), req.License.RuleQuota)
	}

	rules := lo.Values(selected)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	sort.Strings(filters)
	return rules, strings.Join(filters, "&"), nil
}

// dropRestrictedSources removes rules whose source scopes the tenant
// out.
func (p *DefaultProvider) dropRestrictedSources(ctx context.Context, req CompileRequest, selected map[string]*v1.Rule) error {
	if req.Tenant == nil {
		return nil
	}
	sources, err := records.ScanAll(ctx, p.stores.RuleSources, req.Customer, "rulesource/")
	if err != nil {
		return err
	}
	byID := lo.SliceToMap(sources, func(s *v1.RuleSource) (string, *v1.RuleSource) { return s.ID, s })
	for id, rule := range selected {
		if source, ok := byID[rule.SourceID]; ok && !source.PermitsTenant(req.Tenant.Name) {
			delete(selected, id)
		}
	}
	return nil
}

func (p *DefaultProvider) selectByFilters(ctx context.Context, cloud v1.Cloud, ruleSet *v1.RuleSet) ([]*v1.Rule, error) {
	var matched []*v1.Rule
	query := rulecatalog.Query{Cloud: cloud, Limit: records.DefaultScanLimit}
	for {
		page, err := p.catalog.List(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, rule := range page.Rules {
			if selectorMatches(ruleSet, rule) {
				matched = append(matched, rule)
			}
		}
		if page.Cursor == "" {
			return matched, nil
		}
		query.Cursor = page.Cursor
	}
}

func selectorMatches(ruleSet *v1.RuleSet, rule *v1.Rule) bool {
	if len(ruleSet.Standards) > 0 {
		covered := false
		for _, standard := range ruleSet.Standards {
			if _, ok := rule.Standards[standard]; ok {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	if len(ruleSet.ServiceSections) > 0 && !lo.ContainsBy(ruleSet.ServiceSections, func(s string) bool {
		return strings.EqualFold(s, rule.ServiceSection)
	}) {
		return false
	}
	if len(ruleSet.Severities) > 0 && !lo.ContainsBy(ruleSet.Severities, func(s string) bool {
		return strings.EqualFold(s, string(rule.Severity))
	}) {
		return false
	}
	return true
}

func canonicalFilter(ruleSet *v1.RuleSet) string {
	part := func(name string, values []string) string {
		if len(values) == 0 {
			return ""
		}
		sorted := lo.Map(values, func(v string, _ int) string { return strings.ToLower(v) })
		sort.Strings(sorted)
		return name + "=" + strings.Join(sorted, "|")
	}
	parts := lo.Compact([]string{
		part("standards", ruleSet.Standards),
		part("services", ruleSet.ServiceSections),
		part("severities", ruleSet.Severities),
	})
	return strings.Join(parts, ";")
}

func ruleIDs(rules []*v1.Rule) []string {
	return lo.Map(rules, func(rule *v1.Rule, _ int) string { return rule.ID })
}

// Fingerprint addresses an artifact by what it evaluates: the cloud,
// the sorted effective rule list, and the selector expression.
func Fingerprint(cloud v1.Cloud, sortedRuleIDs []string, filter string) (string, error) {
	hash, err := hashstructure.Hash(struct {
		Cloud   string
		RuleIDs []string
		Filter  string
	}{string(cloud), sortedRuleIDs, filter}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "fingerprinting rule set")
	}
	return fmt.Sprintf("%016x", hash), nil
}
