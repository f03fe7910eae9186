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

package rulecatalog

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/secrets"
)

// Query filters the catalog. Empty fields match everything; Cursor
// pages through results and is opaque to callers.
type Query struct {
	Cloud             v1.Cloud
	Standard          string
	Severity          string
	Service           string
	ResourceType      string
	IncludeTombstoned bool
	Limit             int
	Cursor            string
}

type RulePage struct {
	Rules  []*v1.Rule
	Cursor string
}

type Provider interface {
	Sync(ctx context.Context, customer, sourceID string) (*v1.SyncStamp, error)
	List(ctx context.Context, query Query) (*RulePage, error)
	GetRule(ctx context.Context, cloud v1.Cloud, id string) (*v1.Rule, error)
	Resolve(ctx context.Context, cloud v1.Cloud, ids []string) ([]*v1.Rule, []string, error)
}

type DefaultProvider struct {
	sync.Mutex

	stores  *records.Stores
	broker  secrets.Broker
	fetcher Fetcher
	fs      afero.Fs
	cache   *cache.Cache
	clk     clock.Clock
}

func NewDefaultProvider(stores *records.Stores, broker secrets.Broker, fetcher Fetcher, fs afero.Fs, catalogCache *cache.Cache, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		stores:  stores,
		broker:  broker,
		fetcher: fetcher,
		fs:      fs,
		cache:   catalogCache,
		clk:     clk,
	}
}

// Sync pulls the source at its ref and reconciles the stored rules.
// Idempotent per (source, commit): re-syncing an already ingested
// commit is a no-op. Rules missing from the new commit are tombstoned,
// not deleted, so historical jobs stay explainable.
func (p *DefaultProvider) Sync(ctx context.Context, customer, sourceID string) (*v1.SyncStamp, error) {
	p.Lock()
	defer p.Unlock()
	log := logr.FromContextOrDiscard(ctx).WithValues("source", sourceID)

	source := &v1.RuleSource{}
	pk, sk := v1.RuleSourceKeys(customer, sourceID)
	if err := p.stores.RuleSources.Get(ctx, pk, sk, source); err != nil {
		return nil, err
	}
	var token []byte
	if source.SecretRef != "" {
		unsealed, err := p.broker.Unseal(ctx, source.SecretRef)
		if err != nil {
			return nil, err
		}
		token = unsealed
	}

	dir, commit, cleanup, err := p.fetcher.Fetch(ctx, source, token)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stamp := &v1.SyncStamp{}
	stampPK, stampSK := v1.SyncStampKeys(sourceID, commit)
	if err := p.stores.SyncStamps.Get(ctx, stampPK, stampSK, stamp); err == nil {
		log.V(1).Info("catalog already synced", "commit", commit)
		return stamp, nil
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	rules, err := p.parseTree(dir, source.PathPrefix)
	if err != nil {
		return nil, err
	}
	now := p.clk.Now().UTC()
	seen := map[string]struct{}{}
	for _, rule := range rules {
		rule.SourceID = sourceID
		rule.Commit = commit
		seen[rule.ID] = struct{}{}
		if err := p.upsertRule(ctx, rule, now); err != nil {
			return nil, err
		}
		rulesSyncedCounter.WithLabelValues(rule.Cloud.Lower()).Inc()
	}
	if err := p.tombstoneMissing(ctx, sourceID, seen, now); err != nil {
		return nil, err
	}

	stamp = &v1.SyncStamp{SourceID: sourceID, Commit: commit, SyncedAt: now, RuleCount: len(rules)}
	stamp.Touch(now)
	if err := p.stores.SyncStamps.Put(ctx, stamp); err != nil && !errors.IsConflict(err) {
		return nil, err
	}

	source.LatestCommit = commit
	source.LastSyncedAt = &now
	source.Touch(now)
	if err := p.stores.RuleSources.Put(ctx, source); err != nil && !errors.IsConflict(err) {
		return nil, err
	}

	p.cache.Flush()
	log.Info("synced rule catalog", "commit", commit, "rules", len(rules))
	return stamp, nil
}

func (p *DefaultProvider) parseTree(dir, pathPrefix string) ([]*v1.Rule, error) {
	root := dir
	if pathPrefix != "" {
		root = filepath.Join(dir, pathPrefix)
	}
	var rules []*v1.Rule
	err := afero.Walk(p.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isRuleFile(path) {
			return nil
		}
		raw, err := afero.ReadFile(p.fs, path)
		if err != nil {
			return err
		}
		parsed, err := parseRuleFile(raw)
		if err != nil {
			return errors.Wrap(err, errors.KindValidation, "parsing rule file %q", filepath.Base(path))
		}
		rules = append(rules, parsed...)
		return nil
	})
	if err != nil {
		if errors.IsValidation(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "walking rule tree under %q", pathPrefix)
	}
	return rules, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// upsertRule keeps the stored record current across syncs; an existing
// rule keeps its created timestamp and sheds any tombstone.
func (p *DefaultProvider) upsertRule(ctx context.Context, rule *v1.Rule, now time.Time) error {
	existing := &v1.Rule{}
	pk, sk := v1.RuleKeys(rule.Cloud, rule.ID)
	err := p.stores.Rules.Get(ctx, pk, sk, existing)
	if err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		rule.Touch(now)
		return p.stores.Rules.Put(ctx, rule)
	}
	rule.ObjectMeta = existing.ObjectMeta
	rule.TombstonedAt = nil
	rule.Touch(now)
	return p.stores.Rules.Put(ctx, rule)
}

func (p *DefaultProvider) tombstoneMissing(ctx context.Context, sourceID string, seen map[string]struct{}, now time.Time) error {
	for _, cloud := range v1.Clouds() {
		pk, _ := v1.RuleKeys(cloud, "")
		existing, err := records.ScanAll(ctx, p.stores.Rules, pk, "")
		if err != nil {
			return err
		}
		for _, rule := range existing {
			if rule.SourceID != sourceID || rule.Tombstoned() {
				continue
			}
			if _, ok := seen[rule.ID]; ok {
				continue
			}
			stamped := now
			rule.TombstonedAt = &stamped
			rule.Touch(now)
			if err := p.stores.Rules.Put(ctx, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// List answers catalog queries from a per-cloud cache that syncs
// invalidate. Pagination is positional over the filtered, id-sorted
// result.
func (p *DefaultProvider) List(ctx context.Context, query Query) (*RulePage, error) {
	if query.Cloud == "" {
		return nil, errors.New(errors.KindValidation, "catalog queries require a cloud")
	}
	rules, err := p.cloudRules(ctx, query.Cloud)
	if err != nil {
		return nil, err
	}
	filtered := lo.Filter(rules, func(rule *v1.Rule, _ int) bool { return matches(rule, query) })

	offset := 0
	if query.Cursor != "" {
		offset, err = decodeOffset(query.Cursor)
		if err != nil {
			return nil, errors.New(errors.KindValidation, "malformed catalog cursor")
		}
	}
	limit := query.Limit
	if limit <= 0 {
		limit = records.DefaultScanLimit
	}
	if offset >= len(filtered) {
		return &RulePage{}, nil
	}
	end := offset + limit
	page := &RulePage{}
	if end >= len(filtered) {
		page.Rules = filtered[offset:]
		return page, nil
	}
	page.Rules = filtered[offset:end]
	page.Cursor = encodeOffset(end)
	return page, nil
}

func (p *DefaultProvider) GetRule(ctx context.Context, cloud v1.Cloud, id string) (*v1.Rule, error) {
	rule := &v1.Rule{}
	pk, sk := v1.RuleKeys(cloud, id)
	if err := p.stores.Rules.Get(ctx, pk, sk, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Resolve maps explicit rule ids onto catalog records, reporting the
// ids the catalog does not know. Tombstoned rules resolve; the
// compiler decides whether to keep them.
func (p *DefaultProvider) Resolve(ctx context.Context, cloud v1.Cloud, ids []string) ([]*v1.Rule, []string, error) {
	rules, err := p.cloudRules(ctx, cloud)
	if err != nil {
		return nil, nil, err
	}
	byID := lo.SliceToMap(rules, func(rule *v1.Rule) (string, *v1.Rule) { return rule.ID, rule })
	var resolved []*v1.Rule
	var missing []string
	for _, id := range ids {
		if rule, ok := byID[id]; ok {
			resolved = append(resolved, rule)
		} else {
			missing = append(missing, id)
		}
	}
	return resolved, missing, nil
}

func (p *DefaultProvider) cloudRules(ctx context.Context, cloud v1.Cloud) ([]*v1.Rule, error) {
	p.Lock()
	defer p.Unlock()
	cacheKey := "rules/" + cloud.Lower()
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.([]*v1.Rule), nil
	}
	pk, _ := v1.RuleKeys(cloud, "")
	rules, err := records.ScanAll(ctx, p.stores.Rules, pk, "")
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	p.cache.SetDefault(cacheKey, rules)
	return rules, nil
}

func matches(rule *v1.Rule, query Query) bool {
	if !query.IncludeTombstoned && rule.Tombstoned() {
		return false
	}
	if query.Severity != "" && !strings.EqualFold(string(rule.Severity), query.Severity) {
		return false
	}
	if query.Service != "" && !strings.EqualFold(rule.ServiceSection, query.Service) {
		return false
	}
	if query.ResourceType != "" && !strings.EqualFold(rule.ResourceType, query.ResourceType) {
		return false
	}
	if query.Standard != "" {
		if _, ok := rule.Standards[query.Standard]; !ok {
			return false
		}
	}
	return true
}

func encodeOffset(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeOffset(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}
