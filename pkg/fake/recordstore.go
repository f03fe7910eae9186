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

package fake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"sync"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type memoryRow struct {
	sk      string
	version int64
	data    []byte
}

// RecordStore is an in-memory records.Store with the same
// compare-and-set semantics as the Mongo-backed one. NextError lets
// tests inject storage failures.
type RecordStore[T records.Object] struct {
	NextError AtomicError

	mu   sync.RWMutex
	rows map[string]map[string]*memoryRow
}

func NewRecordStore[T records.Object]() *RecordStore[T] {
	return &RecordStore[T]{rows: map[string]map[string]*memoryRow{}}
}

func (s *RecordStore[T]) Reset() {
	s.NextError.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = map[string]map[string]*memoryRow{}
}

// Len reports how many records the store holds, across partitions.
func (s *RecordStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, partition := range s.rows {
		total += len(partition)
	}
	return total
}

func (s *RecordStore[T]) Get(_ context.Context, pk, sk string, obj T) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[pk][sk]
	if !ok {
		return errors.New(errors.KindNotFound, "record %s/%s not found", pk, sk)
	}
	if err := json.Unmarshal(row.data, obj); err != nil {
		return errors.Wrap(err, errors.KindInternal, "decoding record %s/%s", pk, sk)
	}
	obj.SetVersion(row.version)
	return nil
}

func (s *RecordStore[T]) Put(_ context.Context, obj T) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	pk, sk := obj.Keys()
	expected := obj.GetVersion()
	obj.SetVersion(expected + 1)
	data, err := json.Marshal(obj)
	if err != nil {
		obj.SetVersion(expected)
		return errors.Wrap(err, errors.KindInternal, "encoding record %s/%s", pk, sk)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[pk][sk]
	if expected == 0 {
		if exists {
			obj.SetVersion(expected)
			return errors.New(errors.KindConflict, "record %s/%s already exists", pk, sk)
		}
	} else if !exists || row.version != expected {
		obj.SetVersion(expected)
		return errors.New(errors.KindConflict, "record %s/%s version %d is stale", pk, sk, expected)
	}
	if s.rows[pk] == nil {
		s.rows[pk] = map[string]*memoryRow{}
	}
	s.rows[pk][sk] = &memoryRow{sk: sk, version: expected + 1, data: data}
	return nil
}

func (s *RecordStore[T]) Delete(_ context.Context, pk, sk string) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[pk][sk]; !ok {
		return errors.New(errors.KindNotFound, "record %s/%s not found", pk, sk)
	}
	delete(s.rows[pk], sk)
	return nil
}

func (s *RecordStore[T]) Scan(_ context.Context, pk, skPrefix string, opts records.ScanOptions) (*records.Page[T], error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	after := ""
	if opts.Cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(opts.Cursor)
		if err != nil {
			return nil, errors.New(errors.KindValidation, "malformed scan cursor")
		}
		after = string(raw)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = records.DefaultScanLimit
	}

	s.mu.RLock()
	var matched []*memoryRow
	for _, row := range s.rows[pk] {
		if !strings.HasPrefix(row.sk, skPrefix) {
			continue
		}
		if after != "" && row.sk <= after {
			continue
		}
		matched = append(matched, row)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].sk < matched[j].sk })
	page := &records.Page[T]{}
	for i, row := range matched {
		if i == limit {
			page.Cursor = base64.RawURLEncoding.EncodeToString([]byte(matched[i-1].sk))
			break
		}
		obj := newObject[T]()
		if err := json.Unmarshal(row.data, obj); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "decoding record %s/%s", pk, row.sk)
		}
		obj.SetVersion(row.version)
		page.Items = append(page.Items, obj)
	}
	return page, nil
}

// newObject builds a fresh instance for T, which is always a pointer
// type in this codebase.
func newObject[T records.Object]() T {
	var t T
	return reflect.New(reflect.TypeOf(t).Elem()).Interface().(T)
}

type resettable interface{ Reset() }

// RecordStores is the in-memory counterpart of records.NewMongoStores
// for tests. Reset must be called between tests.
type RecordStores struct {
	*records.Stores

	Customers    *RecordStore[*v1.Customer]
	Tenants      *RecordStore[*v1.Tenant]
	Licenses     *RecordStore[*v1.License]
	Usage        *RecordStore[*v1.LicenseUsage]
	Reservations *RecordStore[*v1.Reservation]
	RuleSources  *RecordStore[*v1.RuleSource]
	Rules        *RecordStore[*v1.Rule]
	SyncStamps   *RecordStore[*v1.SyncStamp]
	RuleSets     *RecordStore[*v1.RuleSet]
	Compiled     *RecordStore[*v1.CompiledRuleSet]
	Jobs         *RecordStore[*v1.Job]
	Slots        *RecordStore[*v1.TenantSlot]
	Schedules    *RecordStore[*v1.ScheduledJob]
	Batches      *RecordStore[*v1.BatchResult]
	Snapshots    *RecordStore[*v1.MetricSnapshot]
	Reports      *RecordStore[*v1.ReportStatistics]
	Exceptions   *RecordStore[*v1.ResourceException]
	Bindings     *RecordStore[*v1.CredentialsBinding]
	Settings     *RecordStore[*v1.Setting]

	all []resettable
}

func NewRecordStores() *RecordStores {
	s := &RecordStores{
		Customers:    NewRecordStore[*v1.Customer](),
		Tenants:      NewRecordStore[*v1.Tenant](),
		Licenses:     NewRecordStore[*v1.License](),
		Usage:        NewRecordStore[*v1.LicenseUsage](),
		Reservations: NewRecordStore[*v1.Reservation](),
		RuleSources:  NewRecordStore[*v1.RuleSource](),
		Rules:        NewRecordStore[*v1.Rule](),
		SyncStamps:   NewRecordStore[*v1.SyncStamp](),
		RuleSets:     NewRecordStore[*v1.RuleSet](),
		Compiled:     NewRecordStore[*v1.CompiledRuleSet](),
		Jobs:         NewRecordStore[*v1.Job](),
		Slots:        NewRecordStore[*v1.TenantSlot](),
		Schedules:    NewRecordStore[*v1.ScheduledJob](),
		Batches:      NewRecordStore[*v1.BatchResult](),
		Snapshots:    NewRecordStore[*v1.MetricSnapshot](),
		Reports:      NewRecordStore[*v1.ReportStatistics](),
		Exceptions:   NewRecordStore[*v1.ResourceException](),
		Bindings:     NewRecordStore[*v1.CredentialsBinding](),
		Settings:     NewRecordStore[*v1.Setting](),
	}
	s.Stores = &records.Stores{
		Customers:    s.Customers,
		Tenants:      s.Tenants,
		Licenses:     s.Licenses,
		Usage:        s.Usage,
		Reservations: s.Reservations,
		RuleSources:  s.RuleSources,
		Rules:        s.Rules,
		SyncStamps:   s.SyncStamps,
		RuleSets:     s.RuleSets,
		Compiled:     s.Compiled,
		Jobs:         s.Jobs,
		Slots:        s.Slots,
		Schedules:    s.Schedules,
		Batches:      s.Batches,
		Snapshots:    s.Snapshots,
		Reports:      s.Reports,
		Exceptions:   s.Exceptions,
		Bindings:     s.Bindings,
		Settings:     s.Settings,
	}
	s.all = []resettable{
		s.Customers, s.Tenants, s.Licenses, s.Usage, s.Reservations, s.RuleSources,
		s.Rules, s.SyncStamps, s.RuleSets, s.Compiled, s.Jobs, s.Slots,
		s.Schedules, s.Batches, s.Snapshots, s.Reports, s.Exceptions,
		s.Bindings, s.Settings,
	}
	return s
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *RecordStores) Reset() {
	for _, store := range s.all {
		store.Reset()
	}
}
