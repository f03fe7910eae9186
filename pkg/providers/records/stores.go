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

package records

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Stores bundles every typed record table. Components receive the
// whole bundle and use what they need.
type Stores struct {
	Customers    Store[*v1.Customer]
	Tenants      Store[*v1.Tenant]
	Licenses     Store[*v1.License]
	Usage        Store[*v1.LicenseUsage]
	Reservations Store[*v1.Reservation]
	RuleSources  Store[*v1.RuleSource]
	Rules        Store[*v1.Rule]
	SyncStamps   Store[*v1.SyncStamp]
	RuleSets     Store[*v1.RuleSet]
	Compiled     Store[*v1.CompiledRuleSet]
	Jobs         Store[*v1.Job]
	Slots        Store[*v1.TenantSlot]
	Schedules    Store[*v1.ScheduledJob]
	Batches      Store[*v1.BatchResult]
	Snapshots    Store[*v1.MetricSnapshot]
	Reports      Store[*v1.ReportStatistics]
	Exceptions   Store[*v1.ResourceException]
	Bindings     Store[*v1.CredentialsBinding]
	Settings     Store[*v1.Setting]

	liveCheck     func(ctx context.Context) error
	ensureIndexes func(ctx context.Context) error
}

// NewMongoStores maps each record type onto its own collection.
func NewMongoStores(db *mongo.Database) *Stores {
	var indexed []interface{ EnsureIndexes(context.Context) error }
	collection := func(name string) *mongo.Collection { return db.Collection(name) }
	track := func(s interface{ EnsureIndexes(context.Context) error }) {
		indexed = append(indexed, s)
	}

	customers := NewMongoStore(collection("customers"), func() *v1.Customer { return &v1.Customer{} })
	track(customers)
	tenants := NewMongoStore(collection("tenants"), func() *v1.Tenant { return &v1.Tenant{} })
	track(tenants)
	licenses := NewMongoStore(collection("licenses"), func() *v1.License { return &v1.License{} })
	track(licenses)
	usage := NewMongoStore(collection("license_usage"), func() *v1.LicenseUsage { return &v1.LicenseUsage{} })
	track(usage)
	reservations := NewMongoStore(collection("reservations"), func() *v1.Reservation { return &v1.Reservation{} })
	track(reservations)
	ruleSources := NewMongoStore(collection("rule_sources"), func() *v1.RuleSource { return &v1.RuleSource{} })
	track(ruleSources)
	rules := NewMongoStore(collection("rules"), func() *v1.Rule { return &v1.Rule{} })
	track(rules)
	syncStamps := NewMongoStore(collection("sync_stamps"), func() *v1.SyncStamp { return &v1.SyncStamp{} })
	track(syncStamps)
	ruleSets := NewMongoStore(collection("rulesets"), func() *v1.RuleSet { return &v1.RuleSet{} })
	track(ruleSets)
	compiled := NewMongoStore(collection("compiled_rulesets"), func() *v1.CompiledRuleSet { return &v1.CompiledRuleSet{} })
	track(compiled)
	jobs := NewMongoStore(collection("jobs"), func() *v1.Job { return &v1.Job{} })
	track(jobs)
	slots := NewMongoStore(collection("tenant_slots"), func() *v1.TenantSlot { return &v1.TenantSlot{} })
	track(slots)
	schedules := NewMongoStore(collection("scheduled_jobs"), func() *v1.ScheduledJob { return &v1.ScheduledJob{} })
	track(schedules)
	batches := NewMongoStore(collection("batches"), func() *v1.BatchResult { return &v1.BatchResult{} })
	track(batches)
	snapshots := NewMongoStore(collection("snapshots"), func() *v1.MetricSnapshot { return &v1.MetricSnapshot{} })
	track(snapshots)
	reports := NewMongoStore(collection("reports"), func() *v1.ReportStatistics { return &v1.ReportStatistics{} })
	track(reports)
	exceptions := NewMongoStore(collection("exceptions"), func() *v1.ResourceException { return &v1.ResourceException{} })
	track(exceptions)
	bindings := NewMongoStore(collection("credentials_bindings"), func() *v1.CredentialsBinding { return &v1.CredentialsBinding{} })
	track(bindings)
	settings := NewMongoStore(collection("settings"), func() *v1.Setting { return &v1.Setting{} })
	track(settings)

	return &Stores{
		Customers:    customers,
		Tenants:      tenants,
		Licenses:     licenses,
		Usage:        usage,
		Reservations: reservations,
		RuleSources:  ruleSources,
		Rules:        rules,
		SyncStamps:   syncStamps,
		RuleSets:     ruleSets,
		Compiled:     compiled,
		Jobs:         jobs,
		Slots:        slots,
		Schedules:    schedules,
		Batches:      batches,
		Snapshots:    snapshots,
		Reports:      reports,
		Exceptions:   exceptions,
		Bindings:     bindings,
		Settings:     settings,
		liveCheck: func(ctx context.Context) error {
			if err := db.Client().Ping(ctx, readpref.Primary()); err != nil {
				return errors.Wrap(err, errors.KindUpstreamUnavailable, "pinging record store")
			}
			return nil
		},
		ensureIndexes: func(ctx context.Context) error {
			var err error
			for _, store := range indexed {
				err = multierr.Append(err, store.EnsureIndexes(ctx))
			}
			return err
		},
	}
}

// EnsureIndexes prepares every collection; called once at startup.
func (s *Stores) EnsureIndexes(ctx context.Context) error {
	if s.ensureIndexes == nil {
		return nil
	}
	return s.ensureIndexes(ctx)
}

// LiveCheck pings the backing database for health probes.
func (s *Stores) LiveCheck(ctx context.Context) error {
	if s.liveCheck == nil {
		return nil
	}
	return s.liveCheck(ctx)
}
