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

// Package scheduler fires scheduled jobs on their cron or rate
// schedules. Every engine replica ticks; the CAS on LastFireTime
// decides which replica owns a nominal fire, so n replicas and one
// replica dispatch exactly the same jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers"
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type Config struct {
	// TickInterval paces the dispatch pass.
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{TickInterval: time.Minute}
}

type Scheduler struct {
	stores      *records.Stores
	coordinator *coordinator.Coordinator
	clk         clock.Clock
	cfg         Config
}

func NewScheduler(stores *records.Stores, c *coordinator.Coordinator, clk clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		stores:      stores,
		coordinator: c,
		clk:         clk,
		cfg:         cfg,
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	return controllers.Tick(ctx, s.clk, s.Name(), s.cfg.TickInterval, s.TickOnce)
}

// TickOnce runs one dispatch pass over every customer's schedules. A
// schedule whose submission fails stays fired for this nominal tick;
// the failure lands in the job record and the log, never in the way of
// the other schedules.
func (s *Scheduler) TickOnce(ctx context.Context) (errs error) {
	customerPK, customerPrefix := v1.CustomersPartition()
	customers, err := records.ScanAll(ctx, s.stores.Customers, customerPK, customerPrefix)
	if err != nil {
		return err
	}
	for _, customer := range customers {
		errs = multierr.Append(errs, s.dispatch(ctx, customer.Name))
	}
	return errs
}

func (s *Scheduler) dispatch(ctx context.Context, customer string) (errs error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("customer", customer)
	schedules, err := records.ScanAll(ctx, s.stores.Schedules, customer, "schedule/")
	if err != nil {
		return err
	}
	now := s.clk.Now().UTC()
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		expression, err := Parse(schedule.Schedule)
		if err != nil {
			log.Error(err, "skipping schedule with a bad expression", "schedule", schedule.Name)
			continue
		}
		base := schedule.CreatedAt
		if schedule.LastFireTime != nil {
			base = *schedule.LastFireTime
		}
		if expression.Next(base).After(now) {
			continue
		}
		if !s.claim(ctx, schedule, now) {
			continue
		}
		firesCounter.Inc()
		if _, err := s.coordinator.Submit(ctx, coordinator.Submission{
			Customer:    customer,
			Tenant:      schedule.Tenant,
			Cloud:       s.tenantCloud(ctx, customer, schedule.Tenant),
			Regions:     schedule.Regions,
			RuleSets:    schedule.RuleSets,
			SubmittedBy: "scheduler/" + schedule.Name,
		}); err != nil {
			log.Error(err, "dispatching scheduled job", "schedule", schedule.Name)
		}
	}
	return errs
}

// claim CAS-writes LastFireTime; losing the write means another
// replica owns this fire.
func (s *Scheduler) claim(ctx context.Context, schedule *v1.ScheduledJob, now time.Time) bool {
	schedule.LastFireTime = &now
	schedule.Touch(now)
	err := s.stores.Schedules.Put(ctx, schedule)
	if err == nil {
		return true
	}
	if !errors.IsConflict(err) {
		logr.FromContextOrDiscard(ctx).Error(err, "claiming schedule fire", "schedule", schedule.Name)
	}
	return false
}

func (s *Scheduler) tenantCloud(ctx context.Context, customer, tenant string) v1.Cloud {
	record := &v1.Tenant{}
	pk, sk := v1.TenantKeys(customer, tenant)
	if err := s.stores.Tenants.Get(ctx, pk, sk, record); err != nil {
		// Submit revalidates the tenant and fails the job properly.
		return ""
	}
	return record.Cloud
}
