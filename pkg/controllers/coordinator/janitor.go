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

package coordinator

import (
	"context"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

// Janitor reclaims what crashed workers and abandoned admissions leave
// behind: slots whose job went quiet past the TTL, cancel requests the
// worker never honored within the grace window, and uncommitted quota
// reservations past their expiry.
type Janitor struct {
	coordinator *Coordinator
}

func NewJanitor(coordinator *Coordinator) *Janitor {
	return &Janitor{coordinator: coordinator}
}

func (j *Janitor) Name() string { return "janitor" }

func (j *Janitor) Start(ctx context.Context) error {
	return controllers.Tick(ctx, j.coordinator.clk, j.Name(), j.coordinator.cfg.JanitorInterval, j.Sweep)
}

// Sweep runs one janitor pass over every customer. Partial failures
// accumulate; the pass continues so one broken record cannot wedge the
// sweep.
func (j *Janitor) Sweep(ctx context.Context) (errs error) {
	customerPK, customerPrefix := v1.CustomersPartition()
	customers, err := records.ScanAll(ctx, j.coordinator.stores.Customers, customerPK, customerPrefix)
	if err != nil {
		return err
	}
	for _, customer := range customers {
		errs = multierr.Append(errs, j.sweepSlots(ctx, customer.Name))
		errs = multierr.Append(errs, j.sweepCancellations(ctx, customer.Name))
		errs = multierr.Append(errs, j.sweepReservations(ctx, customer.Name))
	}
	return errs
}

func (j *Janitor) sweepSlots(ctx context.Context, customer string) (errs error) {
	c := j.coordinator
	log := logr.FromContextOrDiscard(ctx).WithValues("customer", customer)
	slots, err := records.ScanAll(ctx, c.stores.Slots, customer, "slot/")
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	for _, slot := range slots {
		job, err := c.GetJob(ctx, customer, slot.JobID)
		if errors.IsNotFound(err) || (err == nil && job.State.Terminal()) {
			// Leaked slot; its job is gone or already settled.
			pk, sk := v1.TenantSlotKeys(customer, slot.Tenant)
			if dErr := c.stores.Slots.Delete(ctx, pk, sk); dErr != nil && !errors.IsNotFound(dErr) {
				errs = multierr.Append(errs, dErr)
			}
			reclaimsCounter.WithLabelValues(metricReasonLeaked).Inc()
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		lastTouch := slot.TouchedAt
		if job.HeartbeatAt != nil && job.HeartbeatAt.After(lastTouch) {
			lastTouch = *job.HeartbeatAt
		}
		if now.Sub(lastTouch) < c.cfg.SlotTTL {
			continue
		}
		log.Info("reclaiming stale slot", "tenant", slot.Tenant, "job-id", job.ID, "last-touch", lastTouch)
		cause := errors.New(errors.KindTimedOut, "job went quiet for longer than the slot ttl")
		if fErr := c.Finalize(ctx, job, v1.JobStateTimedOut, cause); fErr != nil && !errors.IsConflict(fErr) {
			errs = multierr.Append(errs, fErr)
			continue
		}
		reclaimsCounter.WithLabelValues(metricReasonStale).Inc()
	}
	return errs
}

func (j *Janitor) sweepCancellations(ctx context.Context, customer string) (errs error) {
	c := j.coordinator
	jobs, err := c.ListJobs(ctx, customer)
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	for _, job := range jobs {
		if job.State.Terminal() || !job.CancelRequested || job.CancelRequestedAt == nil {
			continue
		}
		if now.Sub(*job.CancelRequestedAt) < c.cfg.CancelGrace {
			continue
		}
		// Forced, not timed out: the state carries the verdict, the text
		// carries the reason, no error kind is borrowed.
		job.ErrorText = "worker did not honor the cancel request within the grace window"
		if fErr := c.Finalize(ctx, job, v1.JobStateCancelled, nil); fErr != nil && !errors.IsConflict(fErr) {
			errs = multierr.Append(errs, fErr)
			continue
		}
		reclaimsCounter.WithLabelValues(metricReasonCancelled).Inc()
	}
	return errs
}

func (j *Janitor) sweepReservations(ctx context.Context, customer string) (errs error) {
	c := j.coordinator
	licenses, err := c.licenses.List(ctx, customer)
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	for _, lic := range licenses {
		reservations, err := records.ScanAll(ctx, c.stores.Reservations, "license/"+lic.LicenseKey, "reservation/")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, reservation := range reservations {
			if reservation.ExpiresAt.After(now) {
				continue
			}
			// The job never committed; hand the unit back.
			if rErr := c.licenses.Refund(ctx, lic.LicenseKey, reservation.JobID); rErr != nil {
				errs = multierr.Append(errs, rErr)
				continue
			}
			reclaimsCounter.WithLabelValues(metricReasonReservation).Inc()
		}
	}
	return errs
}
