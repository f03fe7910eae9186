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

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// acquireSlot takes the tenant concurrency token with a conditional
// create. An existing slot means another job is active: BUSY.
func (c *Coordinator) acquireSlot(ctx context.Context, job *v1.Job) error {
	now := c.clk.Now().UTC()
	slot := &v1.TenantSlot{
		Customer:   job.Customer,
		Tenant:     job.Tenant,
		JobID:      job.ID,
		AcquiredAt: now,
		TouchedAt:  now,
	}
	slot.Touch(now)
	if err := c.stores.Slots.Put(ctx, slot); err != nil {
		if errors.IsConflict(err) {
			return errors.New(errors.KindBusy, "tenant %q already has an active job", job.Tenant).
				WithHint("wait for the running job or enable simultaneous jobs")
		}
		return err
	}
	return nil
}

// releaseSlot frees the token, but only when this job still holds it;
// a slot reclaimed by the janitor and reacquired by a newer job is
// left alone.
func (c *Coordinator) releaseSlot(ctx context.Context, job *v1.Job) error {
	slot := &v1.TenantSlot{}
	pk, sk := v1.TenantSlotKeys(job.Customer, job.Tenant)
	if err := c.stores.Slots.Get(ctx, pk, sk, slot); err != nil {
		return err
	}
	if slot.JobID != job.ID {
		return nil
	}
	err := c.stores.Slots.Delete(ctx, pk, sk)
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}
