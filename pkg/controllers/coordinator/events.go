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
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

// SubmitEvent feeds one resource change notification into the tenant's
// coalescing window. The first event opens the window; when it closes
// the whole batch becomes one BatchResult and one scan job.
func (c *Coordinator) SubmitEvent(ctx context.Context, customer, tenant string, event v1.ResourceEvent) {
	if event.At.IsZero() {
		event.At = c.clk.Now().UTC()
	}
	c.events.Add(ctx, customer+"/"+tenant, event)
}

// FlushEvents closes every open window immediately; used on shutdown.
func (c *Coordinator) FlushEvents(ctx context.Context, customer, tenant string) {
	c.events.FlushNow(ctx, customer+"/"+tenant)
}

// flushBatch persists the closed window and submits one scan scoped to
// every active rule set of the tenant's cloud. A tenant with no active
// rule sets produces a batch record but no job.
func (c *Coordinator) flushBatch(ctx context.Context, key string, start, end time.Time, events []v1.ResourceEvent) {
	customer, tenant, _ := strings.Cut(key, "/")
	log := logr.FromContextOrDiscard(ctx).WithValues("customer", customer, "tenant", tenant)

	batch := &v1.BatchResult{
		Customer:    customer,
		Tenant:      tenant,
		ID:          uuid.NewString(),
		WindowStart: start,
		WindowEnd:   end,
		Events:      events,
	}
	batch.Touch(c.clk.Now().UTC())
	if err := c.stores.Batches.Put(ctx, batch); err != nil {
		log.Error(err, "persisting event batch")
		return
	}
	batchesCounter.Inc()

	tenantRecord := &v1.Tenant{}
	pk, sk := v1.TenantKeys(customer, tenant)
	if err := c.stores.Tenants.Get(ctx, pk, sk, tenantRecord); err != nil {
		log.Error(err, "resolving tenant for event batch")
		return
	}
	ruleSets, err := records.ScanAll(ctx, c.stores.RuleSets, customer, "ruleset/")
	if err != nil {
		log.Error(err, "listing rule sets for event batch")
		return
	}
	names := lo.FilterMap(ruleSets, func(rs *v1.RuleSet, _ int) (string, bool) {
		return rs.Name, rs.Active && rs.Cloud == tenantRecord.Cloud
	})
	if len(names) == 0 {
		log.Info("event batch has no active rule sets, skipping scan", "batch-id", batch.ID, "events", len(events))
		return
	}

	job, err := c.Submit(ctx, Submission{
		Customer:    customer,
		Tenant:      tenant,
		Cloud:       tenantRecord.Cloud,
		RuleSets:    names,
		SubmittedBy: "event-batcher",
		BatchID:     batch.ID,
	})
	if err != nil {
		log.Error(err, "submitting scan for event batch", "batch-id", batch.ID)
		return
	}
	batch.JobIDs = append(batch.JobIDs, job.ID)
	batch.Touch(c.clk.Now().UTC())
	if err := c.stores.Batches.Put(ctx, batch); err != nil {
		log.Error(err, "linking job to event batch", "batch-id", batch.ID, "job-id", job.ID)
	}
}
