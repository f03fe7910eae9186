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

package reports

import (
	"context"
	"io"
	"sort"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

// Retrier re-attempts parked report deliveries once their backoff
// elapses and sending is enabled.
type Retrier struct {
	dispatcher *Dispatcher
}

func NewRetrier(dispatcher *Dispatcher) *Retrier {
	return &Retrier{dispatcher: dispatcher}
}

func (r *Retrier) Name() string { return "report-retrier" }

func (r *Retrier) Start(ctx context.Context) error {
	return controllers.Tick(ctx, r.dispatcher.clk, r.Name(), r.dispatcher.cfg.RetryInterval, r.Sweep)
}

// Sweep retries every due PENDING report across all customers. Nothing
// moves while the global sending switch is tripped.
func (r *Retrier) Sweep(ctx context.Context) (errs error) {
	d := r.dispatcher
	if d.SendingDisabled(ctx) {
		return nil
	}
	customerPK, customerPrefix := v1.CustomersPartition()
	customers, err := records.ScanAll(ctx, d.stores.Customers, customerPK, customerPrefix)
	if err != nil {
		return err
	}
	now := d.clk.Now().UTC()
	for _, customer := range customers {
		reports, err := records.ScanAll(ctx, d.stores.Reports, customer.Name, "report/")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, record := range reports {
			if record.Status != v1.ReportStatusPending {
				continue
			}
			if record.NextAttemptAt != nil && record.NextAttemptAt.After(now) {
				continue
			}
			errs = multierr.Append(errs, r.retryOne(ctx, record))
		}
	}
	return errs
}

func (r *Retrier) retryOne(ctx context.Context, record *v1.ReportStatistics) error {
	d := r.dispatcher
	body, err := r.loadPayload(ctx, record)
	if err != nil {
		return err
	}
	retriesCounter.Inc()
	d.attempt(ctx, record, Payload{
		Customer: record.Customer,
		Entity:   record.Entity,
		Type:     record.Type,
		Body:     body,
	})
	return nil
}

func (r *Retrier) loadPayload(ctx context.Context, record *v1.ReportStatistics) ([]byte, error) {
	body, err := r.dispatcher.blob.Get(ctx, record.PayloadKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "reading report payload %q", record.PayloadKey)
	}
	return data, nil
}

// RetryAll re-queues every failed report of a customer. Reports for
// the same (entity, type) collapse to the newest one; the older copies
// are marked DUPLICATE so one outage does not multiply into a storm of
// identical deliveries.
func (d *Dispatcher) RetryAll(ctx context.Context, customer string) (int, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("customer", customer)
	reports, err := records.ScanAll(ctx, d.stores.Reports, customer, "report/")
	if err != nil {
		return 0, err
	}
	candidates := map[string][]*v1.ReportStatistics{}
	for _, record := range reports {
		if record.Status == v1.ReportStatusFailed || record.Status == v1.ReportStatusPending {
			candidates[record.DedupKey()] = append(candidates[record.DedupKey()], record)
		}
	}

	now := d.clk.Now().UTC()
	requeued := 0
	var errs error
	for _, group := range candidates {
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		for i, record := range group {
			if i == 0 {
				record.Status = v1.ReportStatusPending
				record.Attempts = 0
				record.NextAttemptAt = &now
				record.LastError = ""
			} else {
				record.Status = v1.ReportStatusDuplicate
				record.NextAttemptAt = nil
			}
			record.Touch(now)
			if err := d.stores.Reports.Put(ctx, record); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if i == 0 {
				requeued++
			}
		}
	}
	log.Info("requeued failed reports", "requeued", requeued)
	return requeued, errs
}
