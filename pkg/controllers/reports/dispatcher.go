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

// Package reports renders finished-scan reports and pushes them
// through the delivery retry pipeline. Resource exceptions apply at
// payload build time only; the raw statistics a report derives from
// are never altered.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
)

type Config struct {
	// MaxPayloadBytes fails a payload outright instead of sending it.
	MaxPayloadBytes int
	// MaxAttempts parks a report as FAILED and disables global sending
	// when exhausted.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt count between tries.
	RetryBackoff time.Duration
	// RetryInterval paces the retrier controller.
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: 4 * 1024 * 1024,
		MaxAttempts:     4,
		RetryBackoff:    15 * time.Minute,
		RetryInterval:   time.Minute,
	}
}

type Dispatcher struct {
	stores *records.Stores
	blob   blob.Provider
	sink   Sink
	clk    clock.Clock
	cfg    Config
}

func NewDispatcher(stores *records.Stores, blobs blob.Provider, sink Sink, clk clock.Clock, cfg Config) *Dispatcher {
	return &Dispatcher{
		stores: stores,
		blob:   blobs,
		sink:   sink,
		clk:    clk,
		cfg:    cfg,
	}
}

// Dispatch renders one report for an entity and enters it into the
// pipeline. Oversized payloads fail validation before any record or
// delivery attempt exists. When global sending is disabled the report
// parks as PENDING and the retrier picks it up once sending returns.
func (d *Dispatcher) Dispatch(ctx context.Context, customer, tenant, entity string, reportType v1.ReportType, statistics *v1.JobStatistics) (*v1.ReportStatistics, error) {
	body, err := d.BuildPayload(ctx, customer, tenant, reportType, statistics)
	if err != nil {
		return nil, err
	}
	if len(body) > d.cfg.MaxPayloadBytes {
		return nil, errors.New(errors.KindValidation, "%s report for %q is %d bytes, limit is %d", reportType, entity, len(body), d.cfg.MaxPayloadBytes)
	}
	key := v1.ReportBlobKey(entity, reportType)
	if err := d.blob.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return nil, err
	}

	now := d.clk.Now().UTC()
	record := &v1.ReportStatistics{
		Customer:   customer,
		ID:         uuid.NewString(),
		Entity:     entity,
		Type:       reportType,
		Status:     v1.ReportStatusPending,
		PayloadKey: key,
	}
	record.Touch(now)
	if err := d.stores.Reports.Put(ctx, record); err != nil {
		return nil, err
	}
	if d.SendingDisabled(ctx) {
		logr.FromContextOrDiscard(ctx).Info("report sending is disabled, parking report", "entity", entity, "type", reportType)
		return record, nil
	}
	d.attempt(ctx, record, Payload{Customer: customer, Entity: entity, Type: reportType, Body: body})
	return record, nil
}

// attempt performs one delivery and settles the record accordingly.
// The final failed attempt trips the global sending switch so a dead
// receiver stops burning every tenant's retries.
func (d *Dispatcher) attempt(ctx context.Context, record *v1.ReportStatistics, payload Payload) {
	log := logr.FromContextOrDiscard(ctx).WithValues("entity", record.Entity, "type", record.Type)
	now := d.clk.Now().UTC()
	err := d.sink.Send(ctx, payload)
	if err == nil {
		record.Status = v1.ReportStatusSucceeded
		record.DispatchedAt = &now
		record.NextAttemptAt = nil
		record.LastError = ""
		record.Touch(now)
		if putErr := d.stores.Reports.Put(ctx, record); putErr != nil {
			log.Error(putErr, "recording report delivery")
		}
		deliveriesCounter.WithLabelValues(metricResultDelivered).Inc()
		return
	}

	record.Attempts++
	record.LastError = err.Error()
	if record.Attempts >= d.cfg.MaxAttempts {
		record.Status = v1.ReportStatusFailed
		record.NextAttemptAt = nil
		deliveriesCounter.WithLabelValues(metricResultExhausted).Inc()
		log.Error(err, "report delivery exhausted its attempts, disabling sending", "attempts", record.Attempts)
		d.DisableSending(ctx)
	} else {
		next := now.Add(time.Duration(record.Attempts) * d.cfg.RetryBackoff)
		record.Status = v1.ReportStatusPending
		record.NextAttemptAt = &next
		deliveriesCounter.WithLabelValues(metricResultRetrying).Inc()
		log.Error(err, "report delivery failed, scheduling retry", "attempt", record.Attempts, "next-attempt", next)
	}
	record.Touch(now)
	if putErr := d.stores.Reports.Put(ctx, record); putErr != nil {
		log.Error(putErr, "recording report delivery failure")
	}
}

// BuildPayload renders the report envelope with active resource
// exceptions applied. The suppression happens here and only here.
func (d *Dispatcher) BuildPayload(ctx context.Context, customer, tenant string, reportType v1.ReportType, statistics *v1.JobStatistics) ([]byte, error) {
	exceptions, err := d.activeExceptions(ctx, customer, tenant)
	if err != nil {
		return nil, err
	}
	redacted := suppress(statistics, exceptions)
	envelope := struct {
		Customer    string            `json:"customer"`
		Tenant      string            `json:"tenant"`
		Type        v1.ReportType     `json:"report_type"`
		GeneratedAt time.Time         `json:"generated_at"`
		Statistics  *v1.JobStatistics `json:"statistics"`
	}{
		Customer:    customer,
		Tenant:      tenant,
		Type:        reportType,
		GeneratedAt: d.clk.Now().UTC(),
		Statistics:  redacted,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "rendering %s report", reportType)
	}
	return body, nil
}

func (d *Dispatcher) activeExceptions(ctx context.Context, customer, tenant string) ([]*v1.ResourceException, error) {
	exceptions, err := records.ScanAll(ctx, d.stores.Exceptions, customer, "exception/"+tenant+"/")
	if err != nil {
		return nil, err
	}
	now := d.clk.Now().UTC()
	return lo.Filter(exceptions, func(e *v1.ResourceException, _ int) bool {
		return !e.Expired(now)
	}), nil
}

// suppress returns a copy of the statistics with excepted resources
// removed. A rule whose failures are all excepted flips to PASSED in
// the report; the stored statistics keep the truth.
func suppress(statistics *v1.JobStatistics, exceptions []*v1.ResourceException) *v1.JobStatistics {
	if len(exceptions) == 0 {
		return statistics
	}
	out := *statistics
	out.Rules = make([]v1.RuleResult, len(statistics.Rules))
	out.Summary = v1.RulesSummary{Total: statistics.Summary.Total, Disabled: statistics.Summary.Disabled}
	for i, rule := range statistics.Rules {
		kept := lo.Filter(rule.FailedResources, func(r v1.Resource, _ int) bool {
			return !lo.SomeBy(exceptions, func(e *v1.ResourceException) bool {
				return e.Matches(r, nil)
			})
		})
		rule.FailedResources = kept
		if rule.Status == v1.FindingFailed && rule.ErrorKind == "" && len(kept) == 0 {
			rule.Status = v1.FindingPassed
		}
		out.Rules[i] = rule
		switch rule.Status {
		case v1.FindingPassed:
			out.Summary.Passed++
		case v1.FindingFailed:
			out.Summary.Failed++
			if len(kept) > 0 {
				if out.Summary.ResourceSamples == nil {
					out.Summary.ResourceSamples = map[string][]v1.Resource{}
				}
				samples := kept
				if len(samples) > v1.SampleLimit {
					samples = samples[:v1.SampleLimit]
				}
				out.Summary.ResourceSamples[rule.RuleID] = samples
			}
		}
	}
	return &out
}

// SendingDisabled reads the global sending switch; a missing or
// unparsable setting means sending is on.
func (d *Dispatcher) SendingDisabled(ctx context.Context) bool {
	setting := &v1.Setting{}
	pk, sk := v1.SettingKeys(v1.SettingScopeGlobal, v1.SettingReportSendingDisabled)
	if err := d.stores.Settings.Get(ctx, pk, sk, setting); err != nil {
		return false
	}
	disabled, err := strconv.ParseBool(setting.Value)
	return err == nil && disabled
}

// DisableSending trips the global switch. Losing the CAS means another
// replica already tripped it.
func (d *Dispatcher) DisableSending(ctx context.Context) {
	setting := &v1.Setting{}
	pk, sk := v1.SettingKeys(v1.SettingScopeGlobal, v1.SettingReportSendingDisabled)
	if err := d.stores.Settings.Get(ctx, pk, sk, setting); err != nil {
		if !errors.IsNotFound(err) {
			logr.FromContextOrDiscard(ctx).Error(err, "reading sending switch")
			return
		}
		setting = &v1.Setting{Scope: v1.SettingScopeGlobal, Name: v1.SettingReportSendingDisabled}
	}
	setting.Value = "true"
	setting.Touch(d.clk.Now().UTC())
	if err := d.stores.Settings.Put(ctx, setting); err != nil && !errors.IsConflict(err) {
		logr.FromContextOrDiscard(ctx).Error(err, "tripping sending switch")
	}
}

// EnableSending resets the global switch; used by the settings command
// once the receiver recovers.
func (d *Dispatcher) EnableSending(ctx context.Context) error {
	setting := &v1.Setting{}
	pk, sk := v1.SettingKeys(v1.SettingScopeGlobal, v1.SettingReportSendingDisabled)
	if err := d.stores.Settings.Get(ctx, pk, sk, setting); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	setting.Value = "false"
	setting.Touch(d.clk.Now().UTC())
	return d.stores.Settings.Put(ctx, setting)
}
