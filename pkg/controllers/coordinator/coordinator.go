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

// Package coordinator admits scan jobs and owns their state machine.
// Admission runs synchronously in submission order: tenant validation,
// the tenant concurrency slot, license reservation, credential
// resolution and artifact compilation, each bounded by its own
// timeout. A job that clears admission is enqueued READY; everything
// after that is driven by a worker claiming it off the queue.
package coordinator

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/batcher"
	"github.com/ecc-platform/rule-engine/pkg/cloud"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/credentials"
	"github.com/ecc-platform/rule-engine/pkg/providers/license"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/ruleset"
	"github.com/ecc-platform/rule-engine/pkg/queue"
)

const (
	// transitionRetryLimit bounds CAS retries on job transitions.
	transitionRetryLimit = 10
)

// Config carries the coordination knobs from options.
type Config struct {
	// AdmissionTimeout bounds each admission step: license check,
	// credential resolve, artifact compile.
	AdmissionTimeout time.Duration
	// AllowSimultaneousJobs skips the tenant slot, letting one tenant
	// run several jobs at once.
	AllowSimultaneousJobs bool
	// AllowAmbientCredentials permits a submission without explicit
	// material to fall back to the engine's own environment. Off, a
	// bindingless tenant is refused with NO_CREDENTIALS.
	AllowAmbientCredentials bool
	// SlotTTL is the age after which an untouched slot is reclaimed.
	SlotTTL time.Duration
	// CancelGrace is how long a cancel request waits for the worker
	// before the job is forced CANCELLED.
	CancelGrace time.Duration
	// JanitorInterval paces the stale slot and reservation sweep.
	JanitorInterval time.Duration
	// BatchWindow is the resource event coalescing window.
	BatchWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		AdmissionTimeout:        10 * time.Second,
		AllowSimultaneousJobs:   false,
		AllowAmbientCredentials: false,
		SlotTTL:                 3 * time.Hour,
		CancelGrace:             30 * time.Second,
		JanitorInterval:         time.Minute,
		BatchWindow:             5 * time.Minute,
	}
}

// Submission is a validated scan request from the command surface.
// Credentials, when present, is injected material taking precedence
// over the tenant's registered binding.
type Submission struct {
	Customer    string
	Tenant      string
	Cloud       v1.Cloud
	Regions     []string
	RuleSets    []string
	LicenseKey  string
	Credentials map[string]string
	SubmittedBy string
	TraceID     string
	BatchID     string
}

type Coordinator struct {
	stores   *records.Stores
	licenses license.Provider
	creds    credentials.Provider
	rulesets ruleset.Provider
	queue    queue.Queue
	clk      clock.Clock
	cfg      Config

	events *batcher.Batcher[v1.ResourceEvent]
}

func NewCoordinator(stores *records.Stores, licenses license.Provider, creds credentials.Provider, rulesets ruleset.Provider, q queue.Queue, clk clock.Clock, cfg Config) *Coordinator {
	c := &Coordinator{
		stores:   stores,
		licenses: licenses,
		creds:    creds,
		rulesets: rulesets,
		queue:    q,
		clk:      clk,
		cfg:      cfg,
	}
	c.events = batcher.New[v1.ResourceEvent](clk, cfg.BatchWindow, c.flushBatch)
	return c
}

// Submit runs admission for one scan request. On success the returned
// job is READY and enqueued; on failure the returned error carries the
// admission error kind and any persisted job is terminal FAILED with
// every side effect rolled back.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (*v1.Job, error) {
	start := c.clk.Now()
	if sub.TraceID == "" {
		sub.TraceID = uuid.NewString()
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("customer", sub.Customer, "tenant", sub.Tenant, "trace-id", sub.TraceID)

	tenant, err := c.validate(ctx, &sub)
	if err != nil {
		admissionsCounter.WithLabelValues(string(errors.KindOf(err))).Inc()
		return nil, err
	}

	now := c.clk.Now().UTC()
	job := &v1.Job{
		ID:          uuid.NewString(),
		Customer:    sub.Customer,
		Tenant:      sub.Tenant,
		Cloud:       sub.Cloud,
		Regions:     sub.Regions,
		RuleSets:    sub.RuleSets,
		LicenseKey:  sub.LicenseKey,
		BatchID:     sub.BatchID,
		SubmittedBy: sub.SubmittedBy,
		TraceID:     sub.TraceID,
		State:       v1.JobStateSubmitted,
		SubmittedAt: now,
	}
	job.Touch(now)
	if err := c.stores.Jobs.Put(ctx, job); err != nil {
		return nil, err
	}
	log = log.WithValues("job-id", job.ID)

	if err := c.admit(logr.NewContext(ctx, log), job, tenant, sub); err != nil {
		admissionsCounter.WithLabelValues(string(errors.KindOf(err))).Inc()
		return nil, err
	}
	admissionsCounter.WithLabelValues(metricResultAdmitted).Inc()
	admissionDuration.Observe(c.clk.Since(start).Seconds())
	log.Info("admitted job", "cloud", job.Cloud, "regions", job.Regions, "fingerprint", job.Fingerprint)
	return job, nil
}

// admit walks the admission ladder, rolling back on the first failure.
func (c *Coordinator) admit(ctx context.Context, job *v1.Job, tenant *v1.Tenant, sub Submission) (err error) {
	var slotHeld, reserved, sealed, pinned bool
	defer func() {
		if err != nil {
			c.rollback(ctx, job, slotHeld, reserved, sealed, pinned, err)
		}
	}()

	if !c.cfg.AllowSimultaneousJobs {
		if err = c.acquireSlot(ctx, job); err != nil {
			return err
		}
		slotHeld = true
	}

	var lic *v1.License
	if sub.LicenseKey != "" {
		err = c.bounded(ctx, func(ctx context.Context) error {
			if lic, err = c.licenses.Get(ctx, sub.Customer, sub.LicenseKey); err != nil {
				return err
			}
			return c.licenses.Reserve(ctx, sub.Customer, sub.LicenseKey, sub.Tenant, job.ID, c.cfg.AdmissionTimeout)
		})
		if err != nil {
			return err
		}
		reserved = true
	}
	if err = c.transition(ctx, job, v1.JobStateReserved, nil); err != nil {
		return err
	}

	var envelope *credentials.Envelope
	err = c.bounded(ctx, func(ctx context.Context) error {
		envelope, err = c.creds.Resolve(ctx, credentials.Request{
			Customer:     sub.Customer,
			Tenant:       tenant,
			Cloud:        sub.Cloud,
			Explicit:     sub.Credentials,
			AllowAmbient: c.cfg.AllowAmbientCredentials && len(sub.Credentials) == 0,
		})
		return err
	})
	if err != nil {
		return err
	}
	var ref string
	if ref, err = c.creds.Seal(ctx, sub.Customer, sub.Tenant, envelope); err != nil {
		return err
	}
	sealed = true
	job.SecretRef = ref

	var compiled *v1.CompiledRuleSet
	err = c.bounded(ctx, func(ctx context.Context) error {
		compiled, err = c.rulesets.EnsureCompiled(ctx, ruleset.CompileRequest{
			Customer: sub.Customer,
			Tenant:   tenant,
			Cloud:    sub.Cloud,
			RuleSets: sub.RuleSets,
			License:  lic,
		})
		return err
	})
	if err != nil {
		return err
	}
	if err = c.rulesets.Acquire(ctx, sub.Cloud, compiled.Fingerprint); err != nil {
		return err
	}
	pinned = true
	job.Fingerprint = compiled.Fingerprint

	if err = c.transition(ctx, job, v1.JobStateReady, nil); err != nil {
		return err
	}
	if err = c.queue.Push(ctx, queue.Ref{Customer: job.Customer, JobID: job.ID}); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "enqueueing admitted job %s", job.ID)
	}
	if reserved {
		// Admission succeeded; the quota unit is spent. The reservation
		// only ever outlives this point when the coordinator dies here,
		// and then the janitor refunds it after its TTL.
		if cErr := c.licenses.Commit(ctx, sub.LicenseKey, job.ID); cErr != nil {
			logr.FromContextOrDiscard(ctx).Error(cErr, "committing quota unit after admission")
		}
	}
	return nil
}

// rollback unwinds a failed admission: refund the quota unit, destroy
// the sealed envelope, unpin the artifact, release the slot, and leave
// the job terminal FAILED carrying the admission error.
func (c *Coordinator) rollback(ctx context.Context, job *v1.Job, slotHeld, reserved, sealed, pinned bool, cause error) {
	log := logr.FromContextOrDiscard(ctx)
	if reserved {
		if err := c.licenses.Refund(ctx, job.LicenseKey, job.ID); err != nil {
			log.Error(err, "refunding reservation during rollback")
		}
	}
	if sealed && job.SecretRef != "" {
		if err := c.creds.Forget(ctx, job.SecretRef); err != nil && !errors.IsNotFound(err) {
			log.Error(err, "forgetting sealed credentials during rollback")
		}
		job.SecretRef = ""
	}
	if pinned && job.Fingerprint != "" {
		if err := c.rulesets.Release(ctx, job.Cloud, job.Fingerprint); err != nil {
			log.Error(err, "releasing artifact during rollback")
		}
	}
	if slotHeld {
		if err := c.releaseSlot(ctx, job); err != nil {
			log.Error(err, "releasing slot during rollback")
		}
	}
	if err := c.transition(ctx, job, v1.JobStateFailed, cause); err != nil {
		log.Error(err, "recording admission failure")
	}
}

// validate resolves the tenant and checks the submission against it.
func (c *Coordinator) validate(ctx context.Context, sub *Submission) (*v1.Tenant, error) {
	if sub.Customer == "" || sub.Tenant == "" {
		return nil, errors.New(errors.KindValidation, "submission requires customer and tenant")
	}
	if len(sub.RuleSets) == 0 && sub.BatchID == "" {
		return nil, errors.New(errors.KindValidation, "submission requires at least one rule set")
	}
	tenant := &v1.Tenant{}
	pk, sk := v1.TenantKeys(sub.Customer, sub.Tenant)
	if err := c.stores.Tenants.Get(ctx, pk, sk, tenant); err != nil {
		return nil, err
	}
	if sub.Cloud == "" {
		sub.Cloud = tenant.Cloud
	}
	if tenant.Cloud != sub.Cloud {
		return nil, errors.New(errors.KindValidation, "tenant %q is on %s, submission targets %s", sub.Tenant, tenant.Cloud, sub.Cloud)
	}
	if len(sub.Regions) == 0 {
		sub.Regions = tenant.Regions
	}
	for _, region := range sub.Regions {
		if !tenant.HasRegion(region) {
			return nil, errors.New(errors.KindValidation, "region %q is not activated for tenant %q", region, sub.Tenant)
		}
	}
	capability, err := cloud.For(sub.Cloud)
	if err != nil {
		return nil, err
	}
	if err := capability.ValidateRegions(sub.Regions); err != nil {
		return nil, err
	}
	return tenant, nil
}

// bounded applies the admission step timeout.
func (c *Coordinator) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdmissionTimeout)
	defer cancel()
	return fn(ctx)
}

// Cancel flags the job for cooperative cancellation. The worker
// observes the flag at its next region boundary; the janitor forces
// CANCELLED once the grace window passes.
func (c *Coordinator) Cancel(ctx context.Context, customer, jobID string) error {
	for attempt := 0; attempt < transitionRetryLimit; attempt++ {
		job, err := c.GetJob(ctx, customer, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return errors.New(errors.KindConflict, "job %s already finished as %s", jobID, job.State)
		}
		if job.CancelRequested {
			return nil
		}
		now := c.clk.Now().UTC()
		job.CancelRequested = true
		job.CancelRequestedAt = &now
		job.Touch(now)
		err = c.stores.Jobs.Put(ctx, job)
		if err == nil {
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
	}
	return errors.New(errors.KindConflict, "cancelling job %s kept conflicting", jobID)
}

func (c *Coordinator) GetJob(ctx context.Context, customer, jobID string) (*v1.Job, error) {
	job := &v1.Job{}
	pk, sk := v1.JobKeys(customer, jobID)
	if err := c.stores.Jobs.Get(ctx, pk, sk, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Coordinator) ListJobs(ctx context.Context, customer string) ([]*v1.Job, error) {
	return records.ScanAll(ctx, c.stores.Jobs, customer, "job/")
}

// ClaimRunning moves a READY job to RUNNING on behalf of a worker. The
// CAS loses when another worker already claimed it.
func (c *Coordinator) ClaimRunning(ctx context.Context, job *v1.Job) error {
	if job.State != v1.JobStateReady {
		return errors.New(errors.KindConflict, "job %s is %s, not READY", job.ID, job.State)
	}
	now := c.clk.Now().UTC()
	job.StartedAt = &now
	job.HeartbeatAt = &now
	job.Attempts++
	return c.transition(ctx, job, v1.JobStateRunning, nil)
}

// Heartbeat bumps the job's liveness marker so the janitor leaves its
// slot alone.
func (c *Coordinator) Heartbeat(ctx context.Context, job *v1.Job) error {
	now := c.clk.Now().UTC()
	job.HeartbeatAt = &now
	job.Touch(now)
	err := c.stores.Jobs.Put(ctx, job)
	if errors.IsConflict(err) {
		// A concurrent cancel or transition wins; the worker sees it on
		// its next checkpoint.
		return nil
	}
	return err
}

// Finalize drives the job to its terminal state and settles every
// resource it held: the tenant slot, the artifact pin and any
// surviving sealed credentials. The quota unit was committed at
// admission and stays spent. Idempotent per job.
func (c *Coordinator) Finalize(ctx context.Context, job *v1.Job, state v1.JobState, cause error) error {
	if !state.Terminal() {
		return errors.New(errors.KindInternal, "finalize requires a terminal state, got %s", state)
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("job-id", job.ID, "state", state)

	if err := c.transition(ctx, job, state, cause); err != nil {
		return err
	}
	if job.SecretRef != "" {
		if err := c.creds.Forget(ctx, job.SecretRef); err != nil && !errors.IsNotFound(err) {
			log.Error(err, "forgetting sealed credentials")
		}
	}
	if job.Fingerprint != "" {
		if err := c.rulesets.Release(ctx, job.Cloud, job.Fingerprint); err != nil && !errors.IsNotFound(err) {
			log.Error(err, "releasing artifact pin")
		}
	}
	if err := c.releaseSlot(ctx, job); err != nil && !errors.IsNotFound(err) {
		log.Error(err, "releasing tenant slot")
	}
	jobsCounter.WithLabelValues(string(state), job.Cloud.Lower()).Inc()
	log.Info("finalized job", "error_kind", job.ErrorKind)
	return nil
}

// transition CAS-writes the job's next state, reloading on conflicts.
// Moving into an already terminal job is refused so two finalizers
// cannot both win.
func (c *Coordinator) transition(ctx context.Context, job *v1.Job, state v1.JobState, cause error) error {
	now := c.clk.Now().UTC()
	for attempt := 0; attempt < transitionRetryLimit; attempt++ {
		job.State = state
		if cause != nil {
			job.ErrorKind = string(errors.KindOf(cause))
			job.ErrorText = cause.Error()
		}
		if state.Terminal() && job.FinishedAt == nil {
			job.FinishedAt = &now
		}
		job.Touch(now)
		err := c.stores.Jobs.Put(ctx, job)
		if err == nil {
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
		fresh, getErr := c.GetJob(ctx, job.Customer, job.ID)
		if getErr != nil {
			return getErr
		}
		if fresh.State.Terminal() {
			*job = *fresh
			return errors.New(errors.KindConflict, "job %s already terminal as %s", job.ID, fresh.State)
		}
		// Carry concurrent flag updates (cancel requests) forward.
		job.ObjectMeta = fresh.ObjectMeta
		job.CancelRequested = fresh.CancelRequested
		job.CancelRequestedAt = fresh.CancelRequestedAt
	}
	return errors.New(errors.KindConflict, "transitioning job %s to %s kept conflicting", job.ID, state)
}

// ActiveJobs lists the customer's non-terminal jobs for a tenant.
func (c *Coordinator) ActiveJobs(ctx context.Context, customer, tenant string) ([]*v1.Job, error) {
	jobs, err := c.ListJobs(ctx, customer)
	if err != nil {
		return nil, err
	}
	return lo.Filter(jobs, func(j *v1.Job, _ int) bool {
		return j.Tenant == tenant && !j.State.Terminal()
	}), nil
}
