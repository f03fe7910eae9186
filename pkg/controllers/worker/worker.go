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

// Package worker drives admitted jobs end to end. Each worker pops one
// job reference at a time, claims the job, materializes the compiled
// artifact, unseals the credentials exactly once, runs the evaluator
// per region with cooperative cancel checkpoints, uploads the raw
// output tree, and finalizes through the coordinator.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/cloud"
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/evaluator"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/credentials"
	"github.com/ecc-platform/rule-engine/pkg/providers/ruleset"
	"github.com/ecc-platform/rule-engine/pkg/queue"
)

const (
	// artifactFile is the local name of the downloaded policy bundle.
	artifactFile = "policies.yaml"
	// crashPolicy is the pseudo-policy a synthesized failure manifest
	// is filed under when the evaluator dies before producing output.
	crashPolicy = "evaluator"
	// globalRegion labels output of clouds without a region dimension.
	globalRegion = "global"
)

type Config struct {
	// Workers is the pool size; each worker runs one job at a time.
	Workers int
	// JobTimeout is the wall-clock limit of one job across all regions.
	JobTimeout time.Duration
	// HeartbeatInterval paces the liveness marker while a job runs.
	HeartbeatInterval time.Duration
	// ScratchDir holds per-job working trees; each is removed when the
	// job settles.
	ScratchDir string
}

func DefaultConfig() Config {
	return Config{
		Workers:           4,
		JobTimeout:        2 * time.Hour,
		HeartbeatInterval: 30 * time.Second,
		ScratchDir:        os.TempDir(),
	}
}

type Worker struct {
	coordinator *coordinator.Coordinator
	rulesets    ruleset.Provider
	creds       credentials.Provider
	blob        blob.Provider
	ingestor    *results.Ingestor
	queue       queue.Queue
	evaluator   evaluator.Evaluator
	fs          afero.Fs
	clk         clock.Clock
	cfg         Config

	// onSucceeded runs after a job settles SUCCEEDED, with its
	// canonical statistics. The metric aggregator hangs off this.
	onSucceeded func(ctx context.Context, job *v1.Job, statistics *v1.JobStatistics)
}

// OnSucceeded registers the post-success hook.
func (w *Worker) OnSucceeded(fn func(ctx context.Context, job *v1.Job, statistics *v1.JobStatistics)) {
	w.onSucceeded = fn
}

func NewWorker(c *coordinator.Coordinator, rulesets ruleset.Provider, creds credentials.Provider, blobs blob.Provider, ingestor *results.Ingestor, q queue.Queue, eval evaluator.Evaluator, fs afero.Fs, clk clock.Clock, cfg Config) *Worker {
	return &Worker{
		coordinator: c,
		rulesets:    rulesets,
		creds:       creds,
		blob:        blobs,
		ingestor:    ingestor,
		queue:       q,
		evaluator:   eval,
		fs:          fs,
		clk:         clk,
		cfg:         cfg,
	}
}

func (w *Worker) Name() string { return "worker" }

// Start runs the pool until the context ends.
func (w *Worker) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		group.Go(func() error {
			for {
				ref, err := w.queue.Pop(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logr.FromContextOrDiscard(ctx).Error(err, "popping job reference")
					continue
				}
				w.Process(ctx, ref)
			}
		})
	}
	return group.Wait()
}

// Process drives one popped reference to a terminal job. Stale
// references, lost claims and already-settled jobs are skipped; the
// janitor owns whatever a dead worker leaves behind.
func (w *Worker) Process(ctx context.Context, ref queue.Ref) {
	log := logr.FromContextOrDiscard(ctx).WithValues("customer", ref.Customer, "job-id", ref.JobID)
	ctx = logr.NewContext(ctx, log)

	job, err := w.coordinator.GetJob(ctx, ref.Customer, ref.JobID)
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Error(err, "loading referenced job")
		}
		return
	}
	if job.State.Terminal() {
		return
	}
	if job.CancelRequested {
		job.ErrorText = "cancelled before the scan started"
		w.finalize(ctx, job, v1.JobStateCancelled, nil)
		return
	}
	if err := w.coordinator.ClaimRunning(ctx, job); err != nil {
		if !errors.IsConflict(err) {
			log.Error(err, "claiming job")
		}
		return
	}

	start := w.clk.Now()
	state, statistics, cause := w.execute(ctx, job)
	scanDuration.Observe(w.clk.Since(start).Seconds())
	w.finalize(ctx, job, state, cause)
	if state == v1.JobStateSucceeded && statistics != nil && w.onSucceeded != nil {
		w.onSucceeded(ctx, job, statistics)
	}
}

func (w *Worker) finalize(ctx context.Context, job *v1.Job, state v1.JobState, cause error) {
	log := logr.FromContextOrDiscard(ctx)
	if err := w.coordinator.Finalize(ctx, job, state, cause); err != nil && !errors.IsConflict(err) {
		log.Error(err, "finalizing job", "state", state)
	}
	jobsCounter.WithLabelValues(string(state), job.Cloud.Lower()).Inc()
}

// execute runs the claimed job under its wall-clock limit and returns
// the terminal state it earned.
func (w *Worker) execute(ctx context.Context, job *v1.Job) (v1.JobState, *v1.JobStatistics, error) {
	log := logr.FromContextOrDiscard(ctx)
	runCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	stopHeartbeat := w.heartbeat(runCtx, job)
	defer stopHeartbeat()

	scratch := filepath.Join(w.cfg.ScratchDir, job.ID)
	if err := w.fs.MkdirAll(scratch, 0o700); err != nil {
		return v1.JobStateFailed, nil, errors.Wrap(err, errors.KindInternal, "preparing scratch dir for job %s", job.ID)
	}
	defer func() {
		if err := w.fs.RemoveAll(scratch); err != nil {
			log.Error(err, "removing scratch dir")
		}
	}()

	artifactPath, err := w.materializeArtifact(runCtx, job, scratch)
	if err != nil {
		return v1.JobStateFailed, nil, err
	}
	env, err := w.unsealOnce(runCtx, job)
	if err != nil {
		return v1.JobStateFailed, nil, err
	}

	regions := job.Regions
	if len(regions) == 0 {
		regions = []string{""}
	}
	for _, region := range regions {
		cancelled, err := w.cancelCheckpoint(runCtx, job)
		if err != nil {
			return v1.JobStateFailed, nil, err
		}
		if cancelled {
			return v1.JobStateCancelled, nil, nil
		}
		if state, cause := w.evaluateRegion(runCtx, job, artifactPath, scratch, region, env); state != "" {
			if state == v1.JobStateTimedOut {
				clearEnv(env)
				// The cut-short job still gets its statistics document,
				// built from every region that reached the store.
				if _, ingestErr := w.ingestor.Ingest(context.WithoutCancel(ctx), job); ingestErr != nil {
					log.Error(ingestErr, "ingesting partial results after timeout")
				}
			}
			return state, nil, cause
		}
	}
	// The moment of truth for secrets is past; scrub the in-memory copy.
	clearEnv(env)

	statistics, err := w.ingestor.Ingest(ctx, job)
	if err != nil {
		return v1.JobStateFailed, nil, err
	}
	if len(statistics.Rules) == 0 {
		return v1.JobStateFailed, nil, errors.New(errors.KindNoRules, "no rule produced usable output")
	}
	return v1.JobStateSucceeded, statistics, nil
}

// evaluateRegion runs one region and uploads its output tree. A
// returned empty state means the job goes on; a non-empty state ends
// it.
func (w *Worker) evaluateRegion(ctx context.Context, job *v1.Job, artifactPath, scratch, region string, env map[string]string) (v1.JobState, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("region", region)
	label := region
	if label == "" {
		label = globalRegion
	}
	outputDir := filepath.Join(scratch, label)
	if err := w.fs.MkdirAll(outputDir, 0o700); err != nil {
		return v1.JobStateFailed, errors.Wrap(err, errors.KindInternal, "preparing output dir for region %q", label)
	}

	start := w.clk.Now()
	err := w.evaluator.Run(ctx, evaluator.Request{
		JobID:        job.ID,
		Cloud:        job.Cloud,
		ArtifactPath: artifactPath,
		Region:       region,
		OutputDir:    outputDir,
		Env:          env,
	})
	regionDuration.Observe(w.clk.Since(start).Seconds())
	if err != nil {
		if errors.IsTimedOut(err) || ctx.Err() != nil {
			regionsCounter.WithLabelValues(metricResultTimedOut).Inc()
			cause := errors.New(errors.KindTimedOut, "job hit its wall-clock limit in region %q", label)
			// The deadline already fired; file the unfinished rule and
			// flush the region on a context the limit cannot cancel.
			flushCtx := context.WithoutCancel(ctx)
			if synthErr := w.synthesizeFailure(outputDir, v1.ScanErrorInternal, cause.Error()); synthErr != nil {
				log.Error(synthErr, "synthesizing timeout manifest")
			} else if upErr := w.uploadRegion(flushCtx, job.ID, label, outputDir); upErr != nil {
				log.Error(upErr, "uploading timed out region")
			}
			return v1.JobStateTimedOut, cause
		}
		// The evaluator died without output; synthesize the manifest so
		// ingestion records the region as a classified failure.
		regionsCounter.WithLabelValues(metricResultCrashed).Inc()
		log.Error(err, "evaluator failed, synthesizing failure manifest")
		if synthErr := w.synthesizeCrash(job, outputDir, err); synthErr != nil {
			return v1.JobStateFailed, synthErr
		}
	} else {
		regionsCounter.WithLabelValues(metricResultEvaluated).Inc()
	}
	if err := w.uploadRegion(ctx, job.ID, label, outputDir); err != nil {
		return v1.JobStateFailed, err
	}
	return "", nil
}

// materializeArtifact downloads the compiled policy bundle into the
// scratch tree.
func (w *Worker) materializeArtifact(ctx context.Context, job *v1.Job, scratch string) (string, error) {
	compiled, err := w.rulesets.GetCompiled(ctx, job.Cloud, job.Fingerprint)
	if err != nil {
		return "", err
	}
	body, err := w.blob.Get(ctx, compiled.ArtifactKey)
	if err != nil {
		return "", err
	}
	defer body.Close()
	path := filepath.Join(scratch, artifactFile)
	file, err := w.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "creating local artifact for job %s", job.ID)
	}
	defer file.Close()
	if _, err := io.Copy(file, body); err != nil {
		return "", errors.Wrap(err, errors.KindUpstreamUnavailable, "downloading artifact %q", compiled.ArtifactKey)
	}
	return path, nil
}

// unsealOnce opens the sealed envelope and destroys the seal before
// the evaluator runs, so the material cannot be unsealed twice even if
// this worker dies mid-scan.
func (w *Worker) unsealOnce(ctx context.Context, job *v1.Job) (map[string]string, error) {
	log := logr.FromContextOrDiscard(ctx)
	envelope, err := w.creds.Unseal(ctx, job.SecretRef)
	if err != nil {
		return nil, err
	}
	if err := w.creds.Forget(ctx, job.SecretRef); err != nil && !errors.IsNotFound(err) {
		log.Error(err, "forgetting unsealed credentials")
	}
	job.SecretRef = ""
	if !envelope.ExpiresAt.IsZero() && w.clk.Now().After(envelope.ExpiresAt) {
		return nil, errors.New(errors.KindNoCredentials, "sealed credentials expired before the scan started")
	}
	return envelope.Env, nil
}

// cancelCheckpoint reloads the job at a region boundary and reports a
// pending cancel request.
func (w *Worker) cancelCheckpoint(ctx context.Context, job *v1.Job) (bool, error) {
	fresh, err := w.coordinator.GetJob(ctx, job.Customer, job.ID)
	if err != nil {
		return false, err
	}
	job.ObjectMeta = fresh.ObjectMeta
	job.CancelRequested = fresh.CancelRequested
	job.CancelRequestedAt = fresh.CancelRequestedAt
	return fresh.CancelRequested, nil
}

// synthesizeCrash files the evaluator failure under a pseudo-policy so
// the region still shows up in the statistics, classified through the
// cloud's error table.
func (w *Worker) synthesizeCrash(job *v1.Job, outputDir string, cause error) error {
	kind := v1.ScanErrorInternal
	if capability, err := cloud.For(job.Cloud); err == nil {
		kind = capability.ClassifyError(cause.Error())
	}
	return w.synthesizeFailure(outputDir, kind, cause.Error())
}

// synthesizeFailure writes the manifest and error log the evaluator
// never got to produce, so ingestion records the region as a failure.
func (w *Worker) synthesizeFailure(outputDir string, kind v1.ScanErrorKind, message string) error {
	dir := filepath.Join(outputDir, crashPolicy)
	if err := w.fs.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, errors.KindInternal, "preparing crash manifest dir")
	}
	manifest, err := w.fs.Create(filepath.Join(dir, v1.MetadataFile))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "creating crash manifest")
	}
	defer manifest.Close()
	if err := evaluator.WriteFailureManifest(manifest, crashPolicy, kind, message); err != nil {
		return err
	}
	line := fmt.Sprintf("%s: %s\n", kind, message)
	return afero.WriteFile(w.fs, filepath.Join(dir, v1.ErrorsFile), []byte(line), 0o600)
}

// uploadRegion pushes every file the evaluator wrote for one region
// into the blob store under the job's results prefix.
func (w *Worker) uploadRegion(ctx context.Context, jobID, region, outputDir string) error {
	return afero.Walk(w.fs, outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "resolving output path %q", path)
		}
		policy := filepath.Dir(rel)
		if policy == "." {
			// Stray file outside a policy dir; the evaluator contract
			// has nothing to say about it.
			return nil
		}
		file, err := w.fs.Open(path)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "opening output file %q", path)
		}
		defer file.Close()
		key := v1.ResultKey(jobID, region, filepath.ToSlash(policy), filepath.Base(rel))
		return w.blob.Put(ctx, key, file, contentType(filepath.Base(rel)))
	})
}

// heartbeat bumps the job's liveness marker on its own copy of the
// record until the returned stop function runs.
func (w *Worker) heartbeat(ctx context.Context, job *v1.Job) func() {
	if w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	beat := *job
	go func() {
		defer close(done)
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-w.clk.After(w.cfg.HeartbeatInterval):
			}
			if err := w.coordinator.Heartbeat(hbCtx, &beat); err != nil {
				logr.FromContextOrDiscard(hbCtx).Error(err, "heartbeating job", "job-id", beat.ID)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain"
	}
	return ""
}

func clearEnv(env map[string]string) {
	for k := range env {
		env[k] = ""
		delete(env, k)
	}
}
