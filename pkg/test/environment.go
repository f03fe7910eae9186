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

// Package test wires every fake into a full in-memory engine for the
// package suites: fake stores, blob, broker, queue and evaluator
// behind the real providers and controllers, driven by a fake clock.
package test

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	aggregator "github.com/ecc-platform/rule-engine/pkg/controllers/metrics"
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	"github.com/ecc-platform/rule-engine/pkg/controllers/reports"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/controllers/scheduler"
	"github.com/ecc-platform/rule-engine/pkg/controllers/worker"
	"github.com/ecc-platform/rule-engine/pkg/fake"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/credentials"
	"github.com/ecc-platform/rule-engine/pkg/providers/license"
	"github.com/ecc-platform/rule-engine/pkg/providers/rulecatalog"
	"github.com/ecc-platform/rule-engine/pkg/providers/ruleset"
)

const (
	// Bucket backs the fake blob store.
	Bucket = "test-bucket"
	// SystemKey is the bootstrap system password the fake license
	// manager accepts.
	SystemKey = "system-test-password"
)

// Environment is the wired in-memory engine. Fakes are exported so
// specs can script behaviors and inspect side effects; providers and
// controllers are the real implementations.
type Environment struct {
	Clock *clocktesting.FakeClock
	Fs    afero.Fs

	Stores      *fake.RecordStores
	S3          *fake.S3API
	Presign     *fake.S3PresignAPI
	Broker      *fake.SecretsBroker
	Queue       *fake.Queue
	STS         *fake.STSAPI
	Fetcher     *fake.RuleFetcher
	Manager     *fake.LicenseManagerAPI
	Sink        *fake.ReportSink
	Evaluator   *fake.Evaluator

	Blob        blob.Provider
	Catalog     rulecatalog.Provider
	RuleSets    ruleset.Provider
	Licenses    license.Provider
	Credentials credentials.Provider

	Coordinator *coordinator.Coordinator
	Ingestor    *results.Ingestor
	Worker      *worker.Worker
	Aggregator  *aggregator.Aggregator
	Scheduler   *scheduler.Scheduler
	Dispatcher  *reports.Dispatcher
	Retrier     *reports.Retrier
}

// Option adjusts the environment before the controllers are built.
type Option func(*config)

type config struct {
	coordinator coordinator.Config
	worker      worker.Config
	aggregator  aggregator.Config
	scheduler   scheduler.Config
	reports     reports.Config
}

// WithCoordinatorConfig replaces the coordinator configuration.
func WithCoordinatorConfig(cfg coordinator.Config) Option {
	return func(c *config) { c.coordinator = cfg }
}

// WithWorkerConfig replaces the worker configuration.
func WithWorkerConfig(cfg worker.Config) Option {
	return func(c *config) { c.worker = cfg }
}

// WithAggregatorConfig replaces the aggregator configuration.
func WithAggregatorConfig(cfg aggregator.Config) Option {
	return func(c *config) { c.aggregator = cfg }
}

// WithSchedulerConfig replaces the scheduler configuration.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(c *config) { c.scheduler = cfg }
}

// WithReportsConfig replaces the report dispatcher configuration.
func WithReportsConfig(cfg reports.Config) Option {
	return func(c *config) { c.reports = cfg }
}

// NewEnvironment builds the full wired engine on fakes. The clock
// starts at a fixed instant so specs are reproducible.
func NewEnvironment(opts ...Option) *Environment {
	cfg := &config{
		coordinator: coordinator.DefaultConfig(),
		worker:      worker.DefaultConfig(),
		aggregator:  aggregator.DefaultConfig(),
		scheduler:   scheduler.DefaultConfig(),
		reports:     reports.DefaultConfig(),
	}
	cfg.worker.Workers = 1
	cfg.worker.ScratchDir = "/scratch"
	// Specs submit without bindings; ambient stays an explicit opt-out.
	cfg.coordinator.AllowAmbientCredentials = true
	for _, opt := range opts {
		opt(cfg)
	}

	env := &Environment{
		Clock:   clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		Fs:      afero.NewMemMapFs(),
		Stores:  fake.NewRecordStores(),
		S3:      fake.NewS3API(),
		Presign: &fake.S3PresignAPI{},
		Broker:  fake.NewSecretsBroker(),
		Queue:   fake.NewQueue(),
		STS:     &fake.STSAPI{},
		Manager: &fake.LicenseManagerAPI{},
		Sink:    &fake.ReportSink{},
	}
	env.Fetcher = fake.NewRuleFetcher(env.Fs)
	env.Evaluator = fake.NewEvaluator(env.Fs)

	env.Blob = blob.NewDefaultProvider(env.S3, env.Presign, Bucket)
	env.Catalog = rulecatalog.NewDefaultProvider(env.Stores.Stores, env.Broker, env.Fetcher, env.Fs,
		cache.New(time.Minute, time.Minute), env.Clock)
	env.RuleSets = ruleset.NewDefaultProvider(env.Stores.Stores, env.Catalog, env.Blob,
		cache.New(time.Minute, time.Minute), env.Clock)
	env.Licenses = license.NewDefaultProvider(env.Stores.Stores, env.Broker, env.Manager, []byte(SystemKey), env.Clock)
	env.Credentials = credentials.NewDefaultProvider(env.Stores.Stores, env.Broker, env.STS,
		credentials.NewProberWithSTS(env.STS), env.Clock)

	env.Coordinator = coordinator.NewCoordinator(env.Stores.Stores, env.Licenses, env.Credentials,
		env.RuleSets, env.Queue, env.Clock, cfg.coordinator)
	env.Ingestor = results.NewIngestor(env.Blob, env.Stores.Stores, env.Clock)
	env.Worker = worker.NewWorker(env.Coordinator, env.RuleSets, env.Credentials, env.Blob,
		env.Ingestor, env.Queue, env.Evaluator, env.Fs, env.Clock, cfg.worker)
	env.Aggregator = aggregator.NewAggregator(env.Stores.Stores, env.Blob, env.Catalog, env.Licenses,
		env.Clock, cfg.aggregator)
	env.Worker.OnSucceeded(func(ctx context.Context, job *v1.Job, statistics *v1.JobStatistics) {
		_ = env.Aggregator.OnJobSucceeded(ctx, job, statistics)
	})
	env.Scheduler = scheduler.NewScheduler(env.Stores.Stores, env.Coordinator, env.Clock, cfg.scheduler)
	env.Dispatcher = reports.NewDispatcher(env.Stores.Stores, env.Blob, env.Sink, env.Clock, cfg.reports)
	env.Retrier = reports.NewRetrier(env.Dispatcher)
	return env
}

// Reset clears every fake; call from BeforeEach.
func (e *Environment) Reset() {
	e.Stores.Reset()
	e.S3.Reset()
	e.Presign.Reset()
	e.Broker.Reset()
	e.Queue.Reset()
	e.STS.Reset()
	e.Fetcher.Reset()
	e.Manager.Reset()
	e.Sink.Reset()
	e.Evaluator.Reset()
}
