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

// Package operator assembles the engine: external clients, providers,
// controllers, and the metrics and health endpoints, wired from
// options and started as one errgroup.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/controllers"
	"github.com/ecc-platform/rule-engine/pkg/controllers/coordinator"
	aggregator "github.com/ecc-platform/rule-engine/pkg/controllers/metrics"
	"github.com/ecc-platform/rule-engine/pkg/controllers/reports"
	"github.com/ecc-platform/rule-engine/pkg/controllers/results"
	"github.com/ecc-platform/rule-engine/pkg/controllers/scheduler"
	"github.com/ecc-platform/rule-engine/pkg/controllers/worker"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/evaluator"
	enginemetrics "github.com/ecc-platform/rule-engine/pkg/metrics"
	"github.com/ecc-platform/rule-engine/pkg/operator/options"
	"github.com/ecc-platform/rule-engine/pkg/providers/blob"
	"github.com/ecc-platform/rule-engine/pkg/providers/credentials"
	"github.com/ecc-platform/rule-engine/pkg/providers/license"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/rulecatalog"
	"github.com/ecc-platform/rule-engine/pkg/providers/ruleset"
	"github.com/ecc-platform/rule-engine/pkg/providers/secrets"
	"github.com/ecc-platform/rule-engine/pkg/queue"
)

const (
	// cacheTTL / cacheCleanupInterval back the in-process caches for
	// compiled artifacts and the rule catalog.
	cacheTTL             = 10 * time.Minute
	cacheCleanupInterval = time.Minute
	// serverShutdownGrace bounds draining the metrics and health
	// listeners.
	serverShutdownGrace = 5 * time.Second
	// vaultMount is the KV v2 mount sealed credential material lives
	// under.
	vaultMount = "secret"
)

// LiveChecker is anything the readiness probe consults.
type LiveChecker interface {
	LiveCheck(ctx context.Context) error
}

type Operator struct {
	Options *options.Options
	Clock   clock.Clock

	Stores      *records.Stores
	Blob        blob.Provider
	Broker      secrets.Broker
	Queue       queue.Queue
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

	controllers []controllers.Controller
	liveChecks  []LiveChecker
	mongoClient *mongo.Client
}

// NewOperator connects every external system and wires providers and
// controllers together. It fails fast: a store that cannot be reached
// at startup is a configuration problem, not something to limp around.
func NewOperator(ctx context.Context, opts *options.Options) (*Operator, error) {
	clk := clock.RealClock{}

	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(opts.MongoURI))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "connecting to the record store")
	}
	stores := records.NewMongoStores(mongoClient.Database(opts.MongoDatabase))
	if err := stores.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	vaultClient, err := secrets.NewVaultClient(opts.VaultURL, opts.VaultToken)
	if err != nil {
		return nil, err
	}
	broker := secrets.NewVaultBroker(vaultClient, vaultMount)

	s3Client, presigner, stsClient, err := newAWSClients(ctx, opts)
	if err != nil {
		return nil, err
	}
	blobs := blob.NewDefaultProvider(s3Client, presigner, opts.BlobBucket)

	redisQueue, err := queue.NewRedisQueue(opts.WorkerBrokerURL)
	if err != nil {
		return nil, err
	}

	catalog := rulecatalog.NewDefaultProvider(stores, broker, rulecatalog.NewGitFetcher(), afero.NewOsFs(),
		cache.New(cacheTTL, cacheCleanupInterval), clk)
	rulesets := ruleset.NewDefaultProvider(stores, catalog, blobs, cache.New(cacheTTL, cacheCleanupInterval), clk)
	licenses := license.NewDefaultProvider(stores, broker,
		license.NewHTTPManager(opts.LicenseManagerURL, opts.LicenseManagerProduct),
		[]byte(opts.SystemUserPassword), clk)
	creds := credentials.NewDefaultProvider(stores, broker, stsClient, credentials.NewDefaultProber(), clk)

	coord := coordinator.NewCoordinator(stores, licenses, creds, rulesets, redisQueue, clk, coordinator.Config{
		AdmissionTimeout:        opts.AdmissionTimeout,
		AllowSimultaneousJobs:   opts.AllowSimultaneousJobs,
		AllowAmbientCredentials: opts.AmbientCredentialsAllowed(),
		SlotTTL:                 opts.SlotTTL,
		CancelGrace:             opts.CancelGrace,
		JanitorInterval:         opts.JanitorInterval,
		BatchWindow:             opts.BatchWindow,
	})
	ingestor := results.NewIngestor(blobs, stores, clk)
	agg := aggregator.NewAggregator(stores, blobs, catalog, licenses, clk, aggregator.Config{
		RetentionDays: opts.MetricsExpirationDays,
		SweepInterval: 24 * time.Hour,
	})
	dispatcher := reports.NewDispatcher(stores, blobs, reports.NewHTTPSink(opts.ReportSinkURL, opts.ReportSinkToken), clk, reports.Config{
		MaxPayloadBytes: opts.SIEMMaxPayloadBytes,
		MaxAttempts:     4,
		RetryBackoff:    15 * time.Minute,
		RetryInterval:   time.Minute,
	})

	executorSink := &lumberjack.Logger{
		Filename:   opts.ExecutorLogsFilename,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	scanWorker := worker.NewWorker(coord, rulesets, creds, blobs, ingestor, redisQueue, &evaluator.ExecEvaluator{
		Path:     opts.ExecutorPath,
		LogLevel: opts.ExecutorLogLevel,
		Sink:     executorSink,
		Proxies: map[string]string{
			"HTTP_PROXY":  opts.HTTPProxy,
			"HTTPS_PROXY": opts.HTTPSProxy,
			"NO_PROXY":    opts.NoProxy,
		},
	}, afero.NewOsFs(), clk, worker.Config{
		Workers:           opts.ScanWorkers,
		JobTimeout:        opts.JobTimeout,
		HeartbeatInterval: 30 * time.Second,
		ScratchDir:        opts.ScratchDir,
	})
	scanWorker.OnSucceeded(func(ctx context.Context, job *v1.Job, statistics *v1.JobStatistics) {
		if err := agg.OnJobSucceeded(ctx, job, statistics); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "merging job into metrics", "job-id", job.ID)
		}
	})
	sched := scheduler.NewScheduler(stores, coord, clk, scheduler.Config{TickInterval: opts.SchedulerTick})

	return &Operator{
		Options:     opts,
		Clock:       clk,
		Stores:      stores,
		Blob:        blobs,
		Broker:      broker,
		Queue:       redisQueue,
		Catalog:     catalog,
		RuleSets:    rulesets,
		Licenses:    licenses,
		Credentials: creds,
		Coordinator: coord,
		Ingestor:    ingestor,
		Worker:      scanWorker,
		Aggregator:  agg,
		Scheduler:   sched,
		Dispatcher:  dispatcher,
		controllers: []controllers.Controller{
			scanWorker,
			coordinator.NewJanitor(coord),
			sched,
			agg,
			reports.NewRetrier(dispatcher),
		},
		liveChecks:  []LiveChecker{stores, blobs, redisQueue},
		mongoClient: mongoClient,
	}, nil
}

// Start runs the controllers plus the metrics and health servers until
// the context ends, then disconnects.
func (o *Operator) Start(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)
	group, ctx := errgroup.WithContext(ctx)
	for _, controller := range o.controllers {
		group.Go(func() error {
			log.Info("starting controller", "controller", controller.Name())
			return controller.Start(ctx)
		})
	}
	group.Go(func() error { return o.serveMetrics(ctx) })
	group.Go(func() error { return o.serveHealth(ctx) })
	err := group.Wait()

	disconnectCtx, cancel := context.WithTimeout(context.Background(), serverShutdownGrace)
	defer cancel()
	return multierr.Append(err, o.mongoClient.Disconnect(disconnectCtx))
}

// HealthCheck runs every liveness probe and accumulates the failures.
func (o *Operator) HealthCheck(ctx context.Context) error {
	var err error
	for _, check := range o.liveChecks {
		err = multierr.Append(err, check.LiveCheck(ctx))
	}
	return err
}

func (o *Operator) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(enginemetrics.Registry, promhttp.HandlerOpts{}))
	return o.serve(ctx, fmt.Sprintf(":%d", o.Options.MetricsPort), mux)
}

func (o *Operator) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := o.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return o.serve(ctx, fmt.Sprintf(":%d", o.Options.HealthProbePort), mux)
}

func (o *Operator) serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrap(err, errors.KindInternal, "serving %s", addr)
	}
}

func newAWSClients(ctx context.Context, opts *options.Options) (*s3.Client, *s3.PresignClient, *sts.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.BlobRegion)}
	if opts.BlobAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(opts.BlobAccessKey, opts.BlobSecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "loading blob store configuration")
	}
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.BlobEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BlobEndpoint)
			o.UsePathStyle = true
		}
	})
	return s3Client, s3.NewPresignClient(s3Client), sts.NewFromConfig(cfg), nil
}
