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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/ecc-platform/rule-engine/pkg/utils/env"
)

type ServiceMode string

const (
	// ModeSaaS runs the full multi-customer service; ModeOnPrem runs a
	// single-customer installation with ambient credentials permitted.
	ModeSaaS   ServiceMode = "saas"
	ModeOnPrem ServiceMode = "onprem"
)

type optionsKey struct{}

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Service
	ServiceMode     string
	MetricsPort     int
	HealthProbePort int
	LogLevel        string

	// Stores
	MongoURI       string
	MongoDatabase  string
	VaultURL       string
	VaultToken     string
	BlobEndpoint   string
	BlobRegion     string
	BlobBucket     string
	BlobAccessKey  string
	BlobSecretKey  string
	WorkerBrokerURL string

	// Coordination
	ScanWorkers                 int
	JobTimeout                  time.Duration
	AdmissionTimeout            time.Duration
	SlotTTL                     time.Duration
	CancelGrace                 time.Duration
	JanitorInterval             time.Duration
	SchedulerTick               time.Duration
	BatchWindow                 time.Duration
	AllowSimultaneousJobs       bool
	MetricsExpirationDays       int
	SIEMMaxPayloadBytes         int
	RecommendationsBucket       string
	SystemUserPassword          string
	LicenseManagerURL           string
	LicenseManagerProduct       string
	ExecutorPath                string
	ExecutorLogLevel            string
	ExecutorLogsFilename        string
	ScratchDir                  string
	ReportSinkURL               string
	ReportSinkToken             string
	HTTPProxy                   string
	HTTPSProxy                  string
	NoProxy                     string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("ruleengine", flag.ContinueOnError)
	opts.FlagSet = f

	// Service
	f.StringVar(&opts.ServiceMode, "service-mode", env.WithDefaultString("SRE_SERVICE_MODE", string(ModeSaaS)), "The deployment mode of the service, either saas or onprem")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("SRE_METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the engine itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("SRE_HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting engine health")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("SRE_LOG_LEVEL", "info"), "Log verbosity, one of debug, info or error")

	// Stores
	f.StringVar(&opts.MongoURI, "mongo-uri", env.WithDefaultString("SRE_MONGO_URI", ""), "Connection URI of the record store")
	f.StringVar(&opts.MongoDatabase, "mongo-database", env.WithDefaultString("SRE_MONGO_DATABASE", "rule_engine"), "Database name inside the record store")
	f.StringVar(&opts.VaultURL, "vault-url", env.WithDefaultString("SRE_VAULT_URL", ""), "Address of the secret broker")
	f.StringVar(&opts.VaultToken, "vault-token", env.WithDefaultString("SRE_VAULT_TOKEN", ""), "Token for the secret broker")
	f.StringVar(&opts.BlobEndpoint, "blob-endpoint", env.WithDefaultString("SRE_BLOB_ENDPOINT", ""), "Custom endpoint of the blob store; empty uses the default resolver")
	f.StringVar(&opts.BlobRegion, "blob-region", env.WithDefaultString("SRE_BLOB_REGION", "us-east-1"), "Region of the blob store")
	f.StringVar(&opts.BlobBucket, "blob-bucket", env.WithDefaultString("SRE_BLOB_BUCKET", "rule-engine"), "Bucket holding rulesets, results, statistics and reports")
	f.StringVar(&opts.BlobAccessKey, "blob-access-key", env.WithDefaultString("SRE_BLOB_ACCESS_KEY", ""), "Static access key for the blob store; empty uses the default credential chain")
	f.StringVar(&opts.BlobSecretKey, "blob-secret-key", env.WithDefaultString("SRE_BLOB_SECRET_KEY", ""), "Static secret key for the blob store")
	f.StringVar(&opts.WorkerBrokerURL, "worker-broker-url", env.WithDefaultString("SRE_WORKER_BROKER_URL", ""), "Redis URL of the job queue broker")

	// Coordination
	f.IntVar(&opts.ScanWorkers, "scan-workers", env.WithDefaultInt("SRE_SCAN_WORKERS", 4), "Number of concurrent scan workers")
	f.DurationVar(&opts.JobTimeout, "job-timeout", env.WithDefaultDuration("SRE_JOB_TIMEOUT", 2*time.Hour), "Wall-clock limit of one scan job")
	f.DurationVar(&opts.AdmissionTimeout, "admission-timeout", env.WithDefaultDuration("SRE_ADMISSION_TIMEOUT", 10*time.Second), "Limit of each admission step: license check, credential resolve, ruleset compile")
	f.DurationVar(&opts.SlotTTL, "slot-ttl", env.WithDefaultDuration("SRE_SLOT_TTL", 3*time.Hour), "Age after which an untouched tenant slot is reclaimed and its job timed out")
	f.DurationVar(&opts.CancelGrace, "cancel-grace", env.WithDefaultDuration("SRE_CANCEL_GRACE", 30*time.Second), "Grace between a cancel request and the forced CANCELLED transition")
	f.DurationVar(&opts.JanitorInterval, "janitor-interval", env.WithDefaultDuration("SRE_JANITOR_INTERVAL", time.Minute), "Period of the stale slot and reservation sweep")
	f.DurationVar(&opts.SchedulerTick, "scheduler-tick", env.WithDefaultDuration("SRE_SCHEDULER_TICK", time.Minute), "Period of the scheduled job dispatch tick")
	f.DurationVar(&opts.BatchWindow, "batch-window", env.WithDefaultDuration("SRE_BATCH_WINDOW", 5*time.Minute), "Coalescing window of the resource event batcher")
	f.BoolVar(&opts.AllowSimultaneousJobs, "allow-simultaneous-jobs-for-one-tenant", env.WithDefaultBool("SRE_ALLOW_SIMULTANEOUS_JOBS_FOR_ONE_TENANT", false), "Permit more than one non-terminal job per tenant")
	f.IntVar(&opts.MetricsExpirationDays, "metrics-expiration-days", env.WithDefaultInt("SRE_METRICS_EXPIRATION_DAYS", 90), "Days of metric snapshots retained per tenant")
	f.IntVar(&opts.SIEMMaxPayloadBytes, "siem-max-payload-bytes", env.WithDefaultInt("SRE_SIEM_MAX_PAYLOAD_BYTES", 4*1024*1024), "Upper bound of one report sink payload; larger payloads fail validation")
	f.StringVar(&opts.RecommendationsBucket, "recommendations-bucket", env.WithDefaultString("SRE_RECOMMENDATIONS_BUCKET", ""), "Optional bucket recommendation artifacts are mirrored to")
	f.StringVar(&opts.SystemUserPassword, "system-user-password", env.WithDefaultString("SRE_SYSTEM_USER_PASSWORD", ""), "Bootstrap password of the system user, required on first init")
	f.StringVar(&opts.LicenseManagerURL, "license-manager-url", env.WithDefaultString("SRE_LICENSE_MANAGER_URL", ""), "Base URL of the external license manager")
	f.StringVar(&opts.LicenseManagerProduct, "license-manager-product", env.WithDefaultString("SRE_LICENSE_MANAGER_PRODUCT", "rule-engine"), "Product slug within the license manager marketplace")
	f.StringVar(&opts.ExecutorPath, "executor-path", env.WithDefaultString("SRE_EXECUTOR_PATH", "c7n-runner"), "Path of the policy evaluator binary")
	f.StringVar(&opts.ExecutorLogLevel, "executor-log-level", env.WithDefaultString("SRE_EXECUTOR_LOG_LEVEL", "warning"), "Log verbosity passed through to the policy evaluator")
	f.StringVar(&opts.ExecutorLogsFilename, "executor-logs-filename", env.WithDefaultString("SRE_EXECUTOR_LOGS_FILENAME", "/var/log/rule-engine/executor.log"), "Rotating log file capturing evaluator stdout and stderr")
	f.StringVar(&opts.ScratchDir, "scratch-dir", env.WithDefaultString("SRE_SCRATCH_DIR", os.TempDir()), "Directory scan jobs stage artifacts and raw results in")
	f.StringVar(&opts.ReportSinkURL, "report-sink-url", env.WithDefaultString("SRE_REPORT_SINK_URL", ""), "HTTP endpoint compliance reports are delivered to")
	f.StringVar(&opts.ReportSinkToken, "report-sink-token", env.WithDefaultString("SRE_REPORT_SINK_TOKEN", ""), "Bearer token presented to the report sink")
	f.StringVar(&opts.HTTPProxy, "http-proxy", env.WithDefaultString("HTTP_PROXY", ""), "Proxy for outbound HTTP, handed through to the evaluator")
	f.StringVar(&opts.HTTPSProxy, "https-proxy", env.WithDefaultString("HTTPS_PROXY", ""), "Proxy for outbound HTTPS, handed through to the evaluator")
	f.StringVar(&opts.NoProxy, "no-proxy", env.WithDefaultString("NO_PROXY", ""), "Hosts excluded from proxying")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	mode := ServiceMode(o.ServiceMode)
	if mode != ModeSaaS && mode != ModeOnPrem {
		err = multierr.Append(err, fmt.Errorf("service-mode may only be either saas or onprem"))
	}
	if o.MongoURI == "" {
		err = multierr.Append(err, fmt.Errorf("SRE_MONGO_URI is required"))
	}
	if o.ScanWorkers < 1 {
		err = multierr.Append(err, fmt.Errorf("scan-workers must be at least 1"))
	}
	if o.VaultURL != "" {
		err = multierr.Append(err, o.validateURL(o.VaultURL, "SRE_VAULT_URL"))
	}
	if o.LicenseManagerURL != "" {
		err = multierr.Append(err, o.validateURL(o.LicenseManagerURL, "SRE_LICENSE_MANAGER_URL"))
	}
	if o.ReportSinkURL != "" {
		err = multierr.Append(err, o.validateURL(o.ReportSinkURL, "SRE_REPORT_SINK_URL"))
	}
	return err
}

func (o Options) validateURL(raw, name string) error {
	endpoint, err := url.Parse(raw)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		return fmt.Errorf("%q not a valid %s URL", raw, name)
	}
	return nil
}

// Mode returns the parsed service mode.
func (o Options) Mode() ServiceMode {
	return ServiceMode(o.ServiceMode)
}

// AmbientCredentialsAllowed reports whether submitter-environment
// credentials may back a scan in this deployment.
func (o Options) AmbientCredentialsAllowed() bool {
	return o.Mode() == ModeOnPrem
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	data := ctx.Value(optionsKey{})
	if data == nil {
		// This is developer error if this happens, so we should panic
		panic("options doesn't exist in context")
	}
	return data.(*Options)
}
