package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/buildfarm/internal/amqputil"
	"github.com/k11v/buildfarm/internal/behaviour"
	"github.com/k11v/buildfarm/internal/blobstore"
	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/coordinator"
	"github.com/k11v/buildfarm/internal/logtail"
	"github.com/k11v/buildfarm/internal/postgresutil"
	"github.com/k11v/buildfarm/internal/server"
	"github.com/k11v/buildfarm/internal/worker"
)

// config holds the application configuration.
type config struct {
	Development bool                   `env:"BUILDFARM_DEVELOPMENT"`
	Postgres    postgresutil.Config    `envPrefix:"BUILDFARM_POSTGRES_"`
	S3          blobstore.Config       `envPrefix:"BUILDFARM_S3_"`
	AMQP        amqputil.Config        `envPrefix:"BUILDFARM_AMQP_"`
	Redis       logtail.Config         `envPrefix:"BUILDFARM_REDIS_"`
	Server      server.Config          `envPrefix:"BUILDFARM_SERVER_"`
	Upload      behaviour.UploadConfig `envPrefix:"BUILDFARM_UPLOAD_"`
	Coordinator coordinatorConfig      `envPrefix:"BUILDFARM_COORDINATOR_"`
	Worker      workerConfig           `envPrefix:"BUILDFARM_WORKER_"`
}

type coordinatorConfig struct {
	PollInterval     time.Duration `env:"POLL_INTERVAL"`      // default: 15s
	MaxBuildFailures int           `env:"MAX_BUILD_FAILURES"` // default: no limit
	BuildURLBase     string        `env:"BUILD_URL_BASE"`

	RetryDelays      []time.Duration `env:"RETRY_DELAYS" envSeparator:","` // default: 15s,30s,45s,60s
	RetryMaxAttempts int             `env:"RETRY_MAX_ATTEMPTS"`            // default: 5

	// RetryMaxAttemptsByJobType overrides RetryMaxAttempts, e.g. "livefs:8,snap:3".
	RetryMaxAttemptsByJobType map[string]int `env:"RETRY_MAX_ATTEMPTS_BY_JOB_TYPE" envKeyValSeparator:":"`
}

func (c *coordinatorConfig) retryPolicies() (*coordinator.RetryPolicies, error) {
	policies := coordinator.DefaultRetryPolicies()
	if len(c.RetryDelays) > 0 {
		policies.Default.Delays = c.RetryDelays
	}
	if c.RetryMaxAttempts > 0 {
		policies.Default.MaxAttempts = c.RetryMaxAttempts
	}

	if len(c.RetryMaxAttemptsByJobType) > 0 {
		policies.ByJobType = make(map[build.JobType]coordinator.RetryPolicy, len(c.RetryMaxAttemptsByJobType))
	}
	for s, maxAttempts := range c.RetryMaxAttemptsByJobType {
		jobType, known := build.JobTypeFromString(s)
		if !known {
			return nil, fmt.Errorf("unknown job type %q in retry attempts", s)
		}
		policy := policies.Default
		policy.MaxAttempts = maxAttempts
		policies.ByJobType[jobType] = policy
	}

	return &policies, nil
}

// workerConfig holds per-call deadlines for worker requests.
type workerConfig struct {
	StatusTimeout        time.Duration `env:"STATUS_TIMEOUT"`
	BuildTimeout         time.Duration `env:"BUILD_TIMEOUT"`
	EnsurePresentTimeout time.Duration `env:"ENSURE_PRESENT_TIMEOUT"`
	GetFilesTimeout      time.Duration `env:"GET_FILES_TIMEOUT"`
	AbortTimeout         time.Duration `env:"ABORT_TIMEOUT"`
	CleanTimeout         time.Duration `env:"CLEAN_TIMEOUT"`
}

func (c *workerConfig) timeouts() *worker.Timeouts {
	t := worker.DefaultTimeouts()
	for _, o := range []struct {
		dst *time.Duration
		src time.Duration
	}{
		{&t.Status, c.StatusTimeout},
		{&t.Build, c.BuildTimeout},
		{&t.EnsurePresent, c.EnsurePresentTimeout},
		{&t.GetFiles, c.GetFilesTimeout},
		{&t.Abort, c.AbortTimeout},
		{&t.Clean, c.CleanTimeout},
	} {
		if o.src > 0 {
			*o.dst = o.src
		}
	}
	return &t
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
