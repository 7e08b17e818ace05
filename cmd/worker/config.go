package main

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type config struct {
	Development bool         `env:"BUILDFARM_DEVELOPMENT"`
	Worker      workerConfig `envPrefix:"BUILDFARM_WORKER_"`
}

type workerConfig struct {
	Host            string        `env:"HOST"`               // default: "0.0.0.0"
	Port            int           `env:"PORT"`               // default: 8221
	CacheDir        string        `env:"CACHE_DIR,required"` // fetched files and build output
	Image           string        `env:"IMAGE,required"`     // image every build runs in
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`   // default: 30s
}

func (c *workerConfig) host() string {
	h := c.Host
	if h == "" {
		h = "0.0.0.0"
	}
	return h
}

func (c *workerConfig) port() int {
	p := c.Port
	if p == 0 {
		p = 8221
	}
	return p
}

func (c *workerConfig) shutdownTimeout() time.Duration {
	t := c.ShutdownTimeout
	if t == 0 {
		t = 30 * time.Second
	}
	return t
}

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
