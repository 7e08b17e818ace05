package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/buildfarm/internal/blobstore"
	"github.com/k11v/buildfarm/internal/postgresutil"
)

type config struct {
	Postgres postgresutil.Config `envPrefix:"BUILDFARM_POSTGRES_"`
	S3       blobstore.Config    `envPrefix:"BUILDFARM_S3_"`
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
