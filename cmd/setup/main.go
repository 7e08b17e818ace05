// Command setup applies database migrations and creates the blob bucket.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/k11v/buildfarm/internal/blobstore"
	"github.com/k11v/buildfarm/internal/postgresprovision"
)

func main() {
	run := func() int {
		ctx := context.Background()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}

		if err = postgresprovision.Setup(cfg.Postgres.DSN); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		if err = blobstore.NewStore(&cfg.S3).Setup(ctx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}
