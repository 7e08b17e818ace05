package buildpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/k11v/buildfarm/internal/build"
)

var _ build.DatabaseTx = (*DatabaseTx)(nil)

// DatabaseTx runs the queries of Database inside one pgx transaction.
// It is single-use: once committed or rolled back, both methods return
// build.ErrTxAlreadyClosed.
type DatabaseTx struct {
	*Database
	pgxTx pgx.Tx // required
}

func newDatabaseTx(pgxTx pgx.Tx) *DatabaseTx {
	return &DatabaseTx{Database: NewDatabase(pgxTx), pgxTx: pgxTx}
}

// Commit implements build.DatabaseTx.
func (tx *DatabaseTx) Commit(ctx context.Context) error {
	return endTx("commit", tx.pgxTx.Commit(ctx))
}

// Rollback implements build.DatabaseTx.
func (tx *DatabaseTx) Rollback(ctx context.Context) error {
	return endTx("rollback", tx.pgxTx.Rollback(ctx))
}

func endTx(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrTxClosed):
		return fmt.Errorf("%s: %w", op, build.ErrTxAlreadyClosed)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
