// Package buildpg stores builds, queue entries and builders in PostgreSQL.
package buildpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/buildfarm/internal/build"
)

var _ build.Database = (*Database)(nil)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

// Begin implements build.Database.
func (d *Database) Begin(ctx context.Context) (build.DatabaseTx, error) {
	pgxTx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return newDatabaseTx(pgxTx), nil
}

// GetBuild implements build.Database.
func (d *Database) GetBuild(ctx context.Context, id uuid.UUID) (*build.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	args := []any{id}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	return b, nil
}

// GetBuildForUpdate implements build.Database.
// It only locks when called inside a transaction.
func (d *Database) GetBuildForUpdate(ctx context.Context, id uuid.UUID) (*build.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1 FOR UPDATE`
	args := []any{id}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build for update: %w", err)
	}

	return b, nil
}

// UpdateBuild implements build.Database.
func (d *Database) UpdateBuild(ctx context.Context, b *build.Build) error {
	query := `
		UPDATE builds
		SET
			status = $2, builder_id = $3,
			started_at = $4, finished_at = $5, first_dispatched_at = $6,
			log_key = $7, upload_log_key = $8,
			dependencies = $9, failure_count = $10
		WHERE id = $1
	`
	args := []any{
		b.ID,
		string(b.Status), b.BuilderID,
		b.StartedAt, b.FinishedAt, b.FirstDispatchedAt,
		b.LogKey, b.UploadLogKey,
		b.Dependencies, b.FailureCount,
	}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// GetQueueEntryByBuild implements build.Database.
func (d *Database) GetQueueEntryByBuild(ctx context.Context, buildID uuid.UUID) (*build.QueueEntry, error) {
	query := `SELECT ` + queueEntryColumns + ` FROM build_queue WHERE build_id = $1`
	args := []any{buildID}

	rows, _ := d.db.Query(ctx, query, args...)
	qe, err := pgx.CollectExactlyOneRow(rows, rowToQueueEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get queue entry by build: %w", err)
	}

	return qe, nil
}

// GetQueueEntryByBuilder implements build.Database.
func (d *Database) GetQueueEntryByBuilder(ctx context.Context, builderID uuid.UUID) (*build.QueueEntry, error) {
	query := `SELECT ` + queueEntryColumns + ` FROM build_queue WHERE builder_id = $1`
	args := []any{builderID}

	rows, _ := d.db.Query(ctx, query, args...)
	qe, err := pgx.CollectExactlyOneRow(rows, rowToQueueEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get queue entry by builder: %w", err)
	}

	return qe, nil
}

// CreateQueueEntry implements build.Database.
func (d *Database) CreateQueueEntry(ctx context.Context, params *build.DatabaseCreateQueueEntryParams) (*build.QueueEntry, error) {
	query := `
		INSERT INTO build_queue (build_id, lastscore, virtualized)
		VALUES ($1, $2, $3)
		RETURNING ` + queueEntryColumns
	args := []any{params.BuildID, params.LastScore, params.Virtualized}

	rows, _ := d.db.Query(ctx, query, args...)
	qe, err := pgx.CollectExactlyOneRow(rows, rowToQueueEntry)
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, build.ErrAlreadyQueued
		}
		return nil, fmt.Errorf("create queue entry: %w", err)
	}

	return qe, nil
}

// UpdateQueueEntry implements build.Database.
func (d *Database) UpdateQueueEntry(ctx context.Context, qe *build.QueueEntry) error {
	query := `
		UPDATE build_queue
		SET lastscore = $2, builder_id = $3, logtail = $4
		WHERE id = $1
	`
	args := []any{qe.ID, qe.LastScore, qe.BuilderID, qe.Logtail}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			return fmt.Errorf("update queue entry: builder already has a build: %w", err)
		}
		return fmt.Errorf("update queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// DeleteQueueEntry implements build.Database.
func (d *Database) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM build_queue WHERE id = $1`
	args := []any{id}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// NextQueueEntry implements build.Database.
// Entries locked by another coordinator are skipped rather than waited for.
func (d *Database) NextQueueEntry(ctx context.Context, params *build.DatabaseNextQueueEntryParams) (*build.QueueEntry, error) {
	query := `
		SELECT q.id, q.build_id, q.lastscore, q.virtualized, q.builder_id, q.logtail, q.created_at
		FROM build_queue q
		JOIN builds b ON b.id = q.build_id
		WHERE q.builder_id IS NULL
			AND q.virtualized = $1
			AND b.status = $2
			AND b.processor = ANY($3)
			AND NOT (q.id = ANY($4::uuid[]))
		ORDER BY q.lastscore DESC, q.id ASC
		LIMIT 1
		FOR UPDATE OF q SKIP LOCKED
	`
	exclude := make([]string, 0, len(params.Exclude))
	for _, id := range params.Exclude {
		exclude = append(exclude, id.String())
	}
	args := []any{params.Virtualized, string(build.StatusNeedsBuild), params.Processors, exclude}

	rows, _ := d.db.Query(ctx, query, args...)
	qe, err := pgx.CollectExactlyOneRow(rows, rowToQueueEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("next queue entry: %w", err)
	}

	return qe, nil
}

// GetBuilder implements build.Database.
func (d *Database) GetBuilder(ctx context.Context, id uuid.UUID) (*build.Builder, error) {
	query := `SELECT ` + builderColumns + ` FROM builders WHERE id = $1`
	args := []any{id}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuilder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get builder: %w", err)
	}

	return b, nil
}

// ListBuilders implements build.Database.
func (d *Database) ListBuilders(ctx context.Context, params *build.DatabaseListBuildersParams) ([]*build.Builder, error) {
	query := `
		SELECT ` + builderColumns + `
		FROM builders
		WHERE active OR NOT $1
		ORDER BY name ASC
	`
	args := []any{params.ActiveOnly}

	rows, _ := d.db.Query(ctx, query, args...)
	builders, err := pgx.CollectRows(rows, rowToBuilder)
	if err != nil {
		return nil, fmt.Errorf("list builders: %w", err)
	}

	return builders, nil
}

// UpdateBuilder implements build.Database.
func (d *Database) UpdateBuilder(ctx context.Context, b *build.Builder) error {
	query := `
		UPDATE builders
		SET active = $2, failure_count = $3, clean_status = $4
		WHERE id = $1
	`
	args := []any{b.ID, b.Active, b.FailureCount, string(b.CleanStatus)}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update builder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// FindChroot implements build.Database.
func (d *Database) FindChroot(ctx context.Context, params *build.DatabaseFindChrootParams) (*build.Chroot, error) {
	query := `
		SELECT distro_series_id, pocket, image_type, processor, digest, url
		FROM chroots
		WHERE distro_series_id = $1 AND pocket = $2 AND image_type = $3 AND processor = $4
	`
	args := []any{params.DistroSeriesID, string(params.Pocket), params.ImageType, params.Processor}

	rows, _ := d.db.Query(ctx, query, args...)
	c, err := pgx.CollectExactlyOneRow(rows, rowToChroot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("find chroot: %w", err)
	}

	return c, nil
}

// GetSourcePublication implements build.Database.
func (d *Database) GetSourcePublication(ctx context.Context, id uuid.UUID) (*build.SourcePublication, error) {
	query := `SELECT id, status FROM source_publications WHERE id = $1`
	args := []any{id}

	rows, _ := d.db.Query(ctx, query, args...)
	p, err := pgx.CollectExactlyOneRow(rows, rowToSourcePublication)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get source publication: %w", err)
	}

	return p, nil
}

// GetDistroSeries implements build.Database.
func (d *Database) GetDistroSeries(ctx context.Context, id uuid.UUID) (*build.DistroSeries, error) {
	query := `SELECT id, name, status FROM distro_series WHERE id = $1`
	args := []any{id}

	rows, _ := d.db.Query(ctx, query, args...)
	s, err := pgx.CollectExactlyOneRow(rows, rowToDistroSeries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get distro series: %w", err)
	}

	return s, nil
}
