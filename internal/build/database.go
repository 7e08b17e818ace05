package build

import (
	"context"

	"github.com/google/uuid"
)

type Database interface {
	Begin(ctx context.Context) (DatabaseTx, error)

	GetBuild(ctx context.Context, id uuid.UUID) (*Build, error)
	GetBuildForUpdate(ctx context.Context, id uuid.UUID) (*Build, error)
	UpdateBuild(ctx context.Context, b *Build) error

	GetQueueEntryByBuild(ctx context.Context, buildID uuid.UUID) (*QueueEntry, error)
	GetQueueEntryByBuilder(ctx context.Context, builderID uuid.UUID) (*QueueEntry, error)
	CreateQueueEntry(ctx context.Context, params *DatabaseCreateQueueEntryParams) (*QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, qe *QueueEntry) error
	DeleteQueueEntry(ctx context.Context, id uuid.UUID) error
	NextQueueEntry(ctx context.Context, params *DatabaseNextQueueEntryParams) (*QueueEntry, error)

	GetBuilder(ctx context.Context, id uuid.UUID) (*Builder, error)
	ListBuilders(ctx context.Context, params *DatabaseListBuildersParams) ([]*Builder, error)
	UpdateBuilder(ctx context.Context, b *Builder) error

	FindChroot(ctx context.Context, params *DatabaseFindChrootParams) (*Chroot, error)
	GetSourcePublication(ctx context.Context, id uuid.UUID) (*SourcePublication, error)
	GetDistroSeries(ctx context.Context, id uuid.UUID) (*DistroSeries, error)
}

type DatabaseTx interface {
	Database
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type DatabaseCreateQueueEntryParams struct {
	BuildID     uuid.UUID // required
	LastScore   int
	Virtualized bool
}

// DatabaseNextQueueEntryParams selects unassigned entries a builder can take.
type DatabaseNextQueueEntryParams struct {
	Processors  []string // required
	Virtualized bool
	Exclude     []uuid.UUID // entries to pass over
}

type DatabaseListBuildersParams struct {
	ActiveOnly bool
}

type DatabaseFindChrootParams struct {
	DistroSeriesID uuid.UUID // required
	Pocket         Pocket    // required
	ImageType      string    // required
	Processor      string    // required
}
