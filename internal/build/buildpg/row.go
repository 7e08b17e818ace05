package buildpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/buildfarm/internal/build"
)

const buildColumns = `
	id, job_type, status, builder_id, processor, virtualized,
	distro_series_id, pocket, source_publication_id, arguments,
	created_at, started_at, finished_at, first_dispatched_at,
	log_key, upload_log_key, dependencies, failure_count
`

type buildRow struct {
	ID                  uuid.UUID         `db:"id"`
	JobType             string            `db:"job_type"`
	Status              string            `db:"status"`
	BuilderID           *uuid.UUID        `db:"builder_id"`
	Processor           string            `db:"processor"`
	Virtualized         bool              `db:"virtualized"`
	DistroSeriesID      uuid.UUID         `db:"distro_series_id"`
	Pocket              string            `db:"pocket"`
	SourcePublicationID *uuid.UUID        `db:"source_publication_id"`
	Arguments           map[string]string `db:"arguments"`
	CreatedAt           time.Time         `db:"created_at"`
	StartedAt           *time.Time        `db:"started_at"`
	FinishedAt          *time.Time        `db:"finished_at"`
	FirstDispatchedAt   *time.Time        `db:"first_dispatched_at"`
	LogKey              string            `db:"log_key"`
	UploadLogKey        string            `db:"upload_log_key"`
	Dependencies        *string           `db:"dependencies"`
	FailureCount        int               `db:"failure_count"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*build.Build, error) {
	collectedRow, err := pgx.RowToStructByName[buildRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	status, known := build.StatusFromString(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while reading build",
			"status", collectedRow.Status,
			"build_id", collectedRow.ID,
		)
	}
	jobType, known := build.JobTypeFromString(collectedRow.JobType)
	if !known {
		slog.Default().Warn(
			"unknown job type encountered while reading build",
			"job_type", collectedRow.JobType,
			"build_id", collectedRow.ID,
		)
	}

	b := &build.Build{
		ID:                  collectedRow.ID,
		JobType:             jobType,
		Status:              status,
		BuilderID:           collectedRow.BuilderID,
		Processor:           collectedRow.Processor,
		Virtualized:         collectedRow.Virtualized,
		DistroSeriesID:      collectedRow.DistroSeriesID,
		Pocket:              build.Pocket(collectedRow.Pocket),
		SourcePublicationID: collectedRow.SourcePublicationID,
		Arguments:           collectedRow.Arguments,
		CreatedAt:           collectedRow.CreatedAt,
		StartedAt:           collectedRow.StartedAt,
		FinishedAt:          collectedRow.FinishedAt,
		FirstDispatchedAt:   collectedRow.FirstDispatchedAt,
		LogKey:              collectedRow.LogKey,
		UploadLogKey:        collectedRow.UploadLogKey,
		Dependencies:        collectedRow.Dependencies,
		FailureCount:        collectedRow.FailureCount,
	}
	if b.Arguments == nil {
		b.Arguments = map[string]string{}
	}
	return b, nil
}

const queueEntryColumns = `id, build_id, lastscore, virtualized, builder_id, logtail, created_at`

func rowToQueueEntry(collectableRow pgx.CollectableRow) (*build.QueueEntry, error) {
	type row struct {
		ID          uuid.UUID  `db:"id"`
		BuildID     uuid.UUID  `db:"build_id"`
		LastScore   int        `db:"lastscore"`
		Virtualized bool       `db:"virtualized"`
		BuilderID   *uuid.UUID `db:"builder_id"`
		Logtail     string     `db:"logtail"`
		CreatedAt   time.Time  `db:"created_at"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to queue entry: %w", err)
	}

	qe := &build.QueueEntry{
		ID:          collectedRow.ID,
		BuildID:     collectedRow.BuildID,
		LastScore:   collectedRow.LastScore,
		Virtualized: collectedRow.Virtualized,
		BuilderID:   collectedRow.BuilderID,
		Logtail:     collectedRow.Logtail,
		CreatedAt:   collectedRow.CreatedAt,
	}
	return qe, nil
}

const builderColumns = `id, name, url, processors, virtualized, region, active, failure_count, clean_status`

func rowToBuilder(collectableRow pgx.CollectableRow) (*build.Builder, error) {
	type row struct {
		ID           uuid.UUID `db:"id"`
		Name         string    `db:"name"`
		URL          string    `db:"url"`
		Processors   []string  `db:"processors"`
		Virtualized  bool      `db:"virtualized"`
		Region       string    `db:"region"`
		Active       bool      `db:"active"`
		FailureCount int       `db:"failure_count"`
		CleanStatus  string    `db:"clean_status"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to builder: %w", err)
	}

	b := &build.Builder{
		ID:           collectedRow.ID,
		Name:         collectedRow.Name,
		URL:          collectedRow.URL,
		Processors:   collectedRow.Processors,
		Virtualized:  collectedRow.Virtualized,
		Region:       collectedRow.Region,
		Active:       collectedRow.Active,
		FailureCount: collectedRow.FailureCount,
		CleanStatus:  build.CleanStatus(collectedRow.CleanStatus),
	}
	return b, nil
}

func rowToChroot(collectableRow pgx.CollectableRow) (*build.Chroot, error) {
	type row struct {
		DistroSeriesID uuid.UUID `db:"distro_series_id"`
		Pocket         string    `db:"pocket"`
		ImageType      string    `db:"image_type"`
		Processor      string    `db:"processor"`
		Digest         string    `db:"digest"`
		URL            string    `db:"url"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to chroot: %w", err)
	}

	c := &build.Chroot{
		DistroSeriesID: collectedRow.DistroSeriesID,
		Pocket:         build.Pocket(collectedRow.Pocket),
		ImageType:      collectedRow.ImageType,
		Processor:      collectedRow.Processor,
		Digest:         collectedRow.Digest,
		URL:            collectedRow.URL,
	}
	return c, nil
}

func rowToSourcePublication(collectableRow pgx.CollectableRow) (*build.SourcePublication, error) {
	type row struct {
		ID     uuid.UUID `db:"id"`
		Status string    `db:"status"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to source publication: %w", err)
	}

	return &build.SourcePublication{
		ID:     collectedRow.ID,
		Status: build.SourcePublicationStatus(collectedRow.Status),
	}, nil
}

func rowToDistroSeries(collectableRow pgx.CollectableRow) (*build.DistroSeries, error) {
	type row struct {
		ID     uuid.UUID `db:"id"`
		Name   string    `db:"name"`
		Status string    `db:"status"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to distro series: %w", err)
	}

	return &build.DistroSeries{
		ID:     collectedRow.ID,
		Name:   collectedRow.Name,
		Status: build.DistroSeriesStatus(collectedRow.Status),
	}, nil
}
