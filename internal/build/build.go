package build

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrTxAlreadyClosed = errors.New("tx already closed")
	ErrAlreadyQueued   = errors.New("already queued")
	ErrCannotCancel    = errors.New("cannot cancel")
	ErrCannotRetry     = errors.New("cannot retry")
	ErrInvalidCookie   = errors.New("invalid build cookie")
)

type JobType string

const (
	JobTypeBinaryPackage JobType = "binarypackage"
	JobTypeLiveFS        JobType = "livefs"
	JobTypeSnap          JobType = "snap"
	JobTypeRock          JobType = "rock"
	JobTypeCharm         JobType = "charm"
)

// JobTypes returns every job type the farm knows how to build.
func JobTypes() []JobType {
	return []JobType{
		JobTypeBinaryPackage,
		JobTypeLiveFS,
		JobTypeSnap,
		JobTypeRock,
		JobTypeCharm,
	}
}

func JobTypeFromString(s string) (jobType JobType, known bool) {
	jobType = JobType(s)
	for _, t := range JobTypes() {
		if t == jobType {
			return jobType, true
		}
	}
	return jobType, false
}

type Pocket string

const (
	PocketRelease   Pocket = "RELEASE"
	PocketSecurity  Pocket = "SECURITY"
	PocketUpdates   Pocket = "UPDATES"
	PocketProposed  Pocket = "PROPOSED"
	PocketBackports Pocket = "BACKPORTS"
)

var pocketDependencies = map[Pocket][]Pocket{
	PocketRelease:   {PocketRelease},
	PocketSecurity:  {PocketRelease, PocketSecurity},
	PocketUpdates:   {PocketRelease, PocketSecurity, PocketUpdates},
	PocketProposed:  {PocketRelease, PocketSecurity, PocketUpdates, PocketProposed},
	PocketBackports: {PocketRelease, PocketSecurity, PocketUpdates, PocketBackports},
}

// PocketDependencies returns the pockets a build in pocket may draw from,
// loosest first. The last element is always pocket itself.
func PocketDependencies(pocket Pocket) []Pocket {
	deps, ok := pocketDependencies[pocket]
	if !ok {
		return []Pocket{pocket}
	}
	return append([]Pocket(nil), deps...)
}

func PocketFromString(s string) (pocket Pocket, known bool) {
	pocket = Pocket(s)
	_, known = pocketDependencies[pocket]
	return pocket, known
}

type Build struct {
	ID                  uuid.UUID
	JobType             JobType
	Status              Status
	BuilderID           *uuid.UUID
	Processor           string
	Virtualized         bool
	DistroSeriesID      uuid.UUID
	Pocket              Pocket
	SourcePublicationID *uuid.UUID
	Arguments           map[string]string // job-type specific inputs
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	FirstDispatchedAt   *time.Time
	LogKey              string // zero value ("") means no log
	UploadLogKey        string // zero value ("") means no upload log
	Dependencies        *string
	FailureCount        int
}

// Cookie identifies the build on the worker side, e.g. "SNAP-aaaaaaaa-...".
func (b *Build) Cookie() string {
	return fmt.Sprintf("%s-%s", strings.ToUpper(string(b.JobType)), b.ID)
}

// ParseCookie is the inverse of Build.Cookie.
func ParseCookie(cookie string) (JobType, uuid.UUID, error) {
	prefix, rest, ok := strings.Cut(cookie, "-")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCookie, cookie)
	}
	jobType, known := JobTypeFromString(strings.ToLower(prefix))
	if !known {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCookie, cookie)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCookie, cookie)
	}
	return jobType, id, nil
}

type QueueEntry struct {
	ID          uuid.UUID
	BuildID     uuid.UUID
	LastScore   int
	Virtualized bool
	BuilderID   *uuid.UUID
	Logtail     string
	CreatedAt   time.Time
}

type CleanStatus string

const (
	CleanStatusClean    CleanStatus = "CLEAN"
	CleanStatusDirty    CleanStatus = "DIRTY"
	CleanStatusCleaning CleanStatus = "CLEANING"
)

type Builder struct {
	ID           uuid.UUID
	Name         string
	URL          string
	Processors   []string
	Virtualized  bool
	Region       string
	Active       bool
	FailureCount int
	CleanStatus  CleanStatus
}

func (b *Builder) SupportsProcessor(processor string) bool {
	for _, p := range b.Processors {
		if p == processor {
			return true
		}
	}
	return false
}

type Chroot struct {
	DistroSeriesID uuid.UUID
	Pocket         Pocket
	ImageType      string
	Processor      string
	Digest         string
	URL            string
}

type SourcePublicationStatus string

const (
	SourcePublicationStatusPending    SourcePublicationStatus = "PENDING"
	SourcePublicationStatusPublished  SourcePublicationStatus = "PUBLISHED"
	SourcePublicationStatusSuperseded SourcePublicationStatus = "SUPERSEDED"
	SourcePublicationStatusDeleted    SourcePublicationStatus = "DELETED"
)

type SourcePublication struct {
	ID     uuid.UUID
	Status SourcePublicationStatus
}

// Current reports whether builds of the publication are still wanted.
func (p *SourcePublication) Current() bool {
	return p.Status == SourcePublicationStatusPending || p.Status == SourcePublicationStatusPublished
}

type DistroSeriesStatus string

const (
	DistroSeriesStatusDevelopment DistroSeriesStatus = "DEVELOPMENT"
	DistroSeriesStatusCurrent     DistroSeriesStatus = "CURRENT"
	DistroSeriesStatusSupported   DistroSeriesStatus = "SUPPORTED"
	DistroSeriesStatusObsolete    DistroSeriesStatus = "OBSOLETE"
)

type DistroSeries struct {
	ID     uuid.UUID
	Name   string
	Status DistroSeriesStatus
}

func (s *DistroSeries) EndOfLife() bool {
	return s.Status == DistroSeriesStatusObsolete
}
