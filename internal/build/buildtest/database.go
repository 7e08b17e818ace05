// Package buildtest provides an in-memory build.Database for tests.
package buildtest

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/buildfarm/internal/build"
)

const (
	CallBegin                  = "Begin"
	CallCommit                 = "Commit"
	CallRollback               = "Rollback"
	CallGetBuild               = "GetBuild"
	CallGetBuildForUpdate      = "GetBuildForUpdate"
	CallUpdateBuild            = "UpdateBuild"
	CallGetQueueEntryByBuild   = "GetQueueEntryByBuild"
	CallGetQueueEntryByBuilder = "GetQueueEntryByBuilder"
	CallCreateQueueEntry       = "CreateQueueEntry"
	CallUpdateQueueEntry       = "UpdateQueueEntry"
	CallDeleteQueueEntry       = "DeleteQueueEntry"
	CallNextQueueEntry         = "NextQueueEntry"
	CallGetBuilder             = "GetBuilder"
	CallListBuilders           = "ListBuilders"
	CallUpdateBuilder          = "UpdateBuilder"
	CallFindChroot             = "FindChroot"
	CallGetSourcePublication   = "GetSourcePublication"
	CallGetDistroSeries        = "GetDistroSeries"
)

var ErrNestedTx = errors.New("nested transaction")

var (
	_ build.Database   = (*Database)(nil)
	_ build.DatabaseTx = (*Tx)(nil)
)

// Database keeps committed state in memory and records the calls made
// against it. Calls made in a rolled back transaction are not recorded.
type Database struct {
	*view
	txMu sync.Mutex // held for the lifetime of a transaction

	// Errs makes the named call fail with the error, inside or outside a transaction.
	Errs map[string]error
}

func NewDatabase() *Database {
	db := &Database{}
	db.view = &view{mu: &sync.Mutex{}, data: newData(), errs: func() map[string]error { return db.Errs }}
	return db
}

// Calls returns the committed call log.
func (db *Database) Calls() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Clone(db.calls)
}

func (db *Database) Begin(ctx context.Context) (build.DatabaseTx, error) {
	db.txMu.Lock()

	db.mu.Lock()
	db.calls = append(db.calls, CallBegin)
	snapshot := db.data.clone()
	db.mu.Unlock()

	tx := &Tx{parent: db}
	tx.view = &view{mu: &sync.Mutex{}, data: snapshot, errs: db.view.errs}
	return tx, nil
}

type Tx struct {
	*view
	parent *Database
	closed bool
}

func (tx *Tx) Begin(ctx context.Context) (build.DatabaseTx, error) {
	return nil, ErrNestedTx
}

func (tx *Tx) Commit(ctx context.Context) error {
	if tx.closed {
		return build.ErrTxAlreadyClosed
	}
	if err := tx.view.fail(CallCommit); err != nil {
		return err
	}
	tx.closed = true

	p := tx.parent
	p.mu.Lock()
	p.data = tx.data
	p.calls = append(p.calls, tx.calls...)
	p.calls = append(p.calls, CallCommit)
	p.mu.Unlock()

	p.txMu.Unlock()
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.closed {
		return build.ErrTxAlreadyClosed
	}
	tx.closed = true

	p := tx.parent
	p.mu.Lock()
	p.calls = append(p.calls, CallRollback)
	p.mu.Unlock()

	p.txMu.Unlock()
	return nil
}

// Seed helpers write straight into committed state.

func (db *Database) AddBuild(b *build.Build) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data.builds[b.ID] = cloneBuild(b)
}

func (db *Database) AddQueueEntry(qe *build.QueueEntry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data.queue[qe.ID] = cloneQueueEntry(qe)
}

func (db *Database) AddBuilder(b *build.Builder) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data.builders[b.ID] = cloneBuilder(b)
}

func (db *Database) AddChroot(c *build.Chroot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cc := *c
	db.data.chroots = append(db.data.chroots, &cc)
}

func (db *Database) AddSourcePublication(p *build.SourcePublication) {
	db.mu.Lock()
	defer db.mu.Unlock()
	pp := *p
	db.data.sources[p.ID] = &pp
}

func (db *Database) AddDistroSeries(s *build.DistroSeries) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ss := *s
	db.data.series[s.ID] = &ss
}

type view struct {
	mu    *sync.Mutex
	data  *data
	calls []string
	errs  func() map[string]error
}

func (v *view) fail(call string) error {
	if errs := v.errs(); errs != nil {
		return errs[call]
	}
	return nil
}

// do records call and runs f with the state locked.
func (v *view) do(call string, f func(d *data) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail(call); err != nil {
		return err
	}
	v.calls = append(v.calls, call)
	return f(v.data)
}

func (v *view) GetBuild(ctx context.Context, id uuid.UUID) (*build.Build, error) {
	var b *build.Build
	err := v.do(CallGetBuild, func(d *data) error {
		found, ok := d.builds[id]
		if !ok {
			return build.ErrNotFound
		}
		b = cloneBuild(found)
		return nil
	})
	return b, err
}

func (v *view) GetBuildForUpdate(ctx context.Context, id uuid.UUID) (*build.Build, error) {
	var b *build.Build
	err := v.do(CallGetBuildForUpdate, func(d *data) error {
		found, ok := d.builds[id]
		if !ok {
			return build.ErrNotFound
		}
		b = cloneBuild(found)
		return nil
	})
	return b, err
}

func (v *view) UpdateBuild(ctx context.Context, b *build.Build) error {
	return v.do(CallUpdateBuild, func(d *data) error {
		if _, ok := d.builds[b.ID]; !ok {
			return build.ErrNotFound
		}
		d.builds[b.ID] = cloneBuild(b)
		return nil
	})
}

func (v *view) GetQueueEntryByBuild(ctx context.Context, buildID uuid.UUID) (*build.QueueEntry, error) {
	var qe *build.QueueEntry
	err := v.do(CallGetQueueEntryByBuild, func(d *data) error {
		for _, e := range d.queue {
			if e.BuildID == buildID {
				qe = cloneQueueEntry(e)
				return nil
			}
		}
		return build.ErrNotFound
	})
	return qe, err
}

func (v *view) GetQueueEntryByBuilder(ctx context.Context, builderID uuid.UUID) (*build.QueueEntry, error) {
	var qe *build.QueueEntry
	err := v.do(CallGetQueueEntryByBuilder, func(d *data) error {
		for _, e := range d.queue {
			if e.BuilderID != nil && *e.BuilderID == builderID {
				qe = cloneQueueEntry(e)
				return nil
			}
		}
		return build.ErrNotFound
	})
	return qe, err
}

func (v *view) CreateQueueEntry(ctx context.Context, params *build.DatabaseCreateQueueEntryParams) (*build.QueueEntry, error) {
	var qe *build.QueueEntry
	err := v.do(CallCreateQueueEntry, func(d *data) error {
		for _, e := range d.queue {
			if e.BuildID == params.BuildID {
				return build.ErrAlreadyQueued
			}
		}
		qe = &build.QueueEntry{
			ID:          uuid.New(),
			BuildID:     params.BuildID,
			LastScore:   params.LastScore,
			Virtualized: params.Virtualized,
			CreatedAt:   time.Now().UTC(),
		}
		d.queue[qe.ID] = cloneQueueEntry(qe)
		return nil
	})
	return qe, err
}

func (v *view) UpdateQueueEntry(ctx context.Context, qe *build.QueueEntry) error {
	return v.do(CallUpdateQueueEntry, func(d *data) error {
		if _, ok := d.queue[qe.ID]; !ok {
			return build.ErrNotFound
		}
		d.queue[qe.ID] = cloneQueueEntry(qe)
		return nil
	})
}

func (v *view) DeleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	return v.do(CallDeleteQueueEntry, func(d *data) error {
		if _, ok := d.queue[id]; !ok {
			return build.ErrNotFound
		}
		delete(d.queue, id)
		return nil
	})
}

func (v *view) NextQueueEntry(ctx context.Context, params *build.DatabaseNextQueueEntryParams) (*build.QueueEntry, error) {
	var qe *build.QueueEntry
	err := v.do(CallNextQueueEntry, func(d *data) error {
		candidates := make([]*build.QueueEntry, 0)
		for _, e := range d.queue {
			if e.BuilderID != nil || e.Virtualized != params.Virtualized || slices.Contains(params.Exclude, e.ID) {
				continue
			}
			b, ok := d.builds[e.BuildID]
			if !ok || b.Status != build.StatusNeedsBuild || !slices.Contains(params.Processors, b.Processor) {
				continue
			}
			candidates = append(candidates, e)
		}
		if len(candidates) == 0 {
			return build.ErrNotFound
		}
		slices.SortFunc(candidates, func(a, b *build.QueueEntry) int {
			if a.LastScore != b.LastScore {
				return b.LastScore - a.LastScore
			}
			return slices.Compare(a.ID[:], b.ID[:])
		})
		qe = cloneQueueEntry(candidates[0])
		return nil
	})
	return qe, err
}

func (v *view) GetBuilder(ctx context.Context, id uuid.UUID) (*build.Builder, error) {
	var b *build.Builder
	err := v.do(CallGetBuilder, func(d *data) error {
		found, ok := d.builders[id]
		if !ok {
			return build.ErrNotFound
		}
		b = cloneBuilder(found)
		return nil
	})
	return b, err
}

func (v *view) ListBuilders(ctx context.Context, params *build.DatabaseListBuildersParams) ([]*build.Builder, error) {
	var builders []*build.Builder
	err := v.do(CallListBuilders, func(d *data) error {
		for _, b := range d.builders {
			if params.ActiveOnly && !b.Active {
				continue
			}
			builders = append(builders, cloneBuilder(b))
		}
		slices.SortFunc(builders, func(a, b *build.Builder) int {
			return strings.Compare(a.Name, b.Name)
		})
		return nil
	})
	return builders, err
}

func (v *view) UpdateBuilder(ctx context.Context, b *build.Builder) error {
	return v.do(CallUpdateBuilder, func(d *data) error {
		if _, ok := d.builders[b.ID]; !ok {
			return build.ErrNotFound
		}
		d.builders[b.ID] = cloneBuilder(b)
		return nil
	})
}

func (v *view) FindChroot(ctx context.Context, params *build.DatabaseFindChrootParams) (*build.Chroot, error) {
	var c *build.Chroot
	err := v.do(CallFindChroot, func(d *data) error {
		for _, found := range d.chroots {
			if found.DistroSeriesID == params.DistroSeriesID &&
				found.Pocket == params.Pocket &&
				found.ImageType == params.ImageType &&
				found.Processor == params.Processor {
				cc := *found
				c = &cc
				return nil
			}
		}
		return build.ErrNotFound
	})
	return c, err
}

func (v *view) GetSourcePublication(ctx context.Context, id uuid.UUID) (*build.SourcePublication, error) {
	var p *build.SourcePublication
	err := v.do(CallGetSourcePublication, func(d *data) error {
		found, ok := d.sources[id]
		if !ok {
			return build.ErrNotFound
		}
		pp := *found
		p = &pp
		return nil
	})
	return p, err
}

func (v *view) GetDistroSeries(ctx context.Context, id uuid.UUID) (*build.DistroSeries, error) {
	var s *build.DistroSeries
	err := v.do(CallGetDistroSeries, func(d *data) error {
		found, ok := d.series[id]
		if !ok {
			return build.ErrNotFound
		}
		ss := *found
		s = &ss
		return nil
	})
	return s, err
}

type data struct {
	builds   map[uuid.UUID]*build.Build
	queue    map[uuid.UUID]*build.QueueEntry
	builders map[uuid.UUID]*build.Builder
	chroots  []*build.Chroot
	sources  map[uuid.UUID]*build.SourcePublication
	series   map[uuid.UUID]*build.DistroSeries
}

func newData() *data {
	return &data{
		builds:   make(map[uuid.UUID]*build.Build),
		queue:    make(map[uuid.UUID]*build.QueueEntry),
		builders: make(map[uuid.UUID]*build.Builder),
		sources:  make(map[uuid.UUID]*build.SourcePublication),
		series:   make(map[uuid.UUID]*build.DistroSeries),
	}
}

func (d *data) clone() *data {
	c := newData()
	for id, b := range d.builds {
		c.builds[id] = cloneBuild(b)
	}
	for id, qe := range d.queue {
		c.queue[id] = cloneQueueEntry(qe)
	}
	for id, b := range d.builders {
		c.builders[id] = cloneBuilder(b)
	}
	c.chroots = slices.Clone(d.chroots)
	maps.Copy(c.sources, d.sources)
	maps.Copy(c.series, d.series)
	return c
}

func cloneBuild(b *build.Build) *build.Build {
	c := *b
	c.BuilderID = clonePtr(b.BuilderID)
	c.SourcePublicationID = clonePtr(b.SourcePublicationID)
	c.StartedAt = clonePtr(b.StartedAt)
	c.FinishedAt = clonePtr(b.FinishedAt)
	c.FirstDispatchedAt = clonePtr(b.FirstDispatchedAt)
	c.Dependencies = clonePtr(b.Dependencies)
	c.Arguments = maps.Clone(b.Arguments)
	return &c
}

func cloneQueueEntry(qe *build.QueueEntry) *build.QueueEntry {
	c := *qe
	c.BuilderID = clonePtr(qe.BuilderID)
	return &c
}

func cloneBuilder(b *build.Builder) *build.Builder {
	c := *b
	c.Processors = slices.Clone(b.Processors)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
