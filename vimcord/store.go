package vimcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"gorm.io/gorm"
)

// Filter selects documents by field equality; keys are column names.
// An empty filter matches everything (reads only - deletes require an
// explicit filter, see [Store.DeleteAll]).
type Filter map[string]any

// SortOrder orders query results by one column.
type SortOrder struct {
	Field string
	Desc  bool
}

func (s SortOrder) clause() string {
	if s.Desc {
		return s.Field + " DESC"
	}
	return s.Field + " ASC"
}

// FetchOptions modifies [Store.Fetch] behavior.
type FetchOptions struct {
	// Projection limits the selected columns
	Projection []string

	// Upsert creates a default document matching the filter when none
	// exists, and returns it
	Upsert bool

	// Defaults seeds non-filter fields of an upserted document
	Defaults map[string]any
}

// FetchAllOptions modifies [Store.FetchAll] behavior.
type FetchAllOptions struct {
	Projection []string
	Sort       []SortOrder
	Limit      int
}

// UpdateOptions modifies [Store.Update] behavior.
type UpdateOptions struct {
	// Upsert creates a document from the filter plus the patch's set
	// operations when no document matches
	Upsert bool

	// ReturnNew re-reads and returns the post-update document
	ReturnNew bool
}

// Patch is an ordered set of update operations: plain field sets and
// atomic increments. Increments are applied server-side
// (`field = field + delta`), so concurrent patches never lose updates.
type Patch struct {
	sets map[string]any
	incs map[string]int64
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{sets: map[string]any{}, incs: map[string]int64{}}
}

// Set assigns value to field.
func (p *Patch) Set(field string, value any) *Patch {
	p.sets[field] = value
	return p
}

// Inc atomically adds delta to field.
func (p *Patch) Inc(field string, delta int64) *Patch {
	p.incs[field] += delta
	return p
}

func (p *Patch) empty() bool {
	return len(p.sets) == 0 && len(p.incs) == 0
}

// values renders the patch as a gorm update map.
func (p *Patch) values() map[string]any {
	values := make(map[string]any, len(p.sets)+len(p.incs))
	for field, value := range p.sets {
		values[field] = value
	}
	for field, delta := range p.incs {
		values[field] = gorm.Expr(field+" + ?", delta)
	}
	return values
}

// txContextKey carries the open transaction through the context so
// every store call inside a [UseTransaction] body joins it implicitly.
type txContextKey struct{}

// UseTransaction opens a transaction against db and runs body with a
// context that routes all schema store calls through it. The
// transaction commits when body returns nil, and rolls back entirely -
// no partial application is ever observable - when body (or any call
// inside it) returns an error, which is then re-returned. Transactions
// never nest: opening one inside another fails with
// [ErrNestedTransaction].
func UseTransaction(
	ctx context.Context,
	db *gorm.DB,
	body func(txCtx context.Context) error,
) error {
	if _, open := ctx.Value(txContextKey{}).(*gorm.DB); open {
		return ErrNestedTransaction
	}
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return body(context.WithValue(ctx, txContextKey{}, tx))
		},
	)
}

// Store is a typed collection wrapper over one gorm model, exposing
// CRUD, aggregation and transaction support. Extension behavior is
// layered on as free functions taking the store (see extensions.go)
// rather than runtime-attached methods.
type Store[T any] struct {
	db     *gorm.DB
	logger *slog.Logger
	name   string
}

// NewStore returns a schema store for model T.
func NewStore[T any](db *gorm.DB, log *slog.Logger) *Store[T] {
	if log == nil {
		log = slog.Default()
	}
	name := reflect.TypeOf(*new(T)).Name()
	return &Store[T]{
		db:     db,
		logger: log.With(loggerNameKey, "store."+strings.ToLower(name)),
		name:   name,
	}
}

// DB exposes the underlying connection, primarily for opening
// transactions that span multiple stores.
func (s *Store[T]) DB() *gorm.DB {
	return s.db
}

// conn returns the connection for this call: the context's open
// transaction if inside [UseTransaction], otherwise the base
// connection with a default operation deadline applied.
func (s *Store[T]) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if tx, open := ctx.Value(txContextKey{}).(*gorm.DB); open {
		return tx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		return s.db.WithContext(ctx), cancel
	}
	return s.db.WithContext(ctx), func() {}
}

// Create inserts the given documents. A unique index collision on any
// document fails the whole call with [ConstraintViolationError].
func (s *Store[T]) Create(ctx context.Context, docs ...*T) error {
	if len(docs) == 0 {
		return nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()

	if err := db.Create(docs).Error; err != nil {
		return s.mapWriteError(err)
	}
	return nil
}

// Fetch returns the first document matching filter, or nil when none
// exists - absence is not an error. With [FetchOptions.Upsert], a
// default document shaped by the filter (and opts.Defaults) is created
// and returned instead of nil.
func (s *Store[T]) Fetch(
	ctx context.Context,
	filter Filter,
	opts ...FetchOptions,
) (*T, error) {
	var opt FetchOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	query := db.Where(map[string]any(filter))
	if len(opt.Projection) > 0 {
		query = query.Select(opt.Projection)
	}

	doc := new(T)
	if opt.Upsert {
		query = query.Attrs(opt.Defaults)
		if err := query.FirstOrCreate(doc).Error; err != nil {
			return nil, s.mapWriteError(err)
		}
		return doc, nil
	}

	err := query.First(doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FetchAll returns every document matching filter, honoring sort order
// and limit.
func (s *Store[T]) FetchAll(
	ctx context.Context,
	filter Filter,
	opts ...FetchAllOptions,
) ([]T, error) {
	var opt FetchAllOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	query := db.Where(map[string]any(filter))
	if len(opt.Projection) > 0 {
		query = query.Select(opt.Projection)
	}
	for _, order := range opt.Sort {
		query = query.Order(order.clause())
	}
	if opt.Limit > 0 {
		query = query.Limit(opt.Limit)
	}

	var docs []T
	if err := query.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// FetchAllLean returns matching rows as projection-shaped plain maps,
// without model decoration (timestamps, soft-delete filtering hooks and
// the like still apply at the SQL level, but the result is raw data).
func (s *Store[T]) FetchAllLean(
	ctx context.Context,
	filter Filter,
	projection []string,
	opts ...FetchAllOptions,
) ([]map[string]any, error) {
	var opt FetchAllOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	query := db.Model(new(T)).Where(map[string]any(filter))
	if len(projection) > 0 {
		query = query.Select(projection)
	}
	for _, order := range opt.Sort {
		query = query.Order(order.clause())
	}
	if opt.Limit > 0 {
		query = query.Limit(opt.Limit)
	}

	var rows []map[string]any
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns the number of documents matching filter.
func (s *Store[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var count int64
	err := db.Model(new(T)).Where(map[string]any(filter)).Count(&count).Error
	return count, err
}

// Update applies patch to every document matching filter. With
// [UpdateOptions.Upsert], a miss creates a document from the filter's
// equality fields plus the patch's set operations. With
// [UpdateOptions.ReturnNew], the post-update document is re-read and
// returned; otherwise the returned document is nil.
func (s *Store[T]) Update(
	ctx context.Context,
	filter Filter,
	patch *Patch,
	opts ...UpdateOptions,
) (*T, error) {
	var opt UpdateOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if patch == nil || patch.empty() {
		return nil, fmt.Errorf("%s: empty patch", s.name)
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	rv := db.Model(new(T)).Where(map[string]any(filter)).Updates(patch.values())
	if rv.Error != nil {
		return nil, s.mapWriteError(rv.Error)
	}

	if rv.RowsAffected == 0 && opt.Upsert {
		seed := make(map[string]any, len(filter)+len(patch.sets))
		for field, value := range filter {
			seed[field] = value
		}
		for field, value := range patch.sets {
			seed[field] = value
		}
		for field, delta := range patch.incs {
			seed[field] = delta
		}
		doc := new(T)
		createQuery := db.Where(map[string]any(filter)).Attrs(seed)
		if err := createQuery.FirstOrCreate(doc).Error; err != nil {
			return nil, s.mapWriteError(err)
		}
		if opt.ReturnNew {
			return doc, nil
		}
		return nil, nil
	}

	if opt.ReturnNew {
		// Re-read with set fields taking precedence over the filter,
		// in case the patch rewrote a filtered field
		lookup := make(Filter, len(filter))
		for field, value := range filter {
			lookup[field] = value
		}
		for field, value := range patch.sets {
			if _, filtered := lookup[field]; filtered {
				lookup[field] = value
			}
		}
		return s.Fetch(ctx, lookup)
	}
	return nil, nil
}

// Delete removes documents matching filter. An empty filter is
// rejected; use [Store.DeleteAll] for bulk removal.
func (s *Store[T]) Delete(ctx context.Context, filter Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("%s: delete requires a filter", s.name)
	}
	db, cancel := s.conn(ctx)
	defer cancel()

	return db.Where(map[string]any(filter)).Delete(new(T)).Error
}

// DeleteAll removes every document matching filter (everything, when
// the filter is empty) and returns the number removed.
func (s *Store[T]) DeleteAll(ctx context.Context, filter Filter) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	query := db.Where(map[string]any(filter))
	if len(filter) == 0 {
		query = db.Session(&gorm.Session{AllowGlobalUpdate: true})
	}
	rv := query.Delete(new(T))
	return rv.RowsAffected, rv.Error
}

// UseTransaction runs body in a transaction on this store's connection;
// see the package-level [UseTransaction]. Stores over other models
// participate in the same transaction through the body's context.
func (s *Store[T]) UseTransaction(
	ctx context.Context,
	body func(txCtx context.Context) error,
) error {
	return UseTransaction(ctx, s.db, body)
}

// mapWriteError converts backend errors for declared-constraint
// violations into the store's typed failure.
func (s *Store[T]) mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &ConstraintViolationError{Model: s.name, Err: err}
	}
	return err
}

// PipelineStage is one declarative step of an aggregation pipeline,
// evaluated server-side in order.
type PipelineStage interface {
	apply(query *gorm.DB) *gorm.DB
}

type matchStage struct{ filter Filter }

func (st matchStage) apply(query *gorm.DB) *gorm.DB {
	return query.Where(map[string]any(st.filter))
}

// Match filters documents by field equality.
func Match(filter Filter) PipelineStage {
	return matchStage{filter: filter}
}

type sortStage struct{ order SortOrder }

func (st sortStage) apply(query *gorm.DB) *gorm.DB {
	return query.Order(st.order.clause())
}

// Sort orders the pipeline by one column.
func Sort(field string, desc bool) PipelineStage {
	return sortStage{order: SortOrder{Field: field, Desc: desc}}
}

type limitStage struct{ n int }

func (st limitStage) apply(query *gorm.DB) *gorm.DB {
	return query.Limit(st.n)
}

// Limit caps the number of documents flowing out of the pipeline.
func Limit(n int) PipelineStage {
	return limitStage{n: n}
}

type sampleStage struct{ n int }

func (st sampleStage) apply(query *gorm.DB) *gorm.DB {
	// RANDOM() is understood by both sqlite and postgres
	return query.Order("RANDOM()").Limit(st.n)
}

// Sample picks n documents at random.
func Sample(n int) PipelineStage {
	return sampleStage{n: n}
}

type projectStage struct{ fields []string }

func (st projectStage) apply(query *gorm.DB) *gorm.DB {
	return query.Select(st.fields)
}

// Project reshapes pipeline output to the named fields.
func Project(fields ...string) PipelineStage {
	return projectStage{fields: fields}
}

// Aggregate evaluates the pipeline stages in order against the store's
// collection and returns the resulting rows as plain maps. Guarantees
// beyond the backend's native query semantics are not provided.
func (s *Store[T]) Aggregate(
	ctx context.Context,
	stages ...PipelineStage,
) ([]map[string]any, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	query := db.Model(new(T))
	for _, stage := range stages {
		query = stage.apply(query)
	}

	var rows []map[string]any
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
