package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// DefaultMaxAttempts is applied to job records created without a ceiling.
const DefaultMaxAttempts = 3

// GormStore implements core.Store using GORM.
type GormStore struct {
	db    *gorm.DB
	hooks *commitHooks // non-nil inside Atomic
}

var _ core.Store = (*GormStore)(nil)

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying handle, scoped to the unit of work when inside Atomic.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// InTx reports whether s is scoped to a unit of work.
func (s *GormStore) InTx() bool {
	return s.hooks != nil
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.JobRecord{}, &core.PipelineRecord{})
}

func prepareJob(job *core.JobRecord) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.MaxAttempts = security.ClampAttempts(job.MaxAttempts)
	job.Version = 1
}

// CreateJob inserts a new job record and returns its id.
func (s *GormStore) CreateJob(ctx context.Context, job *core.JobRecord) (string, error) {
	if err := security.ValidateJobTypeName(job.JobType); err != nil {
		return "", err
	}
	if err := security.ValidatePayload(job.Payload); err != nil {
		return "", err
	}
	prepareJob(job)
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", err
	}
	return job.ID, nil
}

// LoadJob retrieves a job by ID.
func (s *GormStore) LoadJob(ctx context.Context, id string) (*core.JobRecord, error) {
	var job core.JobRecord
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompareAndSwapJob writes every column of next when the stored version
// still equals expectedVersion. Error text is sanitized before storage.
func (s *GormStore) CompareAndSwapJob(ctx context.Context, id string, expectedVersion int, next *core.JobRecord) (bool, error) {
	next.ID = id
	next.Version = expectedVersion + 1
	next.Error = security.SanitizeDetail(next.Error)
	next.ProgressMessage = security.SanitizeProgressMessage(next.ProgressMessage)

	result := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(next)

	if result.Error != nil || result.RowsAffected == 0 {
		next.Version = expectedVersion
		return false, result.Error
	}
	return true, nil
}

// ListByPipeline returns every member of a pipeline in creation order.
func (s *GormStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*core.JobRecord, error) {
	var jobs []*core.JobRecord
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error
	return jobs, err
}

// CreatePipeline persists p and its member jobs in one unit of work.
// Member ids may be assigned by the caller so dependencies can reference them.
func (s *GormStore) CreatePipeline(ctx context.Context, p *core.PipelineRecord, jobs []*core.JobRecord) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = core.PipelinePending
	}
	if p.Policy == "" {
		p.Policy = core.PolicyFailFast
	}
	p.Version = 1

	for _, job := range jobs {
		if err := security.ValidateJobTypeName(job.JobType); err != nil {
			return "", err
		}
		if err := security.ValidatePayload(job.Payload); err != nil {
			return "", err
		}
		prepareJob(job)
		pid := p.ID
		job.PipelineID = &pid
		if job.CorrelationID == "" {
			job.CorrelationID = p.CorrelationID
		}
	}

	err := s.Atomic(ctx, func(tx core.Store) error {
		db := tx.(*GormStore).db.WithContext(ctx)
		if err := db.Create(p).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		return db.Create(jobs).Error
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// LoadPipeline retrieves a pipeline by ID.
func (s *GormStore) LoadPipeline(ctx context.Context, id string) (*core.PipelineRecord, error) {
	var p core.PipelineRecord
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrPipelineNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CompareAndSwapPipeline is CompareAndSwapJob for pipeline records.
func (s *GormStore) CompareAndSwapPipeline(ctx context.Context, id string, expectedVersion int, next *core.PipelineRecord) (bool, error) {
	next.ID = id
	next.Version = expectedVersion + 1
	next.StatusReason = security.SanitizeErrorMessage(next.StatusReason)

	result := s.db.WithContext(ctx).
		Model(&core.PipelineRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(next)

	if result.Error != nil || result.RowsAffected == 0 {
		next.Version = expectedVersion
		return false, result.Error
	}
	return true, nil
}

// Atomic runs fn in a database transaction. Inside fn, tx stages every
// write; hooks registered with AfterCommit run once the commit succeeds.
func (s *GormStore) Atomic(ctx context.Context, fn func(tx core.Store) error) error {
	if s.hooks != nil {
		return fn(s)
	}

	hooks := &commitHooks{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, hooks: hooks})
	})
	if err != nil {
		return err
	}
	hooks.run(ctx)
	return nil
}

// AfterCommit defers fn until the enclosing transaction commits.
func (s *GormStore) AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if s.hooks == nil {
		fn(ctx)
		return
	}
	s.hooks.add(fn)
}

type commitHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

func (h *commitHooks) add(fn func(context.Context)) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *commitHooks) run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}
