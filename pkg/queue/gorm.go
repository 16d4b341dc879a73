package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/schedule"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// Delivery states stored in the deliveries table.
const (
	DeliveryReady   = "ready"
	DeliveryClaimed = "claimed"
	DeliveryDone    = "done"
)

// DeliveryRecord is a row of the deliveries table.
type DeliveryRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	JobType       string `gorm:"size:255;not null"`
	JobID         string `gorm:"size:36;index"`
	PipelineID    string `gorm:"size:36"`
	CorrelationID string `gorm:"size:255"`
	Payload       datatypes.JSON
	DedupeKey     *string   `gorm:"size:255;uniqueIndex"`
	Status        string    `gorm:"size:16;not null;default:ready;index:idx_deliveries_due,priority:1"`
	NotBefore     time.Time `gorm:"not null;index:idx_deliveries_due,priority:2"`
	LockedBy      string    `gorm:"size:255"`
	LockedUntil   *time.Time
	Deliveries    int
	LastError     string `gorm:"type:text"`
	CreatedAt     time.Time
	CompletedAt   *time.Time `gorm:"index"`
}

// TableName pins the table name.
func (DeliveryRecord) TableName() string { return "deliveries" }

func (r *DeliveryRecord) delivery() *Delivery {
	d := &Delivery{
		Invocation: core.Invocation{
			DeliveryID:    r.ID,
			JobType:       r.JobType,
			JobID:         r.JobID,
			PipelineID:    r.PipelineID,
			CorrelationID: r.CorrelationID,
			Payload:       json.RawMessage(r.Payload),
			NotBefore:     r.NotBefore,
		},
		Deliveries: r.Deliveries,
		LockedBy:   r.LockedBy,
	}
	if r.LockedUntil != nil {
		d.LockedUntil = *r.LockedUntil
	}
	return d
}

// GormQueue keeps deliveries in the database shared with the record store.
type GormQueue struct {
	db    *gorm.DB
	cfg   Config
	crons *cronTable
}

var (
	_ Queue         = (*GormQueue)(nil)
	_ core.TxBinder = (*GormQueue)(nil)
)

// NewGormQueue creates a queue over db.
func NewGormQueue(db *gorm.DB, opts ...Option) *GormQueue {
	return &GormQueue{db: db, cfg: newConfig(opts), crons: newCronTable()}
}

// Migrate creates the deliveries table.
func (q *GormQueue) Migrate(ctx context.Context) error {
	return q.db.WithContext(ctx).AutoMigrate(&DeliveryRecord{})
}

// Bind returns a queue writing through the unit of work of tx, when tx is
// a GORM store inside Atomic.
func (q *GormQueue) Bind(tx core.Store) (core.WorkQueue, bool) {
	scoped, ok := tx.(interface {
		DB() *gorm.DB
		InTx() bool
	})
	if !ok || !scoped.InTx() {
		return nil, false
	}
	return &GormQueue{db: scoped.DB(), cfg: q.cfg, crons: q.crons}, true
}

func (q *GormQueue) record(inv core.Invocation) (*DeliveryRecord, error) {
	if err := security.ValidateJobTypeName(inv.JobType); err != nil {
		return nil, err
	}
	if err := security.ValidatePayload(inv.Payload); err != nil {
		return nil, err
	}
	notBefore := inv.NotBefore
	if notBefore.IsZero() {
		notBefore = q.cfg.Now()
	}
	return &DeliveryRecord{
		ID:            uuid.New().String(),
		JobType:       inv.JobType,
		JobID:         inv.JobID,
		PipelineID:    inv.PipelineID,
		CorrelationID: inv.CorrelationID,
		Payload:       datatypes.JSON(inv.Payload),
		Status:        DeliveryReady,
		NotBefore:     notBefore,
	}, nil
}

// Enqueue implements core.WorkQueue.
func (q *GormQueue) Enqueue(ctx context.Context, inv core.Invocation) error {
	rec, err := q.record(inv)
	if err != nil {
		return err
	}
	return q.db.WithContext(ctx).Create(rec).Error
}

// EnqueueUnique implements Queue. Keys stay taken until Purge removes the
// acknowledged delivery.
func (q *GormQueue) EnqueueUnique(ctx context.Context, inv core.Invocation, key string) (bool, error) {
	rec, err := q.record(inv)
	if err != nil {
		return false, err
	}
	rec.DedupeKey = &key
	result := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ScheduleCron implements core.WorkQueue.
func (q *GormQueue) ScheduleCron(jobType string, sched schedule.Schedule, payload json.RawMessage) error {
	return q.crons.add(jobType, sched, payload)
}

// Scheduled implements Queue.
func (q *GormQueue) Scheduled() []ScheduledJob {
	return q.crons.list()
}

// Dequeue implements Source. A claim whose lock expired is handed out again.
func (q *GormQueue) Dequeue(ctx context.Context, workerID string) (*Delivery, error) {
	now := q.cfg.Now()
	lockUntil := now.Add(q.cfg.Visibility)

	var rec DeliveryRecord
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("status <> ?", DeliveryDone).
			Where("not_before <= ?", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("not_before ASC, created_at ASC").
			First(&rec)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		claim := tx.Model(&DeliveryRecord{}).
			Where("id = ? AND (locked_until IS NULL OR locked_until < ?)", rec.ID, now).
			Updates(map[string]any{
				"status":       DeliveryClaimed,
				"locked_by":    workerID,
				"locked_until": lockUntil,
				"deliveries":   gorm.Expr("deliveries + 1"),
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			// Another worker claimed it first.
			rec = DeliveryRecord{}
			return nil
		}
		rec.Status = DeliveryClaimed
		rec.LockedBy = workerID
		rec.LockedUntil = &lockUntil
		rec.Deliveries++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	return rec.delivery(), nil
}

func (q *GormQueue) owned(ctx context.Context, d *Delivery, updates map[string]any) error {
	result := q.db.WithContext(ctx).
		Model(&DeliveryRecord{}).
		Where("id = ? AND locked_by = ? AND status = ?", d.DeliveryID, d.LockedBy, DeliveryClaimed).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotOwned
	}
	return nil
}

// Ack implements Source.
func (q *GormQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.owned(ctx, d, map[string]any{
		"status":       DeliveryDone,
		"completed_at": q.cfg.Now(),
		"locked_by":    "",
		"locked_until": nil,
	})
}

// Nack implements Source.
func (q *GormQueue) Nack(ctx context.Context, d *Delivery, retryAt time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = security.SanitizeErrorMessage(cause.Error())
	}
	return q.owned(ctx, d, map[string]any{
		"status":       DeliveryReady,
		"not_before":   retryAt,
		"last_error":   msg,
		"locked_by":    "",
		"locked_until": nil,
	})
}

// Heartbeat implements Source.
func (q *GormQueue) Heartbeat(ctx context.Context, d *Delivery) error {
	until := q.cfg.Now().Add(q.cfg.Visibility)
	if err := q.owned(ctx, d, map[string]any{"locked_until": until}); err != nil {
		return err
	}
	d.LockedUntil = until
	return nil
}

// Depth implements Queue.
func (q *GormQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&DeliveryRecord{}).Where("status <> ?", DeliveryDone).Count(&n).Error
	return n, err
}

// Purge deletes deliveries acknowledged before cutoff and returns how many
// were removed.
func (q *GormQueue) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", DeliveryDone, cutoff).
		Delete(&DeliveryRecord{})
	return result.RowsAffected, result.Error
}

// Pending lists deliveries that have not been acknowledged, oldest first.
func (q *GormQueue) Pending(ctx context.Context, limit int) ([]*Delivery, error) {
	var recs []DeliveryRecord
	tx := q.db.WithContext(ctx).Where("status <> ?", DeliveryDone).Order("not_before ASC, created_at ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Delivery, len(recs))
	for i := range recs {
		out[i] = recs[i].delivery()
	}
	return out, nil
}
