// Package queue implements a durable database-backed job queue. Jobs
// survive process restarts; workers claim them with guarded updates so
// multiple worker processes can share one database.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/valuerank/valuerank/pkg/store"
)

// Job types.
const (
	TypeProbe     = "probe"
	TypeSummarize = "summarize"
)

// Job states.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Numeric job priorities. Higher drains first.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// PriorityFromRun maps a run priority label to its queue value.
// Unknown labels get normal priority.
func PriorityFromRun(label string) int {
	switch label {
	case store.PriorityHigh:
		return PriorityHigh
	case store.PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Job is one durable unit of work on a named queue.
type Job struct {
	ID         string `gorm:"primaryKey"`
	Queue      string `gorm:"index:idx_job_fetch;not null"`
	Type       string `gorm:"not null"`
	RunID      string `gorm:"index;not null"`
	Priority   int
	Payload    []byte
	State      string `gorm:"index:idx_job_fetch;not null"`
	RetryCount int
	MaxRetries int
	LastError  string
	CreatedAt  time.Time
	StartedAt  *time.Time
	SettledAt  *time.Time
}

// SendOptions qualify a job being enqueued.
type SendOptions struct {
	Type       string
	RunID      string
	Priority   int
	MaxRetries int
}

// Counts is the number of jobs of one type still owed to a run.
type Counts struct {
	Pending int64
	Active  int64
}

// Outstanding reports whether any job is still undelivered or in
// flight.
func (c Counts) Outstanding() bool { return c.Pending+c.Active > 0 }

// Queue is the durable job queue contract. Send returns the persisted
// job id; Fetch returns nil when the queue is empty.
type Queue interface {
	Start(ctx context.Context) error

	Send(
		ctx context.Context, queue string, payload []byte, opts SendOptions,
	) (string, error)
	Fetch(ctx context.Context, queue string) (*Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error) (bool, error)
	CountForRun(
		ctx context.Context, runID, jobType string,
	) (Counts, error)
	CancelForRun(ctx context.Context, runID string) (int64, error)
}

// Compile-time interface check.
var _ Queue = (*dbQueue)(nil)

type dbQueue struct {
	log logrus.FieldLogger
	db  *gorm.DB
}

// NewQueue creates a Queue on an already-open database connection,
// typically the one the store owns.
func NewQueue(log logrus.FieldLogger, db *gorm.DB) Queue {
	return &dbQueue{
		log: log.WithField("component", "queue"),
		db:  db,
	}
}

// Start runs the job table migration.
func (q *dbQueue) Start(ctx context.Context) error {
	if err := q.db.WithContext(ctx).AutoMigrate(&Job{}); err != nil {
		return fmt.Errorf("running queue migrations: %w", err)
	}

	return nil
}

// Send persists a job in pending state and returns its id.
func (q *dbQueue) Send(
	ctx context.Context, queue string, payload []byte, opts SendOptions,
) (string, error) {
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       opts.Type,
		RunID:      opts.RunID,
		Priority:   opts.Priority,
		Payload:    payload,
		State:      StatePending,
		MaxRetries: opts.MaxRetries,
	}

	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("sending job: %w", err)
	}

	return job.ID, nil
}

// fetchAttempts bounds the claim loop when another worker keeps
// winning the same candidate row.
const fetchAttempts = 5

// Fetch claims the highest-priority oldest pending job on the queue.
// The claim is a guarded update, so concurrent workers on the same
// queue each get a distinct job. Returns nil when the queue is empty.
func (q *dbQueue) Fetch(ctx context.Context, queue string) (*Job, error) {
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		var job Job

		err := q.db.WithContext(ctx).
			Where("queue = ? AND state = ?", queue, StatePending).
			Order("priority DESC, created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("selecting pending job: %w", err)
		}

		now := time.Now().UTC()

		res := q.db.WithContext(ctx).
			Model(&Job{}).
			Where("id = ? AND state = ?", job.ID, StatePending).
			Updates(map[string]any{
				"state":      StateActive,
				"started_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claiming job: %w", res.Error)
		}

		if res.RowsAffected == 1 {
			job.State = StateActive
			job.StartedAt = &now

			return &job, nil
		}

		// Lost the race, try the next candidate.
	}

	return nil, nil
}

// Complete marks an active job as completed.
func (q *dbQueue) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC()

	res := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND state = ?", jobID, StateActive).
		Updates(map[string]any{
			"state":      StateCompleted,
			"settled_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("completing job: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("completing job %s: not active", jobID)
	}

	return nil
}

// Fail records a job failure. While retries remain the job goes back to
// pending; once they are exhausted it is retired to failed state. The
// returned bool reports whether the job was retired, which is the
// moment the caller should count the probe as permanently failed.
func (q *dbQueue) Fail(
	ctx context.Context, jobID string, cause error,
) (bool, error) {
	var job Job
	if err := q.db.WithContext(ctx).
		First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, store.ErrNotFound
		}

		return false, fmt.Errorf("loading job: %w", err)
	}

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	retired := job.RetryCount >= job.MaxRetries

	updates := map[string]any{
		"retry_count": job.RetryCount + 1,
		"last_error":  lastError,
	}

	if retired {
		updates["state"] = StateFailed
		updates["settled_at"] = time.Now().UTC()
	} else {
		updates["state"] = StatePending
		updates["started_at"] = nil
	}

	if err := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(updates).Error; err != nil {
		return false, fmt.Errorf("failing job: %w", err)
	}

	return retired, nil
}

// CountForRun counts pending and active jobs of one type for a run.
func (q *dbQueue) CountForRun(
	ctx context.Context, runID, jobType string,
) (Counts, error) {
	var counts Counts

	if err := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("run_id = ? AND type = ? AND state = ?",
			runID, jobType, StatePending).
		Count(&counts.Pending).Error; err != nil {
		return Counts{}, fmt.Errorf("counting pending jobs: %w", err)
	}

	if err := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("run_id = ? AND type = ? AND state = ?",
			runID, jobType, StateActive).
		Count(&counts.Active).Error; err != nil {
		return Counts{}, fmt.Errorf("counting active jobs: %w", err)
	}

	return counts, nil
}

// CancelForRun cancels every undelivered job for a run. Jobs already
// active are left to their workers, which drop them once they see the
// run is no longer actionable.
func (q *dbQueue) CancelForRun(
	ctx context.Context, runID string,
) (int64, error) {
	now := time.Now().UTC()

	res := q.db.WithContext(ctx).
		Model(&Job{}).
		Where("run_id = ? AND state = ?", runID, StatePending).
		Updates(map[string]any{
			"state":      StateCancelled,
			"settled_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancelling jobs for run: %w", res.Error)
	}

	return res.RowsAffected, nil
}
