package repos

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/types"
)

// CompleteTaskResult mirrors the row returned by
// geoflow_complete_task_and_check_stage. IsLast=true is the one signal that
// authorizes publishing StageDone for the (job, stage).
type CompleteTaskResult struct {
	Updated   bool `gorm:"column:updated"`
	IsLast    bool `gorm:"column:is_last"`
	Remaining int  `gorm:"column:remaining"`
}

// CompleteTaskParams carries the terminal outcome of one task execution.
type CompleteTaskParams struct {
	TaskID          string
	JobID           string
	Stage           int
	Status          string // completed | failed
	ResultData      datatypes.JSON
	ErrorDetails    string
	NextStageParams datatypes.JSON
}

type TaskRepo interface {
	// CreateBatch inserts the task rows of one stage seed in a single
	// transaction. Conflicting task_ids are skipped, so re-seeding a stage
	// after a redelivered JobStart or StageDone is idempotent.
	CreateBatch(ctx context.Context, tx *gorm.DB, tasks []*types.Task) error
	GetByID(ctx context.Context, tx *gorm.DB, taskID string) (*types.Task, error)
	ListByJobStage(ctx context.Context, tx *gorm.DB, jobID string, stage int) ([]types.Task, error)
	// Claim transitions queued/pending_retry -> processing. Returns false
	// when another worker already holds the task; the caller must drop the
	// message without invoking the handler.
	Claim(ctx context.Context, tx *gorm.DB, taskID string) (bool, error)
	// Heartbeat refreshes the liveness timestamp while a handler runs.
	Heartbeat(ctx context.Context, tx *gorm.DB, taskID string) error
	// SetPendingRetry transitions processing -> pending_retry and bumps the
	// retry counter.
	SetPendingRetry(ctx context.Context, tx *gorm.DB, taskID string, retryCount int, errorDetails string) (bool, error)
	// Complete invokes the server-side completion routine of the stage
	// advancement protocol.
	Complete(ctx context.Context, tx *gorm.DB, params CompleteTaskParams) (CompleteTaskResult, error)
	CountNonTerminal(ctx context.Context, tx *gorm.DB, jobID string, stage int) (int64, error)
	CountByStatus(ctx context.Context, tx *gorm.DB, jobID string, status string) (int64, error)
	// ListStaleProcessing returns processing tasks whose heartbeat is older
	// than the cutoff.
	ListStaleProcessing(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Task, error)
	// ListOrphanedQueued returns queued tasks of the current stage of a
	// processing job, created before the cutoff. These are rows whose
	// TaskStart message likely never landed.
	ListOrphanedQueued(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Task, error)
	// CancelQueued marks the queued tasks of a job as cancelled. Emitted
	// only by the janitor during cleanup of failed jobs.
	CancelQueued(ctx context.Context, tx *gorm.DB, jobID string) (int64, error)
	// Requeue returns a pending_retry or stale-processing task to the
	// queued pool so a republished message can claim it. Each requeue bumps
	// retry_count: a worker that dies mid-handler never reaches the
	// executor's retry path, so this is where its attempt is charged
	// against the budget.
	Requeue(ctx context.Context, tx *gorm.DB, taskID string) (bool, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) CreateBatch(ctx context.Context, tx *gorm.DB, tasks []*types.Task) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		return txx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tasks).Error
	})
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, taskID string) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if taskID == "" {
		return nil, nil
	}
	var task types.Task
	err := transaction.WithContext(ctx).
		Where("task_id = ?", taskID).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) ListByJobStage(ctx context.Context, tx *gorm.DB, jobID string, stage int) ([]types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []types.Task
	err := transaction.WithContext(ctx).
		Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Order("task_id ASC").
		Find(&out).Error
	return out, err
}

func (r *taskRepo) Claim(ctx context.Context, tx *gorm.DB, taskID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	res := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("task_id = ? AND status IN ?", taskID, []string{
			types.TaskStatusQueued,
			types.TaskStatusPendingRetry,
		}).
		Updates(map[string]interface{}{
			"status":     types.TaskStatusProcessing,
			"heartbeat":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Heartbeat(ctx context.Context, tx *gorm.DB, taskID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if taskID == "" {
		return nil
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("task_id = ? AND status = ?", taskID, types.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"heartbeat":  now,
			"updated_at": now,
		}).Error
}

func (r *taskRepo) SetPendingRetry(ctx context.Context, tx *gorm.DB, taskID string, retryCount int, errorDetails string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("task_id = ? AND status = ?", taskID, types.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":        types.TaskStatusPendingRetry,
			"retry_count":   retryCount,
			"error_details": errorDetails,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Complete(ctx context.Context, tx *gorm.DB, params CompleteTaskParams) (CompleteTaskResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	resultData := params.ResultData
	if len(resultData) == 0 {
		resultData = datatypes.JSON([]byte(`{}`))
	}
	var nextStageParams interface{}
	if len(params.NextStageParams) > 0 {
		nextStageParams = string(params.NextStageParams)
	}
	var out CompleteTaskResult
	err := transaction.WithContext(ctx).
		Raw(`SELECT * FROM geoflow_complete_task_and_check_stage(?, ?, ?, ?, ?::jsonb, ?, ?::jsonb)`,
			params.TaskID, params.JobID, params.Stage, params.Status,
			string(resultData), params.ErrorDetails, nextStageParams).
		Scan(&out).Error
	if err != nil {
		return CompleteTaskResult{}, err
	}
	return out, nil
}

func (r *taskRepo) CountNonTerminal(ctx context.Context, tx *gorm.DB, jobID string, stage int) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("parent_job_id = ? AND stage = ? AND status NOT IN ?", jobID, stage, []string{
			types.TaskStatusCompleted,
			types.TaskStatusFailed,
			types.TaskStatusCancelled,
		}).
		Count(&count).Error
	return count, err
}

func (r *taskRepo) CountByStatus(ctx context.Context, tx *gorm.DB, jobID string, status string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("parent_job_id = ? AND status = ?", jobID, status).
		Count(&count).Error
	return count, err
}

func (r *taskRepo) ListStaleProcessing(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []types.Task
	err := transaction.WithContext(ctx).
		Where("status = ? AND heartbeat IS NOT NULL AND heartbeat < ?", types.TaskStatusProcessing, cutoff).
		Order("heartbeat ASC").
		Find(&out).Error
	return out, err
}

func (r *taskRepo) ListOrphanedQueued(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []types.Task
	err := transaction.WithContext(ctx).
		Joins(`JOIN "job" ON "job".job_id = "task".parent_job_id AND "job".stage = "task".stage`).
		Where(`"task".status = ? AND "job".status = ? AND "task".created_at < ?`,
			types.TaskStatusQueued, types.JobStatusProcessing, cutoff).
		Find(&out).Error
	return out, err
}

func (r *taskRepo) CancelQueued(ctx context.Context, tx *gorm.DB, jobID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("parent_job_id = ? AND status = ?", jobID, types.TaskStatusQueued).
		Updates(map[string]interface{}{
			"status":     types.TaskStatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *taskRepo) Requeue(ctx context.Context, tx *gorm.DB, taskID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("task_id = ? AND status IN ?", taskID, []string{
			types.TaskStatusProcessing,
			types.TaskStatusPendingRetry,
		}).
		Updates(map[string]interface{}{
			"status":      types.TaskStatusQueued,
			"retry_count": gorm.Expr("retry_count + 1"),
			"heartbeat":   nil,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
