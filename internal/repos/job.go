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

// AdvanceStageResult mirrors the row returned by geoflow_advance_job_stage.
type AdvanceStageResult struct {
	Updated  bool `gorm:"column:updated"`
	NewStage int  `gorm:"column:new_stage"`
	IsFinal  bool `gorm:"column:is_final"`
}

type JobRepo interface {
	// CreateIfAbsent inserts the job unless a row with the same job_id
	// already exists. Returns true when the row was inserted.
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, job *types.Job) (bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, jobID string) (*types.Job, error)
	// MarkProcessing transitions queued -> processing. Returns false when
	// the job was not in queued (duplicate JobStart delivery).
	MarkProcessing(ctx context.Context, tx *gorm.DB, jobID string) (bool, error)
	// MarkFailed transitions any non-terminal status to failed.
	MarkFailed(ctx context.Context, tx *gorm.DB, jobID string, errorDetails string) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, jobID string, updates map[string]interface{}) error
	// AdvanceStage invokes the server-side routine of the stage
	// advancement protocol. Updated=false means the stage guard did not
	// match (duplicate StageDone or wrong state).
	AdvanceStage(ctx context.Context, tx *gorm.DB, jobID string, currentStage int, stageResults datatypes.JSON) (AdvanceStageResult, error)
	// ListStuckQueued returns queued jobs older than the cutoff whose
	// JobStart message presumably never landed.
	ListStuckQueued(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Job, error)
	// ListStalledProcessing returns processing jobs not updated since the
	// cutoff, for the optional job stall sweep.
	ListStalledProcessing(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Job, error)
	ListFailed(ctx context.Context, tx *gorm.DB) ([]types.Job, error)
	Delete(ctx context.Context, tx *gorm.DB, jobID string) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, job *types.Job) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil || job.JobID == "" {
		return false, nil
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, jobID string) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil, nil
	}
	var job types.Job
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) MarkProcessing(ctx context.Context, tx *gorm.DB, jobID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ? AND status = ?", jobID, types.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     types.JobStatusProcessing,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, jobID string, errorDetails string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []string{
			types.JobStatusCompleted,
			types.JobStatusFailed,
			types.JobStatusCompletedWithErrors,
		}).
		Updates(map[string]interface{}{
			"status":        types.JobStatusFailed,
			"error_details": errorDetails,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, jobID string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ?", jobID).
		Updates(updates).Error
}

func (r *jobRepo) AdvanceStage(ctx context.Context, tx *gorm.DB, jobID string, currentStage int, stageResults datatypes.JSON) (AdvanceStageResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(stageResults) == 0 {
		stageResults = datatypes.JSON([]byte(`{}`))
	}
	var out AdvanceStageResult
	err := transaction.WithContext(ctx).
		Raw(`SELECT * FROM geoflow_advance_job_stage(?, ?, ?::jsonb)`,
			jobID, currentStage, string(stageResults)).
		Scan(&out).Error
	if err != nil {
		return AdvanceStageResult{}, err
	}
	return out, nil
}

func (r *jobRepo) ListStuckQueued(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []types.Job
	err := transaction.WithContext(ctx).
		Where("status = ? AND created_at < ?", types.JobStatusQueued, cutoff).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *jobRepo) ListStalledProcessing(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []types.Job
	err := transaction.WithContext(ctx).
		Where("status = ? AND updated_at < ?", types.JobStatusProcessing, cutoff).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}

func (r *jobRepo) ListFailed(ctx context.Context, tx *gorm.DB) ([]types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []types.Job
	err := transaction.WithContext(ctx).
		Where("status = ?", types.JobStatusFailed).
		Find(&out).Error
	return out, err
}

func (r *jobRepo) Delete(ctx context.Context, tx *gorm.DB, jobID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&types.Job{}).Error
}
