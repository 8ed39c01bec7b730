package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/types"
)

type JanitorRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, run *types.JanitorRun) error
	Finish(ctx context.Context, tx *gorm.DB, run *types.JanitorRun) error
}

type janitorRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJanitorRunRepo(db *gorm.DB, baseLog *logger.Logger) JanitorRunRepo {
	return &janitorRunRepo{
		db:  db,
		log: baseLog.With("repo", "JanitorRunRepo"),
	}
}

func (r *janitorRunRepo) Create(ctx context.Context, tx *gorm.DB, run *types.JanitorRun) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil {
		return nil
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return transaction.WithContext(ctx).Create(run).Error
}

func (r *janitorRunRepo) Finish(ctx context.Context, tx *gorm.DB, run *types.JanitorRun) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil || run.ID == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	return transaction.WithContext(ctx).
		Model(&types.JanitorRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"finished_at":            now,
			"tasks_requeued":         run.TasksRequeued,
			"tasks_failed":           run.TasksFailed,
			"tasks_cancelled":        run.TasksCancelled,
			"jobs_republished":       run.JobsRepublished,
			"stage_done_synthesized": run.StageDoneSynth,
		}).Error
}
