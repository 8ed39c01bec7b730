package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JanitorRun records one reconciliation sweep and what it touched.
type JanitorRun struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StartedAt          time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt         *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	TasksRequeued      int            `gorm:"column:tasks_requeued;not null;default:0" json:"tasks_requeued"`
	TasksFailed        int            `gorm:"column:tasks_failed;not null;default:0" json:"tasks_failed"`
	TasksCancelled     int            `gorm:"column:tasks_cancelled;not null;default:0" json:"tasks_cancelled"`
	JobsRepublished    int            `gorm:"column:jobs_republished;not null;default:0" json:"jobs_republished"`
	StageDoneSynth     int            `gorm:"column:stage_done_synthesized;not null;default:0" json:"stage_done_synthesized"`
	Metadata           datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt          time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (JanitorRun) TableName() string { return "janitor_run" }
