package types

import (
	"time"

	"gorm.io/datatypes"
)

// Job is one externally requested unit of work, decomposed into stages of
// parallel tasks. JobID is derived from (job_type, parameters), so an
// identical submission maps onto the same row.
type Job struct {
	JobID        string         `gorm:"column:job_id;type:char(64);primaryKey" json:"job_id"`
	JobType      string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	Stage        int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages  int            `gorm:"column:total_stages;not null" json:"total_stages"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data"`
	ErrorDetails string         `gorm:"column:error_details" json:"error_details,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;default:now();index" json:"updated_at"`
}

func (Job) TableName() string { return "job" }
