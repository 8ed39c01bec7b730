package types

import (
	"time"

	"gorm.io/datatypes"
)

// Task is one parallel unit of work within one stage of one job. Task rows
// are owned by their job (cascade delete) and never outlive it.
type Task struct {
	TaskID          string         `gorm:"column:task_id;primaryKey" json:"task_id"`
	ParentJobID     string         `gorm:"column:parent_job_id;type:char(64);not null;index:idx_task_job_stage,priority:1" json:"parent_job_id"`
	JobType         string         `gorm:"column:job_type;not null" json:"job_type"`
	TaskType        string         `gorm:"column:task_type;not null;index" json:"task_type"`
	Stage           int            `gorm:"column:stage;not null;index:idx_task_job_stage,priority:2" json:"stage"`
	TaskIndex       int            `gorm:"column:task_index;not null" json:"task_index"`
	Parameters      datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	ResultData      datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data"`
	ErrorDetails    string         `gorm:"column:error_details" json:"error_details,omitempty"`
	RetryCount      int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Heartbeat       *time.Time     `gorm:"column:heartbeat;index" json:"heartbeat,omitempty"`
	NextStageParams datatypes.JSON `gorm:"column:next_stage_params;type:jsonb" json:"next_stage_params,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "task" }
