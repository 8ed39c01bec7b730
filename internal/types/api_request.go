package types

import (
	"time"
)

// APIRequest maps external caller identifiers onto a job. The request id is
// SHA256(dataset_id + resource_id + version_id), so a caller re-submitting
// the same triple resolves to the same job.
type APIRequest struct {
	RequestID string    `gorm:"column:request_id;type:char(64);primaryKey" json:"request_id"`
	JobID     string    `gorm:"column:job_id;type:char(64);not null;index" json:"job_id"`
	DataType  string    `gorm:"column:data_type" json:"data_type"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (APIRequest) TableName() string { return "api_request" }
