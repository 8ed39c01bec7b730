package broker

import (
	"encoding/json"
	"fmt"
)

// JobStart asks a dispatcher to begin (or resume) a queued job.
type JobStart struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
}

// TaskStart asks an executor to claim and run one task.
type TaskStart struct {
	TaskID   string `json:"task_id"`
	JobID    string `json:"job_id"`
	TaskType string `json:"task_type"`
	Stage    int    `json:"stage"`
}

// StageDone signals that every task of (job, stage) reached a terminal
// status. Published exactly once per stage by the completion routine's
// is_last winner, but delivered at-least-once.
type StageDone struct {
	JobID string `json:"job_id"`
	Stage int    `json:"stage"`
}

func DecodeJobStart(body []byte) (JobStart, error) {
	var m JobStart
	if err := json.Unmarshal(body, &m); err != nil {
		return JobStart{}, fmt.Errorf("decode JobStart: %w", err)
	}
	if m.JobID == "" {
		return JobStart{}, fmt.Errorf("decode JobStart: missing job_id")
	}
	return m, nil
}

func DecodeTaskStart(body []byte) (TaskStart, error) {
	var m TaskStart
	if err := json.Unmarshal(body, &m); err != nil {
		return TaskStart{}, fmt.Errorf("decode TaskStart: %w", err)
	}
	if m.TaskID == "" {
		return TaskStart{}, fmt.Errorf("decode TaskStart: missing task_id")
	}
	return m, nil
}

func DecodeStageDone(body []byte) (StageDone, error) {
	var m StageDone
	if err := json.Unmarshal(body, &m); err != nil {
		return StageDone{}, fmt.Errorf("decode StageDone: %w", err)
	}
	if m.JobID == "" || m.Stage < 1 {
		return StageDone{}, fmt.Errorf("decode StageDone: missing job_id or stage")
	}
	return m, nil
}
