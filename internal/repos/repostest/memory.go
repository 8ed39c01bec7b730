// Package repostest provides in-memory repository doubles for controller,
// executor, and janitor tests. They replicate the guarded-transition
// semantics of the SQL-backed repositories under a single mutex, which
// stands in for the advisory lock of the completion routine.
package repostest

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/repos"
	"github.com/mapforge/geoflow/internal/types"
)

// Store holds the shared state behind the per-interface views.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*types.Job
	tasks    map[string]*types.Task
	requests map[string]*types.APIRequest
	runs     []*types.JanitorRun
}

func NewStore() *Store {
	return &Store{
		jobs:     map[string]*types.Job{},
		tasks:    map[string]*types.Task{},
		requests: map[string]*types.APIRequest{},
	}
}

func (s *Store) Jobs() repos.JobRepo               { return (*jobView)(s) }
func (s *Store) Tasks() repos.TaskRepo             { return (*taskView)(s) }
func (s *Store) Requests() repos.APIRequestRepo    { return (*requestView)(s) }
func (s *Store) JanitorRuns() repos.JanitorRunRepo { return (*runView)(s) }

// Job returns a copy of the stored job, or nil.
func (s *Store) Job(jobID string) *types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// Task returns a copy of the stored task, or nil.
func (s *Store) Task(taskID string) *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		cp := *t
		return &cp
	}
	return nil
}

// PutJob and PutTask seed state directly, bypassing the guarded paths.
func (s *Store) PutJob(j *types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.jobs[cp.JobID] = &cp
}

func (s *Store) PutTask(t *types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.tasks[cp.TaskID] = &cp
}

// TasksForJob returns copies of the job's tasks for a stage, ordered by id.
func (s *Store) TasksForJob(jobID string, stage int) []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksForStageLocked(jobID, stage)
}

func (s *Store) tasksForStageLocked(jobID string, stage int) []types.Task {
	var out []types.Task
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Stage == stage {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TaskID < out[k].TaskID })
	return out
}

type jobView Store

func (v *jobView) CreateIfAbsent(_ context.Context, _ *gorm.DB, job *types.Job) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if job == nil || job.JobID == "" {
		return false, nil
	}
	if _, exists := s.jobs[job.JobID]; exists {
		return false, nil
	}
	cp := *job
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.jobs[cp.JobID] = &cp
	return true, nil
}

func (v *jobView) GetByID(_ context.Context, _ *gorm.DB, jobID string) (*types.Job, error) {
	return (*Store)(v).Job(jobID), nil
}

func (v *jobView) MarkProcessing(_ context.Context, _ *gorm.DB, jobID string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != types.JobStatusQueued {
		return false, nil
	}
	j.Status = types.JobStatusProcessing
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (v *jobView) MarkFailed(_ context.Context, _ *gorm.DB, jobID string, errorDetails string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || types.JobStatusTerminal(j.Status) {
		return false, nil
	}
	j.Status = types.JobStatusFailed
	j.ErrorDetails = errorDetails
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (v *jobView) UpdateFields(_ context.Context, _ *gorm.DB, jobID string, updates map[string]interface{}) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	for k, val := range updates {
		switch k {
		case "status":
			j.Status = val.(string)
		case "result_data":
			j.ResultData = toJSON(val)
		case "stage_results":
			j.StageResults = toJSON(val)
		case "error_details":
			j.ErrorDetails = val.(string)
		}
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (v *jobView) AdvanceStage(_ context.Context, _ *gorm.DB, jobID string, currentStage int, stageResults datatypes.JSON) (repos.AdvanceStageResult, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != types.JobStatusProcessing || j.Stage != currentStage {
		return repos.AdvanceStageResult{}, nil
	}

	merged := map[string]json.RawMessage{}
	if len(j.StageResults) > 0 {
		_ = json.Unmarshal(j.StageResults, &merged)
	}
	if len(stageResults) == 0 {
		stageResults = datatypes.JSON([]byte(`{}`))
	}
	merged[strconv.Itoa(currentStage)] = json.RawMessage(stageResults)
	b, _ := json.Marshal(merged)
	j.StageResults = datatypes.JSON(b)

	// The stage advances even on the final transition, mirroring the SQL
	// routine: terminal jobs carry stage = total_stages + 1.
	isFinal := currentStage >= j.TotalStages
	j.Stage = currentStage + 1
	if isFinal {
		if s.hasFailedTaskLocked(jobID) {
			j.Status = types.JobStatusCompletedWithErrors
		} else {
			j.Status = types.JobStatusCompleted
		}
	}
	j.UpdatedAt = time.Now().UTC()
	return repos.AdvanceStageResult{Updated: true, NewStage: j.Stage, IsFinal: isFinal}, nil
}

func (s *Store) hasFailedTaskLocked(jobID string) bool {
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Status == types.TaskStatusFailed {
			return true
		}
	}
	return false
}

func (v *jobView) ListStuckQueued(_ context.Context, _ *gorm.DB, cutoff time.Time) ([]types.Job, error) {
	return (*Store)(v).listJobs(func(j *types.Job) bool {
		return j.Status == types.JobStatusQueued && j.CreatedAt.Before(cutoff)
	}), nil
}

func (v *jobView) ListStalledProcessing(_ context.Context, _ *gorm.DB, cutoff time.Time) ([]types.Job, error) {
	return (*Store)(v).listJobs(func(j *types.Job) bool {
		return j.Status == types.JobStatusProcessing && j.UpdatedAt.Before(cutoff)
	}), nil
}

func (v *jobView) ListFailed(_ context.Context, _ *gorm.DB) ([]types.Job, error) {
	return (*Store)(v).listJobs(func(j *types.Job) bool {
		return j.Status == types.JobStatusFailed
	}), nil
}

func (v *jobView) Delete(_ context.Context, _ *gorm.DB, jobID string) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	for id, t := range s.tasks {
		if t.ParentJobID == jobID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *Store) listJobs(match func(*types.Job) bool) []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

type taskView Store

func (v *taskView) CreateBatch(_ context.Context, _ *gorm.DB, tasks []*types.Task) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range tasks {
		if _, exists := s.tasks[t.TaskID]; exists {
			continue
		}
		cp := *t
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.tasks[cp.TaskID] = &cp
	}
	return nil
}

func (v *taskView) GetByID(_ context.Context, _ *gorm.DB, taskID string) (*types.Task, error) {
	return (*Store)(v).Task(taskID), nil
}

func (v *taskView) ListByJobStage(_ context.Context, _ *gorm.DB, jobID string, stage int) ([]types.Task, error) {
	return (*Store)(v).TasksForJob(jobID, stage), nil
}

func (v *taskView) Claim(_ context.Context, _ *gorm.DB, taskID string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	if t.Status != types.TaskStatusQueued && t.Status != types.TaskStatusPendingRetry {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = types.TaskStatusProcessing
	t.Heartbeat = &now
	t.UpdatedAt = now
	return true, nil
}

func (v *taskView) Heartbeat(_ context.Context, _ *gorm.DB, taskID string) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusProcessing {
		return nil
	}
	now := time.Now().UTC()
	t.Heartbeat = &now
	t.UpdatedAt = now
	return nil
}

func (v *taskView) SetPendingRetry(_ context.Context, _ *gorm.DB, taskID string, retryCount int, errorDetails string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusProcessing {
		return false, nil
	}
	t.Status = types.TaskStatusPendingRetry
	t.RetryCount = retryCount
	t.ErrorDetails = errorDetails
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (v *taskView) Complete(_ context.Context, _ *gorm.DB, params repos.CompleteTaskParams) (repos.CompleteTaskResult, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[params.TaskID]
	if !ok || t.Status != types.TaskStatusProcessing {
		return repos.CompleteTaskResult{}, nil
	}
	t.Status = params.Status
	t.ResultData = params.ResultData
	t.ErrorDetails = params.ErrorDetails
	if len(params.NextStageParams) > 0 {
		t.NextStageParams = params.NextStageParams
	}
	t.UpdatedAt = time.Now().UTC()

	remaining := 0
	for _, other := range s.tasks {
		if other.ParentJobID == params.JobID && other.Stage == params.Stage && !types.TaskStatusTerminal(other.Status) {
			remaining++
		}
	}
	return repos.CompleteTaskResult{Updated: true, IsLast: remaining == 0, Remaining: remaining}, nil
}

func (v *taskView) CountNonTerminal(_ context.Context, _ *gorm.DB, jobID string, stage int) (int64, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Stage == stage && !types.TaskStatusTerminal(t.Status) {
			n++
		}
	}
	return n, nil
}

func (v *taskView) CountByStatus(_ context.Context, _ *gorm.DB, jobID string, status string) (int64, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Status == status {
			n++
		}
	}
	return n, nil
}

func (v *taskView) ListStaleProcessing(_ context.Context, _ *gorm.DB, cutoff time.Time) ([]types.Task, error) {
	return (*Store)(v).listTasks(func(t *types.Task) bool {
		return t.Status == types.TaskStatusProcessing && t.Heartbeat != nil && t.Heartbeat.Before(cutoff)
	}), nil
}

func (v *taskView) ListOrphanedQueued(_ context.Context, _ *gorm.DB, cutoff time.Time) ([]types.Task, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, t := range s.tasks {
		if t.Status != types.TaskStatusQueued || !t.CreatedAt.Before(cutoff) {
			continue
		}
		j, ok := s.jobs[t.ParentJobID]
		if ok && j.Status == types.JobStatusProcessing && j.Stage == t.Stage {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TaskID < out[k].TaskID })
	return out, nil
}

func (v *taskView) CancelQueued(_ context.Context, _ *gorm.DB, jobID string) (int64, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Status == types.TaskStatusQueued {
			t.Status = types.TaskStatusCancelled
			t.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (v *taskView) Requeue(_ context.Context, _ *gorm.DB, taskID string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	switch t.Status {
	case types.TaskStatusProcessing, types.TaskStatusPendingRetry:
	default:
		return false, nil
	}
	t.Status = types.TaskStatusQueued
	t.RetryCount++
	t.Heartbeat = nil
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) listTasks(match func(*types.Task) bool) []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TaskID < out[k].TaskID })
	return out
}

type requestView Store

func (v *requestView) CreateIfAbsent(_ context.Context, _ *gorm.DB, req *types.APIRequest) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if req == nil || req.RequestID == "" {
		return false, nil
	}
	if _, exists := s.requests[req.RequestID]; exists {
		return false, nil
	}
	cp := *req
	s.requests[cp.RequestID] = &cp
	return true, nil
}

func (v *requestView) GetByID(_ context.Context, _ *gorm.DB, requestID string) (*types.APIRequest, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[requestID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

type runView Store

func (v *runView) Create(_ context.Context, _ *gorm.DB, run *types.JanitorRun) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs = append(s.runs, &cp)
	return nil
}

func (v *runView) Finish(_ context.Context, _ *gorm.DB, run *types.JanitorRun) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.runs {
		if r.ID == run.ID {
			cp := *run
			if cp.FinishedAt == nil {
				now := time.Now().UTC()
				cp.FinishedAt = &now
			}
			s.runs[i] = &cp
			return nil
		}
	}
	return nil
}

func toJSON(v interface{}) datatypes.JSON {
	switch x := v.(type) {
	case datatypes.JSON:
		return x
	case []byte:
		return datatypes.JSON(x)
	case string:
		return datatypes.JSON([]byte(x))
	default:
		b, _ := json.Marshal(x)
		return datatypes.JSON(b)
	}
}
