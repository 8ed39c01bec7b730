package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/blob"
	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/jobs/ident"
	"github.com/mapforge/geoflow/internal/jobs/preflight"
	"github.com/mapforge/geoflow/internal/jobs/registry"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos"
	"github.com/mapforge/geoflow/internal/types"
)

type Options struct {
	// ResultOffloadLimit is the per-task result payload size above which
	// the aggregated entry is written to blob storage and replaced by a
	// {"$blob": key} reference. Zero disables offload.
	ResultOffloadLimit int
	// PublishAttempts bounds best-effort publish retries.
	PublishAttempts int
}

// Controller drives the job-level state machine: validate, persist, queue,
// seed stages on completion signals, and finalize.
type Controller struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	requests repos.APIRequestRepo
	registry *registry.Registry
	broker   broker.Broker
	blob     blob.Store
	opts     Options
}

func New(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo, tasks repos.TaskRepo, requests repos.APIRequestRepo, reg *registry.Registry, b broker.Broker, blobStore blob.Store, opts Options) *Controller {
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	return &Controller{
		db:       db,
		log:      baseLog.With("component", "Controller"),
		jobs:     jobs,
		tasks:    tasks,
		requests: requests,
		registry: reg,
		broker:   b,
		blob:     blobStore,
		opts:     opts,
	}
}

type SubmitInput struct {
	JobType    string
	Parameters map[string]interface{}
	// Optional external idempotency identifiers; when all three are set an
	// api_request record is written alongside the job.
	DatasetID  string
	ResourceID string
	VersionID  string
}

type SubmitResult struct {
	JobID          string
	AlreadyExisted bool
}

// Submit validates a request, runs pre-flight, and creates-or-returns the
// job. Everything before the insert is side-effect free: a rejection leaves
// no state and queues nothing.
func (c *Controller) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	def, err := c.registry.Get(in.JobType)
	if err != nil {
		return SubmitResult{}, err
	}

	params, issues := def.Schema.Validate(in.Parameters)
	if len(issues) > 0 {
		return SubmitResult{}, &ValidationError{JobType: in.JobType, Issues: issues}
	}

	res := preflight.Resources{Blob: c.blob, DB: c.db}
	if err := preflight.RunAll(ctx, def.Preflight, params, res); err != nil {
		if f, ok := err.(*preflight.Failure); ok {
			return SubmitResult{}, newPreflightError(in.JobType, def, f)
		}
		return SubmitResult{}, err
	}

	jobID := ident.JobID(in.JobType, params)
	log := c.log.With("job_id", jobID, "job_type", in.JobType)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode parameters: %w", err)
	}
	created, err := c.jobs.CreateIfAbsent(ctx, nil, &types.Job{
		JobID:       jobID,
		JobType:     in.JobType,
		Parameters:  datatypes.JSON(paramsJSON),
		Status:      types.JobStatusQueued,
		Stage:       1,
		TotalStages: def.TotalStages,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("insert job: %w", err)
	}

	c.recordAPIRequest(ctx, in, jobID, log)

	if !created {
		log.Info("Duplicate submission, returning existing job")
		return SubmitResult{JobID: jobID, AlreadyExisted: true}, nil
	}

	// Publish failure leaves a queued row the janitor detects and
	// republishes; submit still succeeds.
	if err := c.publish(ctx, broker.QueueJobs, broker.JobStart{JobID: jobID, JobType: in.JobType}); err != nil {
		log.Error("Failed to publish JobStart, janitor will republish", "error", err)
	} else {
		log.Info("Job submitted")
	}
	return SubmitResult{JobID: jobID, AlreadyExisted: false}, nil
}

func (c *Controller) recordAPIRequest(ctx context.Context, in SubmitInput, jobID string, log *logger.Logger) {
	if in.DatasetID == "" || in.ResourceID == "" || in.VersionID == "" {
		return
	}
	_, err := c.requests.CreateIfAbsent(ctx, nil, &types.APIRequest{
		RequestID: ident.RequestID(in.DatasetID, in.ResourceID, in.VersionID),
		JobID:     jobID,
		DataType:  in.JobType,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Warn("Failed to record api request", "error", err)
	}
}

// OnJobStart transitions a queued job to processing and seeds stage 1.
// Duplicate deliveries find the job already processing and drop.
func (c *Controller) OnJobStart(ctx context.Context, msg broker.JobStart) error {
	log := c.log.With("job_id", msg.JobID)
	job, err := c.jobs.GetByID(ctx, nil, msg.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if job == nil {
		log.Warn("JobStart references no row, dropping")
		return nil
	}
	ok, err := c.jobs.MarkProcessing(ctx, nil, msg.JobID)
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", msg.JobID, err)
	}
	if !ok {
		return c.reseedIfUnseeded(ctx, msg.JobID, log)
	}
	job.Status = types.JobStatusProcessing
	return c.seedStage(ctx, job, 1)
}

// reseedIfUnseeded recovers the crash window between a stage transition and
// its task seeding. A JobStart for a job already in processing normally
// drops, but when the current stage has no task rows the seed never landed:
// re-running it is safe because task ids are deterministic and the batch
// insert skips conflicts.
func (c *Controller) reseedIfUnseeded(ctx context.Context, jobID string, log *logger.Logger) error {
	job, err := c.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", jobID, err)
	}
	if job == nil || job.Status != types.JobStatusProcessing {
		log.Debug("Job not queued, dropping JobStart")
		return nil
	}
	tasks, err := c.tasks.ListByJobStage(ctx, nil, job.JobID, job.Stage)
	if err != nil {
		return fmt.Errorf("load stage %d tasks for %s: %w", job.Stage, job.JobID, err)
	}
	if len(tasks) > 0 {
		log.Debug("Job already processing, dropping JobStart")
		return nil
	}
	log.Warn("Processing job has no tasks for its current stage, re-seeding", "stage", job.Stage)
	return c.seedStage(ctx, job, job.Stage)
}

// OnStageDone advances the job past the finished stage, then either seeds
// the next stage or finalizes. The server-side advance routine is the
// idempotency arbiter: duplicate deliveries return updated=false.
func (c *Controller) OnStageDone(ctx context.Context, msg broker.StageDone) error {
	log := c.log.With("job_id", msg.JobID, "stage", msg.Stage)
	job, err := c.jobs.GetByID(ctx, nil, msg.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	if job == nil {
		log.Warn("StageDone references no row, dropping")
		return nil
	}

	stageResults, err := c.collectStageResults(ctx, job, msg.Stage)
	if err != nil {
		return err
	}
	adv, err := c.jobs.AdvanceStage(ctx, nil, msg.JobID, msg.Stage, stageResults)
	if err != nil {
		return fmt.Errorf("advance stage for %s: %w", msg.JobID, err)
	}
	if !adv.Updated {
		log.Debug("Stage already advanced, dropping StageDone")
		return nil
	}
	log.Info("Stage advanced", "new_stage", adv.NewStage, "is_final", adv.IsFinal)

	if adv.IsFinal {
		return c.finalize(ctx, msg.JobID)
	}

	job, err = c.jobs.GetByID(ctx, nil, msg.JobID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", msg.JobID, err)
	}
	if job == nil {
		return &CorruptStateError{Detail: fmt.Sprintf("job %s vanished after advance", msg.JobID)}
	}
	return c.seedStage(ctx, job, adv.NewStage)
}

// seedStage plans a stage, inserts its task batch, and publishes the task
// messages. An empty plan is a planner bug and fails the job. Deterministic
// task ids plus the insert's conflict skip make re-seeding idempotent.
func (c *Controller) seedStage(ctx context.Context, job *types.Job, stage int) error {
	log := c.log.With("job_id", job.JobID, "job_type", job.JobType, "stage", stage)
	def, err := c.registry.Get(job.JobType)
	if err != nil {
		_, _ = c.jobs.MarkFailed(ctx, nil, job.JobID, err.Error())
		return err
	}

	var params map[string]interface{}
	if len(job.Parameters) > 0 {
		if err := json.Unmarshal(job.Parameters, &params); err != nil {
			_, _ = c.jobs.MarkFailed(ctx, nil, job.JobID, fmt.Sprintf("corrupt job parameters: %v", err))
			return nil
		}
	}

	var prevTasks []types.Task
	if stage > 1 {
		prevTasks, err = c.tasks.ListByJobStage(ctx, nil, job.JobID, stage-1)
		if err != nil {
			return fmt.Errorf("load stage %d tasks for %s: %w", stage-1, job.JobID, err)
		}
	}

	plans, err := def.PlanStage(registry.PlanInput{
		Job:       job,
		Stage:     stage,
		Params:    params,
		PrevTasks: prevTasks,
	})
	if err != nil {
		log.Error("Stage planner failed", "error", err)
		_, _ = c.jobs.MarkFailed(ctx, nil, job.JobID, fmt.Sprintf("stage %d planner: %v", stage, err))
		return nil
	}
	if len(plans) == 0 {
		log.Error("Stage planner produced no tasks")
		_, _ = c.jobs.MarkFailed(ctx, nil, job.JobID, fmt.Sprintf("no tasks produced for stage %d", stage))
		return nil
	}

	now := time.Now().UTC()
	rows := make([]*types.Task, 0, len(plans))
	msgs := make([]broker.TaskStart, 0, len(plans))
	for _, p := range plans {
		taskID := ident.TaskID(job.JobID, stage, p.TaskIndex)
		taskParams, err := json.Marshal(p.Parameters)
		if err != nil {
			return fmt.Errorf("encode task parameters for %s: %w", taskID, err)
		}
		rows = append(rows, &types.Task{
			TaskID:      taskID,
			ParentJobID: job.JobID,
			JobType:     job.JobType,
			TaskType:    p.TaskType,
			Stage:       stage,
			TaskIndex:   p.TaskIndex,
			Parameters:  datatypes.JSON(taskParams),
			Status:      types.TaskStatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		msgs = append(msgs, broker.TaskStart{
			TaskID:   taskID,
			JobID:    job.JobID,
			TaskType: p.TaskType,
			Stage:    stage,
		})
	}

	if err := c.tasks.CreateBatch(ctx, nil, rows); err != nil {
		return fmt.Errorf("insert stage %d tasks for %s: %w", stage, job.JobID, err)
	}
	log.Info("Stage seeded", "task_count", len(rows))

	for _, m := range msgs {
		if err := c.publish(ctx, broker.QueueTasks, m); err != nil {
			// Row stays queued; the janitor's orphan sweep republishes it.
			log.Error("Failed to publish TaskStart", "task_id", m.TaskID, "error", err)
		}
	}
	return nil
}

// collectStageResults aggregates the stage's terminal task outputs keyed by
// task index. Oversized entries are offloaded to blob storage.
func (c *Controller) collectStageResults(ctx context.Context, job *types.Job, stage int) (datatypes.JSON, error) {
	tasks, err := c.tasks.ListByJobStage(ctx, nil, job.JobID, stage)
	if err != nil {
		return nil, fmt.Errorf("load stage %d tasks for %s: %w", stage, job.JobID, err)
	}
	agg := make(map[string]interface{}, len(tasks))
	for _, t := range tasks {
		var entry interface{} = map[string]interface{}{}
		if len(t.ResultData) > 0 && !bytes.Equal(t.ResultData, []byte("null")) {
			var decoded interface{}
			if err := json.Unmarshal(t.ResultData, &decoded); err == nil && decoded != nil {
				entry = decoded
			}
		}
		entry = c.maybeOffload(ctx, job.JobID, stage, t.TaskIndex, entry)
		agg[strconv.Itoa(t.TaskIndex)] = entry
	}
	raw, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("encode stage results: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func (c *Controller) maybeOffload(ctx context.Context, jobID string, stage, taskIndex int, entry interface{}) interface{} {
	if c.blob == nil || c.opts.ResultOffloadLimit <= 0 {
		return entry
	}
	raw, err := json.Marshal(entry)
	if err != nil || len(raw) <= c.opts.ResultOffloadLimit {
		return entry
	}
	key := fmt.Sprintf("results/%s/s%d/%04d.json", jobID, stage, taskIndex)
	if err := c.blob.Upload(ctx, key, bytes.NewReader(raw)); err != nil {
		c.log.Warn("Result offload failed, keeping inline payload", "job_id", jobID, "error", err)
		return entry
	}
	return map[string]interface{}{"$blob": key}
}

// finalize aggregates all stage results into result_data. The terminal
// status was already decided atomically by the advance routine.
func (c *Controller) finalize(ctx context.Context, jobID string) error {
	log := c.log.With("job_id", jobID)
	job, err := c.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return &CorruptStateError{Detail: fmt.Sprintf("job %s vanished before finalize", jobID)}
	}
	def, err := c.registry.Get(job.JobType)
	if err != nil {
		return err
	}

	results := registry.StageResults{}
	if len(job.StageResults) > 0 {
		if err := json.Unmarshal(job.StageResults, &results); err != nil {
			log.Warn("Could not decode stage_results during finalize", "error", err)
			results = registry.StageResults{}
		}
	}

	var resultData map[string]interface{}
	if def.Finalize != nil {
		resultData = def.Finalize(job, results)
	}
	if resultData == nil {
		resultData = map[string]interface{}{}
	}
	raw, err := json.Marshal(resultData)
	if err != nil {
		return fmt.Errorf("encode result_data: %w", err)
	}
	if err := c.jobs.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"result_data": datatypes.JSON(raw),
	}); err != nil {
		return fmt.Errorf("store result_data for %s: %w", jobID, err)
	}
	log.Info("Job finalized", "status", job.Status)
	return nil
}

func (c *Controller) publish(ctx context.Context, queue broker.Queue, payload interface{}) error {
	var err error
	for attempt := 1; attempt <= c.opts.PublishAttempts; attempt++ {
		if err = c.broker.Publish(ctx, queue, payload); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return err
}
