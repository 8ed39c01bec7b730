package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/jobs/handlers"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos"
	"github.com/mapforge/geoflow/internal/types"
)

// RetryPolicy shapes the backoff between task retry attempts.
type RetryPolicy struct {
	Budget         int           // default 3
	MinBackoff     time.Duration // default 1s
	MaxBackoff     time.Duration // default 30s
	ThrottledFloor time.Duration // default 10s, lower bound for throttling errors
	JitterFrac     float64       // default 0.20
}

type Options struct {
	Retry             RetryPolicy
	HeartbeatInterval time.Duration // default 30s
}

// Executor drives the task-level state machine for one consumed TaskStart
// message at a time: claim, run handler, complete-and-check-stage, and
// publish StageDone if this completion was the last in its stage.
type Executor struct {
	db       *gorm.DB
	log      *logger.Logger
	tasks    repos.TaskRepo
	registry *handlers.Registry
	broker   broker.Broker
	opts     Options
}

func New(db *gorm.DB, baseLog *logger.Logger, tasks repos.TaskRepo, registry *handlers.Registry, b broker.Broker, opts Options) *Executor {
	if opts.Retry.Budget <= 0 {
		opts.Retry.Budget = 3
	}
	if opts.Retry.MinBackoff <= 0 {
		opts.Retry.MinBackoff = time.Second
	}
	if opts.Retry.MaxBackoff <= 0 {
		opts.Retry.MaxBackoff = 30 * time.Second
	}
	if opts.Retry.ThrottledFloor <= 0 {
		opts.Retry.ThrottledFloor = 10 * time.Second
	}
	if opts.Retry.JitterFrac <= 0 {
		opts.Retry.JitterFrac = 0.20
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Executor{
		db:       db,
		log:      baseLog.With("component", "Executor"),
		tasks:    tasks,
		registry: registry,
		broker:   b,
		opts:     opts,
	}
}

// Run consumes the tasks queue until the context is cancelled.
func (e *Executor) Run(ctx context.Context, group, consumer string) error {
	return e.broker.Consume(ctx, broker.QueueTasks, group, consumer, e.HandleMessage)
}

// HandleMessage processes one TaskStart delivery. A nil return acknowledges
// the message; errors are returned only for infrastructure failures where
// redelivery can help.
func (e *Executor) HandleMessage(ctx context.Context, body []byte) error {
	msg, err := broker.DecodeTaskStart(body)
	if err != nil {
		e.log.Warn("Dropping undecodable task message", "error", err)
		return nil
	}
	log := e.log.With("task_id", msg.TaskID, "job_id", msg.JobID, "stage", msg.Stage)

	task, err := e.tasks.GetByID(ctx, nil, msg.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}
	if task == nil {
		// Task row missing for a delivered message: corrupt state. The row
		// may have been cascade-deleted with its job.
		log.Warn("Task message references no row, dropping")
		return nil
	}

	claimed, err := e.tasks.Claim(ctx, nil, msg.TaskID)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", msg.TaskID, err)
	}
	if !claimed {
		// Another worker holds or held it. This is the at-most-once gate.
		log.Debug("Task already claimed, dropping message")
		return nil
	}

	h, ok := e.registry.Get(task.TaskType)
	if !ok {
		log.Error("No handler registered for task_type", "task_type", task.TaskType)
		return e.completeTask(ctx, task, types.TaskStatusFailed, nil, nil,
			fmt.Sprintf("no handler registered for task_type=%s", task.TaskType), log)
	}

	result, runErr := e.runHandler(ctx, h, task, log)
	if runErr == nil {
		var resultJSON, nextJSON datatypes.JSON
		if result != nil && result.ResultData != nil {
			resultJSON = mustJSON(result.ResultData)
		}
		if result != nil && result.NextStageParams != nil {
			nextJSON = mustJSON(result.NextStageParams)
		}
		return e.completeTask(ctx, task, types.TaskStatusCompleted, resultJSON, nextJSON, "", log)
	}

	class := Classify(runErr)
	log.Warn("Task handler failed", "class", class.String(), "retry_count", task.RetryCount, "error", runErr)

	if class == ClassPermanent || task.RetryCount >= e.opts.Retry.Budget {
		return e.completeTask(ctx, task, types.TaskStatusFailed, nil, nil, runErr.Error(), log)
	}
	return e.scheduleRetry(ctx, task, class, runErr, log)
}

// runHandler invokes the handler with panic containment and a heartbeat
// goroutine that keeps the task's liveness timestamp fresh for the janitor.
func (e *Executor) runHandler(ctx context.Context, h handlers.Handler, task *types.Task, log *logger.Logger) (result *handlers.Result, runErr error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(e.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.tasks.Heartbeat(hbCtx, nil, task.TaskID); err != nil {
					log.Warn("Heartbeat update failed", "error", err)
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task handler panic", "task_type", task.TaskType, "panic", r)
			result = nil
			runErr = handlers.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	var params map[string]interface{}
	if len(task.Parameters) > 0 {
		if err := json.Unmarshal(task.Parameters, &params); err != nil {
			return nil, handlers.Permanent(fmt.Errorf("decode task parameters: %w", err))
		}
	}
	tc := &handlers.TaskContext{
		TaskID:    task.TaskID,
		JobID:     task.ParentJobID,
		Stage:     task.Stage,
		TaskIndex: task.TaskIndex,
		Log:       log,
	}
	return h.Run(ctx, params, tc)
}

// completeTask runs the server-side completion routine and, when this was
// the last terminal task of its stage, publishes the StageDone marker.
func (e *Executor) completeTask(ctx context.Context, task *types.Task, status string, resultData, nextStageParams datatypes.JSON, errorDetails string, log *logger.Logger) error {
	res, err := e.tasks.Complete(ctx, nil, repos.CompleteTaskParams{
		TaskID:          task.TaskID,
		JobID:           task.ParentJobID,
		Stage:           task.Stage,
		Status:          status,
		ResultData:      resultData,
		ErrorDetails:    errorDetails,
		NextStageParams: nextStageParams,
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", task.TaskID, err)
	}
	if !res.Updated {
		// Duplicate delivery racing another completion; the routine's
		// status guard already neutralized it.
		log.Debug("Completion no-op, task not in processing")
		return nil
	}
	log.Info("Task completed", "status", status, "is_last", res.IsLast, "remaining", res.Remaining)
	if !res.IsLast {
		return nil
	}
	return e.publishStageDone(ctx, task.ParentJobID, task.Stage, log)
}

func (e *Executor) publishStageDone(ctx context.Context, jobID string, stage int, log *logger.Logger) error {
	msg := broker.StageDone{JobID: jobID, Stage: stage}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = e.broker.Publish(ctx, broker.QueueStageDone, msg); err == nil {
			log.Info("Published StageDone", "stage", stage)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computeBackoff(e.opts.Retry, attempt, ClassTransient)):
		}
	}
	// The janitor's stage sanity sweep synthesizes the marker later.
	log.Error("Failed to publish StageDone", "stage", stage, "error", err)
	return fmt.Errorf("publish StageDone for %s stage %d: %w", jobID, stage, err)
}

// scheduleRetry parks the task in pending_retry and republishes its start
// message after backoff. The janitor covers the case where this process
// dies before the republish fires.
func (e *Executor) scheduleRetry(ctx context.Context, task *types.Task, class Classification, cause error, log *logger.Logger) error {
	retryCount := task.RetryCount + 1
	ok, err := e.tasks.SetPendingRetry(ctx, nil, task.TaskID, retryCount, cause.Error())
	if err != nil {
		return fmt.Errorf("set pending_retry on %s: %w", task.TaskID, err)
	}
	if !ok {
		log.Debug("Retry no-op, task not in processing")
		return nil
	}
	delay := computeBackoff(e.opts.Retry, retryCount, class)
	log.Info("Task scheduled for retry", "retry_count", retryCount, "delay", delay)

	msg := broker.TaskStart{
		TaskID:   task.TaskID,
		JobID:    task.ParentJobID,
		TaskType: task.TaskType,
		Stage:    task.Stage,
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := e.broker.Publish(ctx, broker.QueueTasks, msg); err != nil {
			log.Warn("Failed to republish task for retry", "error", err)
		}
	}()
	return nil
}

func computeBackoff(r RetryPolicy, attempts int, class Classification) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if class == ClassThrottling && minB < r.ThrottledFloor {
		minB = r.ThrottledFloor
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB && class != ClassThrottling {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

func mustJSON(m map[string]interface{}) datatypes.JSON {
	b, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(b)
}
