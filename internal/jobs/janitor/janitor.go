package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos"
	"github.com/mapforge/geoflow/internal/types"
)

type Options struct {
	Interval         time.Duration // default 1m
	HeartbeatTimeout time.Duration // default 5m
	QueuedTaskAge    time.Duration // default 5m
	QueuedJobAge     time.Duration // default 5m
	RetryBudget      int           // default 3
	// JobStallTimeout marks processing jobs with no activity as failed.
	// Zero disables the sweep.
	JobStallTimeout time.Duration
}

// Janitor is the periodic reconciliation sweeper. It is an observer only:
// it republishes, requeues, or marks failed, and never invents results.
type Janitor struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	runs     repos.JanitorRunRepo
	broker   broker.Broker
	opts     Options
}

func New(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo, tasks repos.TaskRepo, runs repos.JanitorRunRepo, b broker.Broker, opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Minute
	}
	if opts.QueuedTaskAge <= 0 {
		opts.QueuedTaskAge = 5 * time.Minute
	}
	if opts.QueuedJobAge <= 0 {
		opts.QueuedJobAge = 5 * time.Minute
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	return &Janitor{
		db:     db,
		log:    baseLog.With("component", "Janitor"),
		jobs:   jobs,
		tasks:  tasks,
		runs:   runs,
		broker: b,
		opts:   opts,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.Sweep(ctx); err != nil {
					j.log.Warn("Sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep runs every reconciliation pass once and records the run.
func (j *Janitor) Sweep(ctx context.Context) (*types.JanitorRun, error) {
	run := &types.JanitorRun{ID: uuid.New(), StartedAt: time.Now().UTC()}
	if j.runs != nil {
		if err := j.runs.Create(ctx, nil, run); err != nil {
			j.log.Warn("Could not record janitor run", "error", err)
		}
	}

	j.sweepStaleHeartbeats(ctx, run)
	j.sweepOrphanedQueuedTasks(ctx, run)
	j.sweepStuckQueuedJobs(ctx, run)
	j.sweepStageCompletion(ctx, run)
	j.sweepCancelled(ctx, run)
	if j.opts.JobStallTimeout > 0 {
		j.sweepStalledJobs(ctx, run)
	}

	if j.runs != nil {
		if err := j.runs.Finish(ctx, nil, run); err != nil {
			j.log.Warn("Could not finish janitor run", "error", err)
		}
	}
	j.log.Info("Sweep finished",
		"tasks_requeued", run.TasksRequeued,
		"tasks_failed", run.TasksFailed,
		"tasks_cancelled", run.TasksCancelled,
		"jobs_republished", run.JobsRepublished,
		"stage_done_synthesized", run.StageDoneSynth,
	)
	return run, nil
}

// sweepStaleHeartbeats requeues processing tasks whose heartbeat went stale,
// or fails them once the retry budget is spent.
func (j *Janitor) sweepStaleHeartbeats(ctx context.Context, run *types.JanitorRun) {
	cutoff := time.Now().UTC().Add(-j.opts.HeartbeatTimeout)
	stale, err := j.tasks.ListStaleProcessing(ctx, nil, cutoff)
	if err != nil {
		j.log.Warn("Stale heartbeat query failed", "error", err)
		return
	}
	for _, t := range stale {
		log := j.log.With("task_id", t.TaskID, "job_id", t.ParentJobID)
		if t.RetryCount < j.opts.RetryBudget {
			ok, err := j.tasks.Requeue(ctx, nil, t.TaskID)
			if err != nil || !ok {
				log.Warn("Could not requeue stale task", "error", err)
				continue
			}
			j.publishTaskStart(ctx, t)
			run.TasksRequeued++
			log.Info("Requeued stale task", "retry_count", t.RetryCount)
			continue
		}
		res, err := j.tasks.Complete(ctx, nil, repos.CompleteTaskParams{
			TaskID:       t.TaskID,
			JobID:        t.ParentJobID,
			Stage:        t.Stage,
			Status:       types.TaskStatusFailed,
			ErrorDetails: fmt.Sprintf("heartbeat stale past %s with retry budget exhausted", j.opts.HeartbeatTimeout),
		})
		if err != nil {
			log.Warn("Could not fail stale task", "error", err)
			continue
		}
		if res.Updated {
			run.TasksFailed++
			log.Info("Failed stale task")
			if res.IsLast {
				j.publishStageDone(ctx, t.ParentJobID, t.Stage)
			}
		}
	}
}

// sweepOrphanedQueuedTasks republishes start messages for queued tasks of
// the current stage of processing jobs whose messages likely never landed.
func (j *Janitor) sweepOrphanedQueuedTasks(ctx context.Context, run *types.JanitorRun) {
	cutoff := time.Now().UTC().Add(-j.opts.QueuedTaskAge)
	orphans, err := j.tasks.ListOrphanedQueued(ctx, nil, cutoff)
	if err != nil {
		j.log.Warn("Orphaned task query failed", "error", err)
		return
	}
	for _, t := range orphans {
		j.publishTaskStart(ctx, t)
		run.TasksRequeued++
		j.log.Info("Republished orphaned task", "task_id", t.TaskID, "job_id", t.ParentJobID)
	}
}

// sweepStuckQueuedJobs republishes JobStart for jobs stuck in queued, which
// happens when the post-insert publish failed during submit.
func (j *Janitor) sweepStuckQueuedJobs(ctx context.Context, run *types.JanitorRun) {
	cutoff := time.Now().UTC().Add(-j.opts.QueuedJobAge)
	stuck, err := j.jobs.ListStuckQueued(ctx, nil, cutoff)
	if err != nil {
		j.log.Warn("Stuck job query failed", "error", err)
		return
	}
	for _, job := range stuck {
		if err := j.broker.Publish(ctx, broker.QueueJobs, broker.JobStart{JobID: job.JobID, JobType: job.JobType}); err != nil {
			j.log.Warn("Could not republish JobStart", "job_id", job.JobID, "error", err)
			continue
		}
		run.JobsRepublished++
		j.log.Info("Republished JobStart for stuck job", "job_id", job.JobID)
	}
}

// sweepStageCompletion synthesizes StageDone for processing jobs whose
// current stage is fully terminal but whose marker was evidently lost, and
// republishes JobStart for processing jobs whose current stage was never
// seeded (a crash between the stage transition and the task insert). The
// controller re-seeds the current stage when it sees the duplicate.
func (j *Janitor) sweepStageCompletion(ctx context.Context, run *types.JanitorRun) {
	cutoff := time.Now().UTC().Add(-j.opts.QueuedTaskAge)
	jobs, err := j.jobs.ListStalledProcessing(ctx, nil, cutoff)
	if err != nil {
		j.log.Warn("Stage completion query failed", "error", err)
		return
	}
	for _, job := range jobs {
		tasks, err := j.tasks.ListByJobStage(ctx, nil, job.JobID, job.Stage)
		if err != nil {
			continue
		}
		if len(tasks) == 0 {
			if err := j.broker.Publish(ctx, broker.QueueJobs, broker.JobStart{JobID: job.JobID, JobType: job.JobType}); err != nil {
				j.log.Warn("Could not republish JobStart for unseeded stage", "job_id", job.JobID, "error", err)
				continue
			}
			run.JobsRepublished++
			j.log.Info("Republished JobStart for unseeded stage", "job_id", job.JobID, "stage", job.Stage)
			continue
		}
		nonTerminal, err := j.tasks.CountNonTerminal(ctx, nil, job.JobID, job.Stage)
		if err != nil || nonTerminal > 0 {
			continue
		}
		j.publishStageDone(ctx, job.JobID, job.Stage)
		run.StageDoneSynth++
		j.log.Info("Synthesized StageDone", "job_id", job.JobID, "stage", job.Stage)
	}
}

// sweepCancelled marks still-queued tasks of failed jobs as cancelled. This
// is the only place the cancelled status is emitted.
func (j *Janitor) sweepCancelled(ctx context.Context, run *types.JanitorRun) {
	failed, err := j.jobs.ListFailed(ctx, nil)
	if err != nil {
		j.log.Warn("Failed job query failed", "error", err)
		return
	}
	for _, job := range failed {
		n, err := j.tasks.CancelQueued(ctx, nil, job.JobID)
		if err != nil {
			j.log.Warn("Could not cancel queued tasks", "job_id", job.JobID, "error", err)
			continue
		}
		run.TasksCancelled += int(n)
	}
}

// sweepStalledJobs is the opt-in job-level timeout: processing jobs with no
// activity past the deadline are failed outright.
func (j *Janitor) sweepStalledJobs(ctx context.Context, run *types.JanitorRun) {
	cutoff := time.Now().UTC().Add(-j.opts.JobStallTimeout)
	stalled, err := j.jobs.ListStalledProcessing(ctx, nil, cutoff)
	if err != nil {
		j.log.Warn("Stalled job query failed", "error", err)
		return
	}
	for _, job := range stalled {
		nonTerminal, err := j.tasks.CountNonTerminal(ctx, nil, job.JobID, job.Stage)
		if err != nil || nonTerminal > 0 {
			// Tasks still alive; the heartbeat sweep owns them.
			continue
		}
		ok, err := j.jobs.MarkFailed(ctx, nil, job.JobID,
			fmt.Sprintf("no activity for %s at stage %d", j.opts.JobStallTimeout, job.Stage))
		if err != nil || !ok {
			continue
		}
		j.log.Warn("Failed stalled job", "job_id", job.JobID, "stage", job.Stage)
	}
}

func (j *Janitor) publishTaskStart(ctx context.Context, t types.Task) {
	err := j.broker.Publish(ctx, broker.QueueTasks, broker.TaskStart{
		TaskID:   t.TaskID,
		JobID:    t.ParentJobID,
		TaskType: t.TaskType,
		Stage:    t.Stage,
	})
	if err != nil {
		j.log.Warn("Could not publish TaskStart", "task_id", t.TaskID, "error", err)
	}
}

func (j *Janitor) publishStageDone(ctx context.Context, jobID string, stage int) {
	err := j.broker.Publish(ctx, broker.QueueStageDone, broker.StageDone{JobID: jobID, Stage: stage})
	if err != nil {
		j.log.Warn("Could not publish StageDone", "job_id", jobID, "error", err)
	}
}
