package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos/repostest"
	"github.com/mapforge/geoflow/internal/types"
)

func newJanitor(t *testing.T, opts Options) (*Janitor, *repostest.Store, *broker.Memory) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store := repostest.NewStore()
	bus := broker.NewMemory()
	j := New(nil, log, store.Jobs(), store.Tasks(), store.JanitorRuns(), bus, opts)
	return j, store, bus
}

func old(d time.Duration) time.Time {
	return time.Now().UTC().Add(-d)
}

func TestSweepRequeuesStaleTask(t *testing.T) {
	j, store, bus := newJanitor(t, Options{HeartbeatTimeout: time.Minute, RetryBudget: 3})
	hb := old(10 * time.Minute)
	store.PutJob(&types.Job{JobID: "job1", Status: types.JobStatusProcessing, Stage: 1, TotalStages: 1, UpdatedAt: time.Now().UTC()})
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0000",
		ParentJobID: "job1",
		TaskType:    "work",
		Stage:       1,
		Status:      types.TaskStatusProcessing,
		RetryCount:  1,
		Heartbeat:   &hb,
		CreatedAt:   time.Now().UTC(),
	})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.TasksRequeued != 1 {
		t.Fatalf("tasks_requeued = %d, want 1", run.TasksRequeued)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusQueued {
		t.Fatalf("status %s, want queued", task.Status)
	}
	// Requeueing charges the attempt against the budget: the executor's
	// retry path never ran for a worker that died mid-handler.
	if task.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2 after requeue", task.RetryCount)
	}
	if got := len(bus.Published(broker.QueueTasks)); got != 1 {
		t.Fatalf("expected 1 republished TaskStart, got %d", got)
	}
}

// A handler that reliably kills its worker never reaches the executor's
// retry bookkeeping. The requeue increments must still exhaust the budget.
func TestSweepFailsCrashLoopingTask(t *testing.T) {
	j, store, bus := newJanitor(t, Options{HeartbeatTimeout: time.Minute, RetryBudget: 2})
	store.PutJob(&types.Job{JobID: "job1", Status: types.JobStatusProcessing, Stage: 1, TotalStages: 1, UpdatedAt: time.Now().UTC()})

	crash := func(retryCount int) {
		hb := old(10 * time.Minute)
		store.PutTask(&types.Task{
			TaskID:      "j-s1-0000",
			ParentJobID: "job1",
			TaskType:    "work",
			Stage:       1,
			Status:      types.TaskStatusProcessing,
			RetryCount:  retryCount,
			Heartbeat:   &hb,
			CreatedAt:   time.Now().UTC(),
		})
	}

	for want := 1; want <= 2; want++ {
		crash(want - 1)
		if _, err := j.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep %d: %v", want, err)
		}
		task := store.Task("j-s1-0000")
		if task.Status != types.TaskStatusQueued || task.RetryCount != want {
			t.Fatalf("after sweep %d: status %s retry_count %d", want, task.Status, task.RetryCount)
		}
	}

	crash(2)
	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("final Sweep: %v", err)
	}
	if run.TasksFailed != 1 {
		t.Fatalf("tasks_failed = %d, want 1", run.TasksFailed)
	}
	if got := store.Task("j-s1-0000").Status; got != types.TaskStatusFailed {
		t.Fatalf("status %s, want failed after budget exhausted", got)
	}
	if got := len(bus.Published(broker.QueueStageDone)); got != 1 {
		t.Fatalf("expected 1 StageDone, got %d", got)
	}
}

func TestSweepFailsStaleTaskPastBudget(t *testing.T) {
	j, store, bus := newJanitor(t, Options{HeartbeatTimeout: time.Minute, RetryBudget: 3})
	hb := old(10 * time.Minute)
	store.PutJob(&types.Job{JobID: "job1", Status: types.JobStatusProcessing, Stage: 1, TotalStages: 1, UpdatedAt: time.Now().UTC()})
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0000",
		ParentJobID: "job1",
		TaskType:    "work",
		Stage:       1,
		Status:      types.TaskStatusProcessing,
		RetryCount:  3,
		Heartbeat:   &hb,
		CreatedAt:   time.Now().UTC(),
	})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.TasksFailed != 1 {
		t.Fatalf("tasks_failed = %d, want 1", run.TasksFailed)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusFailed {
		t.Fatalf("status %s, want failed", task.Status)
	}
	// Failing the only task terminates the stage.
	if got := len(bus.Published(broker.QueueStageDone)); got != 1 {
		t.Fatalf("expected 1 StageDone, got %d", got)
	}
}

func TestSweepRepublishesOrphanedQueuedTask(t *testing.T) {
	j, store, bus := newJanitor(t, Options{QueuedTaskAge: time.Minute})
	store.PutJob(&types.Job{JobID: "job1", Status: types.JobStatusProcessing, Stage: 1, TotalStages: 1, UpdatedAt: time.Now().UTC()})
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0000",
		ParentJobID: "job1",
		TaskType:    "work",
		Stage:       1,
		Status:      types.TaskStatusQueued,
		CreatedAt:   old(10 * time.Minute),
	})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.TasksRequeued != 1 {
		t.Fatalf("tasks_requeued = %d, want 1", run.TasksRequeued)
	}
	if got := len(bus.Published(broker.QueueTasks)); got != 1 {
		t.Fatalf("expected 1 republished TaskStart, got %d", got)
	}
}

func TestSweepRepublishesStuckQueuedJob(t *testing.T) {
	j, store, bus := newJanitor(t, Options{QueuedJobAge: time.Minute})
	store.PutJob(&types.Job{
		JobID:       "job1",
		JobType:     "t",
		Status:      types.JobStatusQueued,
		Stage:       1,
		TotalStages: 1,
		CreatedAt:   old(10 * time.Minute),
		UpdatedAt:   old(10 * time.Minute),
	})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.JobsRepublished != 1 {
		t.Fatalf("jobs_republished = %d, want 1", run.JobsRepublished)
	}
	msgs := bus.Published(broker.QueueJobs)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 JobStart, got %d", len(msgs))
	}
	js, err := broker.DecodeJobStart(msgs[0])
	if err != nil || js.JobID != "job1" {
		t.Fatalf("bad JobStart %+v (%v)", js, err)
	}
}

func TestSweepSynthesizesStageDone(t *testing.T) {
	j, store, bus := newJanitor(t, Options{QueuedTaskAge: time.Minute})
	store.PutJob(&types.Job{
		JobID:       "job1",
		Status:      types.JobStatusProcessing,
		Stage:       1,
		TotalStages: 2,
		UpdatedAt:   old(10 * time.Minute),
	})
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0000",
		ParentJobID: "job1",
		Stage:       1,
		Status:      types.TaskStatusCompleted,
		CreatedAt:   old(10 * time.Minute),
	})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.StageDoneSynth != 1 {
		t.Fatalf("stage_done_synthesized = %d, want 1", run.StageDoneSynth)
	}
	msgs := bus.Published(broker.QueueStageDone)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 StageDone, got %d", len(msgs))
	}
	sd, err := broker.DecodeStageDone(msgs[0])
	if err != nil || sd.JobID != "job1" || sd.Stage != 1 {
		t.Fatalf("bad StageDone %+v (%v)", sd, err)
	}
}

// A processing job whose current stage has no task rows sits in the crash
// window between a stage transition and its seeding. The sweep republishes
// JobStart so the controller can re-seed; it must not synthesize a StageDone
// that would skip the never-seeded stage.
func TestSweepRepublishesJobStartForUnseededStage(t *testing.T) {
	j, store, bus := newJanitor(t, Options{QueuedTaskAge: time.Minute})
	store.PutJob(&types.Job{
		JobID:       "job1",
		JobType:     "t",
		Status:      types.JobStatusProcessing,
		Stage:       2,
		TotalStages: 2,
		UpdatedAt:   old(10 * time.Minute),
	})
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0000",
		ParentJobID: "job1",
		Stage:       1,
		Status:      types.TaskStatusCompleted,
		CreatedAt:   old(10 * time.Minute),
	})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.JobsRepublished != 1 {
		t.Fatalf("jobs_republished = %d, want 1", run.JobsRepublished)
	}
	if run.StageDoneSynth != 0 {
		t.Fatalf("stage_done_synthesized = %d, want 0", run.StageDoneSynth)
	}
	msgs := bus.Published(broker.QueueJobs)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 JobStart, got %d", len(msgs))
	}
	js, err := broker.DecodeJobStart(msgs[0])
	if err != nil || js.JobID != "job1" {
		t.Fatalf("bad JobStart %+v (%v)", js, err)
	}
	if got := len(bus.Published(broker.QueueStageDone)); got != 0 {
		t.Fatalf("synthesized StageDone for an unseeded stage")
	}
}

func TestSweepDoesNotSynthesizeWhileTasksLive(t *testing.T) {
	j, store, bus := newJanitor(t, Options{QueuedTaskAge: time.Minute})
	store.PutJob(&types.Job{
		JobID:       "job1",
		Status:      types.JobStatusProcessing,
		Stage:       1,
		TotalStages: 1,
		UpdatedAt:   old(10 * time.Minute),
	})
	hb := time.Now().UTC()
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0000",
		ParentJobID: "job1",
		Stage:       1,
		Status:      types.TaskStatusProcessing,
		Heartbeat:   &hb,
		CreatedAt:   time.Now().UTC(),
	})

	if _, err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := len(bus.Published(broker.QueueStageDone)); got != 0 {
		t.Fatalf("synthesized StageDone with a live task")
	}
}

func TestSweepCancelsQueuedTasksOfFailedJob(t *testing.T) {
	j, store, _ := newJanitor(t, Options{})
	store.PutJob(&types.Job{JobID: "job1", Status: types.JobStatusFailed, Stage: 2, TotalStages: 3, UpdatedAt: time.Now().UTC()})
	store.PutTask(&types.Task{TaskID: "j-s2-0000", ParentJobID: "job1", Stage: 2, Status: types.TaskStatusQueued, CreatedAt: time.Now().UTC()})
	store.PutTask(&types.Task{TaskID: "j-s2-0001", ParentJobID: "job1", Stage: 2, Status: types.TaskStatusCompleted, CreatedAt: time.Now().UTC()})

	run, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if run.TasksCancelled != 1 {
		t.Fatalf("tasks_cancelled = %d, want 1", run.TasksCancelled)
	}
	if got := store.Task("j-s2-0000").Status; got != types.TaskStatusCancelled {
		t.Fatalf("status %s, want cancelled", got)
	}
	if got := store.Task("j-s2-0001").Status; got != types.TaskStatusCompleted {
		t.Fatalf("completed sibling was touched: %s", got)
	}
}

func TestSweepStallTimeoutDisabledByDefault(t *testing.T) {
	j, store, _ := newJanitor(t, Options{})
	store.PutJob(&types.Job{
		JobID:       "job1",
		Status:      types.JobStatusProcessing,
		Stage:       1,
		TotalStages: 1,
		UpdatedAt:   old(48 * time.Hour),
	})

	if _, err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := store.Job("job1").Status; got != types.JobStatusProcessing {
		t.Fatalf("status %s, stall sweep ran while disabled", got)
	}
}

func TestSweepStallTimeoutFailsIdleJob(t *testing.T) {
	j, store, _ := newJanitor(t, Options{JobStallTimeout: time.Hour})
	store.PutJob(&types.Job{
		JobID:       "job1",
		Status:      types.JobStatusProcessing,
		Stage:       1,
		TotalStages: 1,
		UpdatedAt:   old(48 * time.Hour),
	})

	if _, err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := store.Job("job1").Status; got != types.JobStatusFailed {
		t.Fatalf("status %s, want failed after stall timeout", got)
	}
}
