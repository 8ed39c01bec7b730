package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/jobs/handlers"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos/repostest"
	"github.com/mapforge/geoflow/internal/types"
)

func newExecutor(t *testing.T, reg *handlers.Registry, opts Options) (*Executor, *repostest.Store, *broker.Memory) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store := repostest.NewStore()
	bus := broker.NewMemory()
	return New(nil, log, store.Tasks(), reg, bus, opts), store, bus
}

func seedTask(store *repostest.Store, taskID, jobID, taskType string, stage, index, retryCount int, status string) {
	store.PutJob(&types.Job{
		JobID:       jobID,
		JobType:     "t",
		Status:      types.JobStatusProcessing,
		Stage:       stage,
		TotalStages: stage,
	})
	store.PutTask(&types.Task{
		TaskID:      taskID,
		ParentJobID: jobID,
		JobType:     "t",
		TaskType:    taskType,
		Stage:       stage,
		TaskIndex:   index,
		Parameters:  []byte(`{"x":1}`),
		Status:      status,
		RetryCount:  retryCount,
	})
}

func startMsg(taskID, jobID, taskType string, stage int) []byte {
	b, _ := json.Marshal(broker.TaskStart{TaskID: taskID, JobID: jobID, TaskType: taskType, Stage: stage})
	return b
}

func TestHandleMessageMissingRowDrops(t *testing.T) {
	reg := handlers.NewRegistry()
	e, _, bus := newExecutor(t, reg, Options{})
	if err := e.HandleMessage(context.Background(), startMsg("nope", "job", "t", 1)); err != nil {
		t.Fatalf("expected drop, got %v", err)
	}
	if got := len(bus.Published(broker.QueueStageDone)); got != 0 {
		t.Fatalf("published %d StageDone for a dropped message", got)
	}
}

func TestHandleMessageClaimMissDrops(t *testing.T) {
	reg := handlers.NewRegistry()
	invoked := false
	_ = reg.Register(handlers.Func{TaskType: "work", Fn: func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
		invoked = true
		return &handlers.Result{}, nil
	}})
	e, store, _ := newExecutor(t, reg, Options{})
	seedTask(store, "j-s1-0000", "job1", "work", 1, 0, 0, types.TaskStatusProcessing)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "work", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if invoked {
		t.Fatal("handler ran despite losing the claim")
	}
	if got := store.Task("j-s1-0000").Status; got != types.TaskStatusProcessing {
		t.Fatalf("status %s changed by dropped message", got)
	}
}

func TestHandleMessageSuccessLastPublishesStageDone(t *testing.T) {
	reg := handlers.NewRegistry()
	_ = reg.Register(handlers.Func{TaskType: "work", Fn: func(_ context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
		return &handlers.Result{
			ResultData:      map[string]interface{}{"out": params["x"]},
			NextStageParams: map[string]interface{}{"path": "tmp/a"},
		}, nil
	}})
	e, store, bus := newExecutor(t, reg, Options{})
	seedTask(store, "j-s1-0000", "job1", "work", 1, 0, 0, types.TaskStatusQueued)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "work", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusCompleted {
		t.Fatalf("status %s, want completed", task.Status)
	}
	if len(task.NextStageParams) == 0 {
		t.Fatal("next_stage_params not persisted")
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

func TestHandleMessageSuccessNotLastStaysQuiet(t *testing.T) {
	reg := handlers.NewRegistry()
	_ = reg.Register(handlers.Func{TaskType: "work", Fn: func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
		return &handlers.Result{}, nil
	}})
	e, store, bus := newExecutor(t, reg, Options{})
	seedTask(store, "j-s1-0000", "job1", "work", 1, 0, 0, types.TaskStatusQueued)
	store.PutTask(&types.Task{
		TaskID:      "j-s1-0001",
		ParentJobID: "job1",
		TaskType:    "work",
		Stage:       1,
		TaskIndex:   1,
		Status:      types.TaskStatusQueued,
	})

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "work", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := len(bus.Published(broker.QueueStageDone)); got != 0 {
		t.Fatalf("published StageDone with a sibling still queued")
	}
}

func TestHandleMessageTransientFailureSchedulesRetry(t *testing.T) {
	reg := handlers.NewRegistry()
	_ = reg.Register(handlers.Func{TaskType: "flaky", Fn: func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
		return nil, handlers.Transient(errors.New("connection reset"))
	}})
	e, store, bus := newExecutor(t, reg, Options{Retry: RetryPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}})
	seedTask(store, "j-s1-0000", "job1", "flaky", 1, 0, 0, types.TaskStatusQueued)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "flaky", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusPendingRetry || task.RetryCount != 1 {
		t.Fatalf("task = %s retry_count %d, want pending_retry count 1", task.Status, task.RetryCount)
	}

	// The delayed republish fires after backoff.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bus.Published(broker.QueueTasks)) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("retry message never republished")
}

func TestHandleMessagePermanentFailureFailsTask(t *testing.T) {
	reg := handlers.NewRegistry()
	_ = reg.Register(handlers.Func{TaskType: "doomed", Fn: func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
		return nil, handlers.Permanent(errors.New("schema mismatch"))
	}})
	e, store, bus := newExecutor(t, reg, Options{})
	seedTask(store, "j-s1-0000", "job1", "doomed", 1, 0, 0, types.TaskStatusQueued)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "doomed", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusFailed {
		t.Fatalf("status %s, want failed", task.Status)
	}
	if task.RetryCount != 0 {
		t.Fatalf("permanent failure consumed retry budget: %d", task.RetryCount)
	}
	// Failure is terminal, so the stage still completes.
	if got := len(bus.Published(broker.QueueStageDone)); got != 1 {
		t.Fatalf("expected 1 StageDone, got %d", got)
	}
}

func TestHandleMessageBudgetExhaustedFailsTask(t *testing.T) {
	reg := handlers.NewRegistry()
	_ = reg.Register(handlers.Func{TaskType: "flaky", Fn: func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
		return nil, handlers.Transient(errors.New("still down"))
	}})
	e, store, _ := newExecutor(t, reg, Options{Retry: RetryPolicy{Budget: 3}})
	seedTask(store, "j-s1-0000", "job1", "flaky", 1, 0, 3, types.TaskStatusPendingRetry)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "flaky", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusFailed {
		t.Fatalf("status %s, want failed after exhausted budget", task.Status)
	}
}

func TestHandleMessagePanicFailsTask(t *testing.T) {
	reg := handlers.NewRegistry()
	_ = reg.Register(handlers.Func{TaskType: "bomb", Fn: func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
		panic("boom")
	}})
	e, store, _ := newExecutor(t, reg, Options{})
	seedTask(store, "j-s1-0000", "job1", "bomb", 1, 0, 0, types.TaskStatusQueued)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "bomb", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	task := store.Task("j-s1-0000")
	if task.Status != types.TaskStatusFailed {
		t.Fatalf("status %s, want failed", task.Status)
	}
	if task.ErrorDetails == "" {
		t.Fatal("panic left no error details")
	}
}

func TestHandleMessageUnknownHandlerFailsTask(t *testing.T) {
	e, store, _ := newExecutor(t, handlers.NewRegistry(), Options{})
	seedTask(store, "j-s1-0000", "job1", "ghost", 1, 0, 0, types.TaskStatusQueued)

	if err := e.HandleMessage(context.Background(), startMsg("j-s1-0000", "job1", "ghost", 1)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := store.Task("j-s1-0000").Status; got != types.TaskStatusFailed {
		t.Fatalf("status %s, want failed", got)
	}
}

func TestComputeBackoff(t *testing.T) {
	policy := RetryPolicy{
		MinBackoff:     time.Second,
		MaxBackoff:     8 * time.Second,
		ThrottledFloor: 10 * time.Second,
		JitterFrac:     0.2,
	}
	for attempts := 1; attempts <= 6; attempts++ {
		d := computeBackoff(policy, attempts, ClassTransient)
		if d > time.Duration(float64(policy.MaxBackoff)*1.2) {
			t.Errorf("attempt %d: backoff %s exceeds jittered cap", attempts, d)
		}
		if d < 0 {
			t.Errorf("attempt %d: negative backoff", attempts)
		}
	}
	// Throttling raises the floor above the transient cap.
	if d := computeBackoff(policy, 1, ClassThrottling); d < 8*time.Second {
		t.Errorf("throttled backoff %s below the floor", d)
	}
	// Growth is monotone in expectation: attempt 1 stays near the min.
	if d := computeBackoff(policy, 1, ClassTransient); d > 2*time.Second {
		t.Errorf("first attempt backoff %s too large", d)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Classification
	}{
		{handlers.Permanent(errors.New("bad input")), ClassPermanent},
		{handlers.Transient(errors.New("flaky")), ClassTransient},
		{handlers.Throttled(errors.New("slow down")), ClassThrottling},
		{fmt.Errorf("wrapped: %w", handlers.Permanent(errors.New("deep"))), ClassPermanent},
		{errors.New("rate limit exceeded"), ClassThrottling},
		{errors.New("anything else"), ClassTransient},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
