package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"gorm.io/datatypes"

	"github.com/mapforge/geoflow/internal/blob"
	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/jobs/ident"
	"github.com/mapforge/geoflow/internal/jobs/preflight"
	"github.com/mapforge/geoflow/internal/jobs/registry"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos"
	"github.com/mapforge/geoflow/internal/repos/repostest"
	"github.com/mapforge/geoflow/internal/types"
)

// completeParams builds a successful completion for a seeded task, with an
// optional next-stage payload carrying the task's artifact name.
func completeParams(task types.Task, withNext bool) repos.CompleteTaskParams {
	p := repos.CompleteTaskParams{
		TaskID:     task.TaskID,
		JobID:      task.ParentJobID,
		Stage:      task.Stage,
		Status:     types.TaskStatusCompleted,
		ResultData: datatypes.JSON([]byte(fmt.Sprintf(`{"size":%d}`, task.TaskIndex))),
	}
	if withNext {
		p.NextStageParams = datatypes.JSON([]byte(fmt.Sprintf(`{"artifact":"artifact-%d"}`, task.TaskIndex)))
	}
	return p
}

func requestIDFor(dataset, resource, version string) string {
	return ident.RequestID(dataset, resource, version)
}

type fixture struct {
	store      *repostest.Store
	bus        *broker.Memory
	blobs      *blob.Memory
	registry   *registry.Registry
	controller *Controller
}

func newFixture(t *testing.T, defs ...*registry.JobDefinition) *fixture {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store := repostest.NewStore()
	bus := broker.NewMemory()
	blobs := blob.NewMemory()
	reg := registry.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	c := New(nil, log, store.Jobs(), store.Tasks(), store.Requests(), reg, bus, blobs, Options{})
	return &fixture{store: store, bus: bus, blobs: blobs, registry: reg, controller: c}
}

// shrinkDef is a two-stage definition: stage 1 fans out count shrink tasks,
// stage 2 assembles the completed ones, mirroring their indexes.
func shrinkDef() *registry.JobDefinition {
	return &registry.JobDefinition{
		Type: "shrink_set",
		Schema: registry.ParameterSchema{
			"count":      {Type: registry.FieldInt, Default: 2},
			"source_key": {Type: registry.FieldString, Required: true},
		},
		TotalStages: 2,
		Preflight: []preflight.Check{
			preflight.BlobExists("source_key"),
		},
		PlanStage: func(in registry.PlanInput) ([]registry.TaskPlan, error) {
			if in.Stage == 1 {
				// Parameters round-trip through JSONB, so numbers may
				// arrive as float64.
				count := 2
				switch v := in.Params["count"].(type) {
				case int:
					count = v
				case float64:
					count = int(v)
				}
				plans := make([]registry.TaskPlan, 0, count)
				for i := 0; i < count; i++ {
					plans = append(plans, registry.TaskPlan{
						TaskType:   "shrink",
						TaskIndex:  i,
						Parameters: map[string]interface{}{"part": i},
					})
				}
				return plans, nil
			}
			plans := make([]registry.TaskPlan, 0, len(in.PrevTasks))
			for _, prev := range in.PrevTasks {
				if prev.Status != types.TaskStatusCompleted {
					continue
				}
				var next map[string]interface{}
				if len(prev.NextStageParams) > 0 {
					_ = json.Unmarshal(prev.NextStageParams, &next)
				}
				plans = append(plans, registry.TaskPlan{
					TaskType:   "assemble",
					TaskIndex:  prev.TaskIndex,
					Parameters: next,
				})
			}
			return plans, nil
		},
		Finalize: func(job *types.Job, results registry.StageResults) map[string]interface{} {
			return map[string]interface{}{"parts": len(results["2"])}
		},
	}
}

func seedSource(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.blobs.Upload(context.Background(), "uploads/in.bin", bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
}

func TestSubmitRejectsInvalidParameters(t *testing.T) {
	f := newFixture(t, shrinkDef())
	_, err := f.controller.Submit(context.Background(), SubmitInput{
		JobType:    "shrink_set",
		Parameters: map[string]interface{}{"count": 2, "bogus": true},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got := len(f.bus.Published(broker.QueueJobs)); got != 0 {
		t.Fatalf("rejected submission published %d messages", got)
	}
}

func TestSubmitRejectsUnknownJobType(t *testing.T) {
	f := newFixture(t, shrinkDef())
	_, err := f.controller.Submit(context.Background(), SubmitInput{JobType: "nope"})
	var ue *registry.UnknownJobTypeError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnknownJobTypeError, got %v", err)
	}
}

func TestSubmitRejectsPreflightFailure(t *testing.T) {
	f := newFixture(t, shrinkDef())
	_, err := f.controller.Submit(context.Background(), SubmitInput{
		JobType:    "shrink_set",
		Parameters: map[string]interface{}{"source_key": "uploads/missing.bin"},
	})
	var pe *PreflightError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreflightError, got %v", err)
	}
	if !strings.HasPrefix(pe.Check, "blob_exists") {
		t.Fatalf("unexpected check %q", pe.Check)
	}
	if got := len(f.bus.Published(broker.QueueJobs)); got != 0 {
		t.Fatalf("rejected submission published %d messages", got)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, shrinkDef())
	seedSource(t, f)
	in := SubmitInput{
		JobType:    "shrink_set",
		Parameters: map[string]interface{}{"source_key": "uploads/in.bin", "count": 2},
	}
	first, err := f.controller.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.AlreadyExisted {
		t.Fatal("first submit reported already existed")
	}
	second, err := f.controller.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.AlreadyExisted || second.JobID != first.JobID {
		t.Fatalf("duplicate submit: got %+v, want same job id as %+v", second, first)
	}
	if got := len(f.bus.Published(broker.QueueJobs)); got != 1 {
		t.Fatalf("expected 1 JobStart, got %d", got)
	}
}

func TestSubmitRecordsAPIRequest(t *testing.T) {
	f := newFixture(t, shrinkDef())
	seedSource(t, f)
	res, err := f.controller.Submit(context.Background(), SubmitInput{
		JobType:    "shrink_set",
		Parameters: map[string]interface{}{"source_key": "uploads/in.bin"},
		DatasetID:  "ds1",
		ResourceID: "r1",
		VersionID:  "v1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The request record resolves the external triple back to the job.
	req, err := f.store.Requests().GetByID(context.Background(), nil, requestIDFor("ds1", "r1", "v1"))
	if err != nil || req == nil {
		t.Fatalf("request record missing: %v", err)
	}
	if req.JobID != res.JobID {
		t.Fatalf("request points at %s, want %s", req.JobID, res.JobID)
	}
}

func submitAndStart(t *testing.T, f *fixture, params map[string]interface{}) string {
	t.Helper()
	seedSource(t, f)
	res, err := f.controller.Submit(context.Background(), SubmitInput{
		JobType:    "shrink_set",
		Parameters: params,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.controller.OnJobStart(context.Background(), broker.JobStart{JobID: res.JobID, JobType: "shrink_set"}); err != nil {
		t.Fatalf("OnJobStart: %v", err)
	}
	return res.JobID
}

func TestOnJobStartSeedsStageOne(t *testing.T) {
	f := newFixture(t, shrinkDef())
	jobID := submitAndStart(t, f, map[string]interface{}{"source_key": "uploads/in.bin", "count": 3})

	job := f.store.Job(jobID)
	if job.Status != types.JobStatusProcessing || job.Stage != 1 {
		t.Fatalf("job = %s stage %d, want processing stage 1", job.Status, job.Stage)
	}
	tasks := f.store.TasksForJob(jobID, 1)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 seeded tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		wantID := fmt.Sprintf("%s-s1-%04d", jobID[:12], i)
		if task.TaskID != wantID {
			t.Errorf("task %d id %s, want %s", i, task.TaskID, wantID)
		}
		if task.Status != types.TaskStatusQueued {
			t.Errorf("task %d status %s", i, task.Status)
		}
	}
	if got := len(f.bus.Published(broker.QueueTasks)); got != 3 {
		t.Fatalf("expected 3 TaskStart messages, got %d", got)
	}
}

func TestOnJobStartDuplicateDelivery(t *testing.T) {
	f := newFixture(t, shrinkDef())
	jobID := submitAndStart(t, f, map[string]interface{}{"source_key": "uploads/in.bin", "count": 2})

	if err := f.controller.OnJobStart(context.Background(), broker.JobStart{JobID: jobID}); err != nil {
		t.Fatalf("duplicate OnJobStart: %v", err)
	}
	if tasks := f.store.TasksForJob(jobID, 1); len(tasks) != 2 {
		t.Fatalf("duplicate delivery changed task count to %d", len(tasks))
	}
	// The second delivery hit the status guard and published nothing new.
	if got := len(f.bus.Published(broker.QueueTasks)); got != 2 {
		t.Fatalf("expected 2 TaskStart messages, got %d", got)
	}
}

// A crash between MarkProcessing and the stage-1 task insert leaves a
// processing job with no tasks. The redelivered JobStart must re-seed
// instead of dropping on the status guard.
func TestOnJobStartReseedsInterruptedStageOne(t *testing.T) {
	f := newFixture(t, shrinkDef())
	f.store.PutJob(&types.Job{
		JobID:       "job-stuck",
		JobType:     "shrink_set",
		Parameters:  datatypes.JSON([]byte(`{"source_key":"uploads/in.bin","count":2}`)),
		Status:      types.JobStatusProcessing,
		Stage:       1,
		TotalStages: 2,
	})

	if err := f.controller.OnJobStart(context.Background(), broker.JobStart{JobID: "job-stuck"}); err != nil {
		t.Fatalf("OnJobStart: %v", err)
	}
	tasks := f.store.TasksForJob("job-stuck", 1)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 re-seeded tasks, got %d", len(tasks))
	}
	if got := len(f.bus.Published(broker.QueueTasks)); got != 2 {
		t.Fatalf("expected 2 TaskStart messages, got %d", got)
	}
}

// Same window after a stage advance: the job sits at stage 2 with no stage-2
// rows. Re-seeding must run the planner with the stage-1 lineage.
func TestOnJobStartReseedsInterruptedAdvance(t *testing.T) {
	f := newFixture(t, shrinkDef())
	f.store.PutJob(&types.Job{
		JobID:       "job-stuck",
		JobType:     "shrink_set",
		Parameters:  datatypes.JSON([]byte(`{"source_key":"uploads/in.bin","count":1}`)),
		Status:      types.JobStatusProcessing,
		Stage:       2,
		TotalStages: 2,
	})
	f.store.PutTask(&types.Task{
		TaskID:          "job-stuck-s1-0000",
		ParentJobID:     "job-stuck",
		TaskType:        "shrink",
		Stage:           1,
		TaskIndex:       0,
		Status:          types.TaskStatusCompleted,
		NextStageParams: datatypes.JSON([]byte(`{"artifact":"artifact-0"}`)),
	})

	if err := f.controller.OnJobStart(context.Background(), broker.JobStart{JobID: "job-stuck"}); err != nil {
		t.Fatalf("OnJobStart: %v", err)
	}
	tasks := f.store.TasksForJob("job-stuck", 2)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 re-seeded stage-2 task, got %d", len(tasks))
	}
	var params map[string]interface{}
	if err := json.Unmarshal(tasks[0].Parameters, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params["artifact"] != "artifact-0" {
		t.Fatalf("re-seeded task lost lineage: %v", params)
	}
}

func TestOnJobStartUnknownJobDrops(t *testing.T) {
	f := newFixture(t, shrinkDef())
	if err := f.controller.OnJobStart(context.Background(), broker.JobStart{JobID: "doesnotexist"}); err != nil {
		t.Fatalf("expected drop, got %v", err)
	}
}

func TestEmptyPlanFailsJob(t *testing.T) {
	def := shrinkDef()
	def.Type = "empty_plan"
	def.Preflight = nil
	def.PlanStage = func(registry.PlanInput) ([]registry.TaskPlan, error) { return nil, nil }
	f := newFixture(t, def)
	res, err := f.controller.Submit(context.Background(), SubmitInput{
		JobType:    "empty_plan",
		Parameters: map[string]interface{}{"source_key": "whatever"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.controller.OnJobStart(context.Background(), broker.JobStart{JobID: res.JobID}); err != nil {
		t.Fatalf("OnJobStart: %v", err)
	}
	job := f.store.Job(res.JobID)
	if job.Status != types.JobStatusFailed {
		t.Fatalf("job status %s, want failed", job.Status)
	}
	if !strings.Contains(job.ErrorDetails, "no tasks produced") {
		t.Fatalf("unexpected error details %q", job.ErrorDetails)
	}
}

func completeStage(t *testing.T, f *fixture, jobID string, stage int, withNext bool) {
	t.Helper()
	ctx := context.Background()
	for _, task := range f.store.TasksForJob(jobID, stage) {
		if _, err := f.store.Tasks().Claim(ctx, nil, task.TaskID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		params := completeParams(task, withNext)
		if _, err := f.store.Tasks().Complete(ctx, nil, params); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
}

func TestOnStageDoneAdvancesAndSeedsWithLineage(t *testing.T) {
	f := newFixture(t, shrinkDef())
	jobID := submitAndStart(t, f, map[string]interface{}{"source_key": "uploads/in.bin", "count": 2})
	completeStage(t, f, jobID, 1, true)

	if err := f.controller.OnStageDone(context.Background(), broker.StageDone{JobID: jobID, Stage: 1}); err != nil {
		t.Fatalf("OnStageDone: %v", err)
	}
	job := f.store.Job(jobID)
	if job.Stage != 2 || job.Status != types.JobStatusProcessing {
		t.Fatalf("job = %s stage %d, want processing stage 2", job.Status, job.Stage)
	}
	tasks := f.store.TasksForJob(jobID, 2)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 stage-2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		var params map[string]interface{}
		if err := json.Unmarshal(task.Parameters, &params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		want := fmt.Sprintf("artifact-%d", task.TaskIndex)
		if params["artifact"] != want {
			t.Errorf("task %s got lineage %v, want %s", task.TaskID, params["artifact"], want)
		}
	}

	// Duplicate marker: the stage guard makes it a no-op.
	if err := f.controller.OnStageDone(context.Background(), broker.StageDone{JobID: jobID, Stage: 1}); err != nil {
		t.Fatalf("duplicate OnStageDone: %v", err)
	}
	if got := f.store.TasksForJob(jobID, 2); len(got) != 2 {
		t.Fatalf("duplicate marker changed stage-2 task count to %d", len(got))
	}
}

func TestFinalStageDoneFinalizesJob(t *testing.T) {
	f := newFixture(t, shrinkDef())
	jobID := submitAndStart(t, f, map[string]interface{}{"source_key": "uploads/in.bin", "count": 2})
	completeStage(t, f, jobID, 1, true)
	if err := f.controller.OnStageDone(context.Background(), broker.StageDone{JobID: jobID, Stage: 1}); err != nil {
		t.Fatalf("OnStageDone stage 1: %v", err)
	}
	completeStage(t, f, jobID, 2, false)
	if err := f.controller.OnStageDone(context.Background(), broker.StageDone{JobID: jobID, Stage: 2}); err != nil {
		t.Fatalf("OnStageDone stage 2: %v", err)
	}

	job := f.store.Job(jobID)
	if job.Status != types.JobStatusCompleted {
		t.Fatalf("job status %s, want completed", job.Status)
	}
	// The advance routine increments past the last stage even on the final
	// transition; terminal status, not stage, marks the end.
	if job.Stage != job.TotalStages+1 {
		t.Fatalf("stage %d, want %d after final advance", job.Stage, job.TotalStages+1)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(job.ResultData, &result); err != nil {
		t.Fatalf("decode result_data: %v", err)
	}
	if result["parts"] != float64(2) {
		t.Fatalf("result_data = %v, want parts=2", result)
	}
	var stageResults map[string]map[string]interface{}
	if err := json.Unmarshal(job.StageResults, &stageResults); err != nil {
		t.Fatalf("decode stage_results: %v", err)
	}
	if len(stageResults["1"]) != 2 || len(stageResults["2"]) != 2 {
		t.Fatalf("stage_results incomplete: %v", stageResults)
	}
}

func TestFinalStageWithFailedTaskCompletesWithErrors(t *testing.T) {
	f := newFixture(t, shrinkDef())
	jobID := submitAndStart(t, f, map[string]interface{}{"source_key": "uploads/in.bin", "count": 2})

	ctx := context.Background()
	tasks := f.store.TasksForJob(jobID, 1)
	for i, task := range tasks {
		if _, err := f.store.Tasks().Claim(ctx, nil, task.TaskID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		params := completeParams(task, true)
		if i == 1 {
			params.Status = types.TaskStatusFailed
			params.ErrorDetails = "shrink blew up"
			params.ResultData = nil
			params.NextStageParams = nil
		}
		if _, err := f.store.Tasks().Complete(ctx, nil, params); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if err := f.controller.OnStageDone(ctx, broker.StageDone{JobID: jobID, Stage: 1}); err != nil {
		t.Fatalf("OnStageDone stage 1: %v", err)
	}
	// Only the surviving task moves on.
	stage2 := f.store.TasksForJob(jobID, 2)
	if len(stage2) != 1 || stage2[0].TaskIndex != 0 {
		t.Fatalf("expected one stage-2 task for index 0, got %+v", stage2)
	}
	completeStage(t, f, jobID, 2, false)
	if err := f.controller.OnStageDone(ctx, broker.StageDone{JobID: jobID, Stage: 2}); err != nil {
		t.Fatalf("OnStageDone stage 2: %v", err)
	}
	job := f.store.Job(jobID)
	if job.Status != types.JobStatusCompletedWithErrors {
		t.Fatalf("job status %s, want completed_with_errors", job.Status)
	}
}
