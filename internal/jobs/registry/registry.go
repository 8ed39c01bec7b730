package registry

import (
	"fmt"
	"sync"

	"github.com/mapforge/geoflow/internal/jobs/preflight"
	"github.com/mapforge/geoflow/internal/types"
)

// UnknownJobTypeError is returned on registry miss.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type %q", e.JobType)
}

// TaskPlan is one task the planner wants created for a stage.
type TaskPlan struct {
	TaskType   string
	TaskIndex  int
	Parameters map[string]interface{}
}

// PlanInput is everything a stage planner may look at. PrevTasks holds the
// previous stage's task rows (empty for stage 1) so planners can splice
// same-index lineage into the new parameters. Planners must be pure and
// deterministic: re-planning a stage has to produce the same set.
type PlanInput struct {
	Job       *types.Job
	Stage     int
	Params    map[string]interface{}
	PrevTasks []types.Task
}

// StageResults maps stage number (as a string, matching the JSONB layout)
// to that stage's aggregated output keyed by task index.
type StageResults map[string]map[string]interface{}

// JobDefinition declares everything the kernel needs to run one job type.
type JobDefinition struct {
	Type        string
	Schema      ParameterSchema
	TotalStages int
	// Preflight checks run in order at submit time, before any state is
	// written.
	Preflight []preflight.Check
	// PlanStage maps job state onto the task batch for the given stage.
	PlanStage func(in PlanInput) ([]TaskPlan, error)
	// TaskTypeForStage names the task type of a stage when PlanStage is
	// not consulted (status surfaces). Optional.
	TaskTypeForStage func(stage int) string
	// Finalize aggregates all stage results into the job's result_data.
	Finalize func(job *types.Job, results StageResults) map[string]interface{}
	// SanitizeError strips internal detail before an error reaches an
	// external surface. Optional; default passes through.
	SanitizeError func(raw string) string
}

// Registry is the process-global job_type -> JobDefinition lookup,
// populated once at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*JobDefinition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*JobDefinition)}
}

func (r *Registry) Register(def *JobDefinition) error {
	if def == nil {
		return fmt.Errorf("nil job definition")
	}
	if def.Type == "" {
		return fmt.Errorf("job definition Type is empty")
	}
	if def.TotalStages < 1 {
		return fmt.Errorf("job type %s: TotalStages must be >= 1", def.Type)
	}
	if def.PlanStage == nil {
		return fmt.Errorf("job type %s: PlanStage is required", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("job definition already registered for job_type=%s", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Registry) Get(jobType string) (*JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	if !ok {
		return nil, &UnknownJobTypeError{JobType: jobType}
	}
	return def, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}

// Sanitize applies the definition's error scrubber, defaulting to identity.
func (d *JobDefinition) Sanitize(raw string) string {
	if d.SanitizeError == nil {
		return raw
	}
	return d.SanitizeError(raw)
}
