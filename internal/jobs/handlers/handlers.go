package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/mapforge/geoflow/internal/logger"
)

// Result is the successful outcome of one task execution. ResultData is
// aggregated into the job's stage_results; NextStageParams is handed to the
// same-index task of the next stage when the planner asks for lineage.
type Result struct {
	ResultData      map[string]interface{}
	NextStageParams map[string]interface{}
}

// TaskContext is the execution handle supplied to a handler. Heartbeat is
// wired by the executor; long-running handlers do not manage their own
// liveness reporting.
type TaskContext struct {
	TaskID    string
	JobID     string
	Stage     int
	TaskIndex int
	Log       *logger.Logger
}

// Handler implements one task_type. Handlers must be idempotent with
// respect to external side effects: redelivery after a crash between
// handler completion and the store update can re-invoke them.
type Handler interface {
	Type() string
	Run(ctx context.Context, params map[string]interface{}, tc *TaskContext) (*Result, error)
}

// Registry is the process-global task_type -> Handler lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Func adapts a plain function into a Handler.
type Func struct {
	TaskType string
	Fn       func(ctx context.Context, params map[string]interface{}, tc *TaskContext) (*Result, error)
}

func (f Func) Type() string { return f.TaskType }
func (f Func) Run(ctx context.Context, params map[string]interface{}, tc *TaskContext) (*Result, error) {
	return f.Fn(ctx, params, tc)
}
