package controller

import (
	"fmt"
	"strings"

	"github.com/mapforge/geoflow/internal/jobs/preflight"
	"github.com/mapforge/geoflow/internal/jobs/registry"
)

// Pre-submit errors surface synchronously to the caller and write no state.
// Post-submit errors live on job and task rows only.

// ValidationError reports per-field schema violations.
type ValidationError struct {
	JobType string
	Issues  []registry.FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Field, i.Message))
	}
	return fmt.Sprintf("invalid parameters for %s: %s", e.JobType, strings.Join(parts, "; "))
}

// PreflightError reports a resource validator rejection. Reason is already
// sanitized for external surfaces.
type PreflightError struct {
	JobType string
	Check   string
	Reason  string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("pre-flight rejected %s submission: %s", e.JobType, e.Reason)
}

func newPreflightError(jobType string, def *registry.JobDefinition, f *preflight.Failure) *PreflightError {
	return &PreflightError{
		JobType: jobType,
		Check:   f.Check,
		Reason:  def.Sanitize(f.Reason),
	}
}

// CorruptStateError reports store state that should be unreachable, e.g. a
// stage signal for a job that does not exist.
type CorruptStateError struct {
	Detail string
}

func (e *CorruptStateError) Error() string {
	return "corrupt state: " + e.Detail
}
