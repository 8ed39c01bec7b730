package geo

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/mapforge/geoflow/internal/types"
)

// decodeNextStageParams decodes the next-stage payload a completed task left
// behind for its same-index successor.
func decodeNextStageParams(t types.Task) (map[string]interface{}, error) {
	if len(t.NextStageParams) == 0 {
		return nil, fmt.Errorf("completed task carries no next_stage_params")
	}
	var out map[string]interface{}
	if err := json.Unmarshal(t.NextStageParams, &out); err != nil {
		return nil, fmt.Errorf("decode next_stage_params: %w", err)
	}
	return out, nil
}

var pathLikeRe = regexp.MustCompile(`(?:gs://|s3://)?[\w.-]+(?:/[\w.-]+){2,}`)

// scrubKeys returns an error sanitizer for job types whose failures can
// embed storage keys or bucket paths. Those never belong on external
// surfaces.
func scrubKeys(_ ...string) func(string) string {
	return func(raw string) string {
		return pathLikeRe.ReplaceAllString(raw, "[redacted]")
	}
}
