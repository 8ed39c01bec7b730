// Package geo holds the built-in geospatial job types: their parameter
// schemas, pre-flight checks, stage planners, and finalizers. The
// orchestration kernel knows nothing about any of these; it sees only the
// JobDefinition surface.
package geo

import (
	"fmt"

	"github.com/mapforge/geoflow/internal/jobs/preflight"
	"github.com/mapforge/geoflow/internal/jobs/registry"
	"github.com/mapforge/geoflow/internal/types"
)

const (
	JobTypeHelloWorld    = "hello_world"
	JobTypeVectorIngest  = "vector_ingest"
	JobTypeRasterConvert = "raster_convert"
	JobTypeHexAggregate  = "hex_aggregate"

	TaskTypeHello            = "hello"
	TaskTypeVectorChunkLoad  = "vector_chunk_load"
	TaskTypeVectorMergeIndex = "vector_merge_index"
	TaskTypeRasterTile       = "raster_tile_extract"
	TaskTypeRasterPublish    = "raster_publish"
	TaskTypeHexBin           = "hex_bin"
)

// RegisterAll installs the built-in job definitions.
func RegisterAll(reg *registry.Registry) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func Definitions() []*registry.JobDefinition {
	return []*registry.JobDefinition{
		helloWorldDefinition(),
		vectorIngestDefinition(),
		rasterConvertDefinition(),
		hexAggregateDefinition(),
	}
}

// hello_world fans out count no-op tasks in a single stage. It exists to
// smoke-test a deployment end to end.
func helloWorldDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		Type: JobTypeHelloWorld,
		Schema: registry.ParameterSchema{
			"count": {Type: registry.FieldInt, Default: 1},
			"name":  {Type: registry.FieldString, Default: "world"},
		},
		TotalStages: 1,
		PlanStage: func(in registry.PlanInput) ([]registry.TaskPlan, error) {
			count := intParam(in.Params, "count", 1)
			if count < 1 {
				return nil, fmt.Errorf("count must be >= 1")
			}
			plans := make([]registry.TaskPlan, 0, count)
			for i := 0; i < count; i++ {
				plans = append(plans, registry.TaskPlan{
					TaskType:  TaskTypeHello,
					TaskIndex: i,
					Parameters: map[string]interface{}{
						"name": in.Params["name"],
					},
				})
			}
			return plans, nil
		},
		TaskTypeForStage: func(int) string { return TaskTypeHello },
		Finalize: func(job *types.Job, results registry.StageResults) map[string]interface{} {
			return map[string]interface{}{
				"greetings": len(results["1"]),
			}
		},
	}
}

// vector_ingest loads a blob of vector features into a target table in
// parallel chunks, then builds the spatial index in a single merge task.
func vectorIngestDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		Type: JobTypeVectorIngest,
		Schema: registry.ParameterSchema{
			"source_key":   {Type: registry.FieldString, Required: true},
			"target_table": {Type: registry.FieldString, Required: true},
			"batch_count":  {Type: registry.FieldInt, Default: 4},
			"srid":         {Type: registry.FieldInt, Default: 4326},
		},
		TotalStages: 2,
		Preflight: []preflight.Check{
			preflight.BlobExists("source_key"),
			preflight.TableNameValid("target_table"),
		},
		PlanStage: func(in registry.PlanInput) ([]registry.TaskPlan, error) {
			switch in.Stage {
			case 1:
				batches := intParam(in.Params, "batch_count", 4)
				if batches < 1 {
					return nil, fmt.Errorf("batch_count must be >= 1")
				}
				plans := make([]registry.TaskPlan, 0, batches)
				for i := 0; i < batches; i++ {
					plans = append(plans, registry.TaskPlan{
						TaskType:  TaskTypeVectorChunkLoad,
						TaskIndex: i,
						Parameters: map[string]interface{}{
							"source_key":   in.Params["source_key"],
							"target_table": in.Params["target_table"],
							"srid":         in.Params["srid"],
							"chunk":        i,
							"chunk_count":  batches,
						},
					})
				}
				return plans, nil
			case 2:
				return []registry.TaskPlan{{
					TaskType:  TaskTypeVectorMergeIndex,
					TaskIndex: 0,
					Parameters: map[string]interface{}{
						"target_table": in.Params["target_table"],
						"srid":         in.Params["srid"],
					},
				}}, nil
			default:
				return nil, fmt.Errorf("vector_ingest has no stage %d", in.Stage)
			}
		},
		TaskTypeForStage: func(stage int) string {
			if stage == 1 {
				return TaskTypeVectorChunkLoad
			}
			return TaskTypeVectorMergeIndex
		},
		Finalize: func(job *types.Job, results registry.StageResults) map[string]interface{} {
			var loaded float64
			for _, r := range results["1"] {
				if m, ok := r.(map[string]interface{}); ok {
					if n, ok := m["features_loaded"].(float64); ok {
						loaded += n
					}
				}
			}
			out := map[string]interface{}{
				"features_loaded": loaded,
			}
			if m, ok := results["2"]["0"].(map[string]interface{}); ok {
				out["index"] = m["index"]
			}
			return out
		},
		SanitizeError: scrubKeys("source_key"),
	}
}

// raster_convert extracts tiles from a source raster in stage 1 and
// publishes each tile in stage 2. Each publish task receives the temp
// artifact path its same-index extract task produced.
func rasterConvertDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		Type: JobTypeRasterConvert,
		Schema: registry.ParameterSchema{
			"source_key": {Type: registry.FieldString, Required: true},
			"profile": {
				Type:          registry.FieldString,
				Default:       "cog",
				AllowedValues: []interface{}{"cog", "mbtiles"},
			},
			"tile_count": {Type: registry.FieldInt, Default: 4},
		},
		TotalStages: 2,
		Preflight: []preflight.Check{
			preflight.BlobExists("source_key"),
		},
		PlanStage: func(in registry.PlanInput) ([]registry.TaskPlan, error) {
			switch in.Stage {
			case 1:
				tiles := intParam(in.Params, "tile_count", 4)
				if tiles < 1 {
					return nil, fmt.Errorf("tile_count must be >= 1")
				}
				plans := make([]registry.TaskPlan, 0, tiles)
				for i := 0; i < tiles; i++ {
					plans = append(plans, registry.TaskPlan{
						TaskType:  TaskTypeRasterTile,
						TaskIndex: i,
						Parameters: map[string]interface{}{
							"source_key": in.Params["source_key"],
							"profile":    in.Params["profile"],
							"tile":       i,
							"tile_count": tiles,
						},
					})
				}
				return plans, nil
			case 2:
				// Same-index lineage: each publish task parameter set is the
				// extract task's declared next-stage payload.
				plans := make([]registry.TaskPlan, 0, len(in.PrevTasks))
				for _, prev := range in.PrevTasks {
					if prev.Status != types.TaskStatusCompleted {
						continue
					}
					params, err := decodeNextStageParams(prev)
					if err != nil {
						return nil, fmt.Errorf("task %s: %w", prev.TaskID, err)
					}
					params["profile"] = in.Params["profile"]
					plans = append(plans, registry.TaskPlan{
						TaskType:   TaskTypeRasterPublish,
						TaskIndex:  prev.TaskIndex,
						Parameters: params,
					})
				}
				if len(plans) == 0 {
					return nil, fmt.Errorf("no completed extract tasks to publish")
				}
				return plans, nil
			default:
				return nil, fmt.Errorf("raster_convert has no stage %d", in.Stage)
			}
		},
		TaskTypeForStage: func(stage int) string {
			if stage == 1 {
				return TaskTypeRasterTile
			}
			return TaskTypeRasterPublish
		},
		Finalize: func(job *types.Job, results registry.StageResults) map[string]interface{} {
			published := make([]interface{}, 0, len(results["2"]))
			for _, r := range results["2"] {
				if m, ok := r.(map[string]interface{}); ok {
					if key, ok := m["published_key"]; ok {
						published = append(published, key)
					}
				}
			}
			return map[string]interface{}{
				"tiles_published": len(published),
				"published_keys":  published,
			}
		},
		SanitizeError: scrubKeys("source_key"),
	}
}

// hex_aggregate bins a feature table into hex cells, one task per requested
// resolution, in a single stage.
func hexAggregateDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		Type: JobTypeHexAggregate,
		Schema: registry.ParameterSchema{
			"dataset_table": {Type: registry.FieldString, Required: true},
			"value_column":  {Type: registry.FieldString, Default: "value"},
			"resolutions": {
				Type:    registry.FieldArray,
				Default: []interface{}{7.0, 8.0, 9.0},
			},
		},
		TotalStages: 1,
		Preflight: []preflight.Check{
			preflight.TableNameValid("dataset_table"),
			preflight.TableReachable("dataset_table"),
		},
		PlanStage: func(in registry.PlanInput) ([]registry.TaskPlan, error) {
			raw, _ := in.Params["resolutions"].([]interface{})
			if len(raw) == 0 {
				return nil, fmt.Errorf("resolutions must not be empty")
			}
			plans := make([]registry.TaskPlan, 0, len(raw))
			for i, r := range raw {
				res, ok := r.(float64)
				if !ok || res != float64(int(res)) || res < 0 || res > 15 {
					return nil, fmt.Errorf("resolution %v is not an integer in [0,15]", r)
				}
				plans = append(plans, registry.TaskPlan{
					TaskType:  TaskTypeHexBin,
					TaskIndex: i,
					Parameters: map[string]interface{}{
						"dataset_table": in.Params["dataset_table"],
						"value_column":  in.Params["value_column"],
						"resolution":    int(res),
					},
				})
			}
			return plans, nil
		},
		TaskTypeForStage: func(int) string { return TaskTypeHexBin },
		Finalize: func(job *types.Job, results registry.StageResults) map[string]interface{} {
			var cells float64
			for _, r := range results["1"] {
				if m, ok := r.(map[string]interface{}); ok {
					if n, ok := m["cells"].(float64); ok {
						cells += n
					}
				}
			}
			return map[string]interface{}{
				"resolutions": len(results["1"]),
				"cells":       cells,
			}
		},
	}
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
