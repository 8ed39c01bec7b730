package geo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gorm.io/gorm"

	"github.com/mapforge/geoflow/internal/blob"
	"github.com/mapforge/geoflow/internal/jobs/handlers"
)

func downloadAll(ctx context.Context, store blob.Store, key string) ([]byte, error) {
	rc, err := store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// HandlerDeps carries the external resources the built-in handlers use.
// DB may be nil for job types that never touch the store.
type HandlerDeps struct {
	Blob blob.Store
	DB   *gorm.DB
}

// RegisterHandlers installs the built-in task handlers.
func RegisterHandlers(reg *handlers.Registry, deps HandlerDeps) error {
	all := []handlers.Handler{
		handlers.Func{TaskType: TaskTypeHello, Fn: helloHandler},
		handlers.Func{TaskType: TaskTypeVectorChunkLoad, Fn: vectorChunkLoadHandler(deps)},
		handlers.Func{TaskType: TaskTypeVectorMergeIndex, Fn: vectorMergeIndexHandler(deps)},
		handlers.Func{TaskType: TaskTypeRasterTile, Fn: rasterTileHandler(deps)},
		handlers.Func{TaskType: TaskTypeRasterPublish, Fn: rasterPublishHandler(deps)},
		handlers.Func{TaskType: TaskTypeHexBin, Fn: hexBinHandler(deps)},
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func helloHandler(_ context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		name = "world"
	}
	return &handlers.Result{
		ResultData: map[string]interface{}{
			"greeting": fmt.Sprintf("hello, %s", name),
			"index":    tc.TaskIndex,
		},
	}, nil
}

// vectorChunkLoadHandler streams the source blob as newline-delimited
// GeoJSON features and loads every chunk_count-th line, offset by its chunk
// number, into the target table. Loads are idempotent per (source line,
// table) because the feature id is the conflict key.
func vectorChunkLoadHandler(deps HandlerDeps) func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
	return func(ctx context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
		sourceKey, _ := params["source_key"].(string)
		targetTable, _ := params["target_table"].(string)
		chunk := intParam(params, "chunk", 0)
		chunkCount := intParam(params, "chunk_count", 1)
		srid := intParam(params, "srid", 4326)
		if sourceKey == "" || targetTable == "" || chunkCount < 1 {
			return nil, handlers.Permanent(fmt.Errorf("malformed chunk load parameters"))
		}
		if deps.Blob == nil || deps.DB == nil {
			return nil, handlers.Permanent(fmt.Errorf("blob store and database are required"))
		}

		data, err := downloadAll(ctx, deps.Blob, sourceKey)
		if err != nil {
			return nil, handlers.Transient(fmt.Errorf("download source: %w", err))
		}

		if err := ensureFeatureTable(ctx, deps.DB, targetTable, srid); err != nil {
			return nil, handlers.Transient(err)
		}

		loaded := 0
		line := 0
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			raw := strings.TrimSpace(scanner.Text())
			idx := line
			line++
			if raw == "" || idx%chunkCount != chunk {
				continue
			}
			var feature struct {
				ID         interface{}            `json:"id"`
				Geometry   json.RawMessage        `json:"geometry"`
				Properties map[string]interface{} `json:"properties"`
			}
			if err := json.Unmarshal([]byte(raw), &feature); err != nil {
				return nil, handlers.Permanent(fmt.Errorf("line %d: invalid feature: %w", idx+1, err))
			}
			if len(feature.Geometry) == 0 {
				return nil, handlers.Permanent(fmt.Errorf("line %d: feature has no geometry", idx+1))
			}
			featureID := fmt.Sprintf("%v", feature.ID)
			if feature.ID == nil {
				featureID = fmt.Sprintf("%s:%d", sourceKey, idx)
			}
			props, _ := json.Marshal(feature.Properties)
			err := deps.DB.WithContext(ctx).Exec(
				// targetTable passed identifier validation at submit.
				fmt.Sprintf(`INSERT INTO %q (feature_id, geom, properties)
					VALUES (?, ST_SetSRID(ST_GeomFromGeoJSON(?), ?), ?::jsonb)
					ON CONFLICT (feature_id) DO NOTHING`, targetTable),
				featureID, string(feature.Geometry), srid, string(props),
			).Error
			if err != nil {
				return nil, fmt.Errorf("insert feature %s: %w", featureID, err)
			}
			loaded++
		}
		if err := scanner.Err(); err != nil {
			return nil, handlers.Permanent(fmt.Errorf("read source: %w", err))
		}

		tc.Log.Info("Chunk loaded", "chunk", chunk, "features_loaded", loaded)
		return &handlers.Result{
			ResultData: map[string]interface{}{
				"chunk":           chunk,
				"features_loaded": loaded,
			},
		}, nil
	}
}

func ensureFeatureTable(ctx context.Context, db *gorm.DB, table string, srid int) error {
	return db.WithContext(ctx).Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			feature_id TEXT PRIMARY KEY,
			geom geometry(Geometry, %d),
			properties JSONB
		)`, table, srid)).Error
}

func vectorMergeIndexHandler(deps HandlerDeps) func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
	return func(ctx context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
		targetTable, _ := params["target_table"].(string)
		if targetTable == "" {
			return nil, handlers.Permanent(fmt.Errorf("target_table is required"))
		}
		if deps.DB == nil {
			return nil, handlers.Permanent(fmt.Errorf("database is required"))
		}
		indexName := fmt.Sprintf("idx_%s_geom", targetTable)
		err := deps.DB.WithContext(ctx).Exec(
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q USING GIST (geom)`, indexName, targetTable),
		).Error
		if err != nil {
			return nil, fmt.Errorf("create spatial index: %w", err)
		}
		var count int64
		err = deps.DB.WithContext(ctx).
			Raw(fmt.Sprintf(`SELECT count(*) FROM %q`, targetTable)).
			Scan(&count).Error
		if err != nil {
			return nil, fmt.Errorf("count features: %w", err)
		}
		tc.Log.Info("Spatial index built", "table", targetTable, "features", count)
		return &handlers.Result{
			ResultData: map[string]interface{}{
				"index":    indexName,
				"features": count,
			},
		}, nil
	}
}

// rasterTileHandler carves one byte-range tile out of the source raster and
// parks it under a temp key. The publish task of the next stage receives the
// temp key through next_stage_params.
func rasterTileHandler(deps HandlerDeps) func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
	return func(ctx context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
		sourceKey, _ := params["source_key"].(string)
		tile := intParam(params, "tile", 0)
		tileCount := intParam(params, "tile_count", 1)
		if sourceKey == "" || tileCount < 1 || tile < 0 || tile >= tileCount {
			return nil, handlers.Permanent(fmt.Errorf("malformed tile parameters"))
		}
		if deps.Blob == nil {
			return nil, handlers.Permanent(fmt.Errorf("blob store is required"))
		}

		data, err := downloadAll(ctx, deps.Blob, sourceKey)
		if err != nil {
			return nil, handlers.Transient(fmt.Errorf("download source: %w", err))
		}
		if len(data) == 0 {
			return nil, handlers.Permanent(fmt.Errorf("source raster is empty"))
		}

		span := (len(data) + tileCount - 1) / tileCount
		start := tile * span
		if start > len(data) {
			start = len(data)
		}
		end := start + span
		if end > len(data) {
			end = len(data)
		}

		tempKey := fmt.Sprintf("tmp/raster/%s/tile-%04d.part", tc.JobID, tile)
		if err := deps.Blob.Upload(ctx, tempKey, bytes.NewReader(data[start:end])); err != nil {
			return nil, handlers.Transient(fmt.Errorf("stage tile artifact: %w", err))
		}

		tc.Log.Info("Tile extracted", "tile", tile, "bytes", end-start)
		return &handlers.Result{
			ResultData: map[string]interface{}{
				"tile":  tile,
				"bytes": end - start,
			},
			NextStageParams: map[string]interface{}{
				"temp_key": tempKey,
				"tile":     tile,
			},
		}, nil
	}
}

// rasterPublishHandler promotes a staged tile artifact to its published key
// and removes the temp object. Re-running after a crash re-uploads the same
// bytes to the same key, so the effect is idempotent.
func rasterPublishHandler(deps HandlerDeps) func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
	return func(ctx context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
		tempKey, _ := params["temp_key"].(string)
		profile, _ := params["profile"].(string)
		tile := intParam(params, "tile", tc.TaskIndex)
		if tempKey == "" || profile == "" {
			return nil, handlers.Permanent(fmt.Errorf("malformed publish parameters"))
		}
		if deps.Blob == nil {
			return nil, handlers.Permanent(fmt.Errorf("blob store is required"))
		}

		data, err := downloadAll(ctx, deps.Blob, tempKey)
		if err != nil {
			return nil, handlers.Transient(fmt.Errorf("download staged tile: %w", err))
		}
		publishedKey := fmt.Sprintf("published/%s/tile-%04d.%s", tc.JobID, tile, profile)
		if err := deps.Blob.Upload(ctx, publishedKey, bytes.NewReader(data)); err != nil {
			return nil, handlers.Transient(fmt.Errorf("publish tile: %w", err))
		}
		if err := deps.Blob.Delete(ctx, tempKey); err != nil {
			// Leaked temp objects are cleaned by bucket lifecycle rules.
			tc.Log.Warn("Could not delete staged tile", "temp_key", tempKey, "error", err)
		}

		tc.Log.Info("Tile published", "tile", tile, "published_key", publishedKey)
		return &handlers.Result{
			ResultData: map[string]interface{}{
				"tile":          tile,
				"published_key": publishedKey,
			},
		}, nil
	}
}

func hexBinHandler(deps HandlerDeps) func(context.Context, map[string]interface{}, *handlers.TaskContext) (*handlers.Result, error) {
	return func(ctx context.Context, params map[string]interface{}, tc *handlers.TaskContext) (*handlers.Result, error) {
		table, _ := params["dataset_table"].(string)
		valueColumn, _ := params["value_column"].(string)
		resolution := intParam(params, "resolution", -1)
		if table == "" || valueColumn == "" || resolution < 0 || resolution > 15 {
			return nil, handlers.Permanent(fmt.Errorf("malformed hex bin parameters"))
		}
		if deps.DB == nil {
			return nil, handlers.Permanent(fmt.Errorf("database is required"))
		}

		binTable := fmt.Sprintf("%s_hex_r%d", table, resolution)
		err := deps.DB.WithContext(ctx).Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q AS
			SELECT h3_lat_lng_to_cell(ST_Centroid(geom)::point, %d) AS cell,
			       count(*) AS feature_count,
			       sum((properties->>%s)::numeric) AS total
			FROM %q
			GROUP BY cell`,
			binTable, resolution, quoteLiteral(valueColumn), table)).Error
		if err != nil {
			return nil, fmt.Errorf("aggregate resolution %d: %w", resolution, err)
		}

		var cells int64
		err = deps.DB.WithContext(ctx).
			Raw(fmt.Sprintf(`SELECT count(*) FROM %q`, binTable)).
			Scan(&cells).Error
		if err != nil {
			return nil, fmt.Errorf("count cells: %w", err)
		}

		tc.Log.Info("Hex aggregation done", "resolution", resolution, "cells", cells)
		return &handlers.Result{
			ResultData: map[string]interface{}{
				"resolution": resolution,
				"bin_table":  binTable,
				"cells":      cells,
			},
		}, nil
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
