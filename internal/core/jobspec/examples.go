package jobspec

import (
	"fmt"

	core "github.com/rob634/rmhgeoapi/internal/domain/core"
)

// Echo is the minimal JobSpec used by the testable-property suite (§8): one
// stage, N independent tasks that each echo their own index back as the
// result. It exists purely to exercise the CoreMachine without any real
// geospatial work.
type Echo struct{ Base }

func NewEcho() *Echo { return &Echo{Base{Stages: 1}} }

func (Echo) Type() string { return "echo" }

func (Echo) TotalStages(params map[string]any) (int, error) { return 1, nil }

func (Echo) CreateTasks(stage int, jobID string, params map[string]any, prior [][]byte) ([]core.TaskSpec, error) {
	if stage != 1 {
		return nil, nil
	}
	count := intParam(params, "count", 1)
	tasks := make([]core.TaskSpec, 0, count)
	for i := 0; i < count; i++ {
		tasks = append(tasks, core.TaskSpec{
			SemanticIndex: fmt.Sprintf("echo-%d", i),
			TaskType:      "echo",
			Parameters:    map[string]any{"index": i},
		})
	}
	return tasks, nil
}

// RasterToCOG reprojects and tiles a raster into Cloud Optimized GeoTIFFs:
// stage 1 fans out one tiling task per tile, stage 2 runs a single overview
// build/merge task over stage 1's outputs.
type RasterToCOG struct{ Base }

func NewRasterToCOG() *RasterToCOG { return &RasterToCOG{Base{Stages: 2}} }

func (RasterToCOG) Type() string { return "raster_to_cog" }

func (RasterToCOG) TotalStages(params map[string]any) (int, error) { return 2, nil }

func (RasterToCOG) CreateTasks(stage int, jobID string, params map[string]any, prior [][]byte) ([]core.TaskSpec, error) {
	switch stage {
	case 1:
		tileCount := intParam(params, "tile_count", 4)
		sourceURI, _ := params["source_uri"].(string)
		tasks := make([]core.TaskSpec, 0, tileCount)
		for i := 0; i < tileCount; i++ {
			tasks = append(tasks, core.TaskSpec{
				SemanticIndex: fmt.Sprintf("tile-%d", i),
				TaskType:      "raster_tile_to_cog",
				Parameters:    map[string]any{"source_uri": sourceURI, "tile_index": i, "tile_count": tileCount},
			})
		}
		return tasks, nil
	case 2:
		return []core.TaskSpec{{
			SemanticIndex: "merge-overviews",
			TaskType:      "raster_merge_overviews",
			Parameters:    map[string]any{},
		}}, nil
	default:
		return nil, nil
	}
}

// VectorIngest loads vector features into storage in batches, then builds a
// spatial index over the result.
type VectorIngest struct {
	Base
	BatchSize int
}

func NewVectorIngest() *VectorIngest { return &VectorIngest{Base: Base{Stages: 2}, BatchSize: 5000} }

func (VectorIngest) Type() string { return "vector_ingest" }

func (VectorIngest) TotalStages(params map[string]any) (int, error) { return 2, nil }

func (v VectorIngest) CreateTasks(stage int, jobID string, params map[string]any, prior [][]byte) ([]core.TaskSpec, error) {
	switch stage {
	case 1:
		featureCount := intParam(params, "feature_count", 0)
		sourceURI, _ := params["source_uri"].(string)
		batchSize := v.BatchSize
		if batchSize <= 0 {
			batchSize = 5000
		}
		batches := (featureCount + batchSize - 1) / batchSize
		if batches < 1 {
			batches = 1
		}
		tasks := make([]core.TaskSpec, 0, batches)
		for i := 0; i < batches; i++ {
			offset := i * batchSize
			limit := batchSize
			if offset+limit > featureCount {
				limit = featureCount - offset
			}
			tasks = append(tasks, core.TaskSpec{
				SemanticIndex: fmt.Sprintf("batch-%d", i),
				TaskType:      "vector_ingest_batch",
				Parameters:    map[string]any{"source_uri": sourceURI, "offset": offset, "limit": limit},
			})
		}
		return tasks, nil
	case 2:
		return []core.TaskSpec{{
			SemanticIndex: "build-spatial-index",
			TaskType:      "vector_build_spatial_index",
			Parameters:    map[string]any{},
		}}, nil
	default:
		return nil, nil
	}
}

// StacCatalog generates STAC items for a collection of assets, then
// finalizes the catalog referencing all generated items.
type StacCatalog struct{ Base }

func NewStacCatalog() *StacCatalog { return &StacCatalog{Base{Stages: 2}} }

func (StacCatalog) Type() string { return "stac_catalog" }

func (StacCatalog) TotalStages(params map[string]any) (int, error) { return 2, nil }

func (StacCatalog) CreateTasks(stage int, jobID string, params map[string]any, prior [][]byte) ([]core.TaskSpec, error) {
	switch stage {
	case 1:
		items, _ := params["items"].([]any)
		tasks := make([]core.TaskSpec, 0, len(items))
		for i, item := range items {
			tasks = append(tasks, core.TaskSpec{
				SemanticIndex: fmt.Sprintf("item-%d", i),
				TaskType:      "stac_item_generate",
				Parameters:    map[string]any{"asset": item},
			})
		}
		return tasks, nil
	case 2:
		return []core.TaskSpec{{
			SemanticIndex: "finalize-catalog",
			TaskType:      "stac_catalog_finalize",
			Parameters:    map[string]any{},
		}}, nil
	default:
		return nil, nil
	}
}

// H3Aggregate bins a dataset into H3 cells at each requested resolution in
// parallel, then merges the per-resolution tables into one output.
type H3Aggregate struct{ Base }

func NewH3Aggregate() *H3Aggregate { return &H3Aggregate{Base{Stages: 2}} }

func (H3Aggregate) Type() string { return "h3_aggregate" }

func (H3Aggregate) TotalStages(params map[string]any) (int, error) { return 2, nil }

func (H3Aggregate) CreateTasks(stage int, jobID string, params map[string]any, prior [][]byte) ([]core.TaskSpec, error) {
	switch stage {
	case 1:
		resolutions, _ := params["resolutions"].([]any)
		if len(resolutions) == 0 {
			resolutions = []any{float64(7)}
		}
		sourceURI, _ := params["source_uri"].(string)
		tasks := make([]core.TaskSpec, 0, len(resolutions))
		for _, res := range resolutions {
			tasks = append(tasks, core.TaskSpec{
				SemanticIndex: fmt.Sprintf("res-%v", res),
				TaskType:      "h3_bin_aggregate",
				Parameters:    map[string]any{"source_uri": sourceURI, "resolution": res},
			})
		}
		return tasks, nil
	case 2:
		return []core.TaskSpec{{
			SemanticIndex: "finalize-aggregate",
			TaskType:      "h3_aggregate_finalize",
			Parameters:    map[string]any{},
		}}, nil
	default:
		return nil, nil
	}
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
