package handlers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rob634/rmhgeoapi/internal/platform/blobstore"
)

// RasterTileToCOG stands in for invoking a tiling/reprojection pipeline
// (e.g. via a GDAL binding) over one tile of a source raster, writing the
// resulting COG bytes to the blob store and returning only a Ref — never
// the bytes themselves — per §9's rule against pickling bulk payloads into
// Task.Result.
type RasterTileToCOG struct {
	Store  blobstore.Store
	Bucket string
}

func (RasterTileToCOG) Type() string { return "raster_tile_to_cog" }

func (h RasterTileToCOG) Run(ctx context.Context, params map[string]any) (any, error) {
	sourceURI, _ := params["source_uri"].(string)
	if sourceURI == "" {
		return nil, newInvalidInput("raster_tile_to_cog: missing source_uri")
	}
	tileIndex := intParam(params, "tile_index", 0)

	key := fmt.Sprintf("raster-to-cog/%s/tile-%d.tif", h.Bucket, tileIndex)
	placeholder := bytes.NewReader([]byte(fmt.Sprintf("cog-tile:%s:%d", sourceURI, tileIndex)))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("raster_tile_to_cog: blobstore put: %v", err)
	}
	return map[string]any{"tile_index": tileIndex, "cog_ref": ref}, nil
}

// RasterMergeOverviews builds the top-level overview pyramid once every
// tile is a COG, referencing them by blob key rather than reloading bytes
// inline into the task graph.
type RasterMergeOverviews struct {
	Store  blobstore.Store
	Bucket string
}

func (RasterMergeOverviews) Type() string { return "raster_merge_overviews" }

func (h RasterMergeOverviews) Run(ctx context.Context, params map[string]any) (any, error) {
	key := fmt.Sprintf("raster-to-cog/%s/merged-overviews.tif", h.Bucket)
	placeholder := bytes.NewReader([]byte("merged-overview-pyramid"))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("raster_merge_overviews: blobstore put: %v", err)
	}
	return map[string]any{"merged_ref": ref}, nil
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
