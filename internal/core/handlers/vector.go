package handlers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rob634/rmhgeoapi/internal/platform/blobstore"
)

// VectorIngestBatch stands in for parsing and loading one offset/limit
// slice of features from a vector source into storage.
type VectorIngestBatch struct {
	Store  blobstore.Store
	Bucket string
}

func (VectorIngestBatch) Type() string { return "vector_ingest_batch" }

func (h VectorIngestBatch) Run(ctx context.Context, params map[string]any) (any, error) {
	sourceURI, _ := params["source_uri"].(string)
	if sourceURI == "" {
		return nil, newInvalidInput("vector_ingest_batch: missing source_uri")
	}
	offset := intParam(params, "offset", 0)
	limit := intParam(params, "limit", 0)
	if limit <= 0 {
		return map[string]any{"offset": offset, "ingested": 0}, nil
	}

	key := fmt.Sprintf("vector-ingest/%s/batch-%d.ndjson", h.Bucket, offset)
	placeholder := bytes.NewReader([]byte(fmt.Sprintf("features:%s:%d:%d", sourceURI, offset, limit)))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("vector_ingest_batch: blobstore put: %v", err)
	}
	return map[string]any{"offset": offset, "ingested": limit, "batch_ref": ref}, nil
}

// VectorBuildSpatialIndex builds the spatial index once every batch has
// landed.
type VectorBuildSpatialIndex struct {
	Store  blobstore.Store
	Bucket string
}

func (VectorBuildSpatialIndex) Type() string { return "vector_build_spatial_index" }

func (h VectorBuildSpatialIndex) Run(ctx context.Context, params map[string]any) (any, error) {
	key := fmt.Sprintf("vector-ingest/%s/spatial-index.bin", h.Bucket)
	placeholder := bytes.NewReader([]byte("spatial-index"))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("vector_build_spatial_index: blobstore put: %v", err)
	}
	return map[string]any{"index_ref": ref}, nil
}
