package handlers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rob634/rmhgeoapi/internal/platform/blobstore"
)

// H3BinAggregate aggregates a dataset into H3 cells at one resolution.
type H3BinAggregate struct {
	Store  blobstore.Store
	Bucket string
}

func (H3BinAggregate) Type() string { return "h3_bin_aggregate" }

func (h H3BinAggregate) Run(ctx context.Context, params map[string]any) (any, error) {
	resolution := params["resolution"]
	if resolution == nil {
		return nil, newInvalidInput("h3_bin_aggregate: missing resolution")
	}
	key := fmt.Sprintf("h3-aggregate/%s/res-%v.parquet", h.Bucket, resolution)
	placeholder := bytes.NewReader([]byte(fmt.Sprintf("h3-bins:res=%v", resolution)))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("h3_bin_aggregate: blobstore put: %v", err)
	}
	return map[string]any{"resolution": resolution, "bins_ref": ref}, nil
}

// H3AggregateFinalize merges every per-resolution table into one output.
type H3AggregateFinalize struct {
	Store  blobstore.Store
	Bucket string
}

func (H3AggregateFinalize) Type() string { return "h3_aggregate_finalize" }

func (h H3AggregateFinalize) Run(ctx context.Context, params map[string]any) (any, error) {
	key := fmt.Sprintf("h3-aggregate/%s/merged.parquet", h.Bucket)
	placeholder := bytes.NewReader([]byte("merged-h3-aggregate"))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("h3_aggregate_finalize: blobstore put: %v", err)
	}
	return map[string]any{"merged_ref": ref}, nil
}
