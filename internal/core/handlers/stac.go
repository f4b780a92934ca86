package handlers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rob634/rmhgeoapi/internal/platform/blobstore"
)

// StacItemGenerate builds one STAC item document for a single asset.
type StacItemGenerate struct {
	Store  blobstore.Store
	Bucket string
}

func (StacItemGenerate) Type() string { return "stac_item_generate" }

func (h StacItemGenerate) Run(ctx context.Context, params map[string]any) (any, error) {
	asset := params["asset"]
	if asset == nil {
		return nil, newInvalidInput("stac_item_generate: missing asset")
	}
	key := fmt.Sprintf("stac-catalog/%s/item-%v.json", h.Bucket, asset)
	placeholder := bytes.NewReader([]byte(fmt.Sprintf(`{"asset":%v}`, asset)))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("stac_item_generate: blobstore put: %v", err)
	}
	return map[string]any{"item_ref": ref}, nil
}

// StacCatalogFinalize writes the top-level catalog.json referencing every
// generated item.
type StacCatalogFinalize struct {
	Store  blobstore.Store
	Bucket string
}

func (StacCatalogFinalize) Type() string { return "stac_catalog_finalize" }

func (h StacCatalogFinalize) Run(ctx context.Context, params map[string]any) (any, error) {
	key := fmt.Sprintf("stac-catalog/%s/catalog.json", h.Bucket)
	placeholder := bytes.NewReader([]byte(`{"type":"Catalog"}`))
	ref, err := h.Store.Put(ctx, key, placeholder)
	if err != nil {
		return nil, newTransient("stac_catalog_finalize: blobstore put: %v", err)
	}
	return map[string]any{"catalog_ref": ref}, nil
}
