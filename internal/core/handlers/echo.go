// Package handlers implements the Handler contract (§6) for every taskType
// the example JobSpecs in internal/core/jobspec produce.
package handlers

import (
	"context"

	registry "github.com/rob634/rmhgeoapi/internal/core/registry"
)

// Echo just returns its own index; it exists to exercise the CoreMachine's
// stage barrier and retry machinery without any real I/O (§8's testable
// properties run against it).
type Echo struct{}

func (Echo) Type() string { return "echo" }

func (Echo) Run(ctx context.Context, params map[string]any) (any, error) {
	return map[string]any{"echoed": params["index"]}, nil
}

var _ registry.Handler = Echo{}
