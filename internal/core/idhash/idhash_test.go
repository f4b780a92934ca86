package idhash

import "testing"

func TestJobIDDeterministicAcrossMapOrder(t *testing.T) {
	a := map[string]any{"raster": "s3://x.tif", "zoom": 12}
	b := map[string]any{"zoom": 12, "raster": "s3://x.tif"}

	idA := JobID("raster_to_cog", a)
	idB := JobID("raster_to_cog", b)
	if idA != idB {
		t.Fatalf("expected same jobId regardless of map iteration order, got %q vs %q", idA, idB)
	}
}

func TestJobIDDiffersByJobType(t *testing.T) {
	params := map[string]any{"x": 1}
	if JobID("a", params) == JobID("b", params) {
		t.Fatalf("expected different jobIds for different jobTypes")
	}
}

func TestJobIDDiffersByParameters(t *testing.T) {
	if JobID("t", map[string]any{"x": 1}) == JobID("t", map[string]any{"x": 2}) {
		t.Fatalf("expected different jobIds for different parameters")
	}
}

func TestTaskIDDeterministic(t *testing.T) {
	a := TaskID("job-1", 2, "tile-3-7")
	b := TaskID("job-1", 2, "tile-3-7")
	if a != b {
		t.Fatalf("expected stable taskId for identical inputs")
	}
	c := TaskID("job-1", 2, "tile-3-8")
	if a == c {
		t.Fatalf("expected different taskId for different semantic index")
	}
}

func TestTaskIDDiffersByStage(t *testing.T) {
	if TaskID("job-1", 1, "x") == TaskID("job-1", 2, "x") {
		t.Fatalf("expected different taskId for different stage")
	}
}

func TestJobIDNestedCanonicalization(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"b": 2, "a": 1}}
	b := map[string]any{"outer": map[string]any{"a": 1, "b": 2}}
	if JobID("t", a) != JobID("t", b) {
		t.Fatalf("expected canonicalization to recurse into nested maps")
	}
}
