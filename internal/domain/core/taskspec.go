package core

// TaskSpec is one element of the slice a JobSpec.CreateTasks call returns.
// SemanticIndex is the stable identity CreateTasks assigns a task within a
// stage (e.g. "tile-3-7", or a zero-padded fan-out index); the CoreMachine
// derives TaskID deterministically from (jobId, stage, SemanticIndex), so
// CreateTasks itself never needs to be aware of hashing.
type TaskSpec struct {
	SemanticIndex string
	TaskType      string
	Parameters    map[string]any
}
