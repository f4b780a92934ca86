// Package idhash computes the deterministic identifiers the orchestrator
// relies on for idempotent job submission and task fan-out. Both hashes are
// a generalization of the source logger's salted-SHA-256 PII-hashing
// helper, repurposed here as the canonical identity function rather than a
// log-redaction tool.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// JobID computes jobId = hash(jobType, canonicalizedParameters). Two calls
// with the same jobType and a parameters map that is equal after key
// sorting and value normalization produce the same id, satisfying the
// idempotent-submission property regardless of map iteration order.
func JobID(jobType string, parameters map[string]any) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonicalJSON(parameters))
	return hex.EncodeToString(h.Sum(nil))
}

// TaskID computes taskId = hash(jobId, stage, semanticIndex).
func TaskID(jobID string, stage int, semanticIndex string) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write([]byte(itoa(stage)))
	h.Write([]byte{0})
	h.Write([]byte(semanticIndex))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON produces a byte-stable encoding of an arbitrary
// JSON-compatible value: object keys are sorted recursively before
// marshaling, so two maps built in different insertion or iteration order
// hash identically.
func canonicalJSON(v any) []byte {
	b, err := json.Marshal(canonicalize(v))
	if err != nil {
		return nil
	}
	return b
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedObject, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, canonicalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}

type kv struct {
	K string
	V any
}

// orderedObject marshals as a JSON object preserving insertion order, which
// canonicalize has already sorted by key.
type orderedObject []kv

func (o orderedObject) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(pair.K)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(pair.V)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
