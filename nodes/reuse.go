package nodes

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/wionch/yivideo/workflow"
)

// CanReuse decides whether a persisted stage satisfies the cache-hit policy:
// status SUCCESS and every required output field present and non-empty.
// Numeric zero and boolean false count as present.
func CanReuse(stage *workflow.StageExecution, required []string) bool {
	if stage == nil || stage.Status != workflow.StageSuccess {
		return false
	}
	for _, field := range required {
		v, ok := stage.Output[field]
		if !ok || !present(v) {
			return false
		}
	}
	return true
}

// CacheKey hashes the cache-determining input values, scoped by task_name.
// The key is informational: the presence check above is the primary reuse
// mechanism, the key enables diagnostics and future cross-task sharing.
func CacheKey(taskName string, inputs map[string]interface{}, fields []string) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)

	values := make(map[string]interface{}, len(sorted))
	for _, field := range sorted {
		if v, ok := inputs[field]; ok {
			values[field] = v
		}
	}

	// Map keys marshal in sorted order, making the hash deterministic.
	data, err := json.Marshal(values)
	if err != nil {
		data = []byte("{}")
	}
	sum := md5.Sum(append([]byte(taskName+":"), data...))
	return hex.EncodeToString(sum[:])
}
