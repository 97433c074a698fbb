package nodes

import (
	"strings"

	"github.com/wionch/yivideo/workflow"
)

// ResolveParams produces the inputs a node actually runs with. For every
// parameter the first source that yields a non-null, non-empty value wins:
//
//  1. the explicit value in the current request's input_data, after dynamic
//     reference substitution,
//  2. the node's intelligent fallbacks over earlier stage outputs,
//
// Config defaults and hard-coded minimal defaults are applied inside the
// nodes themselves, which read the process config last.
func ResolveParams(node Node, wf *workflow.Context, raw map[string]interface{}) (map[string]interface{}, error) {
	resolver := workflow.NewResolver(wf)
	resolved := make(map[string]interface{}, len(raw))

	for key, value := range raw {
		s, isString := value.(string)
		if !isString || !workflow.HasReference(s) {
			resolved[key] = value
			continue
		}
		v, err := resolver.Resolve(s)
		if err != nil {
			return nil, Inputf("failed to resolve input %q: %v", key, err)
		}
		resolved[key] = v
	}

	// Intelligent fallbacks fill inputs the request left empty.
	for key, fallbacks := range node.Fallbacks() {
		if present(resolved[key]) {
			continue
		}
		for _, fb := range fallbacks {
			stage := wf.Stage(fb.Stage)
			if stage == nil || stage.Status != workflow.StageSuccess {
				continue
			}
			if v, ok := stage.Output[fb.Field]; ok && present(v) {
				resolved[key] = v
				break
			}
		}
	}

	return resolved, nil
}

// present implements the non-empty rule: empty strings, nil, empty lists and
// empty maps are absent; numeric zero and boolean false are present.
func present(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return true
}

// secretKeyMarkers flag input fields whose values must not be persisted.
var secretKeyMarkers = []string{"_key", "_secret", "_token", "password", "api_key"}

// Redact returns a copy of the inputs safe for persistence in
// stages[<stage>].input_params.
func Redact(inputs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(inputs))
	for key, value := range inputs {
		if isSecretKey(key) {
			out[key] = "***"
			continue
		}
		out[key] = value
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// requireString validates a mandatory string input.
func requireString(inputs map[string]interface{}, key string) (string, error) {
	v, ok := inputs[key]
	if !ok || v == nil {
		return "", Inputf("missing required input %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", Inputf("input %q must be a string, got %T", key, v)
	}
	if s == "" {
		return "", Inputf("input %q must not be empty", key)
	}
	return s, nil
}

// requireArea validates a [x, y, w, h] subtitle area.
func requireArea(inputs map[string]interface{}, key string) ([]int, error) {
	v, ok := inputs[key]
	if !ok {
		return nil, Inputf("missing required input %q", key)
	}
	items, ok := v.([]interface{})
	if !ok || len(items) != 4 {
		return nil, Inputf("input %q must be an array of 4 integers", key)
	}
	area := make([]int, 4)
	for i, item := range items {
		switch n := item.(type) {
		case float64:
			area[i] = int(n)
		case int:
			area[i] = n
		default:
			return nil, Inputf("input %q element %d must be a number", key, i)
		}
	}
	return area, nil
}
