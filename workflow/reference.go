package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// Dynamic references let one stage's inputs point at another stage's outputs:
//
//	${{ stages.audio_separator.separate_vocals.output.vocal_audio }}
//
// References are resolved lazily against the live Context with a visited set
// scoped to one resolution pass, so cycles are detected instead of looping and
// no reference is evaluated twice per request.

var refPattern = regexp.MustCompile(`\$\{\{\s*([^{}]+?)\s*\}\}`)

// HasReference reports whether the string contains a dynamic reference.
func HasReference(value string) bool {
	return refPattern.MatchString(value)
}

// Resolver resolves dynamic references against a single workflow context.
type Resolver struct {
	ctx      *Context
	visiting map[string]bool
	resolved map[string]interface{}
}

// NewResolver creates a resolver scoped to one request.
func NewResolver(ctx *Context) *Resolver {
	return &Resolver{
		ctx:      ctx,
		visiting: map[string]bool{},
		resolved: map[string]interface{}{},
	}
}

// Resolve substitutes the dynamic reference in a string value. A string that
// consists of exactly one reference resolves to the referenced value with its
// original type; a reference embedded in surrounding text resolves to a
// string. More than one reference per value is rejected.
func (r *Resolver) Resolve(value string) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return value, nil
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("parameter %q contains more than one dynamic reference", value)
	}

	m := matches[0]
	path := strings.TrimSpace(value[m[2]:m[3]])
	resolved, err := r.resolvePath(path)
	if err != nil {
		return nil, err
	}

	// Whole-string reference keeps the referenced type.
	if m[0] == 0 && m[1] == len(value) {
		return resolved, nil
	}
	return value[:m[0]] + fmt.Sprintf("%v", resolved) + value[m[1]:], nil
}

// resolvePath evaluates a stages.<stage>.output.<field> path.
func (r *Resolver) resolvePath(path string) (interface{}, error) {
	if v, ok := r.resolved[path]; ok {
		return v, nil
	}
	if r.visiting[path] {
		return nil, fmt.Errorf("cyclic dynamic reference detected at %q", path)
	}
	r.visiting[path] = true
	defer delete(r.visiting, path)

	if !strings.HasPrefix(path, "stages.") {
		return nil, fmt.Errorf("unresolvable reference %q: path must start with \"stages.\"", path)
	}
	rest := strings.TrimPrefix(path, "stages.")

	// Stage names themselves contain dots, so the ".output." separator is the
	// only reliable split point.
	idx := strings.Index(rest, ".output.")
	if idx < 0 {
		return nil, fmt.Errorf("unresolvable reference %q: expected stages.<stage>.output.<field>", path)
	}
	stageName := rest[:idx]
	fieldPath := rest[idx+len(".output."):]
	if stageName == "" || fieldPath == "" {
		return nil, fmt.Errorf("unresolvable reference %q: empty stage or field", path)
	}

	stage := r.ctx.Stage(stageName)
	if stage == nil {
		return nil, fmt.Errorf("unresolvable reference %q: stage %q has no record", path, stageName)
	}

	value, err := descend(stage.Output, fieldPath)
	if err != nil {
		return nil, fmt.Errorf("unresolvable reference %q: %w", path, err)
	}

	// A referenced value may itself be a reference written by an earlier
	// request; chase it through the same visited set.
	if s, ok := value.(string); ok && HasReference(s) {
		value, err = r.Resolve(s)
		if err != nil {
			return nil, err
		}
	}

	r.resolved[path] = value
	return value, nil
}

// descend walks a dotted field path through nested maps.
func descend(m map[string]interface{}, fieldPath string) (interface{}, error) {
	parts := strings.Split(fieldPath, ".")
	var current interface{} = m
	for i, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q is not an object", strings.Join(parts[:i], "."))
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("field %q not found", strings.Join(parts[:i+1], "."))
		}
	}
	return current, nil
}
