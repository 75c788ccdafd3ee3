// Package variables implements the per-instance variable scope: placeholder
// substitution, guard evaluation and the merge of node outputs.
package variables

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dukex/opsflow/pkg/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Store is a flat key/value scope. Keys may contain dots; lookups walk
// nested maps when no exact key matches.
type Store struct {
	mu        sync.RWMutex
	values    map[string]any
	defaults  map[string]any
	evaluator *Evaluator
}

// NewStore creates a store seeded with a copy of values.
func NewStore(values map[string]any, evaluator *Evaluator) *Store {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}

	seed := models.CopyMap(values)
	if seed == nil {
		seed = make(map[string]any)
	}

	return &Store{values: seed, evaluator: evaluator}
}

// Get looks up a key, falling back to defaults.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if value, ok := lookup(s.values, key); ok {
		return value, true
	}

	return lookup(s.defaults, key)
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}

// Merge sets every key of values.
func (s *Store) Merge(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range values {
		s.values[key] = value
	}
}

// Snapshot returns a copy of the scope without defaults.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return models.CopyMap(s.values)
}

// Clone returns an independent store sharing the evaluator.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Store{
		values:    models.CopyMap(s.values),
		defaults:  models.CopyMap(s.defaults),
		evaluator: s.evaluator,
	}
}

// WithDefaults returns a clone whose unresolved lookups fall back to defaults.
func (s *Store) WithDefaults(defaults map[string]any) *Store {
	clone := s.Clone()
	if len(defaults) > 0 {
		clone.defaults = models.CopyMap(defaults)
	}

	return clone
}

// Resolve substitutes every {{ key }} placeholder. A missing key fails with
// UnresolvedVariableError. An expression that is exactly one placeholder
// yields the raw value instead of its string form.
func (s *Store) Resolve(expression string) (any, error) {
	return s.substitute(expression, true)
}

// Render is the lenient form of Resolve: missing keys render as empty strings.
func (s *Store) Render(expression string) any {
	value, _ := s.substitute(expression, false)

	return value
}

// ResolveString resolves an expression and formats the result as a string.
func (s *Store) ResolveString(expression string) (string, error) {
	value, err := s.Resolve(expression)
	if err != nil {
		return "", err
	}

	return stringify(value), nil
}

// ResolveMap resolves every expression of a map.
func (s *Store) ResolveMap(expressions map[string]string) (map[string]any, error) {
	resolved := make(map[string]any, len(expressions))

	for key, expression := range expressions {
		value, err := s.Resolve(expression)
		if err != nil {
			return nil, err
		}

		resolved[key] = value
	}

	return resolved, nil
}

// Evaluate runs a guard against the scope. Defaults are visible to guards.
func (s *Store) Evaluate(guard string) (bool, error) {
	s.mu.RLock()
	scope := make(map[string]any, len(s.values)+len(s.defaults))

	for key, value := range s.defaults {
		scope[key] = value
	}

	for key, value := range s.values {
		scope[key] = value
	}
	s.mu.RUnlock()

	return s.evaluator.Evaluate(guard, scope)
}

// MergeOutput stores a node output under "<node_id>.output" and applies the
// node's declared bindings (variable -> dotted path in the output). A missing
// path falls back to the node defaults before failing.
func (s *Store) MergeOutput(nodeID string, output map[string]any, bindings map[string]string, defaults map[string]any) error {
	if output == nil {
		output = map[string]any{}
	}

	values := map[string]any{nodeID + ".output": output}

	for variable, path := range bindings {
		value, ok := lookupPath(output, path)
		if !ok {
			value, ok = defaults[variable]
		}

		if !ok {
			return &UnresolvedVariableError{Key: nodeID + ".output." + path, Expression: variable}
		}

		values[variable] = value
	}

	s.Merge(values)

	return nil
}

func (s *Store) substitute(expression string, strict bool) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(expression, -1)
	if len(matches) == 0 {
		return expression, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(expression) {
		key := expression[matches[0][2]:matches[0][3]]

		value, ok := s.Get(key)
		if !ok {
			if strict {
				return nil, &UnresolvedVariableError{Key: key, Expression: expression}
			}

			return "", nil
		}

		return value, nil
	}

	var builder strings.Builder

	last := 0

	for _, match := range matches {
		builder.WriteString(expression[last:match[0]])

		key := expression[match[2]:match[3]]

		value, ok := s.Get(key)
		if !ok && strict {
			return nil, &UnresolvedVariableError{Key: key, Expression: expression}
		}

		if ok {
			builder.WriteString(stringify(value))
		}

		last = match[1]
	}

	builder.WriteString(expression[last:])

	return builder.String(), nil
}

func lookup(values map[string]any, key string) (any, bool) {
	if values == nil {
		return nil, false
	}

	if value, ok := values[key]; ok {
		return value, true
	}

	parts := strings.Split(key, ".")
	for i := len(parts) - 1; i > 0; i-- {
		prefix := strings.Join(parts[:i], ".")
		if value, ok := values[prefix]; ok {
			return walk(value, parts[i:])
		}
	}

	return nil, false
}

func lookupPath(value map[string]any, path string) (any, bool) {
	if path == "" || path == "." {
		return value, true
	}

	return walk(value, strings.Split(path, "."))
}

func walk(value any, parts []string) (any, bool) {
	current := value

	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		case map[string]string:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
