package variables

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles guard expressions once and evaluates them against a scope.
// It is safe for concurrent use and meant to be shared by every instance.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*compiled
}

type compiled struct {
	program *vm.Program
	idents  []string
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*compiled)}
}

// Compile checks the syntax of a guard and caches the program.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)

	return err
}

// Evaluate runs a guard against a flat scope. Dotted keys ("n1.output")
// are addressable as nested members ("n1.output.status").
func (e *Evaluator) Evaluate(expression string, scope map[string]any) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	env := Nest(scope)

	for _, ident := range program.idents {
		if _, ok := env[ident]; !ok {
			return false, &UnresolvedVariableError{Key: ident, Expression: expression}
		}
	}

	result, err := expr.Run(program.program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate guard '%s': %w", expression, err)
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}

	return false, fmt.Errorf("%w: '%s' returned %T", ErrGuardNotBoolean, expression, result)
}

func (e *Evaluator) program(expression string) (*compiled, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w '%s': %w", ErrInvalidExpression, expression, err)
	}

	compiledProgram, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w '%s': %w", ErrInvalidExpression, expression, err)
	}

	collector := &identCollector{declared: map[string]bool{}}
	ast.Walk(&tree.Node, collector)

	program = &compiled{program: compiledProgram, idents: collector.idents()}
	e.cache[expression] = program

	return program, nil
}

// identCollector gathers the top-level names a guard reads from the scope.
type identCollector struct {
	seen     []string
	declared map[string]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.seen = append(c.seen, n.Value)
	case *ast.VariableDeclaratorNode:
		c.declared[n.Name] = true
	}
}

func (c *identCollector) idents() []string {
	unique := make([]string, 0, len(c.seen))
	set := make(map[string]bool, len(c.seen))

	for _, name := range c.seen {
		if c.declared[name] || set[name] || strings.HasPrefix(name, "$") {
			continue
		}

		set[name] = true
		unique = append(unique, name)
	}

	return unique
}

type nested map[string]any

// Nest expands dotted keys of a flat scope into nested maps.
// A plain value stored at a prefix wins over the expansion.
func Nest(scope map[string]any) map[string]any {
	env := make(map[string]any, len(scope))

	dotted := make([]string, 0)

	for key := range scope {
		if strings.Contains(key, ".") {
			dotted = append(dotted, key)
		}
	}

	sort.Strings(dotted)

	for _, key := range dotted {
		parts := strings.Split(key, ".")
		current := env

		for i, part := range parts {
			if i == len(parts)-1 {
				if _, exists := current[part]; !exists {
					current[part] = scope[key]
				}

				break
			}

			existing, exists := current[part]
			if !exists {
				next := make(nested)
				current[part] = next
				current = map[string]any(next)

				continue
			}

			// Only descend into maps created here; scope values are never mutated.
			next, ok := existing.(nested)
			if !ok {
				break
			}

			current = map[string]any(next)
		}
	}

	for key, value := range env {
		env[key] = flatten(value)
	}

	for key, value := range scope {
		if !strings.Contains(key, ".") {
			env[key] = value
		}
	}

	return env
}

func flatten(value any) any {
	n, ok := value.(nested)
	if !ok {
		return value
	}

	out := make(map[string]any, len(n))
	for k, v := range n {
		out[k] = flatten(v)
	}

	return out
}
