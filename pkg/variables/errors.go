package variables

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedVariable indicates an expression referenced a key missing from the scope.
	ErrUnresolvedVariable = errors.New("unresolved variable")

	// ErrGuardNotBoolean indicates a guard expression produced a non-boolean value.
	ErrGuardNotBoolean = errors.New("guard did not evaluate to a boolean")

	// ErrInvalidExpression indicates a guard expression failed to compile.
	ErrInvalidExpression = errors.New("invalid expression")
)

// UnresolvedVariableError names the missing key and the expression that referenced it.
type UnresolvedVariableError struct {
	Key        string
	Expression string
}

func (e *UnresolvedVariableError) Error() string {
	if e.Expression == "" || e.Expression == e.Key {
		return fmt.Sprintf("unresolved variable %q", e.Key)
	}

	return fmt.Sprintf("unresolved variable %q in %q", e.Key, e.Expression)
}

func (e *UnresolvedVariableError) Is(target error) bool {
	return target == ErrUnresolvedVariable
}

// IsUnresolved checks if an error indicates a missing variable.
func IsUnresolved(err error) bool {
	return errors.Is(err, ErrUnresolvedVariable)
}
