// Package services implements the control operations on definitions and
// instances and classifies their errors for the API layer.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrDefinitionNil    = errors.New("definition cannot be nil")
	ErrNameRequired     = errors.New("definition name is required")
	ErrNodesRequired    = errors.New("definition must have at least one node")

	// Business Logic Conflicts (409 Conflict).
	ErrNotDraft        = errors.New("definition is not a draft")
	ErrDraftExists     = errors.New("definition group already has a draft")
	ErrAlreadyDisabled = errors.New("definition is already disabled")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrDefinitionNil) ||
		errors.Is(err, ErrNameRequired) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, graph.ErrInvalidGraph) ||
		errors.Is(err, executors.ErrPayloadInvalid) ||
		errors.Is(err, persistence.ErrInvalidListOptions)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNotDraft) ||
		errors.Is(err, ErrDraftExists) ||
		errors.Is(err, ErrAlreadyDisabled) ||
		errors.Is(err, engine.ErrInvalidTransition) ||
		errors.Is(err, engine.ErrDefinitionNotPublished) ||
		persistence.IsRevisionConflict(err) ||
		errors.Is(err, persistence.ErrDefinitionAlreadyExists)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err) || errors.Is(err, engine.ErrResumeTokenNotFound)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a conflict error for an operation on id.
func NewConflictError(op, id string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "CONFLICT",
		Message: fmt.Sprintf("%s: %v", id, err),
		Err:     err,
	}
}
