package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrPublishedDefinitionNotFound indicates no published definition exists for the given group.
	ErrPublishedDefinitionNotFound = errors.New("published definition not found")

	ErrDefinitionAlreadyExists = errors.New("definition already exists")

	ErrInstanceNotFound      = errors.New("instance not found")
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	ErrRecordNotFound = errors.New("history record not found")

	// ErrRecordAlreadyFinished is returned when finishing a record twice.
	ErrRecordAlreadyFinished = errors.New("history record already finished")

	// ErrRevisionConflict indicates the stored revision moved since the caller read it.
	ErrRevisionConflict = errors.New("revision conflict")

	ErrInvalidListOptions = errors.New("invalid list options")
	ErrInvalidID          = errors.New("invalid identifier")
)

// DefinitionError wraps definition-related errors with additional context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "GetByID", "Update", "Delete")
	DefinitionID string
	GroupID      string
	Err          error
}

func (e *DefinitionError) Error() string {
	target := e.DefinitionID
	if e.GroupID != "" {
		target = "group " + e.GroupID
	}

	return fmt.Sprintf("%s operation failed for definition %s: %v", e.Op, target, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewDefinitionError(op, definitionID string, err error) *DefinitionError {
	return &DefinitionError{Op: op, DefinitionID: definitionID, Err: err}
}

func NewDefinitionGroupError(op, groupID string, err error) *DefinitionError {
	return &DefinitionError{Op: op, GroupID: groupID, Err: err}
}

type InstanceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

type RecordError struct {
	Op       string
	RecordID string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for history record %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRecordError(op, recordID string, err error) *RecordError {
	return &RecordError{Op: op, RecordID: recordID, Err: err}
}

func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

func IsPublishedDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrPublishedDefinitionNotFound)
}

func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsNotFound reports any of the not-found errors.
func IsNotFound(err error) bool {
	return IsDefinitionNotFound(err) || IsPublishedDefinitionNotFound(err) ||
		IsInstanceNotFound(err) || IsRecordNotFound(err)
}

func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}

func IsRecordAlreadyFinished(err error) bool {
	return errors.Is(err, ErrRecordAlreadyFinished)
}
