package engine

import "errors"

var (
	ErrInvalidTransition      = errors.New("invalid instance state transition")
	ErrResumeTokenNotFound    = errors.New("resume token not found")
	ErrJoinStalled            = errors.New("parallel join can never be satisfied")
	ErrDefinitionNotPublished = errors.New("definition is not published")
	ErrChildFailed            = errors.New("sub-process did not complete")
	ErrEngineClosed           = errors.New("engine is shut down")
)
