package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Validation and not-found errors surface directly to the
// caller; storage and domain errors are wrapped with context before
// surfacing. Background failures never propagate as panics: they become a
// terminal error status on the task or experiment that owns them.

// ValidationError reports bad input the user can correct.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing experiment, conversation or task.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ExperimentError reports a domain-rule violation on an experiment.
type ExperimentError struct {
	ExperimentID string
	Err          error
}

func (e *ExperimentError) Error() string {
	return fmt.Sprintf("experiment %s: %v", e.ExperimentID, e.Err)
}

func (e *ExperimentError) Unwrap() error { return e.Err }

// ConversationError reports a domain-rule violation on a conversation.
type ConversationError struct {
	ConversationID string
	Err            error
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("conversation %s: %v", e.ConversationID, e.Err)
}

func (e *ConversationError) Unwrap() error { return e.Err }

// AgentError reports a failure attributable to one agent.
type AgentError struct {
	Agent string
	Err   error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Agent, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// StorageError reports an I/O or lock failure in the file store.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
