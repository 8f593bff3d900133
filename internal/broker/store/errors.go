package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AgentNotFoundError reports a lookup miss by agent name.
type AgentNotFoundError struct {
	Name string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.Name)
}

// AgentNotFoundByIDError reports a lookup miss by agent id.
type AgentNotFoundByIDError struct {
	ID uuid.UUID
}

func (e *AgentNotFoundByIDError) Error() string {
	return fmt.Sprintf("agent not found by id: %s", e.ID)
}

// TaskNotFoundError reports a lookup miss by task id.
type TaskNotFoundError struct {
	ID uuid.UUID
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.ID)
}

// IsNotFound reports whether err is any of the logical not-found errors, as
// opposed to a transport or database failure.
func IsNotFound(err error) bool {
	var byName *AgentNotFoundError
	var byID *AgentNotFoundByIDError
	var task *TaskNotFoundError
	return errors.As(err, &byName) || errors.As(err, &byID) || errors.As(err, &task)
}
