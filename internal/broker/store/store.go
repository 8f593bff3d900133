// Package store defines the broker's storage contracts and their SQL and
// in-memory implementations.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/meddler/meddler/internal/broker/models"
)

// AgentRegistry manages agent identities.
type AgentRegistry interface {
	// Register registers or reconnects an agent. Registration is idempotent
	// by name: on collision the existing agent is returned with its
	// description refreshed and last_seen_at bumped.
	Register(ctx context.Context, params models.RegisterAgent) (*models.Agent, error)

	// GetByName returns the agent with the given name.
	GetByName(ctx context.Context, name string) (*models.Agent, error)

	// GetByID returns the agent with the given id.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)

	// List returns all registered agents.
	List(ctx context.Context) ([]*models.Agent, error)

	// Touch updates the agent's last_seen_at. A missing id is not an error.
	Touch(ctx context.Context, id uuid.UUID) error
}

// MessageStore persists messages.
type MessageStore interface {
	// CreateMessage persists a new message, assigning its id and created_at.
	CreateMessage(ctx context.Context, params models.CreateMessage) (*models.Message, error)

	// QueryMessages returns messages matching the filter, ordered by
	// created_at ascending. Set filter fields are ANDed.
	QueryMessages(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	// CreateTask creates a new task with started_at unset.
	CreateTask(ctx context.Context, params models.CreateTask) (*models.Task, error)

	// GetTask returns the task with the given id.
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)

	// GetTaskStatus returns the task's computed status at the current
	// wall-clock time.
	GetTaskStatus(ctx context.Context, id uuid.UUID) (models.TaskStatus, error)

	// MarkTaskStarted sets started_at to now only if currently unset.
	// Idempotent; a missing id is not an error.
	MarkTaskStarted(ctx context.Context, id uuid.UUID) error
}

// Store bundles all three storage contracts behind one implementation.
type Store interface {
	AgentRegistry
	MessageStore
	TaskStore

	Close() error
}
