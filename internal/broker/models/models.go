// Package models defines the broker's domain entities: agents, messages,
// tasks, and derived task status.
package models

import (
	"time"

	"github.com/google/uuid"
)

// OrchestratorName is the reserved agent name identifying the MCP
// orchestrator pseudo-agent. It is auto-registered on first orchestrator
// contact and excluded from agent listings.
const OrchestratorName = "__orchestrator__"

// Agent is a registered identity for a worker or the orchestrator.
type Agent struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Message is a point-to-point message between two agents. Immutable once
// written.
type Message struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	SenderID    uuid.UUID  `json:"sender_id" db:"sender_id"`
	RecipientID uuid.UUID  `json:"recipient_id" db:"recipient_id"`
	TaskID      *uuid.UUID `json:"task_id" db:"task_id"`
	Content     string     `json:"content" db:"content"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Task groups related messages and tracks an optional time budget.
// StartedAt transitions at most once from unset to set.
type Task struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Title          string     `json:"title" db:"title"`
	CreatedBy      uuid.UUID  `json:"created_by" db:"created_by"`
	TimeBudgetSecs *int64     `json:"time_budget_secs" db:"time_budget_secs"`
	StartedAt      *time.Time `json:"started_at" db:"started_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// TaskStatus is the computed view of a task's time budget at a point in time.
type TaskStatus struct {
	Task          Task   `json:"task"`
	ElapsedSecs   *int64 `json:"elapsed_secs"`
	RemainingSecs *int64 `json:"remaining_secs"`
}

// ComputeTaskStatus derives the status of a task at the given point in time.
// Elapsed is unset until the task has started; remaining is unset unless both
// a budget and a start time exist. Negative elapsed (clock skew) passes
// through; only remaining is clamped to zero.
func ComputeTaskStatus(task Task, now time.Time) TaskStatus {
	var elapsed, remaining *int64

	if task.StartedAt != nil {
		secs := int64(now.Sub(*task.StartedAt) / time.Second)
		elapsed = &secs
	}

	if elapsed != nil && task.TimeBudgetSecs != nil {
		rem := *task.TimeBudgetSecs - *elapsed
		if rem < 0 {
			rem = 0
		}
		remaining = &rem
	}

	return TaskStatus{Task: task, ElapsedSecs: elapsed, RemainingSecs: remaining}
}

// RegisterAgent holds the parameters for registering an agent.
type RegisterAgent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateMessage holds the parameters for creating a message.
type CreateMessage struct {
	SenderID    uuid.UUID  `json:"sender_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	TaskID      *uuid.UUID `json:"task_id"`
	Content     string     `json:"content"`
}

// CreateTask holds the parameters for creating a task.
type CreateTask struct {
	Title          string    `json:"title"`
	CreatedBy      uuid.UUID `json:"created_by"`
	TimeBudgetSecs *int64    `json:"time_budget_secs"`
}

// MessageFilter selects messages by optional criteria. Set fields are ANDed;
// unset fields match everything.
type MessageFilter struct {
	TaskID      *uuid.UUID `json:"task_id"`
	SenderID    *uuid.UUID `json:"sender_id"`
	RecipientID *uuid.UUID `json:"recipient_id"`
}
