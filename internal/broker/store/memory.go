package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meddler/meddler/internal/broker/models"
)

// MemoryStore provides an in-memory implementation of all three storage
// contracts. Used by tests and selectable for ephemeral deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[uuid.UUID]*models.Agent
	byName   map[string]uuid.UUID
	messages []*models.Message
	tasks    map[uuid.UUID]*models.Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[uuid.UUID]*models.Agent),
		byName: make(map[string]uuid.UUID),
		tasks:  make(map[uuid.UUID]*models.Task),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Register registers or reconnects an agent, idempotent by name.
func (s *MemoryStore) Register(ctx context.Context, params models.RegisterAgent) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.byName[params.Name]; ok {
		agent := s.agents[id]
		agent.Description = params.Description
		agent.LastSeenAt = now
		copied := *agent
		return &copied, nil
	}

	agent := &models.Agent{
		ID:           uuid.New(),
		Name:         params.Name,
		Description:  params.Description,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	s.agents[agent.ID] = agent
	s.byName[agent.Name] = agent.ID

	copied := *agent
	return &copied, nil
}

// GetByName returns the agent with the given name.
func (s *MemoryStore) GetByName(ctx context.Context, name string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, &AgentNotFoundError{Name: name}
	}
	copied := *s.agents[id]
	return &copied, nil
}

// GetByID returns the agent with the given id.
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, &AgentNotFoundByIDError{ID: id}
	}
	copied := *agent
	return &copied, nil
}

// List returns all registered agents ordered by name.
func (s *MemoryStore) List(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// Touch updates last_seen_at. A missing id is not an error.
func (s *MemoryStore) Touch(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent, ok := s.agents[id]; ok {
		agent.LastSeenAt = time.Now().UTC()
	}
	return nil
}

// CreateMessage persists a new message.
func (s *MemoryStore) CreateMessage(ctx context.Context, params models.CreateMessage) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &models.Message{
		ID:          uuid.New(),
		SenderID:    params.SenderID,
		RecipientID: params.RecipientID,
		TaskID:      params.TaskID,
		Content:     params.Content,
		CreatedAt:   time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)

	copied := *msg
	return &copied, nil
}

// QueryMessages returns messages matching the filter, ordered by created_at
// ascending. Messages are appended in creation order, so insertion order is
// already the required ordering.
func (s *MemoryStore) QueryMessages(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if filter.TaskID != nil && (msg.TaskID == nil || *msg.TaskID != *filter.TaskID) {
			continue
		}
		if filter.SenderID != nil && msg.SenderID != *filter.SenderID {
			continue
		}
		if filter.RecipientID != nil && msg.RecipientID != *filter.RecipientID {
			continue
		}
		copied := *msg
		result = append(result, &copied)
	}
	return result, nil
}

// CreateTask creates a new task with started_at unset.
func (s *MemoryStore) CreateTask(ctx context.Context, params models.CreateTask) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &models.Task{
		ID:             uuid.New(),
		Title:          params.Title,
		CreatedBy:      params.CreatedBy,
		TimeBudgetSecs: params.TimeBudgetSecs,
		CreatedAt:      time.Now().UTC(),
	}
	s.tasks[task.ID] = task

	copied := *task
	return &copied, nil
}

// GetTask returns the task with the given id.
func (s *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, &TaskNotFoundError{ID: id}
	}
	copied := *task
	return &copied, nil
}

// GetTaskStatus computes the task's status at the current wall-clock time.
func (s *MemoryStore) GetTaskStatus(ctx context.Context, id uuid.UUID) (models.TaskStatus, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return models.TaskStatus{}, err
	}
	return models.ComputeTaskStatus(*task, time.Now().UTC()), nil
}

// MarkTaskStarted sets started_at only when currently unset. Idempotent; a
// missing id is not an error.
func (s *MemoryStore) MarkTaskStarted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[id]; ok && task.StartedAt == nil {
		now := time.Now().UTC()
		task.StartedAt = &now
	}
	return nil
}
