package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meddler/meddler/internal/broker/models"
	"github.com/meddler/meddler/internal/db"
	"github.com/meddler/meddler/internal/db/dialect"
)

// SQLStore implements all three storage contracts over a relational database.
// It supports both PostgreSQL (pgx) and SQLite (mattn) through a shared
// connection pool; queries are written with ? placeholders and rebound per
// driver.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQLStore over the given pool and bootstraps the
// schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// initSchema creates the three tables if they don't exist.
func (s *SQLStore) initSchema() error {
	driver := s.pool.DriverName()

	idType := "TEXT"
	tsType := "TIMESTAMP"
	if dialect.IsPostgres(driver) {
		idType = "UUID"
		tsType = "TIMESTAMPTZ"
	}
	now := dialect.Now(driver)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id %[1]s PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			registered_at %[2]s NOT NULL DEFAULT %[3]s,
			last_seen_at %[2]s NOT NULL DEFAULT %[3]s
		)`, idType, tsType, now),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %[1]s PRIMARY KEY,
			sender_id %[1]s NOT NULL REFERENCES agents(id),
			recipient_id %[1]s NOT NULL REFERENCES agents(id),
			task_id %[1]s,
			content TEXT NOT NULL,
			created_at %[2]s NOT NULL DEFAULT %[3]s
		)`, idType, tsType, now),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id %[1]s PRIMARY KEY,
			title TEXT NOT NULL,
			created_by %[1]s NOT NULL,
			time_budget_secs BIGINT,
			started_at %[2]s,
			created_at %[2]s NOT NULL DEFAULT %[3]s
		)`, idType, tsType, now),
		`CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient_id ON messages(recipient_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- AgentRegistry ---

// Register upserts by name: the insert wins on first touch, the conflict arm
// refreshes description and last_seen_at. Atomic, so concurrent first-touch
// calls with the same name all observe the same id.
func (s *SQLStore) Register(ctx context.Context, params models.RegisterAgent) (*models.Agent, error) {
	now := time.Now().UTC()
	query := s.pool.Writer().Rebind(`
		INSERT INTO agents (id, name, description, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE
			SET description = excluded.description,
			    last_seen_at = excluded.last_seen_at
		RETURNING id, name, description, registered_at, last_seen_at`)

	var row agentRow
	err := s.pool.Writer().GetContext(ctx, &row, query,
		uuid.New(), params.Name, params.Description, now, now)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toModel(), nil
}

// GetByName returns the agent with the given name.
func (s *SQLStore) GetByName(ctx context.Context, name string) (*models.Agent, error) {
	query := s.pool.Reader().Rebind(
		`SELECT id, name, description, registered_at, last_seen_at FROM agents WHERE name = ?`)

	var row agentRow
	err := s.pool.Reader().GetContext(ctx, &row, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &AgentNotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toModel(), nil
}

// GetByID returns the agent with the given id.
func (s *SQLStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	query := s.pool.Reader().Rebind(
		`SELECT id, name, description, registered_at, last_seen_at FROM agents WHERE id = ?`)

	var row agentRow
	err := s.pool.Reader().GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &AgentNotFoundByIDError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toModel(), nil
}

// List returns all registered agents ordered by name.
func (s *SQLStore) List(ctx context.Context) ([]*models.Agent, error) {
	var rows []agentRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT id, name, description, registered_at, last_seen_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	agents := make([]*models.Agent, 0, len(rows))
	for _, row := range rows {
		agents = append(agents, row.toModel())
	}
	return agents, nil
}

// Touch sets last_seen_at to now. Missing ids update zero rows and are not an
// error.
func (s *SQLStore) Touch(ctx context.Context, id uuid.UUID) error {
	query := s.pool.Writer().Rebind(`UPDATE agents SET last_seen_at = ? WHERE id = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// --- MessageStore ---

// CreateMessage persists a new message. The task_id, when present, is not
// checked against the tasks table; the relay does not enforce referential
// integrity on the hot path.
func (s *SQLStore) CreateMessage(ctx context.Context, params models.CreateMessage) (*models.Message, error) {
	query := s.pool.Writer().Rebind(`
		INSERT INTO messages (id, sender_id, recipient_id, task_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id, sender_id, recipient_id, task_id, content, created_at`)

	var row messageRow
	err := s.pool.Writer().GetContext(ctx, &row, query,
		uuid.New(), params.SenderID, params.RecipientID,
		nullUUID(params.TaskID), params.Content, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toModel(), nil
}

// QueryMessages returns messages matching the filter, ordered by created_at
// ascending.
func (s *SQLStore) QueryMessages(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error) {
	query := `SELECT id, sender_id, recipient_id, task_id, content, created_at FROM messages`

	var conds []string
	var args []any
	if filter.TaskID != nil {
		conds = append(conds, "task_id = ?")
		args = append(args, *filter.TaskID)
	}
	if filter.SenderID != nil {
		conds = append(conds, "sender_id = ?")
		args = append(args, *filter.SenderID)
	}
	if filter.RecipientID != nil {
		conds = append(conds, "recipient_id = ?")
		args = append(args, *filter.RecipientID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	var rows []messageRow
	err := s.pool.Reader().SelectContext(ctx, &rows, s.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	messages := make([]*models.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toModel())
	}
	return messages, nil
}

// --- TaskStore ---

// CreateTask creates a new task with started_at unset.
func (s *SQLStore) CreateTask(ctx context.Context, params models.CreateTask) (*models.Task, error) {
	query := s.pool.Writer().Rebind(`
		INSERT INTO tasks (id, title, created_by, time_budget_secs, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, title, created_by, time_budget_secs, started_at, created_at`)

	var row taskRow
	err := s.pool.Writer().GetContext(ctx, &row, query,
		uuid.New(), params.Title, params.CreatedBy,
		nullInt64(params.TimeBudgetSecs), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toModel(), nil
}

// GetTask returns the task with the given id.
func (s *SQLStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	query := s.pool.Reader().Rebind(
		`SELECT id, title, created_by, time_budget_secs, started_at, created_at FROM tasks WHERE id = ?`)

	var row taskRow
	err := s.pool.Reader().GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &TaskNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toModel(), nil
}

// GetTaskStatus computes the task's status at the current wall-clock time.
func (s *SQLStore) GetTaskStatus(ctx context.Context, id uuid.UUID) (models.TaskStatus, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return models.TaskStatus{}, err
	}
	return models.ComputeTaskStatus(*task, time.Now().UTC()), nil
}

// MarkTaskStarted sets started_at only when currently unset. Repeat calls and
// missing ids update zero rows.
func (s *SQLStore) MarkTaskStarted(ctx context.Context, id uuid.UUID) error {
	query := s.pool.Writer().Rebind(
		`UPDATE tasks SET started_at = ? WHERE id = ? AND started_at IS NULL`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// --- Internal row types ---

type agentRow struct {
	ID           uuid.UUID `db:"id"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	RegisteredAt time.Time `db:"registered_at"`
	LastSeenAt   time.Time `db:"last_seen_at"`
}

func (r agentRow) toModel() *models.Agent {
	return &models.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		RegisteredAt: r.RegisteredAt.UTC(),
		LastSeenAt:   r.LastSeenAt.UTC(),
	}
}

type messageRow struct {
	ID          uuid.UUID     `db:"id"`
	SenderID    uuid.UUID     `db:"sender_id"`
	RecipientID uuid.UUID     `db:"recipient_id"`
	TaskID      uuid.NullUUID `db:"task_id"`
	Content     string        `db:"content"`
	CreatedAt   time.Time     `db:"created_at"`
}

func (r messageRow) toModel() *models.Message {
	m := &models.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Content:     r.Content,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.TaskID.Valid {
		taskID := r.TaskID.UUID
		m.TaskID = &taskID
	}
	return m
}

type taskRow struct {
	ID             uuid.UUID     `db:"id"`
	Title          string        `db:"title"`
	CreatedBy      uuid.UUID     `db:"created_by"`
	TimeBudgetSecs sql.NullInt64 `db:"time_budget_secs"`
	StartedAt      sql.NullTime  `db:"started_at"`
	CreatedAt      time.Time     `db:"created_at"`
}

func (r taskRow) toModel() *models.Task {
	t := &models.Task{
		ID:        r.ID,
		Title:     r.Title,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.TimeBudgetSecs.Valid {
		budget := r.TimeBudgetSecs.Int64
		t.TimeBudgetSecs = &budget
	}
	if r.StartedAt.Valid {
		started := r.StartedAt.Time.UTC()
		t.StartedAt = &started
	}
	return t
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
