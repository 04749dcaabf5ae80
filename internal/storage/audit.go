package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// EventKind classifies cluster audit events.
type EventKind string

const (
	EventWorkerRegistered EventKind = "worker_registered"
	EventWorkerDead       EventKind = "worker_dead"
	EventRingChanged      EventKind = "ring_changed"
	EventTaskSubmitted    EventKind = "task_submitted"
	EventTaskDispatched   EventKind = "task_dispatched"
	EventTaskCompleted    EventKind = "task_completed"
	EventTaskFailed       EventKind = "task_failed"
	EventTaskRequeued     EventKind = "task_requeued"
)

// Event is one audit record. Ring moves carry the previous ring and the
// reason supplied by the policy or the operator.
type Event struct {
	ID        string     `json:"id"`
	Kind      EventKind  `json:"kind"`
	WorkerID  string     `json:"worker_id,omitempty"`
	TaskID    string     `json:"task_id,omitempty"`
	Ring      model.Ring `json:"ring,omitempty"`
	PrevRing  model.Ring `json:"prev_ring,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EventStore persists the cluster audit trail.
type EventStore interface {
	// Record stores one audit event.
	Record(ctx context.Context, event *Event) error

	// List retrieves events with pagination and equality filters, newest
	// first.
	List(ctx context.Context, filters map[string]any, offset, limit int) ([]*Event, error)

	// Count returns the number of events matching the filters.
	Count(ctx context.Context, filters map[string]any) (int, error)

	// DeleteBefore deletes events older than the specified time.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the store.
	Close() error
}

// NopEventStore discards every event, for running the master from memory
// alone.
type NopEventStore struct{}

func (NopEventStore) Record(context.Context, *Event) error { return nil }

func (NopEventStore) List(context.Context, map[string]any, int, int) ([]*Event, error) {
	return nil, nil
}

func (NopEventStore) Count(context.Context, map[string]any) (int, error) { return 0, nil }

func (NopEventStore) DeleteBefore(context.Context, time.Time) error { return nil }

func (NopEventStore) Close() error { return nil }

// SQLiteEventStore implements EventStore using SQLite
type SQLiteEventStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteEventStore opens (or creates) the audit database at dbPath.
func NewSQLiteEventStore(logger *zap.Logger, dbPath string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteEventStore{
		logger: logger,
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteEventStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			worker_id TEXT,
			task_id TEXT,
			ring TEXT,
			prev_ring TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);
		CREATE INDEX IF NOT EXISTS idx_audit_events_worker_id ON audit_events(worker_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_task_id ON audit_events(task_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record implements EventStore.Record
func (s *SQLiteEventStore) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, kind, worker_id, task_id, ring, prev_ring, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Kind),
		sql.NullString{String: event.WorkerID, Valid: event.WorkerID != ""},
		sql.NullString{String: event.TaskID, Valid: event.TaskID != ""},
		sql.NullString{String: string(event.Ring), Valid: event.Ring != ""},
		sql.NullString{String: string(event.PrevRing), Valid: event.PrevRing != ""},
		sql.NullString{String: event.Reason, Valid: event.Reason != ""},
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// List implements EventStore.List
func (s *SQLiteEventStore) List(ctx context.Context, filters map[string]any, offset, limit int) ([]*Event, error) {
	query := "SELECT id, kind, worker_id, task_id, ring, prev_ring, reason, created_at FROM audit_events"
	args := make([]any, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var kind string
		var workerID, taskID, ring, prevRing, reason sql.NullString

		err := rows.Scan(
			&event.ID,
			&kind,
			&workerID,
			&taskID,
			&ring,
			&prevRing,
			&reason,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		event.Kind = EventKind(kind)
		if workerID.Valid {
			event.WorkerID = workerID.String
		}
		if taskID.Valid {
			event.TaskID = taskID.String
		}
		if ring.Valid {
			event.Ring = model.Ring(ring.String)
		}
		if prevRing.Valid {
			event.PrevRing = model.Ring(prevRing.String)
		}
		if reason.Valid {
			event.Reason = reason.String
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return events, nil
}

// Count implements EventStore.Count
func (s *SQLiteEventStore) Count(ctx context.Context, filters map[string]any) (int, error) {
	query := "SELECT COUNT(*) FROM audit_events"
	args := make([]any, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// DeleteBefore implements EventStore.DeleteBefore
func (s *SQLiteEventStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete audit events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old audit events",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}
