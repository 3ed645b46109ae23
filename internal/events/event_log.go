package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Entry is one recorded appointment lifecycle event.
type Entry struct {
	ID            string          `json:"id"`
	AppointmentID string          `json:"appointment_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Log is an append-only audit trail of appointment lifecycle events.
type Log interface {
	Record(ctx context.Context, appointmentID, eventType string, payload map[string]any) error
	ListByAppointment(ctx context.Context, appointmentID string, limit int) ([]*Entry, error)
}

type logQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLog stores lifecycle events in the relational database.
type PostgresLog struct {
	pool   logQuerier
	logger *logging.Logger
}

// NewPostgresLog creates an event log backed by pgxpool.
func NewPostgresLog(pool *pgxpool.Pool, logger *logging.Logger) *PostgresLog {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newPostgresLogWithQuerier(pool, logger)
}

func newPostgresLogWithQuerier(q logQuerier, logger *logging.Logger) *PostgresLog {
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresLog{pool: q, logger: logger}
}

// Record appends one event. The audit trail is best effort for callers, so
// they usually log the returned error instead of failing the operation.
func (l *PostgresLog) Record(ctx context.Context, appointmentID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	query := `
		INSERT INTO appointment_events (id, appointment_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := l.pool.Exec(ctx, query, uuid.NewString(), appointmentID, eventType, data); err != nil {
		l.logger.Error("event log insert failed",
			"appointment_id", appointmentID, "event_type", eventType, "error", err)
		return fmt.Errorf("events: record: %w", err)
	}
	return nil
}

// ListByAppointment returns up to limit events for an appointment, oldest first.
func (l *PostgresLog) ListByAppointment(ctx context.Context, appointmentID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, appointment_id, event_type, payload, created_at
		FROM appointment_events
		WHERE appointment_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := l.pool.Query(ctx, query, appointmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: iterate: %w", err)
	}
	return out, nil
}

// InMemoryLog is the test and local-dev event log.
type InMemoryLog struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
}

func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{entries: make(map[string][]*Entry)}
}

func (l *InMemoryLog) Record(_ context.Context, appointmentID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[appointmentID] = append(l.entries[appointmentID], &Entry{
		ID:            uuid.NewString(),
		AppointmentID: appointmentID,
		Type:          eventType,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

func (l *InMemoryLog) ListByAppointment(_ context.Context, appointmentID string, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.entries[appointmentID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*Entry, len(entries))
	copy(out, entries)
	return out, nil
}
