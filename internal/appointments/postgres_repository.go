package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository stores appointments in the relational database.
type PostgresRepository struct {
	pool querier
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

// NewPostgresRepositoryWithQuerier allows injecting a mocked pool for tests.
func NewPostgresRepositoryWithQuerier(q querier) *PostgresRepository {
	if q == nil {
		panic("appointments: querier required")
	}
	return &PostgresRepository{pool: q}
}

// Create inserts a new row at version 1.
func (r *PostgresRepository) Create(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO appointments (
			id, patient_id, doctor_id, scheduled_start, scheduled_end,
			specialty, state, payment_session_id, room_id, room_url, room_expires_at,
			cancel_reason, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		RETURNING created_at, updated_at
	`
	roomID, roomURL, roomExpires := roomColumns(appt.Room)
	if err := r.pool.QueryRow(ctx, query,
		appt.ID,
		appt.PatientID,
		appt.DoctorID,
		appt.ScheduledStart,
		appt.ScheduledEnd,
		appt.Specialty,
		string(appt.State),
		appt.PaymentSessionID,
		roomID,
		roomURL,
		roomExpires,
		appt.CancelReason,
	).Scan(&appt.CreatedAt, &appt.UpdatedAt); err != nil {
		return fmt.Errorf("appointments: insert failed: %w", err)
	}
	appt.Version = 1
	return nil
}

// GetByID fetches an appointment by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Appointment, error) {
	query := selectColumns + ` WHERE id = $1`
	appt, err := scanAppointment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: load by id: %w", err)
	}
	return appt, nil
}

// Update applies a compare-and-swap on version, bumping it on success.
func (r *PostgresRepository) Update(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE appointments
		SET specialty = $1, state = $2, payment_session_id = $3,
		    room_id = $4, room_url = $5, room_expires_at = $6,
		    cancel_reason = $7, cancelled_at = $8,
		    version = version + 1, updated_at = now()
		WHERE id = $9 AND version = $10
	`
	roomID, roomURL, roomExpires := roomColumns(appt.Room)
	ct, err := r.pool.Exec(ctx, query,
		appt.Specialty,
		string(appt.State),
		appt.PaymentSessionID,
		roomID,
		roomURL,
		roomExpires,
		appt.CancelReason,
		appt.CancelledAt,
		appt.ID,
		appt.Version,
	)
	if err != nil {
		return fmt.Errorf("appointments: update failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Either the row is gone or another writer bumped the version first.
		if _, getErr := r.GetByID(ctx, appt.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	appt.Version++
	appt.UpdatedAt = time.Now().UTC()
	return nil
}

// ListByState returns up to limit appointments in the given state, oldest first.
func (r *PostgresRepository) ListByState(ctx context.Context, state State, limit int) ([]*Appointment, error) {
	query := selectColumns + ` WHERE state = $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list by state: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan row: %w", err)
		}
		out = append(out, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: iterate rows: %w", err)
	}
	return out, nil
}

const selectColumns = `
	SELECT id, patient_id, doctor_id, scheduled_start, scheduled_end,
	       specialty, state, payment_session_id, room_id, room_url, room_expires_at,
	       cancel_reason, cancelled_at, version, created_at, updated_at
	FROM appointments`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		appt        Appointment
		state       string
		roomID      *string
		roomURL     *string
		roomExpires *time.Time
	)
	if err := row.Scan(
		&appt.ID,
		&appt.PatientID,
		&appt.DoctorID,
		&appt.ScheduledStart,
		&appt.ScheduledEnd,
		&appt.Specialty,
		&state,
		&appt.PaymentSessionID,
		&roomID,
		&roomURL,
		&roomExpires,
		&appt.CancelReason,
		&appt.CancelledAt,
		&appt.Version,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := ParseState(state)
	if err != nil {
		return nil, err
	}
	appt.State = parsed

	if roomID != nil && *roomID != "" {
		ref := RoomRef{RoomID: *roomID}
		if roomURL != nil {
			ref.URL = *roomURL
		}
		if roomExpires != nil {
			ref.ExpiresAt = *roomExpires
		}
		appt.Room = &ref
	}
	return &appt, nil
}

func roomColumns(room *RoomRef) (roomID, roomURL *string, expiresAt *time.Time) {
	if room == nil {
		return nil, nil, nil
	}
	return &room.RoomID, &room.URL, &room.ExpiresAt
}
