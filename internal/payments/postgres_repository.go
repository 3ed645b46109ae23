package payments

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

// PostgresSessionRepository stores payment sessions in the relational database.
type PostgresSessionRepository struct {
	pool querier
}

// NewPostgresSessionRepository initializes a repo backed by pgxpool.
func NewPostgresSessionRepository(pool *pgxpool.Pool) *PostgresSessionRepository {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &PostgresSessionRepository{pool: pool}
}

// NewPostgresSessionRepositoryWithQuerier allows injecting a mocked pool for tests.
func NewPostgresSessionRepositoryWithQuerier(q querier) *PostgresSessionRepository {
	if q == nil {
		panic("payments: querier required")
	}
	return &PostgresSessionRepository{pool: q}
}

const sessionColumns = `
	SELECT session_id, appointment_id, amount_minor, currency, status,
	       external_ref, checkout_url, payer_contact, created_at, updated_at, expires_at
	FROM payment_sessions`

func (r *PostgresSessionRepository) Create(ctx context.Context, s *PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (
			session_id, appointment_id, amount_minor, currency, status,
			external_ref, checkout_url, payer_contact, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	if err := r.pool.QueryRow(ctx, query,
		s.SessionID,
		s.AppointmentID,
		s.AmountMinor,
		s.Currency,
		string(s.Status),
		s.ExternalRef,
		s.CheckoutURL,
		s.PayerContact,
		s.ExpiresAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return fmt.Errorf("payments: insert session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepository) GetByAppointment(ctx context.Context, appointmentID string) (*PaymentSession, error) {
	query := sessionColumns + ` WHERE appointment_id = $1 ORDER BY created_at DESC LIMIT 1`
	s, err := scanSession(r.pool.QueryRow(ctx, query, appointmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("payments: load by appointment: %w", err)
	}
	return s, nil
}

func (r *PostgresSessionRepository) GetByExternalRef(ctx context.Context, externalRef string) (*PaymentSession, error) {
	query := sessionColumns + ` WHERE external_ref = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, query, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("payments: load by external ref: %w", err)
	}
	return s, nil
}

// UpdateStatus applies a compare-and-swap on status so a duplicate or late
// update never overwrites a terminal session.
func (r *PostgresSessionRepository) UpdateStatus(ctx context.Context, sessionID string, from, to SessionStatus) (bool, error) {
	query := `
		UPDATE payment_sessions
		SET status = $1, updated_at = now()
		WHERE session_id = $2 AND status = $3
	`
	ct, err := r.pool.Exec(ctx, query, string(to), sessionID, string(from))
	if err != nil {
		return false, fmt.Errorf("payments: update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_sessions WHERE session_id = $1)`,
			sessionID,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("payments: check session: %w", err)
		}
		if !exists {
			return false, ErrSessionNotFound
		}
		return false, nil
	}
	return true, nil
}

func (r *PostgresSessionRepository) ListExpired(ctx context.Context, now time.Time) ([]*PaymentSession, error) {
	query := sessionColumns + ` WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at ASC`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("payments: list expired: %w", err)
	}
	defer rows.Close()

	var out []*PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("payments: scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payments: iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (*PaymentSession, error) {
	var (
		s      PaymentSession
		status string
	)
	if err := row.Scan(
		&s.SessionID,
		&s.AppointmentID,
		&s.AmountMinor,
		&s.Currency,
		&status,
		&s.ExternalRef,
		&s.CheckoutURL,
		&s.PayerContact,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExpiresAt,
	); err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	return &s, nil
}
