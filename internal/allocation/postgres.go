package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresRepository implements Repository on the number_allocations table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed allocation repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const columns = `number_id, user_id, phone_number, country, price, status, otp, created_at, updated_at`

// Create inserts an allocation row.
func (r *PostgresRepository) Create(ctx context.Context, a Allocation) error {
	_, err := r.db.Exec(ctx, `INSERT INTO number_allocations (`+columns+`)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		a.NumberID, a.UserID, a.PhoneNumber, a.Country, a.Price, a.Status, a.OTP, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrExists
	}
	if err != nil {
		return unavailable("create allocation", err)
	}
	return nil
}

// Get fetches an allocation by vendor id.
func (r *PostgresRepository) Get(ctx context.Context, numberID string) (Allocation, error) {
	a, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM number_allocations WHERE number_id = $1`, numberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrNotFound
	}
	if err != nil {
		return Allocation{}, unavailable("get allocation", err)
	}
	return a, nil
}

// Transition updates the row only while it is still active.
func (r *PostgresRepository) Transition(ctx context.Context, numberID, to, otp string, at time.Time) (Allocation, error) {
	if !CanTransition(StatusActive, to) {
		return Allocation{}, ErrInvalidTransition
	}
	a, err := scan(r.db.QueryRow(ctx, `UPDATE number_allocations
        SET status = $2, otp = COALESCE(NULLIF($3, ''), otp), updated_at = $4
        WHERE number_id = $1 AND status = 'active'
        RETURNING `+columns, numberID, to, otp, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.Get(ctx, numberID)
		if getErr != nil {
			return Allocation{}, getErr
		}
		return current, ErrInvalidTransition
	}
	if err != nil {
		return Allocation{}, unavailable("transition allocation", err)
	}
	return a, nil
}

// ListActive returns the user's active rows.
func (r *PostgresRepository) ListActive(ctx context.Context, userID string) ([]Allocation, error) {
	return r.query(ctx, `SELECT `+columns+` FROM number_allocations
        WHERE user_id = $1 AND status = 'active' ORDER BY created_at`, userID)
}

// ListStale returns active rows older than cutoff.
func (r *PostgresRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Allocation, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+columns+` FROM number_allocations
        WHERE status = 'active' AND created_at < $1 ORDER BY created_at LIMIT $2`, cutoff.UTC(), limit)
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]Allocation, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable("list allocations", err)
	}
	defer rows.Close()
	out := make([]Allocation, 0)
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, unavailable("scan allocation", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list allocations", err)
	}
	return out, nil
}

func scan(row pgx.Row) (Allocation, error) {
	var (
		a   Allocation
		otp *string
	)
	if err := row.Scan(&a.NumberID, &a.UserID, &a.PhoneNumber, &a.Country, &a.Price, &a.Status, &otp, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Allocation{}, err
	}
	if otp != nil {
		a.OTP = *otp
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}
