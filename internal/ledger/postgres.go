package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists accounts and transaction records in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `user_id, balance, total_spent, numbers_used, created_at, last_active, last_used, last_refund`

// Get fetches the account row.
func (s *PostgresStore) Get(ctx context.Context, userID string) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE user_id = $1`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, unavailable("get account", err)
	}
	return acct, nil
}

// PutIfAbsent inserts the row, leaving an existing account untouched.
func (s *PostgresStore) PutIfAbsent(ctx context.Context, acct Account) (Account, error) {
	_, err := s.db.Exec(ctx, `INSERT INTO ledger_accounts (user_id, balance, total_spent, numbers_used, created_at, last_active)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (user_id) DO NOTHING`,
		acct.UserID, acct.Balance, acct.TotalSpent, acct.NumbersUsed, acct.CreatedAt.UTC(), acct.LastActive.UTC())
	if err != nil {
		return Account{}, unavailable("put account", err)
	}
	return s.Get(ctx, acct.UserID)
}

// ConditionalUpdate writes next only when the stored balance equals expectedBalance.
// The update and the transaction insert commit together.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, expectedBalance int64, next Account, entry Transaction) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	cmd, err := tx.Exec(ctx, `UPDATE ledger_accounts
        SET balance = $3, total_spent = $4, numbers_used = $5, last_active = $6, last_used = $7
        WHERE user_id = $1 AND balance = $2`,
		next.UserID, expectedBalance, next.Balance, next.TotalSpent, next.NumbersUsed,
		nullableTime(next.LastActive), nullableTime(next.LastUsed))
	if err != nil {
		return unavailable("conditional update", err)
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_accounts WHERE user_id = $1)`, next.UserID).Scan(&exists); err != nil {
			return unavailable("conditional update", err)
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrConflict
	}

	if err := insertTransaction(ctx, tx, entry); err != nil {
		return unavailable("append transaction", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Credit increments the balance and appends entry in one transaction.
func (s *PostgresStore) Credit(ctx context.Context, userID string, entry Transaction) (Account, Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, Transaction{}, unavailable("begin", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `UPDATE ledger_accounts
        SET balance = balance + $2, last_refund = $3
        WHERE user_id = $1
        RETURNING `+accountColumns, userID, entry.Amount, entry.Timestamp.UTC())
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, Transaction{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, Transaction{}, unavailable("credit", err)
	}

	entry.BalanceAfter = acct.Balance
	entry.BalanceBefore = acct.Balance - entry.Amount
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return Account{}, Transaction{}, unavailable("append transaction", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, Transaction{}, unavailable("commit", err)
	}
	return acct, entry, nil
}

// Touch updates last_active.
func (s *PostgresStore) Touch(ctx context.Context, userID string, at time.Time) error {
	cmd, err := s.db.Exec(ctx, `UPDATE ledger_accounts SET last_active = $2 WHERE user_id = $1`, userID, at.UTC())
	if err != nil {
		return unavailable("touch", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Transactions returns the newest limit rows.
func (s *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT id, user_id, type, amount, balance_before, balance_after, reason, number_id, country, created_at
        FROM ledger_transactions WHERE user_id = $1
        ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Reason, &t.Meta.NumberID, &t.Meta.Country, &t.Timestamp); err != nil {
			return nil, unavailable("scan transaction", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list transactions", err)
	}
	return out, nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	_, err := tx.Exec(ctx, `INSERT INTO ledger_transactions
        (id, user_id, type, amount, balance_before, balance_after, reason, number_id, country, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Reason, t.Meta.NumberID, t.Meta.Country, t.Timestamp.UTC())
	return err
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct                           Account
		lastActive, lastUsed, lastRefd *time.Time
	)
	if err := row.Scan(&acct.UserID, &acct.Balance, &acct.TotalSpent, &acct.NumbersUsed,
		&acct.CreatedAt, &lastActive, &lastUsed, &lastRefd); err != nil {
		return Account{}, err
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.LastActive = derefTime(lastActive)
	acct.LastUsed = derefTime(lastUsed)
	acct.LastRefund = derefTime(lastRefd)
	return acct, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
