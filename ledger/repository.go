package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLedger implements the ledger on PostgreSQL. Entries are keyed by a unique
// reference so a replayed transfer hits the constraint and is skipped.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) Debit(ctx context.Context, account string, amount int64, reference string) error {
	if err := validate(amount, reference); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	replayed, err := insertEntry(ctx, tx, reference, account, -amount)
	if err != nil || replayed {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET balance = balance - $2, updated_at = now()
		WHERE account = $1 AND balance >= $2
	`, account, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", ErrInsufficientFunds, account)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit debit: %w", err)
	}
	return nil
}

func (l *PGLedger) Credit(ctx context.Context, account string, amount int64, reference string) error {
	if err := validate(amount, reference); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	replayed, err := insertEntry(ctx, tx, reference, account, amount)
	if err != nil || replayed {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_accounts (account, balance)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE
		SET balance = ledger_accounts.balance + EXCLUDED.balance,
		    updated_at = now()
	`, account, amount); err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit credit: %w", err)
	}
	return nil
}

func (l *PGLedger) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE account = $1`, account).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

func (l *PGLedger) Applied(ctx context.Context, reference string) (bool, error) {
	var ok bool
	if err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE reference = $1)`, reference).Scan(&ok); err != nil {
		return false, fmt.Errorf("ledger: lookup %s: %w", reference, err)
	}
	return ok, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, reference, account string, amount int64) (bool, error) {
	_, err := tx.Exec(ctx, `INSERT INTO ledger_entries (reference, account, amount) VALUES ($1, $2, $3)`, reference, account, amount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return true, nil
		}
		return false, fmt.Errorf("ledger: insert entry: %w", err)
	}
	return false, nil
}
