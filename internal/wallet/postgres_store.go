package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/database"
)

// PostgresStore implements Store with PostgreSQL.
//
// Mutations are single guarded UPDATE statements: the balance check lives
// in the WHERE clause, so the row lock taken by the UPDATE serializes
// concurrent movements on the same wallet and overdraft is impossible
// regardless of interleaving. The CHECK constraints on the table are the
// second line of defense.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, wallet_number, available, held, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, w.ID, w.UserID, w.Number, w.Available, w.Held)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByUserID(ctx context.Context, userID string) (*Wallet, error) {
	return p.getWhere(ctx, "user_id = $1", userID)
}

func (p *PostgresStore) GetByNumber(ctx context.Context, number string) (*Wallet, error) {
	return p.getWhere(ctx, "wallet_number = $1", number)
}

func (p *PostgresStore) getWhere(ctx context.Context, cond string, arg any) (*Wallet, error) {
	w := &Wallet{}
	err := database.From(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, user_id, wallet_number, available, held, updated_at
		FROM wallets WHERE `+cond,
		arg).Scan(&w.ID, &w.UserID, &w.Number, &w.Available, &w.Held, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2,
			updated_at = NOW()
		WHERE id = $1
	`, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	return p.checkAffected(ctx, result, walletID, decimal.Zero, "")
}

func (p *PostgresStore) Debit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2,
			updated_at = NOW()
		WHERE id = $1 AND available >= $2
	`, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	return p.checkAffected(ctx, result, walletID, amount, "available")
}

func (p *PostgresStore) Hold(ctx context.Context, walletID string, amount decimal.Decimal) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2,
			held       = held + $2,
			updated_at = NOW()
		WHERE id = $1 AND available >= $2
	`, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to place hold: %w", err)
	}
	return p.checkAffected(ctx, result, walletID, amount, "available")
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, walletID string, amount decimal.Decimal) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2,
			held       = held - $2,
			updated_at = NOW()
		WHERE id = $1 AND held >= $2
	`, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	return p.checkAffected(ctx, result, walletID, amount, "held")
}

func (p *PostgresStore) DebitHeld(ctx context.Context, walletID string, amount decimal.Decimal) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE wallets SET
			held       = held - $2,
			updated_at = NOW()
		WHERE id = $1 AND held >= $2
	`, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit held funds: %w", err)
	}
	return p.checkAffected(ctx, result, walletID, amount, "held")
}

// checkAffected distinguishes "wallet missing" from "balance too low" when
// a guarded UPDATE matched no row.
func (p *PostgresStore) checkAffected(ctx context.Context, result sql.Result, walletID string, required decimal.Decimal, portion string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var available, held decimal.Decimal
	err = database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT available, held FROM wallets WHERE id = $1`, walletID,
	).Scan(&available, &held)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	have := available
	if portion == "held" {
		have = held
	}
	return &InsufficientBalanceError{WalletID: walletID, Available: have, Required: required}
}
