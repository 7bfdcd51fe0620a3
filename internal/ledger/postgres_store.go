package ledger

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
// The ledger_entries table has no UPDATE or DELETE path anywhere in the
// codebase; the unique index on idempotency_key is what makes replays
// post exactly once.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) (bool, error) {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, debit_wallet_id, credit_wallet_id, platform_wallet_name,
			 amount, entry_type, reference, idempotency_key, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''),
			$5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
	`, e.ID, e.DebitWalletID, e.CreditWalletID, e.PlatformWallet,
		e.Amount, string(e.Type), e.Reference, e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return false, nil
		}
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx, `
		SELECT id, COALESCE(debit_wallet_id, ''), COALESCE(credit_wallet_id, ''),
			COALESCE(platform_wallet_name, ''), amount, entry_type,
			COALESCE(reference, ''), COALESCE(idempotency_key, ''), created_at
		FROM ledger_entries
		WHERE debit_wallet_id = $1 OR credit_wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) ListByReference(ctx context.Context, reference string) ([]*Entry, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx, `
		SELECT id, COALESCE(debit_wallet_id, ''), COALESCE(credit_wallet_id, ''),
			COALESCE(platform_wallet_name, ''), amount, entry_type,
			COALESCE(reference, ''), COALESCE(idempotency_key, ''), created_at
		FROM ledger_entries
		WHERE reference = $1
		ORDER BY created_at ASC
	`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) AddProfit(ctx context.Context, amount decimal.Decimal) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE platform_accounts SET
			balance    = balance + $2,
			updated_at = NOW()
		WHERE name = $1
	`, PlatformProfitWallet, amount)
	if err != nil {
		return fmt.Errorf("failed to accrue platform profit: %w", err)
	}
	return nil
}

func (p *PostgresStore) ProfitBalance(ctx context.Context) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT balance FROM platform_accounts WHERE name = $1`, PlatformProfitWallet,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (p *PostgresStore) SumFees(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := database.From(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE entry_type = $1
	`, string(EntryPlatformFee)).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var entryType string
		if err := rows.Scan(&e.ID, &e.DebitWalletID, &e.CreditWalletID,
			&e.PlatformWallet, &e.Amount, &entryType,
			&e.Reference, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		result = append(result, e)
	}
	return result, rows.Err()
}
