package cashout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sphpay/peacelink/internal/database"
)

// PostgresStore implements Store with PostgreSQL. UpdateStatus guards on
// status = 'pending' so two admins deciding the same request cannot both
// win.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed cashout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const cashoutColumns = `id, user_id, wallet_id, phone, requested_amount, fee_amount, net_amount, status, reason, created_at, decided_at`

func (p *PostgresStore) Create(ctx context.Context, c *Cashout) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO cashouts (id, user_id, wallet_id, phone, requested_amount, fee_amount, net_amount, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.UserID, c.WalletID, c.Phone, c.RequestedAmount, c.FeeAmount, c.NetAmount, c.Status, c.Reason, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cashout: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Cashout, error) {
	row := database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+cashoutColumns+` FROM cashouts WHERE id = $1`, id)
	return scanCashout(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, reason string, decidedAt time.Time) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE cashouts SET status = $2, reason = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, status, reason, decidedAt)
	if err != nil {
		return fmt.Errorf("failed to update cashout: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := database.From(ctx, p.db).QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM cashouts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	return p.list(ctx, `user_id = $1`, userID, limit)
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Cashout, error) {
	return p.list(ctx, `status = $1`, string(StatusPending), limit)
}

func (p *PostgresStore) list(ctx context.Context, cond string, arg any, limit int) ([]*Cashout, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx,
		`SELECT `+cashoutColumns+` FROM cashouts WHERE `+cond+` ORDER BY created_at DESC LIMIT $2`,
		arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Cashout
	for rows.Next() {
		c, err := scanCashout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCashout(row rowScanner) (*Cashout, error) {
	c := &Cashout{}
	var reason sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.WalletID, &c.Phone,
		&c.RequestedAmount, &c.FeeAmount, &c.NetAmount,
		&c.Status, &reason, &c.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Reason = reason.String
	if decidedAt.Valid {
		c.DecidedAt = &decidedAt.Time
	}
	return c, nil
}
