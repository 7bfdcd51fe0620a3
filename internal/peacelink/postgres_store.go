package peacelink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sphpay/peacelink/internal/database"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed PeaceLink store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const linkColumns = `
	id, reference_number, merchant_id, buyer_id, buyer_phone,
	item_amount, delivery_fee, total_amount, delivery_fee_paid_by,
	advance_percentage, advance_amount,
	fee_merchant_pct, fee_merchant_fixed, fee_dsp_pct, fee_advance_pct, fee_cashout_pct,
	status, dsp_id, dsp_wallet_number, dsp_reassignments,
	otp_hash, otp_generated_at, otp_expires_at, otp_attempts,
	version, canceled_by, cancellation_reason,
	created_at, updated_at, expires_at, approved_at, assigned_at,
	delivered_at, disputed_at, canceled_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, link *PeaceLink) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO peacelinks (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, NULLIF($18, ''), NULLIF($19, ''), $20,
			NULLIF($21, ''), $22, $23, $24,
			$25, NULLIF($26, ''), NULLIF($27, ''),
			$28, $29, $30, $31, $32, $33, $34, $35, $36)
	`,
		link.ID, link.Reference, link.MerchantID, link.BuyerID, link.BuyerPhone,
		link.ItemAmount, link.DeliveryFee, link.TotalAmount, link.DeliveryFeePaidBy,
		link.AdvancePercentage, link.AdvanceAmount,
		link.Fees.MerchantPercentage, link.Fees.MerchantFixed, link.Fees.DSPPercentage,
		link.Fees.AdvancePercentage, link.Fees.CashoutPercentage,
		string(link.Status), link.DSPID, link.DSPWalletNumber, link.DSPReassignments,
		link.OTPHash, nullTime(link.OTPGeneratedAt), nullTime(link.OTPExpiresAt), link.OTPAttempts,
		link.Version, string(link.CanceledBy), link.CancellationReason,
		link.CreatedAt, link.UpdatedAt, nullTime(link.ExpiresAt), nullTime(link.ApprovedAt),
		nullTime(link.AssignedAt), nullTime(link.DeliveredAt), nullTime(link.DisputedAt),
		nullTime(link.CanceledAt), nullTime(link.CompletedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to create peacelink: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PeaceLink, error) {
	return p.getWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*PeaceLink, error) {
	return p.getWhere(ctx, "reference_number = $1", reference)
}

func (p *PostgresStore) getWhere(ctx context.Context, cond string, arg any) (*PeaceLink, error) {
	row := database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM peacelinks WHERE `+cond, arg)
	link, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Update persists the aggregate guarded by the optimistic version.
func (p *PostgresStore) Update(ctx context.Context, link *PeaceLink) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE peacelinks SET
			status = $3, dsp_id = NULLIF($4, ''), dsp_wallet_number = NULLIF($5, ''),
			dsp_reassignments = $6,
			otp_hash = NULLIF($7, ''), otp_generated_at = $8, otp_expires_at = $9,
			otp_attempts = $10,
			canceled_by = NULLIF($11, ''), cancellation_reason = NULLIF($12, ''),
			updated_at = NOW(), approved_at = $13, assigned_at = $14,
			delivered_at = $15, disputed_at = $16, canceled_at = $17,
			completed_at = $18,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, link.ID, link.Version,
		string(link.Status), link.DSPID, link.DSPWalletNumber, link.DSPReassignments,
		link.OTPHash, nullTime(link.OTPGeneratedAt), nullTime(link.OTPExpiresAt), link.OTPAttempts,
		string(link.CanceledBy), link.CancellationReason,
		nullTime(link.ApprovedAt), nullTime(link.AssignedAt), nullTime(link.DeliveredAt),
		nullTime(link.DisputedAt), nullTime(link.CanceledAt), nullTime(link.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to update peacelink: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Missing row and stale version both match zero rows.
		var exists bool
		if err := database.From(ctx, p.db).QueryRowContext(ctx,
			`SELECT TRUE FROM peacelinks WHERE id = $1`, link.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	link.Version++
	return nil
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*PeaceLink, error) {
	return p.listWhere(ctx, "merchant_id = $1", merchantID, limit)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*PeaceLink, error) {
	return p.listWhere(ctx, "buyer_id = $1", buyerID, limit)
}

func (p *PostgresStore) ListByDSP(ctx context.Context, dspID string, limit int) ([]*PeaceLink, error) {
	return p.listWhere(ctx, "dsp_id = $1", dspID, limit)
}

func (p *PostgresStore) listWhere(ctx context.Context, cond string, arg any, limit int) ([]*PeaceLink, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx,
		`SELECT `+linkColumns+` FROM peacelinks WHERE `+cond+`
		 ORDER BY created_at DESC LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PeaceLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*PeaceLink, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx,
		`SELECT `+linkColumns+` FROM peacelinks
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		 ORDER BY expires_at ASC LIMIT $3`,
		string(StatusPendingApproval), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PeaceLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*PeaceLink, error) {
	link := &PeaceLink{}
	var (
		status, canceledBy                        string
		dspID, dspWallet, otpHash, cancelReason   sql.NullString
		otpGenAt, otpExpAt, expiresAt, approvedAt sql.NullTime
		assignedAt, deliveredAt, disputedAt       sql.NullTime
		canceledAt, completedAt                   sql.NullTime
	)
	err := row.Scan(
		&link.ID, &link.Reference, &link.MerchantID, &link.BuyerID, &link.BuyerPhone,
		&link.ItemAmount, &link.DeliveryFee, &link.TotalAmount, &link.DeliveryFeePaidBy,
		&link.AdvancePercentage, &link.AdvanceAmount,
		&link.Fees.MerchantPercentage, &link.Fees.MerchantFixed, &link.Fees.DSPPercentage,
		&link.Fees.AdvancePercentage, &link.Fees.CashoutPercentage,
		&status, &dspID, &dspWallet, &link.DSPReassignments,
		&otpHash, &otpGenAt, &otpExpAt, &link.OTPAttempts,
		&link.Version, &canceledBy, &cancelReason,
		&link.CreatedAt, &link.UpdatedAt, &expiresAt, &approvedAt, &assignedAt,
		&deliveredAt, &disputedAt, &canceledAt, &completedAt)
	if err != nil {
		return nil, err
	}
	link.Status = Status(status)
	link.CanceledBy = Party(canceledBy)
	link.DSPID = dspID.String
	link.DSPWalletNumber = dspWallet.String
	link.OTPHash = otpHash.String
	link.CancellationReason = cancelReason.String
	link.OTPGeneratedAt = timePtr(otpGenAt)
	link.OTPExpiresAt = timePtr(otpExpAt)
	link.ExpiresAt = timePtr(expiresAt)
	link.ApprovedAt = timePtr(approvedAt)
	link.AssignedAt = timePtr(assignedAt)
	link.DeliveredAt = timePtr(deliveredAt)
	link.DisputedAt = timePtr(disputedAt)
	link.CanceledAt = timePtr(canceledAt)
	link.CompletedAt = timePtr(completedAt)
	return link, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// PostgresHoldStore implements HoldStore with PostgreSQL.
type PostgresHoldStore struct {
	db *sql.DB
}

// NewPostgresHoldStore creates a new PostgreSQL-backed hold store.
func NewPostgresHoldStore(db *sql.DB) *PostgresHoldStore {
	return &PostgresHoldStore{db: db}
}

func (p *PostgresHoldStore) Create(ctx context.Context, h *Hold) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO sph_holds (id, peacelink_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, h.ID, h.PeaceLinkID, h.Amount, string(h.Status), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sph hold: %w", err)
	}
	return nil
}

func (p *PostgresHoldStore) GetByPeaceLink(ctx context.Context, peaceLinkID string) (*Hold, error) {
	h := &Hold{}
	var status string
	var resolvedAt sql.NullTime
	err := database.From(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, peacelink_id, amount, status, created_at, resolved_at
		FROM sph_holds WHERE peacelink_id = $1
	`, peaceLinkID).Scan(&h.ID, &h.PeaceLinkID, &h.Amount, &status, &h.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	h.ResolvedAt = timePtr(resolvedAt)
	return h, nil
}

func (p *PostgresHoldStore) Resolve(ctx context.Context, holdID string, status HoldStatus) error {
	result, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE sph_holds SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status = $3
	`, holdID, string(status), string(HoldActive))
	if err != nil {
		return fmt.Errorf("failed to resolve sph hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresPayoutStore implements PayoutStore with PostgreSQL.
type PostgresPayoutStore struct {
	db *sql.DB
}

// NewPostgresPayoutStore creates a new PostgreSQL-backed payout store.
func NewPostgresPayoutStore(db *sql.DB) *PostgresPayoutStore {
	return &PostgresPayoutStore{db: db}
}

func (p *PostgresPayoutStore) Create(ctx context.Context, payout *Payout) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO peacelink_payouts
			(id, peacelink_id, wallet_id, gross_amount, fee_amount, net_amount,
			 payout_type, is_advance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, payout.ID, payout.PeaceLinkID, payout.WalletID, payout.Gross, payout.Fee,
		payout.Net, string(payout.Type), payout.IsAdvance, payout.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

func (p *PostgresPayoutStore) ListByPeaceLink(ctx context.Context, peaceLinkID string) ([]*Payout, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx, `
		SELECT id, peacelink_id, wallet_id, gross_amount, fee_amount, net_amount,
			payout_type, is_advance, created_at
		FROM peacelink_payouts WHERE peacelink_id = $1 ORDER BY created_at ASC
	`, peaceLinkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Payout
	for rows.Next() {
		payout := &Payout{}
		var payoutType string
		if err := rows.Scan(&payout.ID, &payout.PeaceLinkID, &payout.WalletID,
			&payout.Gross, &payout.Fee, &payout.Net, &payoutType,
			&payout.IsAdvance, &payout.CreatedAt); err != nil {
			return nil, err
		}
		payout.Type = PayoutType(payoutType)
		result = append(result, payout)
	}
	return result, rows.Err()
}
