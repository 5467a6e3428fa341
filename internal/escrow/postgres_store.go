package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/castline/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, contract_id, payer_id, payee_id, amount, description, milestone_number,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6, $7, $8, $9, $10)`,
		e.ID, e.ContractID, e.PayerID, e.PayeeID, e.Amount,
		nullString(e.Description), nullInt(e.MilestoneNumber),
		string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, contract_id, payer_id, payee_id, amount, description, milestone_number,
		       status, platform_fee, net_amount,
		       processor_charge_ref, processor_transfer_ref, processor_refund_ref, processor_attempts,
		       dispute_reason, disputed_by, resolution_notes, resolved_by,
		       created_at, updated_at, funded_at, disputed_at, resolved_at, released_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Transition is a compare-and-set on status. COALESCE keeps the first
// value written to every write-once column.
func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1,
			updated_at = $2,
			platform_fee = COALESCE(platform_fee, $3::NUMERIC(14,2)),
			net_amount = COALESCE(net_amount, $4::NUMERIC(14,2)),
			processor_charge_ref = COALESCE(processor_charge_ref, $5),
			processor_transfer_ref = COALESCE(processor_transfer_ref, $6),
			processor_refund_ref = COALESCE(processor_refund_ref, $7),
			dispute_reason = COALESCE(dispute_reason, $8),
			disputed_by = COALESCE(disputed_by, $9),
			resolution_notes = COALESCE(resolution_notes, $10),
			resolved_by = COALESCE(resolved_by, $11),
			funded_at = COALESCE(funded_at, $12),
			disputed_at = COALESCE(disputed_at, $13),
			resolved_at = COALESCE(resolved_at, $14),
			released_at = COALESCE(released_at, $15)
		WHERE id = $16 AND status = $17`,
		string(e.Status), e.UpdatedAt,
		nullString(e.PlatformFee), nullString(e.NetAmount),
		nullString(e.ProcessorChargeRef), nullString(e.ProcessorTransferRef), nullString(e.ProcessorRefundRef),
		nullString(e.DisputeReason), nullString(e.DisputedBy),
		nullString(e.ResolutionNotes), nullString(e.ResolvedBy),
		nullTime(e.FundedAt), nullTime(e.DisputedAt), nullTime(e.ResolvedAt), nullTime(e.ReleasedAt),
		e.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrow_payments WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrStaleStatus
}

func (p *PostgresStore) RecordProcessorRefusal(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET processor_attempts = processor_attempts + 1
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_payments
		WHERE contract_id = $1
		ORDER BY created_at DESC, id DESC`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, role Role, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var where string
	switch role {
	case RolePayer:
		where = `payer_id = $1`
	case RolePayee:
		where = `payee_id = $1`
	default:
		where = `(payer_id = $1 OR payee_id = $1)`
	}

	var (
		afterTime sql.NullTime
		afterID   string
	)
	if after != nil {
		afterTime = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_payments
		WHERE `+where+`
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, afterTime, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) EarningsByStatus(ctx context.Context, payeeID string) (map[Status]Totals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COALESCE(SUM(amount), 0), COALESCE(SUM(net_amount), 0), COUNT(*)
		FROM escrow_payments
		WHERE payee_id = $1
		GROUP BY status`, payeeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]Totals)
	for rows.Next() {
		var (
			status string
			t      Totals
		)
		if err := rows.Scan(&status, &t.Gross, &t.Net, &t.Count); err != nil {
			return nil, err
		}
		out[Status(status)] = t
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		description     sql.NullString
		milestone       sql.NullInt64
		status          string
		platformFee     sql.NullString
		netAmount       sql.NullString
		chargeRef       sql.NullString
		transferRef     sql.NullString
		refundRef       sql.NullString
		disputeReason   sql.NullString
		disputedBy      sql.NullString
		resolutionNotes sql.NullString
		resolvedBy      sql.NullString
		fundedAt        sql.NullTime
		disputedAt      sql.NullTime
		resolvedAt      sql.NullTime
		releasedAt      sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.ContractID, &e.PayerID, &e.PayeeID, &e.Amount, &description, &milestone,
		&status, &platformFee, &netAmount,
		&chargeRef, &transferRef, &refundRef, &e.ProcessorAttempts,
		&disputeReason, &disputedBy, &resolutionNotes, &resolvedBy,
		&e.CreatedAt, &e.UpdatedAt, &fundedAt, &disputedAt, &resolvedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Description = description.String
	if milestone.Valid {
		n := int(milestone.Int64)
		e.MilestoneNumber = &n
	}
	e.PlatformFee = platformFee.String
	e.NetAmount = netAmount.String
	e.ProcessorChargeRef = chargeRef.String
	e.ProcessorTransferRef = transferRef.String
	e.ProcessorRefundRef = refundRef.String
	e.DisputeReason = disputeReason.String
	e.DisputedBy = disputedBy.String
	e.ResolutionNotes = resolutionNotes.String
	e.ResolvedBy = resolvedBy.String
	e.FundedAt = timePtr(fundedAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.ReleasedAt = timePtr(releasedAt)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
