package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/castline/escrowd/internal/escrow"
)

// PostgresJournal persists pending commits in PostgreSQL.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal creates a new PostgreSQL-backed journal.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

const commitColumns = `id, escrow_id, operation, kind, from_status, to_status, gateway_ref,
		       platform_fee, net_amount, actor, notes, payment_method_ref,
		       attempts, last_error, created_at, updated_at, resolved_at`

func (p *PostgresJournal) Record(ctx context.Context, pc *escrow.PendingCommit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_pending_commits (`+commitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(14,2), $9::NUMERIC(14,2),
		        $10, $11, $12, $13, $14, $15, $16, $17)`,
		pc.ID, pc.EscrowID, string(pc.Operation), string(pc.Kind),
		string(pc.FromStatus), string(pc.ToStatus), nullString(pc.GatewayRef),
		nullString(pc.PlatformFee), nullString(pc.NetAmount),
		pc.Actor, nullString(pc.Notes), nullString(pc.PaymentMethodRef),
		pc.Attempts, nullString(pc.LastError), pc.CreatedAt, pc.UpdatedAt, nullTime(pc.ResolvedAt),
	)
	return err
}

func (p *PostgresJournal) OpenForEscrow(ctx context.Context, escrowID string) (*escrow.PendingCommit, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+commitColumns+` FROM escrow_pending_commits
		WHERE escrow_id = $1 AND resolved_at IS NULL
		  AND kind IN ('local_commit', 'unknown_outcome')
		LIMIT 1`, escrowID)

	pc, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return pc, err
}

func (p *PostgresJournal) ListOpen(ctx context.Context, limit int) ([]*escrow.PendingCommit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM escrow_pending_commits
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*escrow.PendingCommit
	for rows.Next() {
		pc, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) MarkAttempt(ctx context.Context, id, gatewayRef, lastError string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_pending_commits SET
			attempts = attempts + 1,
			gateway_ref = COALESCE(gateway_ref, $1),
			last_error = $2,
			updated_at = $3
		WHERE id = $4`,
		nullString(gatewayRef), nullString(lastError), at, id,
	)
	return expectOne(result, err)
}

func (p *PostgresJournal) MarkResolved(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_pending_commits SET
			resolved_at = COALESCE(resolved_at, $1),
			updated_at = $1
		WHERE id = $2`, at, id)
	return expectOne(result, err)
}

func expectOne(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCommitNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCommit(s scanner) (*escrow.PendingCommit, error) {
	var (
		pc                                    escrow.PendingCommit
		op, kind, from, to                    string
		ref, fee, net, notes, method, lastErr sql.NullString
		resolvedAt                            sql.NullTime
	)
	err := s.Scan(
		&pc.ID, &pc.EscrowID, &op, &kind, &from, &to, &ref,
		&fee, &net, &pc.Actor, &notes, &method,
		&pc.Attempts, &lastErr, &pc.CreatedAt, &pc.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	pc.Operation = escrow.Operation(op)
	pc.Kind = escrow.CommitKind(kind)
	pc.FromStatus = escrow.Status(from)
	pc.ToStatus = escrow.Status(to)
	pc.GatewayRef = ref.String
	pc.PlatformFee = fee.String
	pc.NetAmount = net.String
	pc.Notes = notes.String
	pc.PaymentMethodRef = method.String
	pc.LastError = lastErr.String
	if resolvedAt.Valid {
		pc.ResolvedAt = &resolvedAt.Time
	}
	return &pc, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ escrow.CommitJournal = (*PostgresJournal)(nil)
