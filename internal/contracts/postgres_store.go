package contracts

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists contract data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, title, producer_id, talent_id, rate, status,
	payment_status, paid_amount, accepted_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6, $7, $8::NUMERIC(14,2), $9, $10, $11)`,
		c.ID, c.Title, c.ProducerID, c.TalentID, nullString(c.Rate), string(c.Status),
		string(c.PaymentStatus), c.PaidAmount, nullTime(c.AcceptedAt), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			status = $1, accepted_at = $2, updated_at = $3
		WHERE id = $4`,
		string(c.Status), nullTime(c.AcceptedAt), c.UpdatedAt, c.ID,
	)
	return expectOneRow(result, err)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE producer_id = $1 OR talent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanContracts(rows)
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, paidAmount string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			payment_status = $1, paid_amount = $2::NUMERIC(14,2), updated_at = $3
		WHERE id = $4`,
		string(status), paidAmount, at, id,
	)
	return expectOneRow(result, err)
}

func expectOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContractNotFound
	}
	return nil
}

// --- scan helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		rate       sql.NullString
		acceptedAt sql.NullTime
		status     string
		payment    string
	)

	err := s.Scan(
		&c.ID, &c.Title, &c.ProducerID, &c.TalentID, &rate, &status,
		&payment, &c.PaidAmount, &acceptedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.PaymentStatus = PaymentStatus(payment)
	c.Rate = rate.String
	if acceptedAt.Valid {
		c.AcceptedAt = &acceptedAt.Time
	}
	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- nullable helpers ---

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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
