package profiles

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, pr *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (
			id, display_name, email, stripe_customer_id,
			stripe_payment_method_id, stripe_account_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, profiles.stripe_customer_id),
			stripe_payment_method_id = COALESCE(EXCLUDED.stripe_payment_method_id, profiles.stripe_payment_method_id),
			stripe_account_id = COALESCE(EXCLUDED.stripe_account_id, profiles.stripe_account_id),
			updated_at = EXCLUDED.updated_at`,
		pr.ID, pr.DisplayName, nullString(pr.Email), nullString(pr.StripeCustomerID),
		nullString(pr.StripePaymentMethodID), nullString(pr.StripeAccountID),
		pr.CreatedAt, pr.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	var pr Profile
	var email, customer, method, acct sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, stripe_customer_id,
		       stripe_payment_method_id, stripe_account_id, created_at, updated_at
		FROM profiles WHERE id = $1`, id,
	).Scan(&pr.ID, &pr.DisplayName, &email, &customer, &method, &acct, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Email = email.String
	pr.StripeCustomerID = customer.String
	pr.StripePaymentMethodID = method.String
	pr.StripeAccountID = acct.String
	return &pr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
