package accounts

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the signup tokens table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS signup_tokens (
			token       VARCHAR(64) PRIMARY KEY,
			kind        VARCHAR(16) NOT NULL,
			email       VARCHAR(255) NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_signup_tokens_email ON signup_tokens(email);
	`)
	return err
}

func (p *PostgresStore) Save(ctx context.Context, tok *Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO signup_tokens (token, kind, email, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tok.Token, tok.Kind, tok.Email, tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, token string) (*Token, error) {
	tok := &Token{}
	var consumedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT token, kind, email, expires_at, consumed_at, created_at
		FROM signup_tokens WHERE token = $1
	`, token).Scan(&tok.Token, &tok.Kind, &tok.Email, &tok.ExpiresAt, &consumedAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if consumedAt.Valid {
		tok.ConsumedAt = &consumedAt.Time
	}
	return tok, nil
}

// Consume marks a token used. The WHERE clause makes consumption
// single-winner under concurrent redemption.
func (p *PostgresStore) Consume(ctx context.Context, token string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE signup_tokens SET consumed_at = NOW()
		WHERE token = $1 AND consumed_at IS NULL
	`, token)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either unknown or already consumed; disambiguate for the caller.
		if _, err := p.Get(ctx, token); errors.Is(err, ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		return ErrTokenConsumed
	}
	return nil
}
