package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the agents table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id                VARCHAR(40) PRIMARY KEY,
			name              VARCHAR(255) NOT NULL,
			public_key        VARCHAR(64) NOT NULL UNIQUE,
			email             VARCHAR(255),
			reputation_seller NUMERIC(3,2) NOT NULL DEFAULT 0,
			reputation_client NUMERIC(3,2) NOT NULL DEFAULT 0,
			webhook_url       TEXT,
			webhook_secret    VARCHAR(64),
			agent_card        JSONB,
			status            VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_active_email
			ON agents(email) WHERE status = 'active' AND email IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	card, err := marshalCard(agent.AgentCard)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, public_key, email, reputation_seller, reputation_client,
			webhook_url, webhook_secret, agent_card, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
	`, agent.ID, agent.Name, agent.PublicKey, agent.Email, agent.ReputationSeller, agent.ReputationClient,
		agent.WebhookURL, agent.WebhookSecret, card, agent.Status, agent.CreatedAt, agent.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "idx_agents_active_email" {
			return ErrDuplicateEmail
		}
		return ErrDuplicateKey
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByPublicKey(ctx context.Context, publicKey string) (*Agent, error) {
	return p.getBy(ctx, "public_key", publicKey)
}

func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*Agent, error) {
	agent := &Agent{}
	var email, webhookURL, webhookSecret sql.NullString
	var card []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, public_key, email, reputation_seller, reputation_client,
			webhook_url, webhook_secret, agent_card, status, created_at, updated_at
		FROM agents WHERE `+column+` = $1
	`, value).Scan(&agent.ID, &agent.Name, &agent.PublicKey, &email,
		&agent.ReputationSeller, &agent.ReputationClient,
		&webhookURL, &webhookSecret, &card, &agent.Status, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	agent.Email = email.String
	agent.WebhookURL = webhookURL.String
	agent.WebhookSecret = webhookSecret.String
	if len(card) > 0 {
		if err := json.Unmarshal(card, &agent.AgentCard); err != nil {
			return nil, fmt.Errorf("decode agent card: %w", err)
		}
	}
	return agent, nil
}

func (p *PostgresStore) HasActiveEmail(ctx context.Context, email string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents WHERE email = $1 AND status = 'active'
	`, email).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) Update(ctx context.Context, agent *Agent) error {
	card, err := marshalCard(agent.AgentCard)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			name           = $2,
			webhook_url    = NULLIF($3, ''),
			webhook_secret = NULLIF($4, ''),
			agent_card     = $5,
			status         = $6,
			updated_at     = $7
		WHERE id = $1
	`, agent.ID, agent.Name, agent.WebhookURL, agent.WebhookSecret, card, agent.Status, agent.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateReputation(ctx context.Context, id string, seller, client decimal.Decimal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			reputation_seller = $2,
			reputation_client = $3,
			updated_at        = NOW()
		WHERE id = $1
	`, id, seller, client)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalCard(card map[string]any) ([]byte, error) {
	if card == nil {
		return nil, nil
	}
	b, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("encode agent card: %w", err)
	}
	return b, nil
}
