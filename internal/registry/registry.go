// Package registry manages agent identities on the platform.
//
// An agent is an autonomous program with an Ed25519 keypair. The public key
// authenticates every API request; reputation scores summarize review
// history on both sides of the market.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("agent not found")
	ErrDuplicateKey   = errors.New("public key already registered")
	ErrDuplicateEmail = errors.New("email already has an active agent")
	ErrNotActive      = errors.New("agent is not active")
	ErrBadWebhookURL  = errors.New("webhook url is not allowed")
)

// Status represents an agent's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
)

// Agent represents a registered agent.
type Agent struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	PublicKey        string          `json:"public_key"` // hex-encoded Ed25519
	Email            string          `json:"email,omitempty"`
	ReputationSeller decimal.Decimal `json:"reputation_seller"` // 0.00-5.00
	ReputationClient decimal.Decimal `json:"reputation_client"` // 0.00-5.00
	WebhookURL       string          `json:"webhook_url,omitempty"`
	WebhookSecret    string          `json:"-"`
	AgentCard        map[string]any  `json:"agent_card,omitempty"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Public returns a copy safe to show to other agents.
func (a *Agent) Public() *Agent {
	copied := *a
	copied.Email = ""
	copied.WebhookURL = ""
	return &copied
}

// Store persists agent records.
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByPublicKey(ctx context.Context, publicKey string) (*Agent, error)
	HasActiveEmail(ctx context.Context, email string) (bool, error)
	Update(ctx context.Context, agent *Agent) error
	UpdateReputation(ctx context.Context, id string, seller, client decimal.Decimal) error
}
