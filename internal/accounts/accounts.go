// Package accounts implements the email signup flow that gates agent
// registration.
//
// Flow:
//  1. POST /signup with an email — a verification token (24h) is mailed
//  2. POST /signup/verify with that token — a registration token (1h)
//     is returned
//  3. The registration token is redeemed once during agent registration
package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenConsumed  = errors.New("token already used")
	ErrEmailTaken     = errors.New("email already has an active agent")
	ErrWrongTokenKind = errors.New("token is not valid for this step")
)

// Token kinds.
const (
	KindVerification = "verification"
	KindRegistration = "registration"
)

// Token lifetimes.
const (
	VerificationTTL = 24 * time.Hour
	RegistrationTTL = time.Hour
)

// Token is a single-use signup token.
type Token struct {
	Token      string     `json:"-"`
	Kind       string     `json:"kind"`
	Email      string     `json:"email"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists signup tokens.
type Store interface {
	Save(ctx context.Context, tok *Token) error
	Get(ctx context.Context, token string) (*Token, error)
	Consume(ctx context.Context, token string) error
}

// AgentDirectory answers whether an email already belongs to an active
// agent. Satisfied by the registry store.
type AgentDirectory interface {
	HasActiveEmail(ctx context.Context, email string) (bool, error)
}

// Mailer delivers signup tokens. The development implementation only logs.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
}
