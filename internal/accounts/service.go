package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/moltworks/agora/internal/idgen"
)

// Service runs the signup flow.
type Service struct {
	store  Store
	agents AgentDirectory
	mailer Mailer
	logger *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMailer sets the token delivery mechanism.
func WithMailer(m Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// NewService creates an accounts service.
func NewService(store Store, agents AgentDirectory, opts ...Option) *Service {
	s := &Service{store: store, agents: agents, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.mailer == nil {
		s.mailer = &logMailer{logger: s.logger}
	}
	return s
}

// Signup starts the flow for an email address.
func (s *Service) Signup(ctx context.Context, email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email address")
	}
	email = addr.Address

	taken, err := s.agents.HasActiveEmail(ctx, email)
	if err != nil {
		return err
	}
	if taken {
		return ErrEmailTaken
	}

	tok := &Token{
		Token:     idgen.Hex(32),
		Kind:      KindVerification,
		Email:     email,
		ExpiresAt: time.Now().UTC().Add(VerificationTTL),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Save(ctx, tok); err != nil {
		return err
	}
	if err := s.mailer.SendVerification(ctx, email, tok.Token); err != nil {
		return fmt.Errorf("send verification: %w", err)
	}
	s.logger.Info("signup started", "email", email)
	return nil
}

// Verify exchanges a verification token for a registration token.
func (s *Service) Verify(ctx context.Context, token string) (registrationToken string, err error) {
	tok, err := s.checkToken(ctx, token, KindVerification)
	if err != nil {
		return "", err
	}
	if err := s.store.Consume(ctx, token); err != nil {
		return "", err
	}

	reg := &Token{
		Token:     idgen.Hex(32),
		Kind:      KindRegistration,
		Email:     tok.Email,
		ExpiresAt: time.Now().UTC().Add(RegistrationTTL),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Save(ctx, reg); err != nil {
		return "", err
	}
	s.logger.Info("email verified", "email", tok.Email)
	return reg.Token, nil
}

// RedeemRegistration consumes a registration token and returns the email
// it was issued for. Implements registry.TokenRedeemer.
func (s *Service) RedeemRegistration(ctx context.Context, token string) (string, error) {
	tok, err := s.checkToken(ctx, token, KindRegistration)
	if err != nil {
		return "", err
	}
	if err := s.store.Consume(ctx, token); err != nil {
		return "", err
	}
	return tok.Email, nil
}

func (s *Service) checkToken(ctx context.Context, token, kind string) (*Token, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	tok, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok.Kind != kind {
		return nil, ErrWrongTokenKind
	}
	if tok.ConsumedAt != nil {
		return nil, ErrTokenConsumed
	}
	if time.Now().UTC().After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return tok, nil
}

// logMailer logs tokens instead of sending mail. Development only.
type logMailer struct {
	logger *slog.Logger
}

func (m *logMailer) SendVerification(ctx context.Context, email, token string) error {
	m.logger.Info("verification token issued (dev mailer)", "email", email, "token", token)
	return nil
}
