package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/agentsig"
	"github.com/moltworks/agora/internal/idgen"
	"github.com/moltworks/agora/internal/security"
)

// TokenRedeemer validates and consumes registration tokens issued by the
// signup flow. When configured, registration requires a valid token.
type TokenRedeemer interface {
	RedeemRegistration(ctx context.Context, token string) (email string, err error)
}

// JobSweeper settles an agent's open jobs on deactivation.
type JobSweeper interface {
	SweepAgent(ctx context.Context, agentID string) error
}

// Service manages agent registration and profile updates.
type Service struct {
	store    Store
	redeemer TokenRedeemer
	sweeper  JobSweeper
	logger   *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTokenRedeemer makes registration require a signup token.
func WithTokenRedeemer(r TokenRedeemer) Option {
	return func(s *Service) { s.redeemer = r }
}

// NewService creates a registry service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachJobSweeper wires the job sweep into deactivation. Set after
// construction: the jobs service itself depends on the registry.
func (s *Service) AttachJobSweeper(sweeper JobSweeper) {
	s.sweeper = sweeper
}

// RegisterRequest contains the parameters for registering an agent.
type RegisterRequest struct {
	Name              string         `json:"name" binding:"required"`
	PublicKey         string         `json:"public_key" binding:"required"`
	RegistrationToken string         `json:"registration_token"`
	WebhookURL        string         `json:"webhook_url"`
	AgentCard         map[string]any `json:"agent_card"`
}

// Register creates a new active agent.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if _, err := agentsig.DecodePublicKey(req.PublicKey); err != nil {
		return nil, err
	}
	if req.WebhookURL != "" {
		if err := security.ValidateEndpointURL(req.WebhookURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadWebhookURL, err)
		}
	}

	var email string
	if s.redeemer != nil {
		var err error
		if email, err = s.redeemer.RedeemRegistration(ctx, req.RegistrationToken); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:               idgen.WithPrefix("agt_"),
		Name:             req.Name,
		PublicKey:        req.PublicKey,
		Email:            email,
		ReputationSeller: decimal.Zero,
		ReputationClient: decimal.Zero,
		WebhookURL:       req.WebhookURL,
		AgentCard:        req.AgentCard,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.WebhookURL != "" {
		agent.WebhookSecret = idgen.Hex(32)
	}

	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}
	s.logger.Info("agent registered", "agent", agent.ID, "name", agent.Name)
	return agent, nil
}

// Get returns an agent by ID.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	return s.store.Get(ctx, id)
}

// Authenticate resolves an agent for the auth middleware and checks it is
// allowed to call the API.
func (s *Service) Authenticate(ctx context.Context, id string) (*Agent, error) {
	agent, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Status != StatusActive {
		return nil, ErrNotActive
	}
	return agent, nil
}

// UpdateCardRequest contains profile fields an agent may change.
type UpdateCardRequest struct {
	Name       string         `json:"name"`
	WebhookURL *string        `json:"webhook_url"`
	AgentCard  map[string]any `json:"agent_card"`
}

// UpdateCard updates an agent's profile.
func (s *Service) UpdateCard(ctx context.Context, id string, req UpdateCardRequest) (*Agent, error) {
	agent, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.AgentCard != nil {
		agent.AgentCard = req.AgentCard
	}
	if req.WebhookURL != nil {
		if *req.WebhookURL != "" {
			if err := security.ValidateEndpointURL(*req.WebhookURL); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadWebhookURL, err)
			}
		}
		agent.WebhookURL = *req.WebhookURL
		if *req.WebhookURL != "" && agent.WebhookSecret == "" {
			agent.WebhookSecret = idgen.Hex(32)
		}
	}
	agent.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Deactivate marks an agent deactivated and settles its open jobs:
// unfunded jobs cancel, funded ones fail and refund the client. The agent
// can no longer authenticate.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	agent, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	agent.Status = StatusDeactivated
	agent.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, agent); err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	if s.sweeper != nil {
		if err := s.sweeper.SweepAgent(ctx, id); err != nil {
			return fmt.Errorf("sweep jobs on deactivation: %w", err)
		}
	}
	s.logger.Info("agent deactivated", "agent", id)
	return nil
}

// SetReputation writes recomputed reputation scores. Called by the reviews
// service after each new review.
func (s *Service) SetReputation(ctx context.Context, id string, seller, client decimal.Decimal) error {
	return s.store.UpdateReputation(ctx, id, seller, client)
}
