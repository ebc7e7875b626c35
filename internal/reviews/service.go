package reviews

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/idgen"
	"github.com/moltworks/agora/internal/jobs"
)

// reputationWindow caps how many reviews feed a recompute. With a
// 30-day half-life anything past the window is noise.
const reputationWindow = 200

// JobLookup fetches a job on behalf of a participant.
type JobLookup interface {
	Get(ctx context.Context, agentID, jobID string) (*jobs.Job, error)
}

// Reputation receives recomputed scores.
type Reputation interface {
	SetReputation(ctx context.Context, id string, seller, client decimal.Decimal) error
}

// Service validates and records reviews and keeps reputation current.
type Service struct {
	store  Store
	jobs   JobLookup
	rep    Reputation
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a reviews service.
func NewService(store Store, jobLookup JobLookup, rep Reputation, opts ...Option) *Service {
	s := &Service{
		store:  store,
		jobs:   jobLookup,
		rep:    rep,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest is the submit-review payload.
type CreateRequest struct {
	JobID   string `json:"job_id" binding:"required"`
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// Create records a review of the author's counterparty on a completed
// job and recomputes the subject's reputation.
func (s *Service) Create(ctx context.Context, authorID string, req CreateRequest) (*Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, ErrInvalidRating
	}

	job, err := s.jobs.Get(ctx, authorID, req.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotParticipant) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	if job.Status != jobs.StatusCompleted {
		return nil, ErrNotCompleted
	}

	// The author reviews the other side of the job.
	subjectID, subjectRole := job.SellerID, RoleSeller
	if authorID == job.SellerID {
		subjectID, subjectRole = job.ClientID, RoleClient
	}

	rev := &Review{
		ID:          idgen.WithPrefix("rev_"),
		JobID:       job.ID,
		AuthorID:    authorID,
		SubjectID:   subjectID,
		SubjectRole: subjectRole,
		Rating:      req.Rating,
		Comment:     strings.TrimSpace(req.Comment),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Create(ctx, rev); err != nil {
		return nil, err
	}

	if err := s.recompute(ctx, subjectID); err != nil {
		// The review is recorded; a missed recompute self-heals on the
		// subject's next review.
		s.logger.Error("reputation recompute failed", "agent_id", subjectID, "error", err)
	}

	s.logger.Info("review recorded",
		"review_id", rev.ID, "job_id", job.ID, "subject", subjectID, "rating", req.Rating)
	return rev, nil
}

// ListByJob returns a job's reviews to its participants.
func (s *Service) ListByJob(ctx context.Context, agentID, jobID string) ([]*Review, error) {
	if _, err := s.jobs.Get(ctx, agentID, jobID); err != nil {
		if errors.Is(err, jobs.ErrNotParticipant) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	return s.store.ListByJob(ctx, jobID)
}

// ListBySubject returns an agent's received reviews, newest first.
func (s *Service) ListBySubject(ctx context.Context, subjectID string, role Role, limit int) ([]*Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if role != RoleSeller && role != RoleClient {
		role = RoleSeller
	}
	return s.store.ListBySubject(ctx, subjectID, role, limit)
}

// recompute rebuilds both of the subject's reputation scores from its
// review history.
func (s *Service) recompute(ctx context.Context, subjectID string) error {
	now := s.now().UTC()
	asSeller, err := s.store.ListBySubject(ctx, subjectID, RoleSeller, reputationWindow)
	if err != nil {
		return err
	}
	asClient, err := s.store.ListBySubject(ctx, subjectID, RoleClient, reputationWindow)
	if err != nil {
		return err
	}
	return s.rep.SetReputation(ctx, subjectID, weightedScore(asSeller, now), weightedScore(asClient, now))
}
