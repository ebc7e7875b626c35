package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/fees"
	"github.com/moltworks/agora/internal/idgen"
	"github.com/moltworks/agora/internal/ledger"
	"github.com/moltworks/agora/internal/metrics"
	"github.com/moltworks/agora/internal/traces"
	"github.com/moltworks/agora/internal/verify"
)

// Service coordinates the job lifecycle.
type Service struct {
	store     Store
	ledger    Ledger
	catalog   Catalog
	verifier  Verifier
	deadlines Deadlines
	notifier  Notifier
	schedule  fees.Schedule
	logger    *slog.Logger

	maxRounds           int
	maxDeliverableBytes int64
	sandboxMaxTimeout   time.Duration
	sandboxMaxMemoryMB  int64
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithVerifier sets the verification runner.
func WithVerifier(v Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithDeadlines sets the deadline queue.
func WithDeadlines(q Deadlines) Option {
	return func(s *Service) { s.deadlines = q }
}

// WithNotifier sets the outbound event notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMaxRounds overrides the negotiation round limit.
func WithMaxRounds(n int) Option {
	return func(s *Service) { s.maxRounds = n }
}

// WithMaxDeliverableBytes overrides the deliverable size limit.
func WithMaxDeliverableBytes(n int64) Option {
	return func(s *Service) { s.maxDeliverableBytes = n }
}

// WithSandboxLimits overrides the script timeout and memory ceilings used
// when validating attached suites.
func WithSandboxLimits(timeout time.Duration, memoryMB int64) Option {
	return func(s *Service) {
		s.sandboxMaxTimeout = timeout
		s.sandboxMaxMemoryMB = memoryMB
	}
}

// NewService creates a job service.
func NewService(store Store, ldg Ledger, catalog Catalog, schedule fees.Schedule, opts ...Option) *Service {
	s := &Service{
		store:               store,
		ledger:              ldg,
		catalog:             catalog,
		schedule:            schedule,
		logger:              slog.Default(),
		maxRounds:           5,
		maxDeliverableBytes: 256 << 10,
		sandboxMaxTimeout:   5 * time.Minute,
		sandboxMaxMemoryMB:  512,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// invalidTransition wraps ErrInvalidTransition with the state the job is
// actually in, so the 409 tells the caller what went wrong.
func invalidTransition(current Status) error {
	return fmt.Errorf("%w: job is %s", ErrInvalidTransition, current)
}

// ProposeInput opens a job against a listing, or directly to a seller
// when ListingID is empty.
type ProposeInput struct {
	ListingID    string        `json:"listing_id,omitempty"`
	SellerID     string        `json:"seller_id,omitempty"`
	OfferedPrice string        `json:"offered_price,omitempty"` // empty = listing price
	Criteria     string        `json:"criteria" binding:"required"`
	Deadline     string        `json:"deadline,omitempty"` // RFC3339
	Message      string        `json:"message,omitempty"`
	Suite        *verify.Suite `json:"suite,omitempty"`
}

// Propose opens a job in the proposed state.
func (s *Service) Propose(ctx context.Context, clientID string, in ProposeInput) (*Job, error) {
	var (
		sellerID  string
		listingID string
		price     decimal.Decimal
	)
	switch {
	case in.ListingID != "":
		listing, err := s.catalog.Get(ctx, in.ListingID)
		if err != nil {
			return nil, err
		}
		if !listing.Active {
			return nil, ErrListingInactive
		}
		sellerID = listing.SellerID
		listingID = listing.ID
		price = listing.Price
	case in.SellerID != "":
		// Direct proposal; there is no listing price to fall back on.
		sellerID = in.SellerID
		if in.OfferedPrice == "" {
			return nil, fmt.Errorf("offered price is required without a listing")
		}
	default:
		return nil, ErrSellerRequired
	}
	if sellerID == clientID {
		return nil, ErrSelfHire
	}
	if in.Criteria == "" {
		return nil, fmt.Errorf("acceptance criteria are required")
	}

	if in.OfferedPrice != "" {
		var err error
		price, err = decimal.NewFromString(in.OfferedPrice)
		if err != nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("offered price must be a positive decimal")
		}
		price = price.Round(2)
	}

	var deadlineAt *time.Time
	if in.Deadline != "" {
		t, err := time.Parse(time.RFC3339, in.Deadline)
		if err != nil {
			return nil, fmt.Errorf("deadline must be RFC3339")
		}
		if !t.After(time.Now()) {
			return nil, ErrDeadlinePast
		}
		t = t.UTC()
		deadlineAt = &t
	}

	if in.Suite != nil {
		if err := verify.ValidateSuite(in.Suite, s.sandboxMaxTimeout, s.sandboxMaxMemoryMB); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:             idgen.WithPrefix("job_"),
		ListingID:      listingID,
		ClientID:       clientID,
		SellerID:       sellerID,
		Status:         StatusProposed,
		OfferedPrice:   price,
		Criteria:       in.Criteria,
		CriteriaSHA256: CriteriaHash(in.Criteria, in.Suite),
		Suite:          in.Suite,
		DeadlineAt:     deadlineAt,
		NegotiationLog: []Offer{{
			By: clientID, Role: "client", Price: price, Message: in.Message, Round: 0, At: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job proposed",
		"job_id", job.ID, "client", clientID, "seller", job.SellerID, "price", price)
	s.notify(ctx, job.SellerID, job, "job.proposed", nil)
	return job, nil
}

// CounterInput proposes a new price.
type CounterInput struct {
	Price   string `json:"price" binding:"required"`
	Message string `json:"message,omitempty"`
}

// Counter records a counter-offer from either party. Exceeding the round
// limit cancels the job.
func (s *Service) Counter(ctx context.Context, agentID, jobID string, in CounterInput) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	role := job.roleOf(agentID)
	if role == "" {
		return nil, ErrNotParticipant
	}
	if job.Status != StatusProposed && job.Status != StatusNegotiating {
		return nil, invalidTransition(job.Status)
	}

	price, err := decimal.NewFromString(in.Price)
	if err != nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("price must be a positive decimal")
	}
	price = price.Round(2)

	job.Round++
	if job.Round > s.maxRounds {
		job.Status = StatusCancelled
		job.FailReason = "negotiation round limit exceeded"
		job.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, job); err != nil {
			return nil, err
		}
		s.logger.Info("job cancelled", "job_id", job.ID, "reason", job.FailReason)
		return job, ErrMaxRounds
	}

	now := time.Now().UTC()
	job.Status = StatusNegotiating
	job.OfferedPrice = price
	job.NegotiationLog = append(job.NegotiationLog, Offer{
		By: agentID, Role: role, Price: price, Message: in.Message, Round: job.Round, At: now,
	})
	job.UpdatedAt = now
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.notify(ctx, s.counterparty(job, agentID), job, "job.countered", map[string]any{
		"price": price.StringFixed(2), "round": job.Round,
	})
	return job, nil
}

// AcceptInput confirms the latest offer.
type AcceptInput struct {
	CriteriaSHA256 string `json:"criteria_sha256,omitempty"`
}

// Accept locks the price. A seller must echo the criteria hash; the
// client already authored the criteria and is exempt.
func (s *Service) Accept(ctx context.Context, agentID, jobID string, in AcceptInput) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	role := job.roleOf(agentID)
	if role == "" {
		return nil, ErrNotParticipant
	}
	if !CanTransition(job.Status, StatusAgreed) {
		return nil, invalidTransition(job.Status)
	}
	if role == "seller" {
		if in.CriteriaSHA256 == "" {
			return nil, ErrCriteriaRequired
		}
		if in.CriteriaSHA256 != job.CriteriaSHA256 {
			return nil, ErrCriteriaMismatch
		}
	}

	job.Status = StatusAgreed
	job.AgreedPrice = job.OfferedPrice
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job agreed", "job_id", job.ID, "agreed_price", job.AgreedPrice)
	s.notify(ctx, s.counterparty(job, agentID), job, "job.agreed", map[string]any{
		"agreed_price": job.AgreedPrice.StringFixed(2),
	})
	return job, nil
}

// Fund moves the agreed price into escrow and arms the deadline.
func (s *Service) Fund(ctx context.Context, clientID, jobID string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.fund", traces.JobID(jobID), traces.AgentID(clientID))
	defer span.End()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(clientID) == "" {
		return nil, ErrNotParticipant
	}
	if clientID != job.ClientID {
		return nil, ErrNotClient
	}
	if !CanTransition(job.Status, StatusFunded) {
		return nil, invalidTransition(job.Status)
	}

	esc, err := s.ledger.FundEscrow(ctx, job.ID, job.ClientID, job.SellerID, job.AgreedPrice)
	if err != nil {
		return nil, err
	}

	job.Status = StatusFunded
	job.EscrowID = esc.ID
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	if s.deadlines != nil && job.DeadlineAt != nil {
		if err := s.deadlines.Schedule(ctx, job.ID, *job.DeadlineAt); err != nil {
			s.logger.Error("deadline schedule failed", "job_id", job.ID, "error", err)
		}
	}

	s.logger.Info("job funded", "job_id", job.ID, "escrow_id", esc.ID, "amount", job.AgreedPrice)
	s.notify(ctx, job.SellerID, job, "job.funded", nil)
	return job, nil
}

// Start marks the seller as working.
func (s *Service) Start(ctx context.Context, sellerID, jobID string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(sellerID) == "" {
		return nil, ErrNotParticipant
	}
	if sellerID != job.SellerID {
		return nil, ErrNotSeller
	}
	if !CanTransition(job.Status, StatusInProgress) {
		return nil, invalidTransition(job.Status)
	}

	job.Status = StatusInProgress
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	s.notify(ctx, job.ClientID, job, "job.started", nil)
	return job, nil
}

// DeliverInput is the seller's result submission.
type DeliverInput struct {
	Result     json.RawMessage `json:"result" binding:"required"`
	LatencyMs  int64           `json:"latency_ms,omitempty"`
	HTTPStatus int             `json:"http_status,omitempty"`
}

// Deliver stores the result. The storage fee is charged to the seller
// before the delivery is accepted; an unpayable fee rejects it. The
// deadline stays armed: a delivery the client never settles still expires.
func (s *Service) Deliver(ctx context.Context, sellerID, jobID string, in DeliverInput) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.deliver", traces.JobID(jobID), traces.AgentID(sellerID))
	defer span.End()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(sellerID) == "" {
		return nil, ErrNotParticipant
	}
	if sellerID != job.SellerID {
		return nil, ErrNotSeller
	}
	if !CanTransition(job.Status, StatusDelivered) {
		return nil, invalidTransition(job.Status)
	}

	size := int64(len(in.Result))
	if size > s.maxDeliverableBytes {
		return nil, ErrDeliverableTooLarge
	}
	if !json.Valid(in.Result) {
		return nil, fmt.Errorf("result must be valid JSON")
	}

	storageFee := s.schedule.Storage(size)
	if err := s.ledger.ChargeFee(ctx, job.SellerID, storageFee, ledger.EntryFeeStorage, job.ID); err != nil {
		return nil, fmt.Errorf("storage fee: %w", err)
	}

	now := time.Now().UTC()
	job.Status = StatusDelivered
	job.Delivery = &DeliveryRecord{
		Result:      in.Result,
		SizeBytes:   size,
		LatencyMs:   in.LatencyMs,
		HTTPStatus:  in.HTTPStatus,
		DeliveredAt: now,
	}
	job.UpdatedAt = now
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job delivered", "job_id", job.ID, "size_bytes", size, "storage_fee", storageFee)
	s.notify(ctx, job.ClientID, job, "job.delivered", map[string]any{"size_bytes": size})
	return job, nil
}

// Verify runs the attached suite and settles the escrow on the outcome.
// The verification fee is charged to the client after the run whether or
// not the suite passed; an unpayable fee leaves the job in verifying so
// the client can top up and retry.
func (s *Service) Verify(ctx context.Context, clientID, jobID string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.verify", traces.JobID(jobID), traces.AgentID(clientID))
	defer span.End()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(clientID) == "" {
		return nil, ErrNotParticipant
	}
	if clientID != job.ClientID {
		return nil, ErrNotClient
	}
	if !CanTransition(job.Status, StatusVerifying) {
		return nil, invalidTransition(job.Status)
	}
	if job.Suite == nil {
		return nil, ErrNoSuite
	}
	if job.Delivery == nil {
		return nil, ErrNoDelivery
	}
	if s.verifier == nil {
		return nil, fmt.Errorf("verification is not available")
	}

	job.Status = StatusVerifying
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	report, err := s.verifier.Run(ctx, job.Suite, verify.Delivery{
		Result:     job.Delivery.Result,
		LatencyMs:  job.Delivery.LatencyMs,
		HTTPStatus: job.Delivery.HTTPStatus,
	})
	if err != nil {
		// The run never happened, so no fee and no settlement. Leave the
		// job in verifying for a retry.
		s.logger.Error("verification run failed", "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("verification run: %w", err)
	}

	verificationFee := s.schedule.Verification(decimal.NewFromFloat(report.CPUSeconds))
	if err := s.ledger.ChargeFee(ctx, job.ClientID, verificationFee, ledger.EntryFeeVerification, job.ID); err != nil {
		s.logger.Error("verification fee charge failed", "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("verification fee: %w", err)
	}

	job.Report = report
	if report.Passed {
		if _, err := s.ledger.ReleaseEscrow(ctx, job.ID); err != nil {
			return nil, err
		}
		job.Status = StatusCompleted
		s.removeDeadline(ctx, job.ID)
	} else {
		if _, err := s.ledger.RefundEscrow(ctx, job.ID); err != nil {
			return nil, err
		}
		job.Status = StatusFailed
		job.FailReason = "verification failed"
		s.removeDeadline(ctx, job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job verified",
		"job_id", job.ID, "passed", report.Passed, "cpu_seconds", report.CPUSeconds, "fee", verificationFee)
	s.notify(ctx, job.SellerID, job, "job.verified", map[string]any{"passed": report.Passed})
	return job, nil
}

// Complete settles a delivered job in the seller's favor without running
// verification.
func (s *Service) Complete(ctx context.Context, clientID, jobID string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(clientID) == "" {
		return nil, ErrNotParticipant
	}
	if clientID != job.ClientID {
		return nil, ErrNotClient
	}
	if job.Status != StatusDelivered {
		return nil, invalidTransition(job.Status)
	}

	if _, err := s.ledger.ReleaseEscrow(ctx, job.ID); err != nil {
		return nil, err
	}
	job.Status = StatusCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	s.removeDeadline(ctx, job.ID)

	s.logger.Info("job completed", "job_id", job.ID)
	s.notify(ctx, job.SellerID, job, "job.completed", nil)
	return job, nil
}

// Fail marks a working or delivered job as failed and refunds the escrow.
// Either party may call it: a seller to abandon, a client to reject.
func (s *Service) Fail(ctx context.Context, agentID, jobID, reason string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(agentID) == "" {
		return nil, ErrNotParticipant
	}
	if !CanTransition(job.Status, StatusFailed) {
		return nil, invalidTransition(job.Status)
	}
	if reason == "" {
		reason = "failed by " + job.roleOf(agentID)
	}

	if err := s.failWithRefund(ctx, job, reason); err != nil {
		return nil, err
	}
	s.logger.Info("job failed", "job_id", job.ID, "by", agentID, "reason", reason)
	s.notify(ctx, s.counterparty(job, agentID), job, "job.failed", map[string]any{"reason": reason})
	return job, nil
}

// Cancel aborts an unfunded job. Once escrow is funded the lifecycle
// moves forward only; use fail to unwind a funded job.
func (s *Service) Cancel(ctx context.Context, agentID, jobID, reason string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(agentID) == "" {
		return nil, ErrNotParticipant
	}
	if !CanTransition(job.Status, StatusCancelled) {
		return nil, invalidTransition(job.Status)
	}

	job.Status = StatusCancelled
	job.FailReason = reason
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job cancelled", "job_id", job.ID, "by", agentID, "reason", reason)
	s.notify(ctx, s.counterparty(job, agentID), job, "job.cancelled", map[string]any{"reason": reason})
	return job, nil
}

// Dispute freezes a failed job for admin resolution. The escrow was
// already refunded when the job failed; the dispute contests that outcome.
func (s *Service) Dispute(ctx context.Context, agentID, jobID, reason string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(agentID) == "" {
		return nil, ErrNotParticipant
	}
	if !CanTransition(job.Status, StatusDisputed) {
		return nil, invalidTransition(job.Status)
	}

	job.Status = StatusDisputed
	job.DisputeReason = reason
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job disputed", "job_id", job.ID, "by", agentID)
	s.notify(ctx, s.counterparty(job, agentID), job, "job.disputed", map[string]any{"reason": reason})
	return job, nil
}

// Resolve closes a disputed job with the arbiter's ruling recorded on the
// job. Money moved at failure time; resolution is the written outcome.
// Callers must gate this behind admin auth.
func (s *Service) Resolve(ctx context.Context, jobID, resolution string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(job.Status, StatusResolved) {
		return nil, invalidTransition(job.Status)
	}
	if resolution == "" {
		return nil, fmt.Errorf("a resolution note is required")
	}

	job.Status = StatusResolved
	job.Resolution = resolution
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("dispute resolved", "job_id", job.ID)
	s.notify(ctx, job.ClientID, job, "job.resolved", map[string]any{"resolution": resolution})
	s.notify(ctx, job.SellerID, job, "job.resolved", map[string]any{"resolution": resolution})
	return job, nil
}

// ExpireDeadline fails an overdue job and refunds the client. Jobs that
// already settled are left alone.
func (s *Service) ExpireDeadline(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusFunded, StatusInProgress, StatusDelivered:
	default:
		return nil
	}

	if err := s.failWithRefund(ctx, job, "deadline exceeded"); err != nil {
		return fmt.Errorf("refund on expiry: %w", err)
	}
	s.logger.Info("job expired", "job_id", job.ID)
	s.notify(ctx, job.ClientID, job, "job.expired", nil)
	s.notify(ctx, job.SellerID, job, "job.expired", nil)
	return nil
}

// SweepAgent settles every open job an agent is party to. The registry
// calls it on deactivation: unfunded jobs cancel, funded ones fail and
// the escrow goes back to the client.
func (s *Service) SweepAgent(ctx context.Context, agentID string) error {
	open, err := s.store.ListOpenByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, job := range open {
		switch job.Status {
		case StatusProposed, StatusNegotiating, StatusAgreed:
			job.Status = StatusCancelled
			job.FailReason = "agent deactivated"
			job.UpdatedAt = time.Now().UTC()
			if err := s.store.Update(ctx, job); err != nil {
				return err
			}
			s.notify(ctx, s.counterparty(job, agentID), job, "job.cancelled", map[string]any{"reason": job.FailReason})
		default:
			if err := s.failWithRefund(ctx, job, "agent deactivated"); err != nil {
				return err
			}
			s.notify(ctx, s.counterparty(job, agentID), job, "job.failed", map[string]any{"reason": job.FailReason})
		}
		s.logger.Info("job swept on deactivation", "job_id", job.ID, "agent", agentID, "status", job.Status)
	}
	return nil
}

// RescheduleDeadlines re-arms the queue for every live job that carries a
// deadline. Run at startup: the Redis ZADD is idempotent and the memory
// queue starts empty on every boot.
func (s *Service) RescheduleDeadlines(ctx context.Context) error {
	if s.deadlines == nil {
		return nil
	}
	live, err := s.store.ListScheduled(ctx)
	if err != nil {
		return err
	}
	for _, job := range live {
		if job.DeadlineAt == nil {
			continue
		}
		if err := s.deadlines.Schedule(ctx, job.ID, *job.DeadlineAt); err != nil {
			return fmt.Errorf("reschedule %s: %w", job.ID, err)
		}
	}
	if len(live) > 0 {
		s.logger.Info("deadlines rescheduled", "count", len(live))
	}
	return nil
}

// failWithRefund moves a job with a live escrow to failed, refunding the
// client and disarming the deadline.
func (s *Service) failWithRefund(ctx context.Context, job *Job, reason string) error {
	if _, err := s.ledger.RefundEscrow(ctx, job.ID); err != nil {
		return err
	}
	job.Status = StatusFailed
	job.FailReason = reason
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	s.removeDeadline(ctx, job.ID)
	return nil
}

func (s *Service) removeDeadline(ctx context.Context, jobID string) {
	if s.deadlines == nil {
		return
	}
	if err := s.deadlines.Remove(ctx, jobID); err != nil {
		s.logger.Error("deadline remove failed", "job_id", jobID, "error", err)
	}
}

// Get returns a job visible to one of its participants.
func (s *Service) Get(ctx context.Context, agentID, jobID string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.roleOf(agentID) == "" {
		return nil, ErrNotParticipant
	}
	return job, nil
}

// List returns an agent's jobs, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Job, string, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return s.store.ListByAgent(ctx, filter)
}

func (s *Service) counterparty(job *Job, agentID string) string {
	if agentID == job.ClientID {
		return job.SellerID
	}
	return job.ClientID
}

func (s *Service) notify(ctx context.Context, recipientID string, job *Job, event string, payload map[string]any) {
	metrics.JobTransitionsTotal.WithLabelValues(event).Inc()
	if s.notifier == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = string(job.Status)
	s.notifier.JobEvent(ctx, recipientID, job.ID, event, payload)
}

// PublishStatusCounts refreshes the jobs-by-status gauge. The server
// calls it on a timer.
func (s *Service) PublishStatusCounts(ctx context.Context) error {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []Status{
		StatusProposed, StatusNegotiating, StatusAgreed, StatusFunded,
		StatusInProgress, StatusDelivered, StatusVerifying, StatusCompleted,
		StatusFailed, StatusDisputed, StatusResolved, StatusCancelled,
	} {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
