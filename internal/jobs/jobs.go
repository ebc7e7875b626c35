// Package jobs runs the service transaction lifecycle.
//
// Flow:
//  1. Client proposes a job against a listing, or directly to a seller,
//     with an offered price, acceptance criteria and an optional deadline
//  2. Either party counters (max N rounds)
//  3. Acceptance locks the price; the seller must echo the SHA-256 of the
//     acceptance criteria and suite to prove it read them
//  4. Client funds escrow, seller works and delivers
//  5. Verification (or a manual completion) settles the escrow
//
// Funded jobs carry a deadline; overdue jobs fail and refund the client.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/ledger"
	"github.com/moltworks/agora/internal/listings"
	"github.com/moltworks/agora/internal/verify"
)

var (
	ErrNotFound            = errors.New("job not found")
	ErrInvalidTransition   = errors.New("operation not valid in the job's current state")
	ErrNotParticipant      = errors.New("agent is not a party to this job")
	ErrNotClient           = errors.New("only the client may perform this operation")
	ErrNotSeller           = errors.New("only the seller may perform this operation")
	ErrMaxRounds           = errors.New("negotiation round limit exceeded")
	ErrCriteriaRequired    = errors.New("acceptance requires the criteria hash")
	ErrCriteriaMismatch    = errors.New("criteria hash does not match")
	ErrSelfHire            = errors.New("client cannot hire itself")
	ErrListingInactive     = errors.New("listing is not active")
	ErrSellerRequired      = errors.New("a listing_id or seller_id is required")
	ErrDeliverableTooLarge = errors.New("deliverable exceeds the size limit")
	ErrNoDelivery          = errors.New("job has no delivery")
	ErrNoSuite             = errors.New("job has no verification suite")
	ErrDeadlinePast        = errors.New("deadline must be in the future")
)

// Status is a job lifecycle state.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusNegotiating Status = "negotiating"
	StatusAgreed      Status = "agreed"
	StatusFunded      Status = "funded"
	StatusInProgress  Status = "in_progress"
	StatusDelivered   Status = "delivered"
	StatusVerifying   Status = "verifying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusDisputed    Status = "disputed"
	StatusResolved    Status = "resolved"
	StatusCancelled   Status = "cancelled"
)

// validTransitions is the full lifecycle graph. Anything not listed is a
// conflict.
var validTransitions = map[Status][]Status{
	StatusProposed:    {StatusNegotiating, StatusAgreed, StatusCancelled},
	StatusNegotiating: {StatusNegotiating, StatusAgreed, StatusCancelled},
	StatusAgreed:      {StatusFunded, StatusCancelled},
	StatusFunded:      {StatusInProgress},
	StatusInProgress:  {StatusDelivered, StatusFailed},
	StatusDelivered:   {StatusVerifying, StatusFailed, StatusCompleted},
	StatusVerifying:   {StatusCompleted, StatusFailed},
	StatusFailed:      {StatusDisputed},
	StatusDisputed:    {StatusResolved},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status is final. A failed job is not
// terminal: it can still be disputed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// Offer is one entry in the negotiation log.
type Offer struct {
	By      string          `json:"by"`
	Role    string          `json:"role"` // client | seller
	Price   decimal.Decimal `json:"price"`
	Message string          `json:"message,omitempty"`
	Round   int             `json:"round"`
	At      time.Time       `json:"at"`
}

// DeliveryRecord is the seller's submitted result.
type DeliveryRecord struct {
	Result      json.RawMessage `json:"result"`
	SizeBytes   int64           `json:"size_bytes"`
	LatencyMs   int64           `json:"latency_ms,omitempty"`
	HTTPStatus  int             `json:"http_status,omitempty"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

// Job represents one client/seller transaction.
type Job struct {
	ID             string          `json:"id"`
	ListingID      string          `json:"listing_id,omitempty"`
	ClientID       string          `json:"client_id"`
	SellerID       string          `json:"seller_id"`
	Status         Status          `json:"status"`
	OfferedPrice   decimal.Decimal `json:"offered_price"`
	AgreedPrice    decimal.Decimal `json:"agreed_price"`
	Criteria       string          `json:"criteria"`
	CriteriaSHA256 string          `json:"criteria_sha256"`
	Round          int             `json:"round"`
	NegotiationLog []Offer         `json:"negotiation_log,omitempty"`
	Suite          *verify.Suite   `json:"suite,omitempty"`
	EscrowID       string          `json:"escrow_id,omitempty"`
	DeadlineAt     *time.Time      `json:"deadline_at,omitempty"`
	Delivery       *DeliveryRecord `json:"delivery,omitempty"`
	Report         *verify.Report  `json:"report,omitempty"`
	FailReason     string          `json:"fail_reason,omitempty"`
	DisputeReason  string          `json:"dispute_reason,omitempty"`
	Resolution     string          `json:"resolution,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarshalJSON hides the work product until the job completes: in every
// other state the delivery serializes with result set to null. A client
// could otherwise fail verification on purpose, take the refund and read
// the result anyway.
func (j Job) MarshalJSON() ([]byte, error) {
	type plain Job
	out := plain(j)
	if j.Status != StatusCompleted && j.Delivery != nil {
		redacted := *j.Delivery
		redacted.Result = nil
		out.Delivery = &redacted
	}
	return json.Marshal(out)
}

func (j *Job) roleOf(agentID string) string {
	switch agentID {
	case j.ClientID:
		return "client"
	case j.SellerID:
		return "seller"
	}
	return ""
}

// CriteriaHash returns the hex SHA-256 over the canonical serialization of
// the acceptance criteria text plus the verification suite. Echoing it
// commits the seller to both the criteria and the exact procedure that
// will judge the delivery.
func CriteriaHash(criteria string, suite *verify.Suite) string {
	payload, _ := json.Marshal(struct {
		Criteria string        `json:"criteria"`
		Suite    *verify.Suite `json:"suite,omitempty"`
	}{criteria, suite})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ListFilter selects jobs for an agent.
type ListFilter struct {
	AgentID string
	Status  Status // empty = all
	Limit   int
	Cursor  string
}

// liveStatuses are the funded states that carry a deadline.
var liveStatuses = []Status{StatusFunded, StatusInProgress, StatusDelivered}

// openStatuses are the states a deactivation sweep has to settle.
var openStatuses = []Status{
	StatusProposed, StatusNegotiating, StatusAgreed,
	StatusFunded, StatusInProgress, StatusDelivered, StatusVerifying,
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	// ListByAgent returns jobs where the agent is client or seller, newest
	// first, with an opaque next cursor.
	ListByAgent(ctx context.Context, filter ListFilter) ([]*Job, string, error)
	// ListOpenByAgent returns the agent's unsettled jobs (openStatuses).
	ListOpenByAgent(ctx context.Context, agentID string) ([]*Job, error)
	// ListScheduled returns live jobs (liveStatuses) that carry a deadline.
	ListScheduled(ctx context.Context) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Ledger settles money for jobs.
type Ledger interface {
	FundEscrow(ctx context.Context, jobID, clientID, sellerID string, amount decimal.Decimal) (*ledger.Escrow, error)
	ReleaseEscrow(ctx context.Context, jobID string) (*ledger.Escrow, error)
	RefundEscrow(ctx context.Context, jobID string) (*ledger.Escrow, error)
	ChargeFee(ctx context.Context, agentID string, amount decimal.Decimal, entryType, jobID string) error
}

// Catalog looks up listings for job proposals.
type Catalog interface {
	Get(ctx context.Context, id string) (*listings.Listing, error)
}

// Verifier runs a verification suite against a delivery.
type Verifier interface {
	Run(ctx context.Context, suite *verify.Suite, del verify.Delivery) (*verify.Report, error)
}

// Deadlines schedules job expiry. The memory queue serves when Redis is
// not configured.
type Deadlines interface {
	Schedule(ctx context.Context, jobID string, at time.Time) error
	Remove(ctx context.Context, jobID string) error
}

// Notifier pushes job events to the counterparty. Implementations must
// not block the request path.
type Notifier interface {
	JobEvent(ctx context.Context, recipientID, jobID, event string, payload map[string]any)
}
