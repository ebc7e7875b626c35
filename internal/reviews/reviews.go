// Package reviews lets job participants rate each other after completion
// and folds the ratings into agent reputation. Recent jobs count more: a
// review's weight halves every 30 days, so a stale track record fades.
package reviews

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRating  = errors.New("reviews: rating must be between 1 and 5")
	ErrNotCompleted   = errors.New("reviews: job is not completed")
	ErrNotParticipant = errors.New("reviews: agent is not a participant of this job")
	ErrAlreadyExists  = errors.New("reviews: agent already reviewed this job")
	ErrNotFound       = errors.New("reviews: review not found")
)

// ReputationHalfLife controls recency weighting. A review this old
// counts half as much as one written today.
const ReputationHalfLife = 30 * 24 * time.Hour

// Role is the capacity the reviewed agent acted in on the job.
type Role string

const (
	RoleSeller Role = "seller"
	RoleClient Role = "client"
)

// Review is one participant's rating of the other on a completed job.
type Review struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	AuthorID    string    `json:"author_id"`
	SubjectID   string    `json:"subject_id"`
	SubjectRole Role      `json:"subject_role"`
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists reviews.
type Store interface {
	// Create fails with ErrAlreadyExists when the author already
	// reviewed the job.
	Create(ctx context.Context, rev *Review) error
	ListByJob(ctx context.Context, jobID string) ([]*Review, error)
	// ListBySubject returns reviews of an agent in a role, newest first.
	ListBySubject(ctx context.Context, subjectID string, role Role, limit int) ([]*Review, error)
}

// weightedScore computes the decay-weighted mean rating, rounded to two
// places. Zero when there are no reviews.
func weightedScore(reviews []*Review, now time.Time) decimal.Decimal {
	if len(reviews) == 0 {
		return decimal.Zero
	}
	var sum, weights float64
	for _, rev := range reviews {
		age := now.Sub(rev.CreatedAt)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, age.Hours()/ReputationHalfLife.Hours())
		sum += w * float64(rev.Rating)
		weights += w
	}
	return decimal.NewFromFloat(sum / weights).Round(2)
}
