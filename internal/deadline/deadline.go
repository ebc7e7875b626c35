// Package deadline schedules job expiry.
//
// Funded jobs carry a deadline. The queue holds one entry per job sorted
// by due time; a consumer pops due entries and asks the jobs service to
// expire them. Claiming an entry is atomic, so multiple API instances can
// run consumers against the same queue.
package deadline

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Peek when no deadlines are scheduled.
var ErrEmpty = errors.New("no deadlines scheduled")

// Queue stores pending job deadlines.
type Queue interface {
	// Schedule sets or replaces the deadline for a job.
	Schedule(ctx context.Context, jobID string, at time.Time) error
	// Remove drops a job's deadline if present.
	Remove(ctx context.Context, jobID string) error
	// Peek returns the earliest scheduled job without removing it.
	Peek(ctx context.Context) (string, time.Time, error)
	// Claim atomically removes a job's entry. It returns false when the
	// entry was already gone, which means another consumer claimed it.
	Claim(ctx context.Context, jobID string) (bool, error)
}
