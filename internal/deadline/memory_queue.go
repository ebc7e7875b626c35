package deadline

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for development and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryQueue creates an in-memory deadline queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]time.Time)}
}

func (q *MemoryQueue) Schedule(_ context.Context, jobID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[jobID] = at
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, jobID)
	return nil
}

func (q *MemoryQueue) Peek(_ context.Context) (string, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliestID string
		earliestAt time.Time
	)
	for id, at := range q.entries {
		if earliestID == "" || at.Before(earliestAt) {
			earliestID, earliestAt = id, at
		}
	}
	if earliestID == "" {
		return "", time.Time{}, ErrEmpty
	}
	return earliestID, earliestAt, nil
}

func (q *MemoryQueue) Claim(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[jobID]; !ok {
		return false, nil
	}
	delete(q.entries, jobID)
	return true, nil
}
