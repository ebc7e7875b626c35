package reviews

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory review store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	reviews []*Review
}

// NewMemoryStore creates an in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(_ context.Context, rev *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reviews {
		if existing.JobID == rev.JobID && existing.AuthorID == rev.AuthorID {
			return ErrAlreadyExists
		}
	}
	cp := *rev
	m.reviews = append(m.reviews, &cp)
	return nil
}

func (m *MemoryStore) ListByJob(_ context.Context, jobID string) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Review
	for _, rev := range m.reviews {
		if rev.JobID == jobID {
			cp := *rev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectID string, role Role, limit int) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Review
	for _, rev := range m.reviews {
		if rev.SubjectID == subjectID && rev.SubjectRole == role {
			cp := *rev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
