package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moltworks/agora/internal/pagination"
)

// MemoryStore is an in-memory job store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, filter ListFilter) ([]*Job, string, error) {
	cursor, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	var out []*Job
	for _, job := range m.jobs {
		if job.ClientID != filter.AgentID && job.SellerID != filter.AgentID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if cursor != nil {
		trimmed := out[:0]
		for _, job := range out {
			if job.CreatedAt.Before(cursor.CreatedAt) ||
				(job.CreatedAt.Equal(cursor.CreatedAt) && job.ID < cursor.ID) {
				trimmed = append(trimmed, job)
			}
		}
		out = trimmed
	}

	if len(out) > filter.Limit+1 {
		out = out[:filter.Limit+1]
	}
	page, next, _ := pagination.ComputePage(out, filter.Limit, func(j *Job) (time.Time, string) {
		return j.CreatedAt, j.ID
	})
	return page, next, nil
}

func (m *MemoryStore) ListOpenByAgent(_ context.Context, agentID string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, job := range m.jobs {
		if job.ClientID != agentID && job.SellerID != agentID {
			continue
		}
		if !statusIn(job.Status, openStatuses) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListScheduled(_ context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, job := range m.jobs {
		if job.DeadlineAt == nil || !statusIn(job.Status, liveStatuses) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
