package deadline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExpirer struct {
	mu      sync.Mutex
	expired []string
	err     error
}

func (r *recordingExpirer) ExpireDeadline(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.expired = append(r.expired, jobID)
	return nil
}

func (r *recordingExpirer) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expired...)
}

func TestMemoryQueue_PeekOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, "job_b", now.Add(2*time.Hour)))
	require.NoError(t, q.Schedule(ctx, "job_a", now.Add(time.Hour)))

	id, at, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_a", id)
	assert.WithinDuration(t, now.Add(time.Hour), at, time.Second)

	// Rescheduling replaces the entry.
	require.NoError(t, q.Schedule(ctx, "job_a", now.Add(3*time.Hour)))
	id, _, err = q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_b", id)
}

func TestMemoryQueue_ClaimOnce(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, "job_1", time.Now()))
	ok, err := q.Claim(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Claim(ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")
}

func TestMemoryQueue_Empty(t *testing.T) {
	q := NewMemoryQueue()
	_, _, err := q.Peek(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestConsumer_ExpiresDueJobs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "job_due", time.Now().Add(-time.Minute)))
	require.NoError(t, q.Schedule(ctx, "job_later", time.Now().Add(time.Hour)))

	exp := &recordingExpirer{}
	c := NewConsumer(q, exp, nil)

	wait, err := c.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
	assert.Equal(t, []string{"job_due"}, exp.got())

	// Only the future job remains; tick should ask to sleep until it is
	// due, capped at a minute.
	wait, err = c.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, maxWait, wait)
}

func TestConsumer_EmptyQueueSleeps(t *testing.T) {
	c := NewConsumer(NewMemoryQueue(), &recordingExpirer{}, nil)
	wait, err := c.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, emptySleep, wait)
}

func TestConsumer_LostClaimSkips(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "job_1", time.Now().Add(-time.Second)))

	exp := &recordingExpirer{}
	c := NewConsumer(q, exp, nil)

	// Simulate a rival consumer claiming between peek and claim.
	_, err := q.Claim(ctx, "job_1")
	require.NoError(t, err)
	require.NoError(t, q.Schedule(ctx, "job_1", time.Now().Add(-time.Second)))
	ok, err := q.Claim(ctx, "job_1")
	require.NoError(t, err)
	require.True(t, ok)

	wait, err := c.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, emptySleep, wait)
	assert.Empty(t, exp.got())
}

func TestConsumer_StartStop(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "job_1", time.Now().Add(-time.Second)))

	exp := &recordingExpirer{}
	c := NewConsumer(q, exp, nil)
	c.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(exp.got()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()
}
