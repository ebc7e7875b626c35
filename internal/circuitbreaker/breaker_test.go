package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hook = "https://203.0.113.10/hooks"

func TestAllow_FreshKey(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	assert.True(t, b.Allow(hook))
}

func TestOpensAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	assert.True(t, b.Allow(hook), "two failures stay under a threshold of three")

	b.RecordFailure(hook)
	assert.False(t, b.Allow(hook))
	assert.Equal(t, StateOpen, b.State(hook))
}

func TestHalfOpen_SingleProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	require.False(t, b.Allow(hook))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow(hook), "open duration elapsed, probe goes through")
	assert.Equal(t, StateHalfOpen, b.State(hook))
	assert.False(t, b.Allow(hook), "only one probe at a time")
}

func TestHalfOpen_ProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	time.Sleep(60 * time.Millisecond)
	b.Allow(hook)

	b.RecordSuccess(hook)
	assert.Equal(t, StateClosed, b.State(hook))
	assert.True(t, b.Allow(hook))
}

func TestHalfOpen_ProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	time.Sleep(60 * time.Millisecond)
	b.Allow(hook)

	b.RecordFailure(hook)
	assert.Equal(t, StateOpen, b.State(hook))
}

func TestSuccessClearsStreak(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	b.RecordSuccess(hook)

	b.RecordFailure(hook)
	assert.True(t, b.Allow(hook), "streak restarted after a success")
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure(hook)
	b.RecordFailure(hook)

	assert.False(t, b.Allow(hook))
	assert.True(t, b.Allow("https://198.51.100.7/hooks"), "one flaky endpoint must not dam the rest")
}

func TestState_UnknownKey(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	assert.Equal(t, StateClosed, b.State("https://198.51.100.7/hooks"))
}

func TestOnTransition(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(hook)
	b.RecordFailure(hook)

	// Callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
