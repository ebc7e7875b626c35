package health

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy, "no probes means nothing can be down")
	assert.Empty(t, statuses)
}

func TestCheckAll_AllUp(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(_ context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 2)
}

func TestCheckAll_OneDown(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(_ context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("chain_rpc", func(_ context.Context) Status {
		return Status{Name: "chain_rpc", Detail: "dial tcp: connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "dial tcp: connection refused", statuses[1].Detail)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("redis", func(_ context.Context) Status {
				return Status{Name: "redis", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
