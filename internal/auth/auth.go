// Package auth authenticates signed agent requests.
//
// Every protected request carries Authorization: AgentSig <agent_id>:<sig>,
// an X-Timestamp within the skew window, and an optional X-Nonce replay
// guard. All rejections are 403 with a distinct message per failure mode.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceTTL is how long a nonce stays burned.
const NonceTTL = 60 * time.Second

// NonceStore burns nonces atomically. Burn returns false when the nonce
// was already used inside the TTL.
type NonceStore interface {
	Burn(ctx context.Context, agentID, nonce string) (bool, error)
}

// RedisNonceStore burns nonces with SET NX EX.
type RedisNonceStore struct {
	rdb *redis.Client
}

// NewRedisNonceStore creates a Redis-backed nonce store.
func NewRedisNonceStore(rdb *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

func (s *RedisNonceStore) Burn(ctx context.Context, agentID, nonce string) (bool, error) {
	return s.rdb.SetNX(ctx, "nonce:"+agentID+":"+nonce, "1", NonceTTL).Result()
}

// MemoryNonceStore is the dev fallback when Redis is not configured.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryNonceStore creates an in-process nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) Burn(_ context.Context, agentID, nonce string) (bool, error) {
	key := agentID + ":" + nonce
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, expires := range s.seen {
		if now.After(expires) {
			delete(s.seen, k)
		}
	}
	if _, used := s.seen[key]; used {
		return false, nil
	}
	s.seen[key] = now.Add(NonceTTL)
	return true, nil
}
