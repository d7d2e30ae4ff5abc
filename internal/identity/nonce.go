package identity

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
)

// NonceStore атомарно потребляет nonce: true только при первом использовании.
type NonceStore interface {
	Consume(ctx context.Context, agentID string, nonce uint64, ttl time.Duration) (bool, error)
}

// MemoryNonceStore — множество использованных nonce с истечением.
// Хранить nonce дольше окна подписи не нужно: старые сообщения отвергаются по времени.
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]map[uint64]time.Time
	now    func() time.Time
	sweeps int
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]map[uint64]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) Consume(_ context.Context, agentID string, nonce uint64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweeps++
	if s.sweeps%1024 == 0 {
		s.sweep(now)
	}

	byAgent, ok := s.seen[agentID]
	if !ok {
		byAgent = make(map[uint64]time.Time)
		s.seen[agentID] = byAgent
	}
	if exp, used := byAgent[nonce]; used && now.Before(exp) {
		return false, nil
	}
	byAgent[nonce] = now.Add(ttl)
	return true, nil
}

func (s *MemoryNonceStore) sweep(now time.Time) {
	for agent, byAgent := range s.seen {
		for n, exp := range byAgent {
			if !now.Before(exp) {
				delete(byAgent, n)
			}
		}
		if len(byAgent) == 0 {
			delete(s.seen, agent)
		}
	}
}

// RedisNonceStore — SET NX с TTL, общий для всех инстансов.
type RedisNonceStore struct {
	rdb *redis.Client
}

func NewRedisNonceStore(rdb *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

func (s *RedisNonceStore) Consume(ctx context.Context, agentID string, nonce uint64, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, infra.NonceKey(agentID, nonce), 1, ttl).Result()
}
