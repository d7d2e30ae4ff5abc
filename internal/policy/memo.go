package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"go.uber.org/zap"
)

// Source — то, что нужно движку: какая версия действовала в момент t и
// получение закрепленной версии по номеру.
type Source interface {
	ActiveAt(ctx context.Context, walletID string, t time.Time) (*domain.Policy, error)
	Version(ctx context.Context, walletID string, version uint64) (*domain.Policy, error)
}

// Memo — In-memory кэш версий политик. Hot Path движка читает только RAM;
// Postgres используется при промахе и после инвалидации.
type Memo struct {
	mu sync.RWMutex
	// Кэш: wallet_id -> версии по возрастанию
	versions map[string][]domain.Policy

	repo   Store
	rdb    *redis.Client
	logger *zap.Logger
}

func NewMemo(repo Store, rdb *redis.Client, logger *zap.Logger) *Memo {
	return &Memo{
		versions: make(map[string][]domain.Policy),
		repo:     repo,
		rdb:      rdb,
		logger:   logger.Named("policy-memo"),
	}
}

// ActiveAt возвращает версию, действовавшую в момент t. Версии, созданные
// после t, не применяются ретроактивно.
func (m *Memo) ActiveAt(ctx context.Context, walletID string, t time.Time) (*domain.Policy, error) {
	list, err := m.load(ctx, walletID)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ActiveAt(t) {
			p := clonePolicy(list[i])
			return &p, nil
		}
	}
	return nil, nil
}

// Version возвращает закрепленную версию. Кэш может не знать о версии,
// созданной на другом инстансе, поэтому при промахе он перечитывается.
func (m *Memo) Version(ctx context.Context, walletID string, version uint64) (*domain.Policy, error) {
	for attempt := 0; attempt < 2; attempt++ {
		list, err := m.load(ctx, walletID)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			if p.Version == version {
				c := clonePolicy(p)
				return &c, nil
			}
		}
		m.Invalidate(walletID)
	}
	return nil, fmt.Errorf("%w: policy %s v%d", domain.ErrNotFound, walletID, version)
}

// Invalidate сбрасывает кэш кошелька после компиляции новой версии.
func (m *Memo) Invalidate(walletID string) {
	m.mu.Lock()
	delete(m.versions, walletID)
	m.mu.Unlock()
}

// Reset сбрасывает весь кэш (после переподключения к шине сигналов).
func (m *Memo) Reset() {
	m.mu.Lock()
	m.versions = make(map[string][]domain.Policy)
	m.mu.Unlock()
	m.logger.Info("policy cache reset")
}

func (m *Memo) load(ctx context.Context, walletID string) ([]domain.Policy, error) {
	m.mu.RLock()
	list, ok := m.versions[walletID]
	m.mu.RUnlock()
	if ok {
		return list, nil
	}

	// Холодная загрузка версий кошелька из хранилища
	list, err := m.repo.ListPolicies(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("load policies for %s: %w", walletID, err)
	}

	m.mu.Lock()
	m.versions[walletID] = list
	m.mu.Unlock()

	m.logger.Debug("policy versions loaded", zap.String("wallet_id", walletID), zap.Int("count", len(list)))
	return list, nil
}

// StartListener подписывается на сигналы компиляции от других инстансов.
func (m *Memo) StartListener(ctx context.Context) {
	infra.ListenSignals(ctx, m.rdb, m.logger, infra.RedisChanPolicyUpdate,
		func() error { m.Reset(); return nil },
		func(walletID, _ string) { m.Invalidate(walletID) },
	)
}
