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

// Service публикует новые версии: компиляция, назначение версии,
// сохранение, инвалидация кэшей.
type Service struct {
	repo   Store
	memo   *Memo
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(repo Store, memo *Memo, rdb *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		memo:   memo,
		rdb:    rdb,
		logger: logger.Named("policy-service"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Compile компилирует спецификацию и сохраняет её как новую версию.
// Если последняя версия кошелька имеет тот же хэш, она возвращается без изменений.
func (s *Service) Compile(ctx context.Context, principalID string, spec domain.PolicySpec) (*domain.Policy, bool, error) {
	p, err := Compile(spec, principalID)
	if err != nil {
		return nil, false, err
	}

	lock := s.walletLock(p.WalletID)
	lock.Lock()
	defer lock.Unlock()

	latest, err := s.repo.LatestPolicy(ctx, p.WalletID)
	if err != nil {
		return nil, false, fmt.Errorf("read latest policy: %w", err)
	}
	if latest != nil {
		if latest.PrincipalID != p.PrincipalID {
			return nil, false, fmt.Errorf("%w: wallet %s", domain.ErrNotOwner, p.WalletID)
		}
		if latest.ContentHash == p.ContentHash {
			return latest, false, nil
		}
		p.Version = latest.Version + 1
	} else {
		p.Version = 1
	}
	p.CreatedAt = s.now().UTC().Truncate(time.Microsecond)

	if err := s.repo.SavePolicy(ctx, &p); err != nil {
		return nil, false, fmt.Errorf("save policy: %w", err)
	}

	if s.memo != nil {
		s.memo.Invalidate(p.WalletID)
	}
	s.notifyUpdate(ctx, p.WalletID)

	s.logger.Info("policy version compiled",
		zap.String("wallet_id", p.WalletID),
		zap.Uint64("version", p.Version),
		zap.String("hash", p.ContentHash))
	return &p, true, nil
}

func (s *Service) List(ctx context.Context, walletID string) ([]domain.Policy, error) {
	return s.repo.ListPolicies(ctx, walletID)
}

// notifyUpdate рассылает сигнал: все инстансы сбросят кэш этого кошелька.
func (s *Service) notifyUpdate(ctx context.Context, walletID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, walletID+":compiled").Err(); err != nil {
		s.logger.Warn("policy update signal delivery failed", zap.String("wallet_id", walletID), zap.Error(err))
	}
}

func (s *Service) walletLock(walletID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[walletID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[walletID] = l
	}
	return l
}
