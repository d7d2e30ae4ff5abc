package service

import (
	"context"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

type PolicyCompiler interface {
	Compile(ctx context.Context, principalID string, spec domain.PolicySpec) (*domain.Policy, bool, error)
	List(ctx context.Context, walletID string) ([]domain.Policy, error)
}

type PolicyService struct {
	compiler PolicyCompiler
	wallets  WalletReader
	logger   *zap.Logger
}

func NewPolicyService(c PolicyCompiler, wallets WalletReader, logger *zap.Logger) *PolicyService {
	return &PolicyService{compiler: c, wallets: wallets, logger: logger.Named("policy-service")}
}

// Compile публикует новую версию политики. Политику можно назначить только
// на активный кошелек самого принципала.
func (s *PolicyService) Compile(ctx context.Context, principalID string, spec domain.PolicySpec) (*domain.Policy, bool, error) {
	if _, err := ownedWallet(ctx, s.wallets, principalID, spec.WalletID); err != nil {
		return nil, false, err
	}
	p, created, err := s.compiler.Compile(ctx, principalID, spec)
	if err != nil {
		s.logger.Warn("policy compile rejected",
			zap.String("wallet_id", spec.WalletID),
			zap.String("principal_id", principalID),
			zap.Error(err))
		return nil, false, err
	}
	return p, created, nil
}

func (s *PolicyService) List(ctx context.Context, principalID, walletID string) ([]domain.Policy, error) {
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.PrincipalID != principalID {
		return nil, domain.ErrNotOwner
	}
	ps, err := s.compiler.List(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []domain.Policy{}
	}
	return ps, nil
}
