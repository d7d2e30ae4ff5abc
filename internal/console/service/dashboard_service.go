package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/engine"
)

type FlagCounter interface {
	Count(f engine.Flag) int
}

type DashboardService struct {
	txs   TxReader
	flags FlagCounter
}

func NewDashboardService(txs TxReader, flags FlagCounter) *DashboardService {
	return &DashboardService{txs: txs, flags: flags}
}

func (s *DashboardService) GetStats(ctx context.Context) (*domain.Dashboard, error) {
	counts, err := s.txs.CountTransactionsByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	return &domain.Dashboard{
		Transactions:     counts,
		PendingApprovals: counts[domain.TxPendingApproval],
		BlockedAgents:    s.flags.Count(engine.FlagBlocked),
		QuarantineAgents: s.flags.Count(engine.FlagQuarantine),
		SandboxAgents:    s.flags.Count(engine.FlagSandbox),
	}, nil
}
