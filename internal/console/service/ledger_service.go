package service

import (
	"context"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/ledger"
)

type LedgerReader interface {
	List(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.AuditRecord, error)
	VerifyChain(ctx context.Context, walletID string) (ledger.Report, error)
}

const (
	defaultPage = 100
	maxPage     = 1000
)

type LedgerService struct {
	ledger LedgerReader
}

func NewLedgerService(l LedgerReader) *LedgerService {
	return &LedgerService{ledger: l}
}

// Records отдает страницу журнала кошелька и seq для следующего запроса
// (0, если записей больше нет).
func (s *LedgerService) Records(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.AuditRecord, uint64, error) {
	if limit <= 0 {
		limit = defaultPage
	}
	if limit > maxPage {
		limit = maxPage
	}
	recs, err := s.ledger.List(ctx, walletID, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	if recs == nil {
		recs = []domain.AuditRecord{}
	}
	var next uint64
	if len(recs) == limit {
		next = recs[len(recs)-1].Seq
	}
	return recs, next, nil
}

func (s *LedgerService) Verify(ctx context.Context, walletID string) (ledger.Report, error) {
	return s.ledger.VerifyChain(ctx, walletID)
}
