package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/engine"
	"go.uber.org/zap"
)

// TxReader — чтение транзакций из общего хранилища.
type TxReader interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactionsByState(ctx context.Context, state domain.TxState) ([]domain.Transaction, error)
	CountTransactionsByState(ctx context.Context) (map[domain.TxState]int, error)
}

// ApprovalService — HITL-очередь. Решения исполняет шлюз (через Dispatcher),
// консоль только проверяет, что транзакция еще ждет решения.
type ApprovalService struct {
	txs        TxReader
	dispatcher engine.Dispatcher
	logger     *zap.Logger
}

func NewApprovalService(txs TxReader, d engine.Dispatcher, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{txs: txs, dispatcher: d, logger: logger.Named("approval-service")}
}

func (s *ApprovalService) ListPending(ctx context.Context) ([]domain.Transaction, error) {
	txs, err := s.txs.ListTransactionsByState(ctx, domain.TxPendingApproval)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return txs, nil
}

func (s *ApprovalService) Get(ctx context.Context, txID string) (*domain.Transaction, error) {
	return s.txs.GetTransaction(ctx, txID)
}

// Decide отправляет вердикт ревьюера шлюзу.
func (s *ApprovalService) Decide(ctx context.Context, d domain.ApprovalDecision) error {
	if err := d.Validate(); err != nil {
		return &domain.PolicyValidationError{Problems: []string{err.Error()}}
	}
	tx, err := s.txs.GetTransaction(ctx, d.TxID)
	if err != nil {
		return err
	}
	if tx.State != domain.TxPendingApproval {
		return fmt.Errorf("%w: transaction %s is %s", domain.ErrAlreadyProcessed, tx.ID, tx.State)
	}

	err = s.dispatcher.Dispatch(ctx, d.TxID, engine.Command{
		Action:     engine.ActionDecide,
		Verdict:    d.Verdict,
		ReviewerID: d.ReviewerID,
		Comment:    d.Comment,
	})
	if err != nil {
		s.logger.Error("decision dispatch failed", zap.String("tx_id", d.TxID), zap.Error(err))
		return err
	}
	s.logger.Info("decision dispatched",
		zap.String("tx_id", d.TxID),
		zap.String("verdict", string(d.Verdict)),
		zap.String("reviewer_id", d.ReviewerID))
	return nil
}

// Cancel снимает транзакцию принципала до отправки в сеть.
func (s *ApprovalService) Cancel(ctx context.Context, principalID, txID string) error {
	tx, err := s.txs.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.PrincipalID != principalID {
		return domain.ErrNotFound
	}
	if !tx.State.Cancellable() {
		return fmt.Errorf("%w: transaction %s is %s", domain.ErrInvalidTransition, tx.ID, tx.State)
	}
	return s.dispatcher.Dispatch(ctx, txID, engine.Command{Action: engine.ActionCancel, PrincipalID: principalID})
}
