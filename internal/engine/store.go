package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// TxStore — хранилище транзакций. UpdateTransaction — compare-and-swap по
// состоянию: запись проходит, только если в хранилище все еще from.
type TxStore interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction, from domain.TxState) error
	// ListSpending — транзакции кошелька, удерживающие резерв лимита.
	ListSpending(ctx context.Context, walletID string) ([]domain.Transaction, error)
	ListTransactionsByState(ctx context.Context, state domain.TxState) ([]domain.Transaction, error)
	CountTransactionsByState(ctx context.Context) (map[domain.TxState]int, error)
}

type MemoryTxStore struct {
	mu  sync.RWMutex
	txs map[string]*domain.Transaction
}

func NewMemoryTxStore() *MemoryTxStore {
	return &MemoryTxStore{txs: make(map[string]*domain.Transaction)}
}

func (s *MemoryTxStore) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryTxStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *MemoryTxStore) UpdateTransaction(_ context.Context, tx *domain.Transaction, from domain.TxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[tx.ID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, tx.ID)
	}
	if cur.State != from {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStateConflict, tx.ID, cur.State, from)
	}
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryTxStore) ListSpending(_ context.Context, walletID string) ([]domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool {
		return tx.WalletID == walletID && tx.State.CountsTowardSpend()
	}), nil
}

func (s *MemoryTxStore) ListTransactionsByState(_ context.Context, state domain.TxState) ([]domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool { return tx.State == state }), nil
}

func (s *MemoryTxStore) CountTransactionsByState(_ context.Context) (map[domain.TxState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.TxState]int)
	for _, tx := range s.txs {
		out[tx.State]++
	}
	return out, nil
}

func (s *MemoryTxStore) filter(keep func(tx *domain.Transaction) bool) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range s.txs {
		if keep(tx) {
			out = append(out, *tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.Before(out[j].ProposedAt) })
	return out
}
