package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// ErrSeqTaken — запись с таким seq уже есть: кошелек дописал другой инстанс.
var ErrSeqTaken = errors.New("ledger sequence already taken")

// Store — основное хранилище журнала. Записи только добавляются.
type Store interface {
	// LastRecord возвращает nil, nil для пустой цепочки.
	LastRecord(ctx context.Context, walletID string) (*domain.AuditRecord, error)
	// InsertRecord возвращает ErrSeqTaken, если (wallet, seq) занят.
	InsertRecord(ctx context.Context, rec *domain.AuditRecord) error
	// ListRecords отдает записи по возрастанию seq, начиная после afterSeq.
	ListRecords(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.AuditRecord, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]domain.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]domain.AuditRecord)}
}

func (s *MemoryStore) LastRecord(_ context.Context, walletID string) (*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[walletID]
	if len(list) == 0 {
		return nil, nil
	}
	r := cloneRecord(list[len(list)-1])
	return &r, nil
}

func (s *MemoryStore) InsertRecord(_ context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[rec.WalletID]
	if uint64(len(list))+1 != rec.Seq {
		return fmt.Errorf("%w: wallet %s seq %d", ErrSeqTaken, rec.WalletID, rec.Seq)
	}
	s.records[rec.WalletID] = append(list, cloneRecord(*rec))
	return nil
}

func (s *MemoryStore) ListRecords(_ context.Context, walletID string, afterSeq uint64, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[walletID]
	var out []domain.AuditRecord
	for _, r := range list {
		if r.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneRecord(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tamper подменяет сохраненную запись. Только для тестов проверки цепочки.
func (s *MemoryStore) Tamper(walletID string, seq uint64, mutate func(r *domain.AuditRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[walletID]
	if seq == 0 || seq > uint64(len(list)) {
		return
	}
	mutate(&list[seq-1])
}

func cloneRecord(r domain.AuditRecord) domain.AuditRecord {
	if r.Reason != nil {
		reason := *r.Reason
		r.Reason = &reason
	}
	if r.Attributes != nil {
		attrs := make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		r.Attributes = attrs
	}
	return r
}
