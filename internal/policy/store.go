package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// Store — долговременное хранилище версий. Версии только добавляются.
type Store interface {
	// SavePolicy возвращает domain.ErrVersionConflict, если версия уже занята.
	SavePolicy(ctx context.Context, p *domain.Policy) error
	// LatestPolicy возвращает nil, nil, если у кошелька нет политик.
	LatestPolicy(ctx context.Context, walletID string) (*domain.Policy, error)
	ListPolicies(ctx context.Context, walletID string) ([]domain.Policy, error)
}

// NormalizeCounterparty приводит идентификатор к виду, в котором он хранится в политике.
func NormalizeCounterparty(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// CounterpartyListed — бинарный поиск по отсортированному списку политики.
func CounterpartyListed(p *domain.Policy, counterparty string) bool {
	n := NormalizeCounterparty(counterparty)
	i := sort.SearchStrings(p.Counterparties, n)
	return i < len(p.Counterparties) && p.Counterparties[i] == n
}

// MemoryStore — хранилище версий в памяти (тесты и одиночный инстанс).
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]domain.Policy // wallet -> версии по возрастанию
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]domain.Policy)}
}

func (s *MemoryStore) SavePolicy(_ context.Context, p *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.versions[p.WalletID]
	if n := len(list); n > 0 && list[n-1].Version >= p.Version {
		return fmt.Errorf("%w: wallet %s v%d", domain.ErrVersionConflict, p.WalletID, p.Version)
	}
	s.versions[p.WalletID] = append(list, clonePolicy(*p))
	return nil
}

func (s *MemoryStore) LatestPolicy(_ context.Context, walletID string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.versions[walletID]
	if len(list) == 0 {
		return nil, nil
	}
	p := clonePolicy(list[len(list)-1])
	return &p, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context, walletID string) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Policy, 0, len(s.versions[walletID]))
	for _, p := range s.versions[walletID] {
		out = append(out, clonePolicy(p))
	}
	return out, nil
}

func clonePolicy(p domain.Policy) domain.Policy {
	p.Counterparties = append([]string(nil), p.Counterparties...)
	p.Windows = append([]domain.TimeWindow(nil), p.Windows...)
	p.Conditions = append([]string(nil), p.Conditions...)
	return p
}
