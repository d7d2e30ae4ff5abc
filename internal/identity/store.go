package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// AgentStore — реестр агентов и их ключей.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*domain.AgentIdentity, error)
}

// MandateStore хранит проверенные стадии цепочек.
type MandateStore interface {
	// GetMandateChain возвращает пустую цепочку, если записей нет.
	GetMandateChain(ctx context.Context, chainID string) (*domain.MandateChain, error)
	// PutMandate атомарно добавляет стадию; domain.ErrStageExists, если она уже есть.
	PutMandate(ctx context.Context, rec *domain.MandateRecord) error
}

type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentIdentity
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]domain.AgentIdentity)}
}

func (s *MemoryAgentStore) CreateAgent(_ context.Context, a *domain.AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	c := *a
	c.PublicKey = append([]byte(nil), a.PublicKey...)
	s.agents[a.ID] = c
	return nil
}

func (s *MemoryAgentStore) GetAgent(_ context.Context, id string) (*domain.AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	a.PublicKey = append([]byte(nil), a.PublicKey...)
	return &a, nil
}

func (s *MemoryAgentStore) UpdateAgentStatus(_ context.Context, id string, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	a.Status = status
	s.agents[id] = a
	return nil
}

func (s *MemoryAgentStore) SetAgentSandbox(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	a.Sandbox = enabled
	s.agents[id] = a
	return nil
}

func (s *MemoryAgentStore) ListAgents(_ context.Context) ([]domain.AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentIdentity, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

type MemoryMandateStore struct {
	mu     sync.Mutex
	chains map[string]domain.MandateChain
}

func NewMemoryMandateStore() *MemoryMandateStore {
	return &MemoryMandateStore{chains: make(map[string]domain.MandateChain)}
}

func (s *MemoryMandateStore) GetMandateChain(_ context.Context, chainID string) (*domain.MandateChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chains[chainID]
	c.ChainID = chainID
	return &c, nil
}

func (s *MemoryMandateStore) PutMandate(_ context.Context, rec *domain.MandateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chains[rec.ChainID]
	r := *rec
	switch rec.Kind {
	case domain.MandateIntent:
		if c.Intent != nil {
			return domain.ErrStageExists
		}
		c.Intent = &r
	case domain.MandateCart:
		if c.Cart != nil {
			return domain.ErrStageExists
		}
		c.Cart = &r
	case domain.MandatePayment:
		if c.Payment != nil {
			return domain.ErrStageExists
		}
		c.Payment = &r
	default:
		return fmt.Errorf("unknown mandate kind %q", rec.Kind)
	}
	s.chains[rec.ChainID] = c
	return nil
}
