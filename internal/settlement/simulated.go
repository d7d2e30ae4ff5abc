package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// Simulated — рельс sandbox-агентов: поручение принимается, деньги не двигаются.
type Simulated struct {
	mu     sync.Mutex
	orders map[string]Order
}

func NewSimulated() *Simulated {
	return &Simulated{orders: make(map[string]Order)}
}

func (s *Simulated) Name() string { return "sandbox" }

func (s *Simulated) Submit(_ context.Context, o Order) (Receipt, error) {
	s.mu.Lock()
	s.orders[o.TxID] = o
	s.mu.Unlock()
	return Receipt{Ref: "sim-" + o.TxID, Endpoint: s.Name()}, nil
}

func (s *Simulated) Lookup(_ context.Context, txID string, _ time.Time) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[txID]; !ok {
		return Receipt{}, fmt.Errorf("%w: simulated order %s", domain.ErrNotFound, txID)
	}
	return Receipt{Ref: "sim-" + txID, Endpoint: s.Name()}, nil
}

func (s *Simulated) Status(context.Context, string) (Finality, error) {
	return FinalitySettled, nil
}

// Orders возвращает число принятых поручений.
func (s *Simulated) Orders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
