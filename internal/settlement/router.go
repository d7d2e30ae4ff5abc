package settlement

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// Router выбирает рельс транзакции; sandbox-транзакции уходят в симулятор.
type Router struct {
	rails   map[domain.Rail]*Failover
	sandbox Backend
}

func NewRouter(sandbox Backend, rails ...*Failover) *Router {
	r := &Router{rails: make(map[domain.Rail]*Failover, len(rails)), sandbox: sandbox}
	for _, f := range rails {
		r.rails[f.Rail()] = f
	}
	return r
}

func (r *Router) Submit(ctx context.Context, tx *domain.Transaction, sig *custody.Signature) (Receipt, error) {
	o := OrderFor(tx, sig)
	if tx.Mode == domain.ModeSandbox {
		rec, err := r.sandbox.Submit(ctx, o)
		rec.Endpoint = r.sandbox.Name()
		return rec, err
	}
	f, ok := r.rails[tx.Rail]
	if !ok {
		return Receipt{}, &domain.SettlementError{Kind: domain.SettlementRejected, Err: fmt.Errorf("rail %q is not configured", tx.Rail)}
	}
	return f.Submit(ctx, o)
}

// Lookup ищет поручение транзакции без квитанции на узлах из tx.Attempted.
func (r *Router) Lookup(ctx context.Context, tx *domain.Transaction) (Receipt, error) {
	if tx.Mode == domain.ModeSandbox {
		rec, err := r.sandbox.Lookup(ctx, tx.ID, tx.UpdatedAt)
		rec.Endpoint = r.sandbox.Name()
		return rec, err
	}
	f, ok := r.rails[tx.Rail]
	if !ok {
		return Receipt{}, fmt.Errorf("rail %q is not configured", tx.Rail)
	}
	return f.Lookup(ctx, tx.Attempted, tx.ID, tx.UpdatedAt)
}

func (r *Router) Status(ctx context.Context, tx *domain.Transaction) (Finality, error) {
	if tx.Mode == domain.ModeSandbox {
		return r.sandbox.Status(ctx, tx.SettlementRef)
	}
	f, ok := r.rails[tx.Rail]
	if !ok {
		return "", fmt.Errorf("rail %q is not configured", tx.Rail)
	}
	return f.Status(ctx, tx.Endpoint, tx.SettlementRef)
}

// Rails — сконфигурированные рельсы (для метрик предохранителей).
func (r *Router) Rails() []*Failover {
	out := make([]*Failover, 0, len(r.rails))
	for _, f := range r.rails {
		out = append(out, f)
	}
	return out
}
