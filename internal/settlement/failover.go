package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"go.uber.org/zap"
)

type endpoint struct {
	backend Backend
	rel     *infra.Reliability
}

// Failover перебирает узлы одного рельса по порядку. Недоступный узел —
// переход к следующему; окончательный ответ узла — немедленный отказ.
type Failover struct {
	rail      domain.Rail
	endpoints []endpoint
	logger    *zap.Logger
}

// IsDefinitive — отказ, который другой узел не изменит.
func IsDefinitive(err error) bool {
	var se *domain.SettlementError
	return errors.As(err, &se) && se.Definitive()
}

func NewFailover(rail domain.Rail, backends []Backend, rc infra.ReliabilityConfig, logger *zap.Logger) *Failover {
	f := &Failover{rail: rail, logger: logger.Named("settlement").With(zap.String("rail", string(rail)))}
	for _, b := range backends {
		cfg := rc
		cfg.Name = b.Name()
		cfg.Permanent = IsDefinitive
		f.endpoints = append(f.endpoints, endpoint{backend: b, rel: infra.NewReliability(cfg)})
	}
	return f
}

func (f *Failover) Rail() domain.Rail { return f.rail }

// Submit возвращает квитанцию первого принявшего узла. Узлы, получившие
// поручение без ответа, перечисляются в SettlementError.Attempted.
func (f *Failover) Submit(ctx context.Context, o Order) (Receipt, error) {
	var (
		lastErr   error
		lastName  string
		attempted []string
	)
	for _, ep := range f.endpoints {
		var rec Receipt
		err := ep.rel.Do(ctx, func(ctx context.Context) error {
			r, err := ep.backend.Submit(ctx, o)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
		if err == nil {
			rec.Endpoint = ep.backend.Name()
			return rec, nil
		}

		var se *domain.SettlementError
		if errors.As(err, &se) && se.Definitive() {
			if se.Endpoint == "" {
				se.Endpoint = ep.backend.Name()
			}
			// Предыдущий узел мог уже исполнить поручение
			se.Attempted = attempted
			return Receipt{}, se
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.logger.Warn("endpoint circuit open, skipping", zap.String("endpoint", ep.backend.Name()))
		} else {
			attempted = append(attempted, ep.backend.Name())
			f.logger.Warn("endpoint failed, trying next",
				zap.String("endpoint", ep.backend.Name()),
				zap.String("tx_id", o.TxID),
				zap.Error(err))
		}
		lastErr, lastName = err, ep.backend.Name()
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return Receipt{}, &domain.SettlementError{Kind: domain.SettlementUnreachable, Endpoint: lastName, Attempted: attempted, Err: lastErr}
}

// Lookup опрашивает узлы names о поручении txID. domain.ErrNotFound — только
// если каждый из них ответил, что поручения не видел.
func (f *Failover) Lookup(ctx context.Context, names []string, txID string, since time.Time) (Receipt, error) {
	var undecided error
	for _, name := range names {
		ep, ok := f.endpoint(name)
		if !ok {
			undecided = fmt.Errorf("endpoint %s is no longer configured on rail %s", name, f.rail)
			continue
		}
		rec, err := ep.backend.Lookup(ctx, txID, since)
		if err == nil {
			rec.Endpoint = name
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			undecided = err
		}
	}
	if undecided != nil {
		return Receipt{}, undecided
	}
	return Receipt{}, fmt.Errorf("%w: order %s on rail %s", domain.ErrNotFound, txID, f.rail)
}

func (f *Failover) endpoint(name string) (endpoint, bool) {
	for _, ep := range f.endpoints {
		if ep.backend.Name() == name {
			return ep, true
		}
	}
	return endpoint{}, false
}

// Status опрашивает узел, принявший поручение.
func (f *Failover) Status(ctx context.Context, endpointName, ref string) (Finality, error) {
	if ep, ok := f.endpoint(endpointName); ok {
		return ep.backend.Status(ctx, ref)
	}
	return "", fmt.Errorf("%w: endpoint %s on rail %s", domain.ErrNotFound, endpointName, f.rail)
}

// States — состояния предохранителей узлов (для метрик).
func (f *Failover) States() map[string]gobreaker.State {
	out := make(map[string]gobreaker.State, len(f.endpoints))
	for _, ep := range f.endpoints {
		out[ep.backend.Name()] = ep.rel.State()
	}
	return out
}
