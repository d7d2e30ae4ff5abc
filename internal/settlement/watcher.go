package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

type SubmittedSource interface {
	ListTransactionsByState(ctx context.Context, state domain.TxState) ([]domain.Transaction, error)
}

type StatusChecker interface {
	Status(ctx context.Context, tx *domain.Transaction) (Finality, error)
	Lookup(ctx context.Context, tx *domain.Transaction) (Receipt, error)
}

// FinalitySink — получатель результатов опроса (реализует движок).
type FinalitySink interface {
	Sink
	Resolver
}

// Watcher опрашивает узлы о финальности отправленных транзакций. Дополняет
// вебхуки и очередь: уведомление может потеряться, опрос — нет. Отправки без
// квитанции он сначала разрешает: ищет поручение на узлах, куда оно ушло.
type Watcher struct {
	source   SubmittedSource
	checker  StatusChecker
	sink     FinalitySink
	interval time.Duration
	// Запоздавший запрос еще может дойти до узла: «не найдено» считается
	// окончательным только спустя grace.
	grace  time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewWatcher(source SubmittedSource, checker StatusChecker, sink FinalitySink, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		source:   source,
		checker:  checker,
		sink:     sink,
		interval: interval,
		grace:    4 * interval,
		now:      time.Now,
		logger:   logger.Named("finality-watcher"),
	}
}

func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll проходит по всем Submitted-транзакциям и возвращает число доставленных уведомлений.
func (w *Watcher) Poll(ctx context.Context) int {
	txs, err := w.source.ListTransactionsByState(ctx, domain.TxSubmitted)
	if err != nil {
		w.logger.Error("list submitted transactions", zap.Error(err))
		return 0
	}
	delivered := 0
	for i := range txs {
		tx := &txs[i]
		if tx.Unresolved() {
			if w.resolve(ctx, tx) {
				delivered++
			}
			continue
		}
		fin, err := w.checker.Status(ctx, tx)
		if err != nil {
			w.logger.Warn("finality status failed", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		if fin == FinalityPending {
			continue
		}
		n := Notification{TxID: tx.ID, Ref: tx.SettlementRef, Endpoint: tx.Endpoint, Finality: fin, Detail: "polled"}
		if err := w.sink.HandleFinality(ctx, n); err != nil {
			if !errors.Is(err, domain.ErrTerminalState) {
				w.logger.Error("finality delivery failed", zap.String("tx_id", tx.ID), zap.Error(err))
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (w *Watcher) resolve(ctx context.Context, tx *domain.Transaction) bool {
	var found *Receipt
	rec, err := w.checker.Lookup(ctx, tx)
	switch {
	case err == nil:
		found = &rec
	case errors.Is(err, domain.ErrNotFound):
		if w.now().Sub(tx.UpdatedAt) < w.grace {
			return false
		}
	default:
		w.logger.Warn("submission lookup failed",
			zap.String("tx_id", tx.ID),
			zap.Strings("attempted", tx.Attempted),
			zap.Error(err))
		return false
	}
	if err := w.sink.ResolveSubmission(ctx, tx.ID, found); err != nil {
		if !errors.Is(err, domain.ErrTerminalState) {
			w.logger.Error("submission resolve failed", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		return false
	}
	return true
}
