package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
)

// SpendSource — откуда книга восстанавливает резервы после рестарта.
type SpendSource interface {
	ListSpending(ctx context.Context, walletID string) ([]domain.Transaction, error)
}

type reservation struct {
	amount    int64
	at        time.Time
	committed bool // Расчет подтвержден, резерв стал тратой
}

// WalletSpend — книга одного кошелька, захваченная вызывающим.
// Между Lock и Unlock чтение трат, оценка политики и резерв атомарны.
type WalletSpend struct {
	mu     sync.Mutex
	loaded bool
	res    map[string]reservation // tx_id -> резерв
}

// SpendBook сериализует read-evaluate-reserve по кошельку. Разные кошельки
// не блокируют друг друга.
type SpendBook struct {
	source SpendSource

	mu      sync.Mutex
	wallets map[string]*WalletSpend
}

func NewSpendBook(source SpendSource) *SpendBook {
	return &SpendBook{source: source, wallets: make(map[string]*WalletSpend)}
}

// Lock захватывает книгу кошелька и при первом обращении загружает резервы.
// Вызывающий обязан вызвать Unlock.
func (b *SpendBook) Lock(ctx context.Context, walletID string) (*WalletSpend, error) {
	w := b.wallet(walletID)
	w.mu.Lock()
	if !w.loaded {
		if err := b.hydrate(ctx, walletID, w); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	return w, nil
}

func (w *WalletSpend) Unlock() { w.mu.Unlock() }

// Spent суммирует резервы по окнам, в которые попадает момент at.
func (w *WalletSpend) Spent(at time.Time) policy.Spent {
	var s policy.Spent
	for _, r := range w.res {
		s.Add(r.amount, r.at, at)
	}
	return s
}

// Reserve идемпотентен по txID.
func (w *WalletSpend) Reserve(txID string, amount int64, at time.Time) {
	if _, ok := w.res[txID]; ok {
		return
	}
	w.res[txID] = reservation{amount: amount, at: at}
}

// Commit фиксирует резерв после подтвержденного расчета.
func (b *SpendBook) Commit(walletID, txID string) {
	w := b.wallet(walletID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.res[txID]; ok {
		r.committed = true
		w.res[txID] = r
	}
}

// Release снимает резерв: подпись или расчет не состоялись.
func (b *SpendBook) Release(walletID, txID string) {
	w := b.wallet(walletID)
	w.mu.Lock()
	delete(w.res, txID)
	w.mu.Unlock()
}

// Reserved — число резервов кошелька, еще не подтвержденных расчетом.
func (b *SpendBook) Reserved(walletID string) int {
	w := b.wallet(walletID)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.res {
		if !r.committed {
			n++
		}
	}
	return n
}

func (b *SpendBook) wallet(walletID string) *WalletSpend {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.wallets[walletID]
	if !ok {
		w = &WalletSpend{res: make(map[string]reservation)}
		b.wallets[walletID] = w
	}
	return w
}

func (b *SpendBook) hydrate(ctx context.Context, walletID string, w *WalletSpend) error {
	if b.source != nil {
		txs, err := b.source.ListSpending(ctx, walletID)
		if err != nil {
			return fmt.Errorf("hydrate spend book %s: %w", walletID, err)
		}
		for _, tx := range txs {
			w.res[tx.ID] = reservation{amount: tx.Amount, at: tx.ProposedAt, committed: tx.State == domain.TxSettled}
		}
	}
	w.loaded = true
	return nil
}
