package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type staticSpending struct {
	txs []domain.Transaction
	err error
}

func (s staticSpending) ListSpending(context.Context, string) ([]domain.Transaction, error) {
	return s.txs, s.err
}

func TestSpendBook_HydrateAndWindows(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	book := NewSpendBook(staticSpending{txs: []domain.Transaction{
		{ID: "today", Amount: 300, ProposedAt: now.Add(-time.Hour), State: domain.TxSubmitted},
		{ID: "this-month", Amount: 500, ProposedAt: now.AddDate(0, 0, -5), State: domain.TxSettled},
		{ID: "last-year", Amount: 700, ProposedAt: now.AddDate(-1, 0, 0), State: domain.TxSettled},
	}})

	ws, err := book.Lock(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	spent := ws.Spent(now)
	ws.Unlock()

	if spent.Day != 300 || spent.Month != 800 || spent.Lifetime != 1500 {
		t.Fatalf("unexpected spent: %+v", spent)
	}
	if n := book.Reserved("w-1"); n != 1 {
		t.Fatalf("expected 1 open reservation, got %d", n)
	}
}

func TestSpendBook_ReserveReleaseCommit(t *testing.T) {
	now := time.Now().UTC()
	book := NewSpendBook(nil)
	ctx := context.Background()

	ws, _ := book.Lock(ctx, "w-1")
	ws.Reserve("tx-1", 100, now)
	ws.Reserve("tx-1", 100, now)
	ws.Reserve("tx-2", 50, now)
	ws.Unlock()

	if n := book.Reserved("w-1"); n != 2 {
		t.Fatalf("expected 2 reservations, got %d", n)
	}
	book.Commit("w-1", "tx-1")
	book.Release("w-1", "tx-2")
	if n := book.Reserved("w-1"); n != 0 {
		t.Fatalf("expected 0 open reservations, got %d", n)
	}

	ws, _ = book.Lock(ctx, "w-1")
	defer ws.Unlock()
	if got := ws.Spent(now).Day; got != 100 {
		t.Fatalf("committed spend must stay counted, got %d", got)
	}
}

func TestSpendBook_HydrateErrorUnlocks(t *testing.T) {
	boom := errors.New("db down")
	book := NewSpendBook(staticSpending{err: boom})
	if _, err := book.Lock(context.Background(), "w-1"); !errors.Is(err, boom) {
		t.Fatalf("expected hydrate error, got %v", err)
	}
	// Блокировка снята, повторная попытка не зависает
	if _, err := book.Lock(context.Background(), "w-1"); !errors.Is(err, boom) {
		t.Fatalf("expected hydrate error again, got %v", err)
	}
}
