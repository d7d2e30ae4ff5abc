package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

func decision(wallet, stage, dec string) domain.AuditRecord {
	return domain.AuditRecord{WalletID: wallet, Stage: stage, Decision: dec, Amount: 100, Currency: "USD"}
}

func TestLedger_AppendChains(t *testing.T) {
	l := New(NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()

	first, err := l.Append(ctx, decision("w1", domain.StagePolicy, domain.DecisionAccepted))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := l.Append(ctx, decision("w1", domain.StageCustody, domain.DecisionAuthorized))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 || first.PrevHash != "" {
		t.Fatalf("first record must open the chain: %+v", first)
	}
	if second.Seq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("second record must link to the first")
	}
	if second.Hash != second.ComputeHash() {
		t.Fatalf("stored hash must match recomputed hash")
	}

	other, _ := l.Append(ctx, decision("w2", domain.StagePolicy, domain.DecisionRejected))
	if other.Seq != 1 {
		t.Fatalf("wallets must have independent chains")
	}

	unbound, _ := l.Append(ctx, decision("", domain.StageIdentity, domain.DecisionRejected))
	if unbound.WalletID != domain.UnboundWallet {
		t.Fatalf("decision without wallet must go to the unbound chain")
	}

	if _, err := l.Append(ctx, domain.AuditRecord{WalletID: "w1"}); err == nil {
		t.Fatalf("stage and decision are required")
	}
}

func TestLedger_ConcurrentAppend(t *testing.T) {
	l := New(NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, decision("w1", domain.StagePolicy, domain.DecisionAccepted)); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	rep, err := l.VerifyChain(ctx, "w1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.Valid || rep.Count != 50 {
		t.Fatalf("expected valid chain of 50, got %+v", rep)
	}
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Append(ctx, decision("w1", domain.StagePolicy, domain.DecisionAccepted))
	}

	store.Tamper("w1", 3, func(r *domain.AuditRecord) { r.Amount = 1 })
	rep, _ := l.VerifyChain(ctx, "w1")
	if rep.Valid || rep.FirstMismatch != 3 || rep.Count != 5 {
		t.Fatalf("expected mismatch at 3, got %+v", rep)
	}

	// Пересчитанный хэш не спасает: ломается связь со следующей записью
	store.Tamper("w1", 3, func(r *domain.AuditRecord) { r.Hash = r.ComputeHash() })
	rep, _ = l.VerifyChain(ctx, "w1")
	if rep.Valid || rep.FirstMismatch != 4 {
		t.Fatalf("expected mismatch at 4, got %+v", rep)
	}

	empty, _ := l.VerifyChain(ctx, "nobody")
	if !empty.Valid || empty.Count != 0 {
		t.Fatalf("empty chain is valid")
	}
}

// racingStore имитирует другой инстанс, дописавший кошелек между чтением хвоста и вставкой.
type racingStore struct {
	*MemoryStore
	races int
}

func (s *racingStore) InsertRecord(ctx context.Context, rec *domain.AuditRecord) error {
	if s.races > 0 {
		s.races--
		foreign := domain.AuditRecord{ID: fmt.Sprintf("foreign-%d", s.races), WalletID: rec.WalletID, Seq: rec.Seq,
			PrevHash: rec.PrevHash, Stage: domain.StagePolicy, Decision: domain.DecisionAccepted, At: time.Now().UTC()}
		foreign.Hash = foreign.ComputeHash()
		if err := s.MemoryStore.InsertRecord(ctx, &foreign); err != nil {
			return err
		}
	}
	return s.MemoryStore.InsertRecord(ctx, rec)
}

func TestLedger_RetriesWhenHeadMoves(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), races: 1}
	l := New(store, nil, zap.NewNop())
	ctx := context.Background()

	rec, err := l.Append(ctx, decision("w1", domain.StagePolicy, domain.DecisionAccepted))
	if err != nil {
		t.Fatalf("append must retry after losing the race: %v", err)
	}
	if rec.Seq != 2 {
		t.Fatalf("expected seq 2 after foreign write, got %d", rec.Seq)
	}
	if rep, _ := l.VerifyChain(ctx, "w1"); !rep.Valid {
		t.Fatalf("chain must stay valid: %+v", rep)
	}

	store.races = appendAttempts
	if _, err := l.Append(ctx, decision("w1", domain.StagePolicy, domain.DecisionAccepted)); !errors.Is(err, ErrSeqTaken) {
		t.Fatalf("expected give-up after %d attempts, got %v", appendAttempts, err)
	}
}

type collectingWriter struct {
	mu      sync.Mutex
	batches [][]domain.AuditRecord
}

func (w *collectingWriter) WriteBatch(_ context.Context, records []domain.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]domain.AuditRecord(nil), records...))
	return nil
}

func (w *collectingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestMirror_DrainsOnStop(t *testing.T) {
	w := &collectingWriter{}
	m := NewMirror(w, MirrorConfig{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())
	m.Start()

	l := New(NewMemoryStore(), m, zap.NewNop())
	for i := 0; i < 25; i++ {
		if _, err := l.Append(context.Background(), decision("w1", domain.StagePolicy, domain.DecisionAccepted)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	m.Stop()

	if got := w.total(); got != 25 {
		t.Fatalf("expected all 25 records mirrored, got %d", got)
	}
	if len(w.batches) != 3 {
		t.Fatalf("expected batches of 10, 10 and a final 5, got %d batches", len(w.batches))
	}

	m.Log(decision("w1", domain.StagePolicy, domain.DecisionAccepted))
	if m.Dropped() != 1 {
		t.Fatalf("record after stop must be dropped")
	}
}

func TestMirror_OverflowDrops(t *testing.T) {
	m := NewMirror(&collectingWriter{}, MirrorConfig{Buffer: 2}, zap.NewNop())
	for i := 0; i < 5; i++ {
		m.Log(decision("w1", domain.StagePolicy, domain.DecisionAccepted))
	}
	if m.Buffered() != 2 || m.Dropped() != 3 {
		t.Fatalf("expected 2 buffered and 3 dropped, got %d/%d", m.Buffered(), m.Dropped())
	}
}
