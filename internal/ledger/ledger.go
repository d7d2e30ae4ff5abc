package ledger

/*
Журнал решений: по одной хэш-цепочке на кошелек. Каждое решение конвейера
(включая отказы) дописывается сюда до ответа вызывающей стороне.

Append сериализован по кошельку внутри инстанса; между инстансами гонку
разрешает уникальный (wallet_id, seq) в хранилище — проигравший перечитывает
хвост и пробует снова.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

const appendAttempts = 3

// Replica получает уже сцепленные записи (асинхронная копия).
type Replica interface {
	Log(rec domain.AuditRecord)
}

type Ledger struct {
	store   Store
	replica Replica
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store, replica Replica, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:   store,
		replica: replica,
		logger:  logger.Named("ledger"),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Append — единственная мутация журнала. Возвращает запись с присвоенными
// ID, Seq, PrevHash и Hash.
func (l *Ledger) Append(ctx context.Context, rec domain.AuditRecord) (*domain.AuditRecord, error) {
	if rec.WalletID == "" {
		rec.WalletID = domain.UnboundWallet
	}
	if rec.Stage == "" || rec.Decision == "" {
		return nil, errors.New("ledger: stage and decision are required")
	}

	lock := l.walletLock(rec.WalletID)
	lock.Lock()
	defer lock.Unlock()

	rec.ID = uuid.NewString()
	// Postgres хранит микросекунды: хэш должен пережить round-trip
	rec.At = l.now().UTC().Truncate(time.Microsecond)

	for attempt := 1; ; attempt++ {
		last, err := l.store.LastRecord(ctx, rec.WalletID)
		if err != nil {
			return nil, fmt.Errorf("read chain head %s: %w", rec.WalletID, err)
		}
		rec.Seq, rec.PrevHash = 1, ""
		if last != nil {
			rec.Seq, rec.PrevHash = last.Seq+1, last.Hash
		}
		rec.Hash = rec.ComputeHash()

		err = l.store.InsertRecord(ctx, &rec)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSeqTaken) || attempt == appendAttempts {
			return nil, fmt.Errorf("append to %s: %w", rec.WalletID, err)
		}
		l.logger.Debug("chain head moved, retrying", zap.String("wallet_id", rec.WalletID), zap.Uint64("seq", rec.Seq))
	}

	if l.replica != nil {
		l.replica.Log(cloneRecord(rec))
	}
	return &rec, nil
}

// List отдает записи кошелька страницами.
func (l *Ledger) List(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.AuditRecord, error) {
	return l.store.ListRecords(ctx, walletID, afterSeq, limit)
}

// Report — результат проверки цепочки. FirstMismatch — seq первой записи,
// у которой не сошелся хэш, связь с предыдущей или нумерация.
type Report struct {
	WalletID      string `json:"wallet_id"`
	Valid         bool   `json:"valid"`
	FirstMismatch uint64 `json:"first_mismatch,omitempty"`
	Count         uint64 `json:"count"`
}

const verifyPage = 500

// VerifyChain пересчитывает хэши всей цепочки кошелька.
func (l *Ledger) VerifyChain(ctx context.Context, walletID string) (Report, error) {
	rep := Report{WalletID: walletID, Valid: true}
	var (
		prevHash string
		after    uint64
	)
	for {
		page, err := l.store.ListRecords(ctx, walletID, after, verifyPage)
		if err != nil {
			return Report{}, fmt.Errorf("read chain %s: %w", walletID, err)
		}
		for i := range page {
			r := &page[i]
			rep.Count++
			if rep.Valid && (r.Seq != rep.Count || r.PrevHash != prevHash || r.ComputeHash() != r.Hash) {
				rep.Valid = false
				rep.FirstMismatch = r.Seq
			}
			prevHash = r.Hash
			after = r.Seq
		}
		if len(page) < verifyPage {
			break
		}
	}
	if !rep.Valid {
		l.logger.Error("ledger chain broken",
			zap.String("wallet_id", walletID),
			zap.Uint64("first_mismatch", rep.FirstMismatch))
	}
	return rep, nil
}

func (l *Ledger) walletLock(walletID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[walletID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[walletID] = m
	}
	return m
}
