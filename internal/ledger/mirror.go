package ledger

/*
Mirror — асинхронная реплика журнала (MySQL). Hot Path не ждет реплику:
записи уходят в буферизованный канал и пишутся пачками по таймеру или по
заполнении пачки. Stop закрывает вход и дописывает остаток (drain).

Основная цепочка живет в Postgres; потеря записи в реплике лечится
повторной выгрузкой, поэтому при переполнении буфера запись только логируется.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

// BatchWriter — физическое хранилище реплики.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []domain.AuditRecord) error
}

type MirrorConfig struct {
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type Mirror struct {
	cfg    MirrorConfig
	ch     chan domain.AuditRecord
	repo   BatchWriter
	logger *zap.Logger
	wg     sync.WaitGroup

	closed  atomic.Bool
	dropped atomic.Int64
	// OnFlush вызывается после каждой записи пачки (метрики).
	OnFlush func(n int, err error)
}

func NewMirror(repo BatchWriter, cfg MirrorConfig, logger *zap.Logger) *Mirror {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Mirror{
		cfg:    cfg,
		ch:     make(chan domain.AuditRecord, cfg.Buffer),
		repo:   repo,
		logger: logger.With(zap.String("mod", "ledger-mirror")),
	}
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.worker()
}

// Stop запирает вход и ждет, пока воркер допишет буфер.
func (m *Mirror) Stop() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	// Даем текущим Log проскочить до закрытия канала
	time.Sleep(10 * time.Millisecond)

	m.logger.Info("stopping ledger mirror: draining buffer")
	close(m.ch)
	m.wg.Wait()
	m.logger.Info("ledger mirror stopped", zap.Int64("dropped", m.dropped.Load()))
}

// Log не блокирует: при переполнении запись сбрасывается.
func (m *Mirror) Log(rec domain.AuditRecord) {
	if m.closed.Load() {
		m.dropped.Add(1)
		m.logger.Warn("ledger record not mirrored: mirror is stopping", zap.String("id", rec.ID))
		return
	}
	select {
	case m.ch <- rec:
	default:
		m.dropped.Add(1)
		m.logger.Error("ledger_mirror_overflow",
			zap.String("wallet_id", rec.WalletID),
			zap.Uint64("seq", rec.Seq))
	}
}

// Buffered — сколько записей ждут отправки.
func (m *Mirror) Buffered() int { return len(m.ch) }

// Dropped — сколько записей не попало в реплику.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

func (m *Mirror) worker() {
	defer m.wg.Done()

	batch := make([]domain.AuditRecord, 0, m.cfg.BatchSize)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: при остановке основной контекст уже отменен
		err := m.repo.WriteBatch(context.Background(), batch)
		if err != nil {
			m.logger.Error("ledger mirror flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		if m.OnFlush != nil {
			m.OnFlush(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
