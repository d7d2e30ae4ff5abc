package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"go.uber.org/zap"
)

// Flag — оперативный режим агента, переключаемый из консоли.
type Flag string

const (
	FlagBlocked    Flag = "blocked"    // Kill-switch: любой мандат отвергается на входе
	FlagQuarantine Flag = "quarantine" // Каждый платеж уходит на ручное подтверждение
	FlagSandbox    Flag = "sandbox"    // Расчет симулируется
)

var AllFlags = []Flag{FlagBlocked, FlagQuarantine, FlagSandbox}

type flagKeys struct {
	set     string
	channel string
	lock    string
}

var flagRedisKeys = map[Flag]flagKeys{
	FlagBlocked:    {infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, infra.GetWarmupLockKey("blocked")},
	FlagQuarantine: {infra.RedisKeyQuarantineAgents, infra.RedisChanQuarantine, infra.GetWarmupLockKey("quarantine")},
	FlagSandbox:    {infra.RedisKeySandboxAgents, infra.RedisChanSandbox, infra.GetWarmupLockKey("sandbox")},
}

// FlagSource — долговременный источник флагов (реестр агентов).
type FlagSource interface {
	ListFlaggedAgents(ctx context.Context, flag string) ([]string, error)
}

// FlagManager держит флаги агентов в RAM (L1) для Hot Path, синхронизирует их
// через Redis-множества (L2) и pub/sub сигналы "agentID:on|off".
type FlagManager struct {
	rdb    *redis.Client
	source FlagSource
	logger *zap.Logger

	mu    sync.RWMutex
	flags map[Flag]map[string]struct{}
}

func NewFlagManager(rdb *redis.Client, source FlagSource, logger *zap.Logger) *FlagManager {
	m := &FlagManager{
		rdb:    rdb,
		source: source,
		logger: logger.With(zap.String("mod", "flags")),
		flags:  make(map[Flag]map[string]struct{}, len(AllFlags)),
	}
	for _, f := range AllFlags {
		m.flags[f] = make(map[string]struct{})
	}
	return m
}

// Init загружает флаги из реестра и прогревает Redis.
func (m *FlagManager) Init(ctx context.Context) error {
	for _, f := range AllFlags {
		if err := m.sync(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *FlagManager) sync(ctx context.Context, f Flag) error {
	var ids []string
	if m.source != nil {
		var err error
		ids, err = m.source.ListFlaggedAgents(ctx, string(f))
		if err != nil {
			return fmt.Errorf("fetch %s agents: %w", f, err)
		}
	}
	keys := flagRedisKeys[f]
	return infra.WarmupState(ctx, m.rdb, m.logger, ids, keys.set, keys.lock, func(items []string) {
		set := make(map[string]struct{}, len(items))
		for _, id := range items {
			set[id] = struct{}{}
		}
		m.mu.Lock()
		m.flags[f] = set
		m.mu.Unlock()
	})
}

// Has — проверка в Hot Path, только RAM.
func (m *FlagManager) Has(f Flag, agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.flags[f][agentID]
	return ok
}

// Count — число агентов с флагом (дашборд).
func (m *FlagManager) Count(f Flag) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flags[f])
}

// Set переключает флаг локально и рассылает сигнал остальным инстансам.
func (m *FlagManager) Set(ctx context.Context, f Flag, agentID string, on bool) error {
	keys, ok := flagRedisKeys[f]
	if !ok {
		return fmt.Errorf("unknown flag %q", f)
	}
	m.apply(f, agentID, on)
	if m.rdb == nil {
		return nil
	}

	value := "off"
	pipe := m.rdb.TxPipeline()
	if on {
		value = "on"
		pipe.SAdd(ctx, keys.set, agentID)
	} else {
		pipe.SRem(ctx, keys.set, agentID)
	}
	pipe.Publish(ctx, keys.channel, agentID+":"+value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s flag for %s: %w", f, agentID, err)
	}
	m.logger.Info("agent flag changed", zap.String("flag", string(f)), zap.String("agent_id", agentID), zap.Bool("on", on))
	return nil
}

func (m *FlagManager) apply(f Flag, agentID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.flags[f][agentID] = struct{}{}
	} else {
		delete(m.flags[f], agentID)
	}
}

// StartListeners подписывается на сигналы всех флагов. Блокирует до отмены ctx.
func (m *FlagManager) StartListeners(ctx context.Context) {
	var wg sync.WaitGroup
	for _, f := range AllFlags {
		wg.Add(1)
		go func() {
			defer wg.Done()
			infra.ListenSignals(ctx, m.rdb, m.logger, flagRedisKeys[f].channel,
				func() error { return m.sync(ctx, f) },
				func(agentID, value string) { m.apply(f, agentID, infra.ParseFlag(value)) },
			)
		}()
	}
	wg.Wait()
}
