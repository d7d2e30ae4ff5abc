package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "paygate"
)

// Ключи для Sets (состояние флагов агентов)
const (
	RedisKeyBlockedAgents    = RedisNamespace + ":agents:blocked_set"
	RedisKeySandboxAgents    = RedisNamespace + ":agents:sandbox_set"
	RedisKeyQuarantineAgents = RedisNamespace + ":agents:quarantine_set"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch   = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanSandbox      = RedisNamespace + ":agents:sandbox-signal"
	RedisChanQuarantine   = RedisNamespace + ":agents:quarantine-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
)

// GetWarmupLockKey Генератор ключей блокировок прогрева
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}

// NonceKey — ключ одноразового nonce агента.
func NonceKey(agentID string, nonce uint64) string {
	return fmt.Sprintf("%s:nonce:%s:%d", RedisNamespace, agentID, nonce)
}

// VerdictKey — ключ кэша вердикта комплаенса.
func VerdictKey(subject string) string {
	return fmt.Sprintf("%s:compliance:verdict:%s", RedisNamespace, subject)
}

// RedisChanOperatorDecisions — решения оператора из консоли для шлюза: "tx_id:{json}".
const RedisChanOperatorDecisions = RedisNamespace + ":approvals:decisions"
