package domain

import "time"

type AgentStatus string

const (
	StatusActive     AgentStatus = "active"     // Полный доступ
	StatusBlocked    AgentStatus = "blocked"    // Kill-switch (блокировка)
	StatusQuarantine AgentStatus = "quarantine" // Каждый платеж требует HITL-подтверждения
)

type KeyScheme string

const (
	SchemeEd25519   KeyScheme = "ed25519"
	SchemeSecp256k1 KeyScheme = "secp256k1"
)

// AgentIdentity — принципал, привязанный к ключевой паре. Платежи агента
// всегда списываются с одного кошелька его владельца.
type AgentIdentity struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	PrincipalID string      `json:"principal_id"`
	WalletID    string      `json:"wallet_id"`
	Scheme      KeyScheme   `json:"scheme"`
	PublicKey   []byte      `json:"public_key"`
	Status      AgentStatus `json:"status"`
	Sandbox     bool        `json:"sandbox"` // Расчеты симулируются, реальные деньги не двигаются

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
