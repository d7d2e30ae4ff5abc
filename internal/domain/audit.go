package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// UnboundWallet — цепочка для отказов, где кошелек установить не удалось.
const UnboundWallet = "unbound"

// Стадии конвейера, на которых принимается решение.
const (
	StageIdentity   = "identity"
	StageMandate    = "mandate"
	StageCompliance = "compliance"
	StagePolicy     = "policy"
	StageApproval   = "approval"
	StageCustody    = "custody"
	StageSettlement = "settlement"
	StageCancel     = "cancel"
)

// Решения, фиксируемые в журнале.
const (
	DecisionAccepted   = "accepted"
	DecisionRejected   = "rejected"
	DecisionEscalated  = "escalated"
	DecisionPending    = "pending_approval"
	DecisionAuthorized = "authorized"
	DecisionSubmitted  = "submitted"
	DecisionSettled    = "settled"
	DecisionFailed     = "failed"
	DecisionCancelled  = "cancelled"
)

// AuditRecord — одна запись журнала решений. Запись сцеплена хэшем с
// предыдущей записью того же кошелька и никогда не изменяется.
type AuditRecord struct {
	ID            string            `json:"id"`
	WalletID      string            `json:"wallet_id"`
	Seq           uint64            `json:"seq"`
	TxID          string            `json:"tx_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	Stage         string            `json:"stage"`
	Decision      string            `json:"decision"`
	Reason        *Reason           `json:"reason,omitempty"`
	PolicyVersion uint64            `json:"policy_version,omitempty"`
	Amount        int64             `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	At            time.Time         `json:"at"`
	PrevHash      string            `json:"prev_hash"`
	Hash          string            `json:"hash"`
}

// ComputeHash = sha256(prev_hash || каноническая запись без поля hash).
// encoding/json сортирует ключи map, поэтому Attributes сериализуются стабильно.
func (r *AuditRecord) ComputeHash() string {
	c := *r
	c.Hash = ""
	c.At = r.At.UTC()
	body, _ := json.Marshal(c)
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
