package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type MandateKind string

const (
	MandateIntent  MandateKind = "intent"
	MandateCart    MandateKind = "cart"
	MandatePayment MandateKind = "payment"
)

// Predecessor возвращает предыдущую стадию цепочки.
func (k MandateKind) Predecessor() (MandateKind, bool) {
	switch k {
	case MandateCart:
		return MandateIntent, true
	case MandatePayment:
		return MandateCart, true
	}
	return "", false
}

type Rail string

const (
	RailOnchain Rail = "onchain"
	RailCard    Rail = "card"
)

type IntentBody struct {
	Description string `json:"description"`
	MaxAmount   int64  `json:"max_amount,omitempty"`
	Currency    string `json:"currency"`
}

type LineItem struct {
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
}

type CartBody struct {
	Counterparty string     `json:"counterparty"`
	Currency     string     `json:"currency"`
	Items        []LineItem `json:"items"`
	Total        int64      `json:"total"`
}

type PaymentBody struct {
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Counterparty string `json:"counterparty"`
	Rail         Rail   `json:"rail"`
	Destination  string `json:"destination"`
}

// MandateRecord — одна подписанная запись цепочки Intent → Cart → Payment.
type MandateRecord struct {
	Kind      MandateKind  `json:"kind"`
	ChainID   string       `json:"chain_id"`
	AgentID   string       `json:"agent_id"`
	WalletID  string       `json:"wallet_id"`
	PrevHash  string       `json:"prev_hash"`
	Intent    *IntentBody  `json:"intent,omitempty"`
	Cart      *CartBody    `json:"cart,omitempty"`
	Payment   *PaymentBody `json:"payment,omitempty"`
	Nonce     uint64       `json:"nonce"`
	SignedAt  time.Time    `json:"signed_at"`
	Signature string       `json:"signature,omitempty"`
}

// SigningBytes — байты, которые подписывает агент: запись без подписи,
// время в UTC.
func (m *MandateRecord) SigningBytes() []byte {
	c := *m
	c.Signature = ""
	c.SignedAt = m.SignedAt.UTC()
	b, _ := json.Marshal(c)
	return b
}

// Hash — ссылка, которую следующая стадия кладет в PrevHash.
func (m *MandateRecord) Hash() string {
	sum := sha256.Sum256(m.SigningBytes())
	return hex.EncodeToString(sum[:])
}

// BodyPresent проверяет, что заполнено ровно то тело, которое соответствует Kind.
func (m *MandateRecord) BodyPresent() bool {
	switch m.Kind {
	case MandateIntent:
		return m.Intent != nil && m.Cart == nil && m.Payment == nil
	case MandateCart:
		return m.Cart != nil && m.Intent == nil && m.Payment == nil
	case MandatePayment:
		return m.Payment != nil && m.Intent == nil && m.Cart == nil
	}
	return false
}

// MandateChain — проверенные стадии одной цепочки.
type MandateChain struct {
	ChainID string         `json:"chain_id"`
	Intent  *MandateRecord `json:"intent,omitempty"`
	Cart    *MandateRecord `json:"cart,omitempty"`
	Payment *MandateRecord `json:"payment,omitempty"`
}

// Stage возвращает запись нужной стадии, если она уже проверена.
func (c *MandateChain) Stage(k MandateKind) *MandateRecord {
	if c == nil {
		return nil
	}
	switch k {
	case MandateIntent:
		return c.Intent
	case MandateCart:
		return c.Cart
	case MandatePayment:
		return c.Payment
	}
	return nil
}

// Empty — в цепочке еще нет ни одной проверенной записи.
func (c *MandateChain) Empty() bool {
	return c == nil || (c.Intent == nil && c.Cart == nil && c.Payment == nil)
}
