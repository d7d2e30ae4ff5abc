package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// CounterpartyMode определяет, как трактуется список контрагентов политики.
type CounterpartyMode string

const (
	CounterpartyAllow CounterpartyMode = "allow" // Разрешены только перечисленные
	CounterpartyDeny  CounterpartyMode = "deny"  // Запрещены перечисленные
)

// Limits — денежные лимиты в минорных единицах валюты. Ноль означает "не задан",
// кроме PerTransaction, который обязателен.
type Limits struct {
	PerTransaction int64 `json:"per_transaction"`
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
	Lifetime       int64 `json:"lifetime"`
}

// TimeWindowSpec задается человеком в виде "HH:MM" (UTC).
type TimeWindowSpec struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// PolicySpec — структурированное представление правила, полученное от
// поверхности авторинга. Свободный текст ядро не интерпретирует.
type PolicySpec struct {
	WalletID            string           `json:"wallet_id"`
	Currency            string           `json:"currency"`
	Limits              Limits           `json:"limits"`
	CounterpartyMode    CounterpartyMode `json:"counterparty_mode"`
	Counterparties      []string         `json:"counterparties"`
	TimeWindows         []TimeWindowSpec `json:"time_windows,omitempty"`
	EscalationThreshold int64            `json:"escalation_threshold,omitempty"`
	AllowGradedRisk     bool             `json:"allow_graded_risk,omitempty"`
	Conditions          []string         `json:"conditions,omitempty"`
	EffectiveFrom       time.Time        `json:"effective_from"`
}

// TimeWindow — скомпилированное окно в минутах от полуночи UTC, [Start, End).
type TimeWindow struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// Policy — скомпилированная неизменяемая версия политики кошелька.
type Policy struct {
	WalletID            string           `json:"wallet_id"`
	PrincipalID         string           `json:"principal_id"`
	Version             uint64           `json:"version"`
	Currency            string           `json:"currency"`
	Limits              Limits           `json:"limits"`
	CounterpartyMode    CounterpartyMode `json:"counterparty_mode"`
	Counterparties      []string         `json:"counterparties"`
	Windows             []TimeWindow     `json:"windows"`
	EscalationThreshold int64            `json:"escalation_threshold"`
	AllowGradedRisk     bool             `json:"allow_graded_risk"`
	Conditions          []string         `json:"conditions"`
	EffectiveFrom       time.Time        `json:"effective_from"`
	ContentHash         string           `json:"content_hash"`
	CreatedAt           time.Time        `json:"created_at"`
}

// policyBody — каноническое тело для хэширования. Версия и время создания
// в хэш не входят: одинаковый вход дает одинаковый хэш.
type policyBody struct {
	WalletID            string           `json:"wallet_id"`
	PrincipalID         string           `json:"principal_id"`
	Currency            string           `json:"currency"`
	Limits              Limits           `json:"limits"`
	CounterpartyMode    CounterpartyMode `json:"counterparty_mode"`
	Counterparties      []string         `json:"counterparties"`
	Windows             []TimeWindow     `json:"windows"`
	EscalationThreshold int64            `json:"escalation_threshold"`
	AllowGradedRisk     bool             `json:"allow_graded_risk"`
	Conditions          []string         `json:"conditions"`
	EffectiveFrom       string           `json:"effective_from"`
}

// CanonicalBytes возвращает детерминированное JSON-представление тела политики.
func (p *Policy) CanonicalBytes() []byte {
	body := policyBody{
		WalletID:            p.WalletID,
		PrincipalID:         p.PrincipalID,
		Currency:            p.Currency,
		Limits:              p.Limits,
		CounterpartyMode:    p.CounterpartyMode,
		Counterparties:      nonNil(p.Counterparties),
		Windows:             p.Windows,
		EscalationThreshold: p.EscalationThreshold,
		AllowGradedRisk:     p.AllowGradedRisk,
		Conditions:          nonNil(p.Conditions),
		EffectiveFrom:       p.EffectiveFrom.UTC().Format(time.RFC3339Nano),
	}
	if body.Windows == nil {
		body.Windows = []TimeWindow{}
	}
	// Маршалинг структуры детерминирован: порядок полей фиксирован.
	b, _ := json.Marshal(body)
	return b
}

// ComputeHash пересчитывает хэш содержимого.
func (p *Policy) ComputeHash() string {
	sum := sha256.Sum256(p.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// Intact проверяет, что хэш политики соответствует её содержимому.
func (p *Policy) Intact() bool {
	return p != nil && p.ContentHash != "" && p.ContentHash == p.ComputeHash()
}

// ActiveAt сообщает, могла ли эта версия действовать в момент t.
// Версия, созданная после t, не действует ретроактивно.
func (p *Policy) ActiveAt(t time.Time) bool {
	return !p.CreatedAt.After(t) && !p.EffectiveFrom.After(t)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
