package domain

import "time"

type VerdictOutcome string

const (
	VerdictPass     VerdictOutcome = "pass"
	VerdictBlock    VerdictOutcome = "block"
	VerdictEscalate VerdictOutcome = "escalate"
)

// Severity задает порядок: итог нескольких проверок — худший из них.
func (o VerdictOutcome) Severity() int {
	switch o {
	case VerdictPass:
		return 0
	case VerdictEscalate:
		return 1
	}
	return 2
}

// Verdict — ответ KYC/AML провайдера. Кэшируется только до ExpiresAt.
type Verdict struct {
	Subject    string         `json:"subject"`
	Outcome    VerdictOutcome `json:"outcome"`
	Confidence float64        `json:"confidence"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Provider   string         `json:"provider,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

// FreshAt — вердикт еще действителен.
func (v *Verdict) FreshAt(t time.Time) bool {
	return t.Before(v.ExpiresAt)
}
