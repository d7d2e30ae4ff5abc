package policy

import (
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeDeny     Outcome = "deny"
	OutcomeEscalate Outcome = "escalate"
)

// Request — атрибуты транзакции, которые видит политика.
type Request struct {
	AgentID      string
	Amount       int64
	Currency     string
	Counterparty string
	Rail         domain.Rail
	At           time.Time // Момент предложения; по нему выбираются окна лимитов
	Approved     bool      // Человек уже одобрил превышение порога эскалации
}

// Spent — уже зарезервированные траты кошелька в окнах лимитов.
type Spent struct {
	Day      int64 `json:"day"`
	Month    int64 `json:"month"`
	Lifetime int64 `json:"lifetime"`
}

type Decision struct {
	Outcome    Outcome
	Violations []domain.Violation
}

// Err превращает отказ в PolicyViolation.
func (d Decision) Err(p *domain.Policy) error {
	if d.Outcome != OutcomeDeny {
		return nil
	}
	return &domain.PolicyViolation{WalletID: p.WalletID, Version: p.Version, Violations: d.Violations}
}

// Evaluate проверяет транзакцию против политики. Функция детерминирована и
// не имеет побочных эффектов; сериализацию по кошельку обеспечивает вызывающий.
func Evaluate(p *domain.Policy, req Request, spent Spent) Decision {
	var v []domain.Violation
	deny := func(rule, format string, args ...any) {
		v = append(v, domain.Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	if p == nil {
		return Decision{Outcome: OutcomeDeny, Violations: []domain.Violation{{Rule: domain.RuleNoActivePolicy}}}
	}

	if req.Currency != p.Currency {
		deny(domain.RuleCurrencyMismatch, "policy currency %s, transaction %s", p.Currency, req.Currency)
	}
	if req.Amount <= 0 || req.Amount > p.Limits.PerTransaction {
		deny(domain.RulePerTransaction, "amount %d, limit %d", req.Amount, p.Limits.PerTransaction)
	}
	if p.Limits.Daily > 0 && overLimit(spent.Day, req.Amount, p.Limits.Daily) {
		deny(domain.RuleDailyLimit, "spent %d + %d exceeds %d", spent.Day, req.Amount, p.Limits.Daily)
	}
	if p.Limits.Monthly > 0 && overLimit(spent.Month, req.Amount, p.Limits.Monthly) {
		deny(domain.RuleMonthlyLimit, "spent %d + %d exceeds %d", spent.Month, req.Amount, p.Limits.Monthly)
	}
	if p.Limits.Lifetime > 0 && overLimit(spent.Lifetime, req.Amount, p.Limits.Lifetime) {
		deny(domain.RuleLifetimeLimit, "spent %d + %d exceeds %d", spent.Lifetime, req.Amount, p.Limits.Lifetime)
	}

	listed := CounterpartyListed(p, req.Counterparty)
	switch p.CounterpartyMode {
	case domain.CounterpartyAllow:
		if !listed {
			deny(domain.RuleCounterpartyAllow, "%s is not in the allow-list", req.Counterparty)
		}
	case domain.CounterpartyDeny:
		if listed {
			deny(domain.RuleCounterpartyDeny, "%s is in the deny-list", req.Counterparty)
		}
	}

	at := req.At.UTC()
	if !WithinWindows(p.Windows, at) {
		deny(domain.RuleTimeWindow, "%s is outside permitted windows", at.Format("15:04"))
	}

	if len(p.Conditions) > 0 {
		vars := map[string]any{
			"amount":       req.Amount,
			"currency":     req.Currency,
			"counterparty": NormalizeCounterparty(req.Counterparty),
			"rail":         string(req.Rail),
			"agent":        req.AgentID,
			"hour":         int64(at.Hour()),
			"weekday":      int64(at.Weekday()),
		}
		for _, c := range p.Conditions {
			ok, err := evalCondition(c, vars)
			if err != nil {
				deny(domain.RuleCondition, "%s: %v", c, err)
				continue
			}
			if !ok {
				deny(domain.RuleCondition, "%s", c)
			}
		}
	}

	if len(v) > 0 {
		return Decision{Outcome: OutcomeDeny, Violations: v}
	}
	if p.EscalationThreshold > 0 && req.Amount > p.EscalationThreshold && !req.Approved {
		return Decision{Outcome: OutcomeEscalate}
	}
	return Decision{Outcome: OutcomeAllow}
}

// WithinWindows — пустой список окон означает "в любое время".
func WithinWindows(windows []domain.TimeWindow, at time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	minute := at.Hour()*60 + at.Minute()
	for _, w := range windows {
		if minute >= w.StartMinute && minute < w.EndMinute {
			return true
		}
	}
	return false
}

// overLimit сравнивает через разность: spent+amount может переполнить int64.
func overLimit(spent, amount, limit int64) bool {
	return amount > limit-spent
}
