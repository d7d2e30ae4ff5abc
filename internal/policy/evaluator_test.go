package policy

import (
	"math"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

func mustCompile(t *testing.T, spec domain.PolicySpec) *domain.Policy {
	t.Helper()
	p, err := Compile(spec, "principal-1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p.Version = 1
	return &p
}

func TestEvaluateDailyScenario(t *testing.T) {
	spec := scenarioSpec()
	spec.Limits.Daily = 25000
	p := mustCompile(t, spec)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	req := Request{Amount: 10000, Currency: "USD", Counterparty: "cloud-provider.com", At: at}

	var spent Spent
	for i := 0; i < 2; i++ {
		d := Evaluate(p, req, spent)
		if d.Outcome != OutcomeAllow {
			t.Fatalf("payment %d: expected allow, got %+v", i+1, d)
		}
		spent.Day += req.Amount
	}
	d := Evaluate(p, req, spent)
	if d.Outcome != OutcomeDeny || d.Violations[0].Rule != domain.RuleDailyLimit {
		t.Fatalf("third payment: expected daily limit violation, got %+v", d)
	}
	err := d.Err(p)
	if r := domain.ReasonOf(err); r.Category != domain.CategoryPolicy {
		t.Fatalf("unexpected reason %+v", r)
	}

	// Лимит включительный: при дневном лимите $300 третий платеж проходит
	full := mustCompile(t, scenarioSpec())
	if d := Evaluate(full, req, spent); d.Outcome != OutcomeAllow {
		t.Fatalf("spend reaching the limit exactly must pass, got %+v", d)
	}
}

func TestEvaluateCounterpartyModes(t *testing.T) {
	p := mustCompile(t, scenarioSpec())
	req := Request{Amount: 100, Currency: "USD", Counterparty: "other.com", At: time.Now()}
	if d := Evaluate(p, req, Spent{}); d.Outcome != OutcomeDeny || d.Violations[0].Rule != domain.RuleCounterpartyAllow {
		t.Fatalf("expected allow-list violation, got %+v", d)
	}

	spec := scenarioSpec()
	spec.CounterpartyMode = domain.CounterpartyDeny
	spec.Counterparties = []string{"sanctioned.example"}
	deny := mustCompile(t, spec)
	if d := Evaluate(deny, req, Spent{}); d.Outcome != OutcomeAllow {
		t.Fatalf("deny-list should allow unlisted counterparty, got %+v", d)
	}
	req.Counterparty = " Sanctioned.Example "
	if d := Evaluate(deny, req, Spent{}); d.Outcome != OutcomeDeny {
		t.Fatalf("deny-list should block listed counterparty")
	}
}

func TestEvaluateWindowsAndConditions(t *testing.T) {
	spec := scenarioSpec()
	spec.TimeWindows = []domain.TimeWindowSpec{{Start: "09:00", End: "17:00"}}
	spec.Conditions = []string{`rail == "card"`}
	p := mustCompile(t, spec)

	req := Request{Amount: 100, Currency: "USD", Counterparty: "cloud-provider.com", Rail: domain.RailCard,
		At: time.Date(2026, 5, 4, 20, 0, 0, 0, time.UTC)}
	d := Evaluate(p, req, Spent{})
	if d.Outcome != OutcomeDeny || d.Violations[0].Rule != domain.RuleTimeWindow {
		t.Fatalf("expected time window violation, got %+v", d)
	}

	req.At = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	req.Rail = domain.RailOnchain
	d = Evaluate(p, req, Spent{})
	if d.Outcome != OutcomeDeny || d.Violations[0].Rule != domain.RuleCondition {
		t.Fatalf("expected condition violation, got %+v", d)
	}

	req.Rail = domain.RailCard
	if d := Evaluate(p, req, Spent{}); d.Outcome != OutcomeAllow {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestEvaluateEscalation(t *testing.T) {
	spec := scenarioSpec()
	spec.EscalationThreshold = 5000
	p := mustCompile(t, spec)
	req := Request{Amount: 7000, Currency: "USD", Counterparty: "cloud-provider.com", At: time.Now()}
	if d := Evaluate(p, req, Spent{}); d.Outcome != OutcomeEscalate {
		t.Fatalf("expected escalate, got %+v", d)
	}
	req.Approved = true
	if d := Evaluate(p, req, Spent{}); d.Outcome != OutcomeAllow {
		t.Fatalf("approved escalation should allow, got %+v", d)
	}
	// Одобрение не отменяет лимиты.
	if d := Evaluate(p, req, Spent{Day: 25000}); d.Outcome != OutcomeDeny {
		t.Fatalf("approval must not bypass daily limit, got %+v", d)
	}
}

func TestEvaluateCurrencyAndNilPolicy(t *testing.T) {
	p := mustCompile(t, scenarioSpec())
	req := Request{Amount: 100, Currency: "EUR", Counterparty: "cloud-provider.com", At: time.Now()}
	if d := Evaluate(p, req, Spent{}); d.Outcome != OutcomeDeny || d.Violations[0].Rule != domain.RuleCurrencyMismatch {
		t.Fatalf("expected currency mismatch, got %+v", d)
	}
	if d := Evaluate(nil, req, Spent{}); d.Violations[0].Rule != domain.RuleNoActivePolicy {
		t.Fatalf("nil policy must deny with no_active_policy")
	}
}

func TestEvaluateLimitNearMaxInt(t *testing.T) {
	spec := scenarioSpec()
	spec.Limits.Daily = math.MaxInt64
	p := mustCompile(t, spec)
	req := Request{Amount: 10000, Currency: "USD", Counterparty: "cloud-provider.com", At: time.Now()}
	// spent+amount здесь переполняет int64.
	d := Evaluate(p, req, Spent{Day: math.MaxInt64 - 5})
	if d.Outcome != OutcomeDeny || d.Violations[0].Rule != domain.RuleDailyLimit {
		t.Fatalf("expected daily limit deny near MaxInt64, got %+v", d)
	}
	if d := Evaluate(p, req, Spent{Day: math.MaxInt64 - 10000}); d.Outcome != OutcomeAllow {
		t.Fatalf("amount exactly up to limit must pass, got %+v", d)
	}
}

func TestSpent_AddWindows(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var s Spent
	s.Add(100, at.Add(-time.Hour), at)   // тот же день
	s.Add(200, at.AddDate(0, 0, -2), at) // тот же месяц
	s.Add(400, at.AddDate(0, -1, 0), at) // прошлый месяц
	s.Add(800, at.AddDate(-1, 0, 0), at) // прошлый год, тот же месяц
	if s.Day != 100 || s.Month != 300 || s.Lifetime != 1500 {
		t.Fatalf("unexpected spent %+v", s)
	}
}
