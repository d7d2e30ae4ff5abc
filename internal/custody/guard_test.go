package custody

import (
	"context"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
)

// Guard и policy.Evaluate — две реализации одних правил; исходы должны совпадать.
func TestGuard_AgreesWithEvaluator(t *testing.T) {
	ctx := context.Background()
	g, err := NewGuard(ctx)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	p, err := policy.Compile(domain.PolicySpec{
		WalletID:            "w-1",
		Currency:            "USD",
		Limits:              domain.Limits{PerTransaction: 10000, Daily: 25000, Monthly: 100000, Lifetime: 500000},
		CounterpartyMode:    domain.CounterpartyDeny,
		Counterparties:      []string{"Casino.example"},
		TimeWindows:         []domain.TimeWindowSpec{{Start: "08:00", End: "20:00"}},
		EscalationThreshold: 8000,
	}, "alice")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		req      policy.Request
		spent    policy.Spent
		approved bool
	}{
		{"allowed", policy.Request{Amount: 5000, Currency: "USD", Counterparty: "vendor", At: noon}, policy.Spent{}, false},
		{"per-tx", policy.Request{Amount: 10001, Currency: "USD", Counterparty: "vendor", At: noon}, policy.Spent{}, false},
		{"daily", policy.Request{Amount: 6000, Currency: "USD", Counterparty: "vendor", At: noon}, policy.Spent{Day: 20000, Month: 20000, Lifetime: 20000}, false},
		{"monthly", policy.Request{Amount: 6000, Currency: "USD", Counterparty: "vendor", At: noon}, policy.Spent{Month: 99000, Lifetime: 99000}, false},
		{"denied counterparty", policy.Request{Amount: 100, Currency: "USD", Counterparty: "casino.example", At: noon}, policy.Spent{}, false},
		{"currency", policy.Request{Amount: 100, Currency: "EUR", Counterparty: "vendor", At: noon}, policy.Spent{}, false},
		{"night", policy.Request{Amount: 100, Currency: "USD", Counterparty: "vendor", At: noon.Add(10 * time.Hour)}, policy.Spent{}, false},
		{"escalation", policy.Request{Amount: 9000, Currency: "USD", Counterparty: "vendor", At: noon}, policy.Spent{}, false},
		{"escalation approved", policy.Request{Amount: 9000, Currency: "USD", Counterparty: "vendor", At: noon, Approved: true}, policy.Spent{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := policy.Evaluate(&p, c.req, c.spent)
			denies, err := g.Check(ctx, GuardInput{
				Policy: &p, Amount: c.req.Amount, Currency: c.req.Currency,
				Counterparty: c.req.Counterparty, At: c.req.At, Approved: c.approved, Spent: c.spent,
			})
			if err != nil {
				t.Fatalf("guard check: %v", err)
			}
			if (d.Outcome == policy.OutcomeAllow) != (len(denies) == 0) {
				t.Fatalf("evaluator %s, guard %v", d.Outcome, denies)
			}
			for _, v := range d.Violations {
				found := false
				for _, r := range denies {
					found = found || r == v.Rule
				}
				if !found {
					t.Fatalf("guard missed rule %s (got %v)", v.Rule, denies)
				}
			}
		})
	}
}
