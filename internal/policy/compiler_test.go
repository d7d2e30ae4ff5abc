package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

func scenarioSpec() domain.PolicySpec {
	return domain.PolicySpec{
		WalletID:         "wallet-1",
		Currency:         "usd",
		Limits:           domain.Limits{PerTransaction: 10000, Daily: 30000},
		CounterpartyMode: domain.CounterpartyAllow,
		Counterparties:   []string{"Cloud-Provider.com"},
		EffectiveFrom:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	spec := scenarioSpec()
	spec.Counterparties = []string{"b.example", "a.example", "Cloud-Provider.com"}
	spec.Conditions = []string{`rail == "card" || amount < 5000`}

	a, err := Compile(spec, "principal-1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := Compile(spec, "principal-1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.ContentHash != b.ContentHash {
		t.Fatalf("hashes differ: %s vs %s", a.ContentHash, b.ContentHash)
	}
	if string(a.CanonicalBytes()) != string(b.CanonicalBytes()) {
		t.Fatalf("canonical bytes differ")
	}
	if a.Currency != "USD" || a.Counterparties[0] != "a.example" || a.Counterparties[2] != "cloud-provider.com" {
		t.Fatalf("normalization failed: %+v", a)
	}
}

func TestCompileRejectsConflictingLimits(t *testing.T) {
	spec := scenarioSpec()
	spec.Limits = domain.Limits{PerTransaction: 50000, Daily: 30000, Monthly: 20000}
	spec.EscalationThreshold = 60000

	_, err := Compile(spec, "p")
	var vErr *domain.PolicyValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected PolicyValidationError, got %v", err)
	}
	joined := strings.Join(vErr.Problems, "\n")
	for _, want := range []string{"exceeds daily", "exceeds monthly", "escalation threshold"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing problem %q in:\n%s", want, joined)
		}
	}
}

func TestCompileRejectsMalformedCounterparties(t *testing.T) {
	cases := map[string][]string{
		"empty entry": {"ok.example", "  "},
		"duplicate":   {"ok.example", "OK.example"},
		"bad chars":   {"evil example;drop"},
		"allow none":  {},
	}
	for name, list := range cases {
		spec := scenarioSpec()
		spec.Counterparties = list
		if _, err := Compile(spec, "p"); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestCompileRejectsNonMonotonicWindows(t *testing.T) {
	cases := map[string][]domain.TimeWindowSpec{
		"reversed":  {{Start: "18:00", End: "09:00"}},
		"empty":     {{Start: "09:00", End: "09:00"}},
		"overlap":   {{Start: "09:00", End: "12:00"}, {Start: "11:00", End: "13:00"}},
		"unsorted":  {{Start: "13:00", End: "14:00"}, {Start: "09:00", End: "10:00"}},
		"malformed": {{Start: "9am", End: "10:00"}},
	}
	for name, windows := range cases {
		spec := scenarioSpec()
		spec.TimeWindows = windows
		if _, err := Compile(spec, "p"); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	spec := scenarioSpec()
	spec.TimeWindows = []domain.TimeWindowSpec{{Start: "00:00", End: "12:00"}, {Start: "12:00", End: "24:00"}}
	p, err := Compile(spec, "p")
	if err != nil {
		t.Fatalf("adjacent windows must compile: %v", err)
	}
	if p.Windows[1].EndMinute != 24*60 {
		t.Fatalf("unexpected window %+v", p.Windows[1])
	}
}

func TestCompileRejectsBadConditions(t *testing.T) {
	spec := scenarioSpec()
	spec.Conditions = []string{"amount + 1"}
	if _, err := Compile(spec, "p"); err == nil {
		t.Fatalf("non-bool condition must fail")
	}
	spec.Conditions = []string{"amount <"}
	if _, err := Compile(spec, "p"); err == nil {
		t.Fatalf("syntax error must fail")
	}
}
