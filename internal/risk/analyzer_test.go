package risk

import (
	"testing"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

func TestAnalyzer_Classify(t *testing.T) {
	a := NewAnalyzer(Thresholds{EscalateAt: 0.5, BlockAt: 0.8}, zap.NewNop())
	cases := []struct {
		score float64
		want  domain.VerdictOutcome
	}{
		{0, domain.VerdictPass},
		{0.49, domain.VerdictPass},
		{0.5, domain.VerdictEscalate},
		{0.79, domain.VerdictEscalate},
		{0.8, domain.VerdictBlock},
		{1, domain.VerdictBlock},
	}
	for _, c := range cases {
		got, err := a.Classify("vendor", c.score)
		if err != nil {
			t.Fatalf("score %v: %v", c.score, err)
		}
		if got != c.want {
			t.Fatalf("score %v: got %s, want %s", c.score, got, c.want)
		}
	}
	if _, err := a.Classify("vendor", 1.2); err == nil {
		t.Fatalf("out-of-range score must fail")
	}
}

func TestThresholds_Validate(t *testing.T) {
	if err := (Thresholds{EscalateAt: 0.9, BlockAt: 0.5}).Validate(); err == nil {
		t.Fatalf("inverted thresholds accepted")
	}
	if err := (Thresholds{EscalateAt: 0.5, BlockAt: 0.8}).Validate(); err != nil {
		t.Fatalf("valid thresholds rejected: %v", err)
	}
}
