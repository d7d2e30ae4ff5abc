package risk

import (
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

// Thresholds — границы риск-скора провайдера [0, 1].
type Thresholds struct {
	EscalateAt float64 `mapstructure:"escalate_at"`
	BlockAt    float64 `mapstructure:"block_at"`
}

func (t Thresholds) Validate() error {
	if t.EscalateAt <= 0 || t.BlockAt > 1 || t.EscalateAt > t.BlockAt {
		return fmt.Errorf("risk thresholds must satisfy 0 < escalate_at <= block_at <= 1, got %v/%v", t.EscalateAt, t.BlockAt)
	}
	return nil
}

// Analyzer переводит риск-скор провайдера в исход проверки.
type Analyzer struct {
	th     Thresholds
	logger *zap.Logger
}

func NewAnalyzer(th Thresholds, logger *zap.Logger) *Analyzer {
	return &Analyzer{th: th, logger: logger.Named("analyzer")}
}

// Classify возвращает исход по скору. Скор вне [0, 1] — битый ответ.
func (a *Analyzer) Classify(subject string, score float64) (domain.VerdictOutcome, error) {
	if score < 0 || score > 1 || score != score {
		return "", fmt.Errorf("risk score %v out of range", score)
	}
	switch {
	case score >= a.th.BlockAt:
		a.logger.Warn("HIGH RISK SUBJECT",
			zap.String("subject", subject),
			zap.Float64("score", score),
			zap.Float64("threshold", a.th.BlockAt),
		)
		return domain.VerdictBlock, nil
	case score >= a.th.EscalateAt:
		a.logger.Info("graded risk subject",
			zap.String("subject", subject),
			zap.Float64("score", score),
		)
		return domain.VerdictEscalate, nil
	}
	return domain.VerdictPass, nil
}
