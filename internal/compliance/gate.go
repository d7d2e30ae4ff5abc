package compliance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

// Request — что проверяется перед оценкой политики.
type Request struct {
	PrincipalID  string
	Counterparty string
}

// Result — итог проверки. Block всегда возвращается ошибкой, поэтому
// Outcome здесь либо Pass, либо Escalate.
type Result struct {
	Outcome  domain.VerdictOutcome
	Verdicts []domain.Verdict
}

// Gate — шлюз комплаенса. Работает по принципу fail-closed: отсутствие
// ясного ответа провайдера никогда не превращается в Pass.
type Gate struct {
	provider Provider
	cache    Cache
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewGate(provider Provider, cache Cache, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Gate{
		provider: provider,
		cache:    cache,
		timeout:  timeout,
		logger:   logger.Named("compliance"),
		now:      time.Now,
	}
}

// Screen проверяет контрагента и KYC принципала параллельно.
// Итог — худший из двух исходов.
func (g *Gate) Screen(ctx context.Context, req Request) (Result, error) {
	subjects := []Subject{
		{Kind: SubjectCounterparty, ID: req.Counterparty},
		{Kind: SubjectPrincipal, ID: req.PrincipalID},
	}
	verdicts := make([]domain.Verdict, len(subjects))
	errs := make([]error, len(subjects))

	var wg sync.WaitGroup
	for i, s := range subjects {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i], errs[i] = g.screenOne(ctx, s)
		}()
	}
	wg.Wait()

	// Ошибка контрагента приоритетнее: она точнее объясняет отказ
	for _, err := range errs {
		if err != nil {
			return Result{}, err
		}
	}

	res := Result{Outcome: domain.VerdictPass, Verdicts: verdicts}
	for i, v := range verdicts {
		if v.Outcome.Severity() > res.Outcome.Severity() {
			res.Outcome = v.Outcome
		}
		if v.Outcome == domain.VerdictBlock {
			return Result{}, &domain.ComplianceError{Kind: domain.ComplianceBlocked, Subject: subjects[i].String(), Cause: domain.BlockHighRisk}
		}
	}
	return res, nil
}

func (g *Gate) screenOne(ctx context.Context, s Subject) (domain.Verdict, error) {
	key := s.String()
	if s.ID == "" {
		return domain.Verdict{}, g.block(s, ErrUnknownSubject)
	}

	if v, ok := g.cache.Get(ctx, key, g.now()); ok {
		return *v, nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	v, err := g.provider.Check(cctx, s)
	if err == nil {
		err = validateVerdict(v, g.now())
	}
	if err != nil {
		return domain.Verdict{}, g.block(s, err)
	}

	v.Subject = key
	if v.Provider == "" {
		v.Provider = g.provider.Name()
	}
	g.cache.Put(ctx, key, v, g.now())
	return v, nil
}

// block переводит любую неопределенность в блокирующую ошибку с причиной.
func (g *Gate) block(s Subject, err error) error {
	cause := domain.BlockProviderUnavailable
	switch {
	case errors.Is(err, ErrUnknownSubject):
		cause = domain.BlockUnknownCounterparty
		if s.Kind == SubjectPrincipal {
			cause = domain.BlockIdentityUnverified
		}
	case errors.Is(err, ErrMalformed):
		cause = domain.BlockMalformedResponse
	}
	g.logger.Warn("compliance fail-closed",
		zap.String("subject", s.String()),
		zap.String("cause", cause),
		zap.Error(err))
	return &domain.ComplianceError{Kind: domain.ComplianceBlocked, Subject: s.String(), Cause: cause, Err: err}
}
