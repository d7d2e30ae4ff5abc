package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"github.com/xela07ax/spaceai-paygate/internal/risk"
	"go.uber.org/zap"
)

var errRequestRefused = errors.New("provider refused request")

// screeningResponse — ответ REST API провайдера.
type screeningResponse struct {
	Status     string   `json:"status"` // known | unknown
	RiskScore  *float64 `json:"risk_score"`
	Confidence float64  `json:"confidence"`
	ExpiresAt  string   `json:"expires_at"`
	Reference  string   `json:"reference"`
}

type HTTPProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

// HTTPProvider — клиент KYC/AML провайдера с лимитером, предохранителем и повторами.
type HTTPProvider struct {
	cfg      HTTPProviderConfig
	client   *http.Client
	rel      *infra.Reliability
	analyzer *risk.Analyzer
	logger   *zap.Logger
}

func NewHTTPProvider(cfg HTTPProviderConfig, rel *infra.Reliability, analyzer *risk.Analyzer, logger *zap.Logger) *HTTPProvider {
	if cfg.Name == "" {
		cfg.Name = "kyc-aml"
	}
	return &HTTPProvider{
		cfg:      cfg,
		client:   &http.Client{},
		rel:      rel,
		analyzer: analyzer,
		logger:   logger.Named("compliance-http"),
	}
}

// IsPermanent — ответы, которые повторный запрос не изменит.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownSubject) || errors.Is(err, ErrMalformed) || errors.Is(err, errRequestRefused)
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

func (p *HTTPProvider) Check(ctx context.Context, s Subject) (domain.Verdict, error) {
	var verdict domain.Verdict
	err := p.rel.Do(ctx, func(ctx context.Context) error {
		v, err := p.call(ctx, s)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	return verdict, err
}

func (p *HTTPProvider) call(ctx context.Context, s Subject) (domain.Verdict, error) {
	endpoint := fmt.Sprintf("%s/v1/screening/%s/%s", p.cfg.BaseURL, s.Kind, url.PathEscape(s.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("provider call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Verdict{}, ErrUnknownSubject
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Verdict{}, &infra.ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("provider returned %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return domain.Verdict{}, fmt.Errorf("provider returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.Verdict{}, fmt.Errorf("%w: status %d", errRequestRefused, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("read response: %w", err)
	}
	var out screeningResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.toVerdict(s, out)
}

func (p *HTTPProvider) toVerdict(s Subject, out screeningResponse) (domain.Verdict, error) {
	switch out.Status {
	case "unknown":
		return domain.Verdict{}, ErrUnknownSubject
	case "known":
	default:
		return domain.Verdict{}, fmt.Errorf("%w: status %q", ErrMalformed, out.Status)
	}
	if out.RiskScore == nil {
		return domain.Verdict{}, fmt.Errorf("%w: missing risk_score", ErrMalformed)
	}
	outcome, err := p.analyzer.Classify(s.String(), *out.RiskScore)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	exp, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: expires_at: %v", ErrMalformed, err)
	}
	return domain.Verdict{
		Subject:    s.String(),
		Outcome:    outcome,
		Confidence: out.Confidence,
		ExpiresAt:  exp.UTC(),
		Provider:   p.cfg.Name,
		Detail:     out.Reference,
	}, nil
}

// parseRetryAfter понимает секунды и HTTP-дату.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
