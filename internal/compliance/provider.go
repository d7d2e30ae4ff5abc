package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type SubjectKind string

const (
	SubjectCounterparty SubjectKind = "counterparty"
	SubjectPrincipal    SubjectKind = "principal"
)

// Subject — то, что проверяет провайдер: контрагент (AML) или принципал (KYC).
type Subject struct {
	Kind SubjectKind
	ID   string
}

func (s Subject) String() string { return string(s.Kind) + ":" + s.ID }

var (
	// ErrUnknownSubject — провайдер не знает субъекта. Для контрагента это блок.
	ErrUnknownSubject = errors.New("subject unknown to provider")
	// ErrMalformed — ответ провайдера нельзя интерпретировать.
	ErrMalformed = errors.New("malformed provider response")
)

// Provider — внешний KYC/AML сервис.
type Provider interface {
	Name() string
	Check(ctx context.Context, s Subject) (domain.Verdict, error)
}

// validateVerdict отвергает ответы, которые нельзя трактовать однозначно.
func validateVerdict(v domain.Verdict, now time.Time) error {
	switch v.Outcome {
	case domain.VerdictPass, domain.VerdictBlock, domain.VerdictEscalate:
	default:
		return fmt.Errorf("%w: outcome %q", ErrMalformed, v.Outcome)
	}
	if v.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: missing expiry", ErrMalformed)
	}
	if !v.ExpiresAt.After(now) {
		return fmt.Errorf("%w: verdict already expired", ErrMalformed)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", ErrMalformed, v.Confidence)
	}
	return nil
}
