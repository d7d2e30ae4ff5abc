package compliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"github.com/xela07ax/spaceai-paygate/internal/risk"
	"go.uber.org/zap"
)

func newTestProvider(url string) *HTTPProvider {
	rel := infra.NewReliability(infra.ReliabilityConfig{Name: "kyc-test", Attempts: 3, Permanent: IsPermanent})
	an := risk.NewAnalyzer(risk.Thresholds{EscalateAt: 0.5, BlockAt: 0.8}, zap.NewNop())
	return NewHTTPProvider(HTTPProviderConfig{BaseURL: url, APIKey: "k"}, rel, an, zap.NewNop())
}

func TestHTTPProvider_ScoreMapping(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/counterparty/clean"):
			w.Write([]byte(`{"status":"known","risk_score":0.1,"confidence":0.95,"expires_at":"` + exp + `"}`))
		case strings.HasSuffix(r.URL.Path, "/counterparty/grey"):
			w.Write([]byte(`{"status":"known","risk_score":0.6,"confidence":0.7,"expires_at":"` + exp + `"}`))
		case strings.HasSuffix(r.URL.Path, "/counterparty/ghost"):
			w.Write([]byte(`{"status":"unknown"}`))
		case strings.HasSuffix(r.URL.Path, "/counterparty/broken"):
			w.Write([]byte(`{"status":"known","confidence":0.7}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	p := newTestProvider(srv.URL)
	ctx := context.Background()

	v, err := p.Check(ctx, Subject{Kind: SubjectCounterparty, ID: "clean"})
	if err != nil || v.Outcome != domain.VerdictPass {
		t.Fatalf("clean: %v %v", v.Outcome, err)
	}
	v, err = p.Check(ctx, Subject{Kind: SubjectCounterparty, ID: "grey"})
	if err != nil || v.Outcome != domain.VerdictEscalate {
		t.Fatalf("grey: %v %v", v.Outcome, err)
	}
	if _, err := p.Check(ctx, Subject{Kind: SubjectCounterparty, ID: "ghost"}); err == nil || !IsPermanent(err) {
		t.Fatalf("ghost must be unknown, got %v", err)
	}
	if _, err := p.Check(ctx, Subject{Kind: SubjectCounterparty, ID: "broken"}); err == nil || !IsPermanent(err) {
		t.Fatalf("broken must be malformed, got %v", err)
	}
	if _, err := p.Check(ctx, Subject{Kind: SubjectPrincipal, ID: "missing"}); err == nil {
		t.Fatalf("404 must fail")
	}
}

func TestHTTPProvider_RetriesThrottle(t *testing.T) {
	var hits atomic.Int32
	exp := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"status":"known","risk_score":0.2,"confidence":1,"expires_at":"` + exp + `"}`))
	}))
	defer srv.Close()

	v, err := newTestProvider(srv.URL).Check(context.Background(), Subject{Kind: SubjectPrincipal, ID: "alice"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Outcome != domain.VerdictPass || hits.Load() != 2 {
		t.Fatalf("expected pass after one retry, got %v after %d hits", v.Outcome, hits.Load())
	}
}
