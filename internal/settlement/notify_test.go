package settlement

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu       sync.Mutex
	got      []Notification
	resolved map[string]*Receipt
	errs     map[string]error
}

func (s *recordingSink) ResolveSubmission(_ context.Context, txID string, rec *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved == nil {
		s.resolved = make(map[string]*Receipt)
	}
	s.resolved[txID] = rec
	return nil
}

func (s *recordingSink) HandleFinality(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[n.TxID]; err != nil {
		return err
	}
	s.got = append(s.got, n)
	return nil
}

func TestWebhook(t *testing.T) {
	sink := &recordingSink{errs: map[string]error{
		"tx-missing": domain.ErrNotFound,
		"tx-final":   domain.ErrTerminalState,
		"tx-broken":  errors.New("db down"),
		"tx-foreign": domain.ErrReceiptMismatch,
	}}
	r := chi.NewRouter()
	NewWebhookHandler(sink, map[string]string{"issuer": "s3cret"}, zap.NewNop()).Routes(r)

	post := func(endpoint, body, sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/settlement/webhook/"+endpoint, strings.NewReader(body))
		req.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}
	signed := func(body string) string { return Sign([]byte("s3cret"), []byte(body)) }

	// Тело не выбирает узел: endpoint берется из пути, к которому привязан секрет
	ok := `{"tx_id":"tx-1","ref":"auth-1","endpoint":"issuer-b","finality":"settled"}`
	cases := []struct {
		name     string
		endpoint string
		body     string
		sig      string
		want     int
	}{
		{"accepted", "issuer", ok, signed(ok), http.StatusAccepted},
		{"unknown endpoint", "rpc-9", ok, signed(ok), http.StatusNotFound},
		{"bad signature", "issuer", ok, Sign([]byte("other"), []byte(ok)), http.StatusUnauthorized},
		{"signature not hex", "issuer", ok, "zz", http.StatusUnauthorized},
		{"malformed", "issuer", `{"finality":"settled"}`, signed(`{"finality":"settled"}`), http.StatusBadRequest},
		{"unknown tx", "issuer", `{"tx_id":"tx-missing"}`, signed(`{"tx_id":"tx-missing"}`), http.StatusNotFound},
		{"duplicate", "issuer", `{"tx_id":"tx-final"}`, signed(`{"tx_id":"tx-final"}`), http.StatusOK},
		{"sink failure", "issuer", `{"tx_id":"tx-broken"}`, signed(`{"tx_id":"tx-broken"}`), http.StatusInternalServerError},
		{"foreign receipt", "issuer", `{"tx_id":"tx-foreign"}`, signed(`{"tx_id":"tx-foreign"}`), http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := post(tc.endpoint, tc.body, tc.sig); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
	if len(sink.got) != 1 || sink.got[0].Finality != FinalitySettled || sink.got[0].Endpoint != "issuer" {
		t.Fatalf("exactly one notification bound to the issuer endpoint must reach the sink, got %+v", sink.got)
	}
}

func TestHandleDelivery(t *testing.T) {
	sink := &recordingSink{errs: map[string]error{
		"tx-missing": domain.ErrNotFound,
		"tx-broken":  errors.New("db down"),
		"tx-foreign": domain.ErrReceiptMismatch,
	}}
	ctx := context.Background()
	log := zap.NewNop()

	if !handleDelivery(ctx, sink, log, []byte(`not json`)) {
		t.Fatalf("malformed message must be acked")
	}
	if !handleDelivery(ctx, sink, log, []byte(`{"tx_id":"tx-missing","finality":"failed"}`)) {
		t.Fatalf("unknown transaction must be acked")
	}
	if !handleDelivery(ctx, sink, log, []byte(`{"tx_id":"tx-foreign","ref":"0xbb","endpoint":"rpc-2","finality":"settled"}`)) {
		t.Fatalf("receipt mismatch must be acked")
	}
	if handleDelivery(ctx, sink, log, []byte(`{"tx_id":"tx-broken","finality":"failed"}`)) {
		t.Fatalf("transient sink failure must be requeued")
	}
	if !handleDelivery(ctx, sink, log, []byte(`{"tx_id":"tx-2","finality":"failed","detail":"reverted"}`)) {
		t.Fatalf("valid message must be acked")
	}
	if len(sink.got) != 1 || sink.got[0].Detail != "reverted" {
		t.Fatalf("unexpected deliveries: %+v", sink.got)
	}
}

type listSource []domain.Transaction

func (s listSource) ListTransactionsByState(_ context.Context, state domain.TxState) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tx := range s {
		if tx.State == state {
			out = append(out, tx)
		}
	}
	return out, nil
}

type fakeChecker struct {
	status map[string]Finality
	found  map[string]Receipt
	lookup map[string]error
}

func (c fakeChecker) Status(_ context.Context, tx *domain.Transaction) (Finality, error) {
	f, ok := c.status[tx.ID]
	if !ok {
		return "", errors.New("endpoint unreachable")
	}
	return f, nil
}

func (c fakeChecker) Lookup(_ context.Context, tx *domain.Transaction) (Receipt, error) {
	if rec, ok := c.found[tx.ID]; ok {
		return rec, nil
	}
	if err, ok := c.lookup[tx.ID]; ok {
		return Receipt{}, err
	}
	return Receipt{}, domain.ErrNotFound
}

func TestWatcher_Poll(t *testing.T) {
	src := listSource{
		{ID: "tx-1", State: domain.TxSubmitted, SettlementRef: "0xaa", Endpoint: "rpc-1"},
		{ID: "tx-2", State: domain.TxSubmitted, SettlementRef: "0xbb", Endpoint: "rpc-1"},
		{ID: "tx-3", State: domain.TxSubmitted, SettlementRef: "0xcc", Endpoint: "rpc-2"},
		{ID: "tx-4", State: domain.TxSettled},
	}
	checker := fakeChecker{status: map[string]Finality{"tx-1": FinalitySettled, "tx-2": FinalityPending, "tx-4": FinalityFailed}}
	sink := &recordingSink{}
	w := NewWatcher(src, checker, sink, 0, zap.NewNop())

	if n := w.Poll(context.Background()); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if sink.got[0].TxID != "tx-1" || sink.got[0].Ref != "0xaa" || sink.got[0].Endpoint != "rpc-1" {
		t.Fatalf("unexpected notification %+v", sink.got[0])
	}
}

func TestWatcher_ResolvesUnansweredSubmissions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	attempted := []string{"issuer-a", "issuer-b"}
	src := listSource{
		{ID: "u-found", State: domain.TxSubmitted, Attempted: attempted, UpdatedAt: now},
		{ID: "u-fresh", State: domain.TxSubmitted, Attempted: attempted, UpdatedAt: now.Add(-2 * time.Second)},
		{ID: "u-lost", State: domain.TxSubmitted, Attempted: attempted, UpdatedAt: now.Add(-time.Hour)},
		{ID: "u-down", State: domain.TxSubmitted, Attempted: attempted, UpdatedAt: now.Add(-time.Hour)},
	}
	checker := fakeChecker{
		found:  map[string]Receipt{"u-found": {Ref: "auth-7", Endpoint: "issuer-b"}},
		lookup: map[string]error{"u-down": errors.New("issuer returned 503")},
	}
	sink := &recordingSink{}
	w := NewWatcher(src, checker, sink, time.Second, zap.NewNop())
	w.now = func() time.Time { return now }

	if n := w.Poll(context.Background()); n != 2 {
		t.Fatalf("expected two resolutions, got %d", n)
	}
	if rec := sink.resolved["u-found"]; rec == nil || rec.Ref != "auth-7" || rec.Endpoint != "issuer-b" {
		t.Fatalf("found order must be bound to its receipt, got %+v", rec)
	}
	if rec, ok := sink.resolved["u-lost"]; !ok || rec != nil {
		t.Fatalf("order missing past the grace period must resolve as lost, got %+v", rec)
	}
	// Свежая отправка и недоступный узел ждут следующего опроса
	for _, id := range []string{"u-fresh", "u-down"} {
		if _, ok := sink.resolved[id]; ok {
			t.Fatalf("%s must stay unresolved", id)
		}
	}
	if len(sink.got) != 0 {
		t.Fatalf("unresolved submissions must not get finality notifications, got %+v", sink.got)
	}
}

func TestParseEndpoints(t *testing.T) {
	good := `
onchain:
  - name: rpc-primary
    kind: evm
    rpc_url: https://rpc.example.org
    chain_id: 11155111
    contract: "0x00000000000000000000000000000000000000aa"
    confirmations: 2
card:
  - name: issuer-a
    kind: card
    base_url: https://issuer.example.com
    api_key_env: ISSUER_A_KEY
    timeout: 5s
`
	f, err := ParseEndpoints([]byte(good))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Onchain) != 1 || f.Onchain[0].Confirmations != 2 || f.Card[0].Timeout.Seconds() != 5 {
		t.Fatalf("unexpected endpoints %+v", f)
	}

	bad := map[string]string{
		"kind on wrong rail": "card:\n  - name: x\n    kind: evm\n    rpc_url: u\n",
		"duplicate name":     "card:\n  - name: x\n    kind: card\n    base_url: u\n  - name: x\n    kind: card\n    base_url: v\n",
		"missing contract":   "onchain:\n  - name: r\n    kind: evm\n    rpc_url: u\n    chain_id: 1\n",
		"no name":            "card:\n  - kind: card\n    base_url: u\n",
		"not yaml":           "onchain: [",
	}
	for name, raw := range bad {
		if _, err := ParseEndpoints([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
