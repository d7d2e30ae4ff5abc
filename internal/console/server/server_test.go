package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/console/handler"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/engine"
	"github.com/xela07ax/spaceai-paygate/internal/identity"
	"github.com/xela07ax/spaceai-paygate/internal/infra/auth"
	"github.com/xela07ax/spaceai-paygate/internal/ledger"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
	return nil
}

// recordingDispatcher запоминает команды вместо отправки в шлюз.
type recordingDispatcher struct {
	mu   sync.Mutex
	cmds map[string]engine.Command
}

func (d *recordingDispatcher) Dispatch(_ context.Context, txID string, cmd engine.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds[txID] = cmd
	return nil
}

type consoleEnv struct {
	srv        http.Handler
	auth       *service.AuthService
	txs        *engine.MemoryTxStore
	dispatcher *recordingDispatcher
	agents     *identity.MemoryAgentStore
}

func newConsoleEnv(t *testing.T) *consoleEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	users := &memUsers{users: map[string]*domain.User{}}
	authSvc := service.NewAuthService(users, key, time.Hour, bcrypt.MinCost)
	for _, u := range []struct{ name, role string }{{"alice", "admin"}, {"olga", "operator"}, {"ivan", "auditor"}} {
		if _, err := authSvc.CreateUser(ctx, u.name, "correct-horse-battery", u.role); err != nil {
			t.Fatalf("create user %s: %v", u.name, err)
		}
	}

	guard, err := custody.NewGuard(ctx)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	var holders []custody.Holder
	for _, id := range []string{"h1", "h2", "h3"} {
		holders = append(holders, custody.NewLocalHolder(id, guard, logger))
	}
	wallets := custody.NewWalletManager(custody.NewMemoryWalletStore(), holders, 30*24*time.Hour, logger)

	rbac, err := auth.NewRBAC("", "", logger)
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}

	e := &consoleEnv{
		auth:       authSvc,
		txs:        engine.NewMemoryTxStore(),
		dispatcher: &recordingDispatcher{cmds: map[string]engine.Command{}},
		agents:     identity.NewMemoryAgentStore(),
	}
	flags := engine.NewFlagManager(nil, nil, logger)
	policies := policy.NewService(policy.NewMemoryStore(), nil, nil, logger)

	e.srv = NewConsoleServer(logger, authSvc, rbac, Handlers{
		Auth:      handler.NewAuthHandler(authSvc),
		Agents:    handler.NewAgentHandler(service.NewAgentService(e.agents, wallets, flags, logger), logger),
		Policies:  handler.NewPolicyHandler(service.NewPolicyService(policies, wallets, logger)),
		Wallets:   handler.NewWalletHandler(service.NewWalletService(wallets)),
		Approvals: handler.NewApprovalHandler(service.NewApprovalService(e.txs, e.dispatcher, logger)),
		Ledger:    handler.NewLedgerHandler(service.NewLedgerService(ledger.New(ledger.NewMemoryStore(), nil, logger))),
		Dashboard: handler.NewDashboardHandler(service.NewDashboardService(e.txs, flags)),
	})
	return e
}

func (e *consoleEnv) login(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.auth.GenerateToken(context.Background(), user, "correct-horse-battery")
	if err != nil {
		t.Fatalf("login %s: %v", user, err)
	}
	return tok.AccessToken
}

func (e *consoleEnv) do(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func TestConsole_LoginAndRoles(t *testing.T) {
	e := newConsoleEnv(t)

	rr := e.do(t, "", http.MethodPost, "/auth/token", domain.LoginRequest{Username: "alice", Password: "wrong-password-123"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", rr.Code)
	}
	rr = e.do(t, "", http.MethodPost, "/auth/token", domain.LoginRequest{Username: "alice", Password: "correct-horse-battery"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rr.Code)
	}

	if rr := e.do(t, "", http.MethodGet, "/api/v1/dashboard/stats", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rr.Code)
	}
	auditor := e.login(t, "ivan")
	if rr := e.do(t, auditor, http.MethodGet, "/api/v1/dashboard/stats", nil); rr.Code != http.StatusOK {
		t.Fatalf("auditor read: expected 200, got %d", rr.Code)
	}
	if rr := e.do(t, auditor, http.MethodPost, "/v1/agents/a-1/block", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("auditor write: expected 403, got %d", rr.Code)
	}
	operator := e.login(t, "olga")
	if rr := e.do(t, operator, http.MethodPost, "/v1/wallets", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("operator wallet create: expected 403, got %d", rr.Code)
	}
}

func TestConsole_WalletPolicyAgentFlow(t *testing.T) {
	e := newConsoleEnv(t)
	admin := e.login(t, "alice")

	rr := e.do(t, admin, http.MethodPost, "/v1/wallets", map[string]any{"threshold": 2, "holders": []string{"h1", "h2", "h3"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create wallet: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var w domain.Wallet
	if err := json.NewDecoder(rr.Body).Decode(&w); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}

	rr = e.do(t, admin, http.MethodPost, "/v1/wallets", map[string]any{"threshold": 4, "holders": []string{"h1", "h2"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("threshold above holders: expected 400, got %d", rr.Code)
	}

	spec := domain.PolicySpec{
		WalletID:         w.ID,
		Currency:         "usd",
		Limits:           domain.Limits{PerTransaction: 10000, Daily: 50000},
		CounterpartyMode: domain.CounterpartyAllow,
		Counterparties:   []string{"cloud-provider.com"},
	}
	if rr := e.do(t, admin, http.MethodPost, "/v1/policies", spec); rr.Code != http.StatusCreated {
		t.Fatalf("compile: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, admin, http.MethodPost, "/v1/policies", spec); rr.Code != http.StatusOK {
		t.Fatalf("recompile same spec: expected 200, got %d", rr.Code)
	}
	rr = e.do(t, admin, http.MethodGet, "/v1/wallets/"+w.ID+"/policies", nil)
	var ps []domain.Policy
	if err := json.NewDecoder(rr.Body).Decode(&ps); err != nil || len(ps) != 1 {
		t.Fatalf("expected one policy version, got %d (%v)", len(ps), err)
	}

	// Чужой кошелек
	operator := e.login(t, "olga")
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	reg := map[string]any{"name": "buyer", "wallet_id": w.ID, "scheme": domain.SchemeEd25519, "public_key": hex.EncodeToString(pub)}
	if rr := e.do(t, operator, http.MethodPost, "/v1/agents", reg); rr.Code != http.StatusForbidden {
		t.Fatalf("foreign wallet: expected 403, got %d", rr.Code)
	}

	rr = e.do(t, admin, http.MethodPost, "/v1/agents", reg)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register agent: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var a domain.AgentIdentity
	if err := json.NewDecoder(rr.Body).Decode(&a); err != nil {
		t.Fatalf("decode agent: %v", err)
	}

	if rr := e.do(t, admin, http.MethodPost, "/v1/agents/"+a.ID+"/block", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("block: expected 204, got %d", rr.Code)
	}
	stored, _ := e.agents.GetAgent(context.Background(), a.ID)
	if stored.Status != domain.StatusBlocked {
		t.Fatalf("expected blocked status, got %s", stored.Status)
	}

	rr = e.do(t, admin, http.MethodGet, "/api/v1/dashboard/stats", nil)
	var stats domain.Dashboard
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.BlockedAgents != 1 {
		t.Fatalf("expected 1 blocked agent on dashboard, got %d", stats.BlockedAgents)
	}

	if rr := e.do(t, admin, http.MethodPost, "/v1/wallets/"+w.ID+"/retire", nil); rr.Code != http.StatusOK {
		t.Fatalf("retire: expected 200, got %d", rr.Code)
	}
	if rr := e.do(t, admin, http.MethodPost, "/v1/policies", spec); rr.Code != http.StatusConflict {
		t.Fatalf("policy on retired wallet: expected 409, got %d", rr.Code)
	}
}

func TestConsole_Approvals(t *testing.T) {
	e := newConsoleEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, tx := range []domain.Transaction{
		{ID: "tx-pending", WalletID: "w-1", PrincipalID: "p-1", Amount: 100, State: domain.TxPendingApproval, ProposedAt: now},
		{ID: "tx-done", WalletID: "w-1", PrincipalID: "p-1", Amount: 100, State: domain.TxSettled, ProposedAt: now},
	} {
		tx := tx
		if err := e.txs.CreateTransaction(ctx, &tx); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	operator := e.login(t, "olga")

	rr := e.do(t, operator, http.MethodGet, "/v1/approvals", nil)
	var pending []domain.Transaction
	if err := json.NewDecoder(rr.Body).Decode(&pending); err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d (%v)", len(pending), err)
	}

	if rr := e.do(t, operator, http.MethodPost, "/v1/approvals/tx-pending/decide", map[string]any{"verdict": "MAYBE"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad verdict: expected 400, got %d", rr.Code)
	}
	if rr := e.do(t, operator, http.MethodPost, "/v1/approvals/tx-done/decide", map[string]any{"verdict": "APPROVE"}); rr.Code != http.StatusConflict {
		t.Fatalf("settled tx: expected 409, got %d", rr.Code)
	}
	if rr := e.do(t, operator, http.MethodPost, "/v1/approvals/missing/decide", map[string]any{"verdict": "APPROVE"}); rr.Code != http.StatusNotFound {
		t.Fatalf("missing tx: expected 404, got %d", rr.Code)
	}
	if rr := e.do(t, operator, http.MethodPost, "/v1/approvals/tx-pending/decide", map[string]any{"verdict": "APPROVE", "comment": "known vendor"}); rr.Code != http.StatusAccepted {
		t.Fatalf("decide: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	cmd, ok := e.dispatcher.cmds["tx-pending"]
	if !ok || cmd.Action != engine.ActionDecide || cmd.Verdict != domain.VerdictApprove {
		t.Fatalf("unexpected dispatched command: %+v", cmd)
	}
	claims, err := e.auth.VerifyToken("Bearer " + operator)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cmd.ReviewerID != claims.UserID {
		t.Fatalf("reviewer must come from the token, got %q", cmd.ReviewerID)
	}
}
