package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-paygate/internal/compliance"
	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/identity"
	"github.com/xela07ax/spaceai-paygate/internal/ledger"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"github.com/xela07ax/spaceai-paygate/internal/settlement"
	"go.uber.org/zap"
)

const (
	testAgent     = "agent-1"
	testPrincipal = "alice"
	testWallet    = "wallet-1"
	testMerchant  = "cloud-provider.com"
)

type fakeGate struct {
	outcome domain.VerdictOutcome
	err     error
}

func (g *fakeGate) Screen(_ context.Context, req compliance.Request) (compliance.Result, error) {
	if g.err != nil {
		return compliance.Result{}, g.err
	}
	out := g.outcome
	if out == "" {
		out = domain.VerdictPass
	}
	return compliance.Result{Outcome: out, Verdicts: []domain.Verdict{{Outcome: out}}}, nil
}

type fakeSigner struct {
	mu       sync.Mutex
	err      error
	signed   []string
	released []string
}

func (s *fakeSigner) Sign(_ context.Context, tx *domain.Transaction, _ *domain.Policy, _ bool) (*custody.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.signed = append(s.signed, tx.ID)
	return &custody.Signature{WalletID: tx.WalletID, Epoch: 1, Digest: []byte(tx.ID[:8])}, nil
}

func (s *fakeSigner) Release(_, txID string) {
	s.mu.Lock()
	s.released = append(s.released, txID)
	s.mu.Unlock()
}

func (s *fakeSigner) releasedTx(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.released {
		if id == txID {
			return true
		}
	}
	return false
}

type fakeSettler struct {
	mu     sync.Mutex
	err    error
	orders []string
}

func (s *fakeSettler) Submit(_ context.Context, tx *domain.Transaction, _ *custody.Signature) (settlement.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return settlement.Receipt{}, s.err
	}
	s.orders = append(s.orders, tx.ID)
	return settlement.Receipt{Ref: "ref-" + tx.ID, Endpoint: "primary"}, nil
}

type testEnv struct {
	core     *Core
	agents   *identity.MemoryAgentStore
	key      identity.Signer
	txs      *MemoryTxStore
	gate     *fakeGate
	custody  *fakeSigner
	settler  *fakeSettler
	ledger   *ledger.Ledger
	flags    *FlagManager
	policies *policy.Service
	nonce    atomic.Uint64
}

func baseSpec() domain.PolicySpec {
	return domain.PolicySpec{
		WalletID:         testWallet,
		Currency:         "usd",
		Limits:           domain.Limits{PerTransaction: 20000, Daily: 25000},
		CounterpartyMode: domain.CounterpartyAllow,
		Counterparties:   []string{testMerchant},
		EffectiveFrom:    time.Now().Add(-time.Hour),
	}
}

// newTestEnv собирает конвейер на реальных верификаторе, политиках и журнале.
// spec == nil — кошелек без политики.
func newTestEnv(t *testing.T, spec *domain.PolicySpec) *testEnv {
	t.Helper()
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	agents := identity.NewMemoryAgentStore()
	if err := agents.CreateAgent(ctx, &domain.AgentIdentity{
		ID: testAgent, PrincipalID: testPrincipal, WalletID: testWallet,
		Scheme: domain.SchemeEd25519, PublicKey: pub, Status: domain.StatusActive,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	logger := zap.NewNop()
	pstore := policy.NewMemoryStore()
	memo := policy.NewMemo(pstore, nil, logger)
	svc := policy.NewService(pstore, memo, nil, logger)
	if spec != nil {
		if _, _, err := svc.Compile(ctx, testPrincipal, *spec); err != nil {
			t.Fatalf("compile policy: %v", err)
		}
	}

	e := &testEnv{
		agents:   agents,
		key:      identity.NewEd25519Signer(priv),
		txs:      NewMemoryTxStore(),
		gate:     &fakeGate{},
		custody:  &fakeSigner{},
		settler:  &fakeSettler{},
		ledger:   ledger.New(ledger.NewMemoryStore(), nil, logger),
		flags:    NewFlagManager(nil, nil, logger),
		policies: svc,
	}
	e.core = NewCore(Deps{
		Verifier: identity.NewVerifier(agents, identity.NewMemoryMandateStore(), identity.NewMemoryNonceStore(), 2*time.Minute, logger),
		Gate:     e.gate,
		Policies: memo,
		Txs:      e.txs,
		Signer:   e.custody,
		Settler:  e.settler,
		Ledger:   e.ledger,
		Flags:    e.flags,
		Logger:   logger,
	})
	return e
}

func (e *testEnv) sign(rec *domain.MandateRecord) *domain.MandateRecord {
	rec.AgentID, rec.WalletID = testAgent, testWallet
	rec.Nonce = e.nonce.Add(1)
	rec.SignedAt = time.Now().UTC()
	// ed25519 не возвращает ошибку подписи
	_ = identity.SignMandate(e.key, rec)
	return rec
}

// pay проводит полную цепочку Intent → Cart → Payment. Безопасен для
// вызова из нескольких горутин.
func (e *testEnv) pay(amount int64, counterparty string) (*domain.Transaction, error) {
	ctx := context.Background()
	chainID := uuid.NewString()

	intent := e.sign(&domain.MandateRecord{Kind: domain.MandateIntent, ChainID: chainID,
		Intent: &domain.IntentBody{Description: "gpu time", Currency: "USD"}})
	if err := e.core.SubmitIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("intent: %w", err)
	}
	cart := e.sign(&domain.MandateRecord{Kind: domain.MandateCart, ChainID: chainID, PrevHash: intent.Hash(),
		Cart: &domain.CartBody{Counterparty: counterparty, Currency: "USD", Total: amount,
			Items: []domain.LineItem{{SKU: "gpu-hour", Quantity: 1, UnitAmount: amount}}}})
	if err := e.core.SubmitCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("cart: %w", err)
	}
	payment := e.sign(&domain.MandateRecord{Kind: domain.MandatePayment, ChainID: chainID, PrevHash: cart.Hash(),
		Payment: &domain.PaymentBody{Amount: amount, Currency: "USD", Counterparty: counterparty,
			Rail: domain.RailCard, Destination: "acct_merchant"}})
	return e.core.SubmitPayment(ctx, payment)
}

func (e *testEnv) mustPay(t *testing.T, amount int64) *domain.Transaction {
	t.Helper()
	tx, err := e.pay(amount, testMerchant)
	if err != nil {
		t.Fatalf("pay %d: %v", amount, err)
	}
	return tx
}

func (e *testEnv) assertChainValid(t *testing.T, walletID string) {
	t.Helper()
	rep, err := e.ledger.VerifyChain(context.Background(), walletID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !rep.Valid {
		t.Fatalf("ledger chain %s broken at %d", walletID, rep.FirstMismatch)
	}
}

func TestSubmitPayment_HappyPath(t *testing.T) {
	spec := baseSpec()
	e := newTestEnv(t, &spec)

	tx := e.mustPay(t, 4200)
	if tx.State != domain.TxSubmitted {
		t.Fatalf("expected Submitted, got %s", tx.State)
	}
	if tx.PolicyVersion != 1 || tx.PolicyHash == "" {
		t.Fatalf("policy not pinned: v%d %q", tx.PolicyVersion, tx.PolicyHash)
	}
	if tx.SettlementRef != "ref-"+tx.ID || tx.Endpoint != "primary" || tx.Digest == "" {
		t.Fatalf("settlement data not recorded: %+v", tx)
	}
	stored, err := e.core.Get(context.Background(), tx.ID)
	if err != nil || stored.State != domain.TxSubmitted {
		t.Fatalf("stored tx: %+v, %v", stored, err)
	}

	recs, err := e.ledger.List(context.Background(), testWallet, 0, 100)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	var decisions []string
	for _, r := range recs {
		if r.TxID == tx.ID {
			decisions = append(decisions, r.Decision)
		}
	}
	want := []string{domain.DecisionAccepted, domain.DecisionAccepted, domain.DecisionAuthorized, domain.DecisionSubmitted}
	if len(decisions) != len(want) {
		t.Fatalf("expected decisions %v, got %v", want, decisions)
	}
	for i := range want {
		if decisions[i] != want[i] {
			t.Fatalf("decision #%d: expected %s, got %s", i, want[i], decisions[i])
		}
	}
	e.assertChainValid(t, testWallet)
}

// Три одновременных платежа по $100 при дневном лимите $250: проходят ровно
// два, третий отклоняется до подписи.
func TestSubmitPayment_ConcurrentLimit(t *testing.T) {
	spec := baseSpec()
	e := newTestEnv(t, &spec)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		states   = map[domain.TxState]int{}
		limitHit int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := e.pay(10000, testMerchant)
			mu.Lock()
			defer mu.Unlock()
			if tx != nil {
				states[tx.State]++
			}
			var pv *domain.PolicyViolation
			if errors.As(err, &pv) && pv.HasRule(domain.RuleDailyLimit) {
				limitHit++
			}
		}()
	}
	wg.Wait()

	if states[domain.TxSubmitted] != 2 || states[domain.TxRejected] != 1 {
		t.Fatalf("expected 2 submitted and 1 rejected, got %v", states)
	}
	if limitHit != 1 {
		t.Fatalf("expected one daily_limit violation, got %d", limitHit)
	}
	if len(e.settler.orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(e.settler.orders))
	}
	if len(e.custody.signed) != 2 {
		t.Fatalf("rejected payment must never reach signing, signed %v", e.custody.signed)
	}
	e.assertChainValid(t, testWallet)
}

func TestSubmitPayment_PolicyRejections(t *testing.T) {
	t.Run("no active policy", func(t *testing.T) {
		e := newTestEnv(t, nil)
		tx, err := e.pay(100, testMerchant)
		var pv *domain.PolicyViolation
		if !errors.As(err, &pv) || !pv.HasRule(domain.RuleNoActivePolicy) {
			t.Fatalf("expected no_active_policy, got %v", err)
		}
		if tx.State != domain.TxRejected {
			t.Fatalf("expected Rejected, got %s", tx.State)
		}
	})

	t.Run("counterparty not allowed", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		tx, err := e.pay(100, "unknown-shop.example")
		var pv *domain.PolicyViolation
		if !errors.As(err, &pv) || !pv.HasRule(domain.RuleCounterpartyAllow) {
			t.Fatalf("expected counterparty violation, got %v", err)
		}
		if tx.State != domain.TxRejected || tx.Reason == nil || tx.Reason.Category != domain.CategoryPolicy {
			t.Fatalf("unexpected tx: %+v", tx)
		}
		if len(e.custody.signed) != 0 {
			t.Fatal("rejected tx must not reach custody")
		}
	})

	t.Run("per transaction limit", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		_, err := e.pay(20001, testMerchant)
		var pv *domain.PolicyViolation
		if !errors.As(err, &pv) || !pv.HasRule(domain.RulePerTransaction) {
			t.Fatalf("expected per-transaction violation, got %v", err)
		}
	})
}

func TestSubmitPayment_Compliance(t *testing.T) {
	t.Run("blocked", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		e.gate.err = &domain.ComplianceError{Kind: domain.ComplianceBlocked, Subject: testMerchant, Cause: domain.BlockHighRisk}

		tx, err := e.pay(100, testMerchant)
		var ce *domain.ComplianceError
		if !errors.As(err, &ce) || ce.Cause != domain.BlockHighRisk {
			t.Fatalf("expected high_risk block, got %v", err)
		}
		if tx.State != domain.TxRejected || tx.Reason.Category != domain.CategoryCompliance {
			t.Fatalf("unexpected tx: %+v", tx)
		}
	})

	t.Run("provider error fails closed", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		e.gate.err = context.DeadlineExceeded

		tx, err := e.pay(100, testMerchant)
		var ce *domain.ComplianceError
		if !errors.As(err, &ce) || ce.Cause != domain.BlockProviderUnavailable {
			t.Fatalf("expected provider_unavailable, got %v", err)
		}
		if tx.State != domain.TxRejected {
			t.Fatalf("expected Rejected, got %s", tx.State)
		}
	})

	t.Run("escalate without graded risk", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		e.gate.outcome = domain.VerdictEscalate

		_, err := e.pay(100, testMerchant)
		var ce *domain.ComplianceError
		if !errors.As(err, &ce) || ce.Cause != domain.BlockEscalationDenied {
			t.Fatalf("expected escalation_not_permitted, got %v", err)
		}
	})

	t.Run("escalate with graded risk", func(t *testing.T) {
		spec := baseSpec()
		spec.AllowGradedRisk = true
		e := newTestEnv(t, &spec)
		e.gate.outcome = domain.VerdictEscalate

		tx := e.mustPay(t, 100)
		if tx.State != domain.TxSubmitted || !tx.ComplianceFlagged {
			t.Fatalf("expected flagged Submitted tx, got %s flagged=%v", tx.State, tx.ComplianceFlagged)
		}
	})
}

func TestApprovalFlow(t *testing.T) {
	spec := baseSpec()
	spec.EscalationThreshold = 5000
	e := newTestEnv(t, &spec)
	ctx := context.Background()

	tx := e.mustPay(t, 8000)
	if tx.State != domain.TxPendingApproval {
		t.Fatalf("expected PendingApproval, got %s", tx.State)
	}
	if len(e.custody.signed) != 0 {
		t.Fatal("pending tx must not be signed")
	}

	if _, err := e.core.Approve(ctx, domain.ApprovalDecision{TxID: tx.ID, Verdict: "MAYBE", ReviewerID: "bob"}); err == nil {
		t.Fatal("expected invalid verdict error")
	}

	approved, err := e.core.Approve(ctx, domain.ApprovalDecision{TxID: tx.ID, Verdict: domain.VerdictApprove, ReviewerID: "bob"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.State != domain.TxSubmitted || approved.ReviewerID != "bob" {
		t.Fatalf("expected Submitted by bob, got %s/%s", approved.State, approved.ReviewerID)
	}

	_, err = e.core.Approve(ctx, domain.ApprovalDecision{TxID: tx.ID, Verdict: domain.VerdictApprove, ReviewerID: "bob"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for Submitted tx, got %v", err)
	}
	e.assertChainValid(t, testWallet)
}

func TestApprovalFlow_Reject(t *testing.T) {
	spec := baseSpec()
	spec.EscalationThreshold = 5000
	e := newTestEnv(t, &spec)
	ctx := context.Background()

	tx := e.mustPay(t, 8000)
	rejected, err := e.core.Approve(ctx, domain.ApprovalDecision{TxID: tx.ID, Verdict: domain.VerdictReject, ReviewerID: "bob", Comment: "unexpected vendor"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != domain.TxRejected || rejected.Reason.Code != "approval_denied" {
		t.Fatalf("unexpected tx: %+v", rejected)
	}

	_, err = e.core.Approve(ctx, domain.ApprovalDecision{TxID: tx.ID, Verdict: domain.VerdictApprove, ReviewerID: "bob"})
	if !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

// Подтверждение снимает только порог эскалации: лимит пересчитывается на
// момент подтверждения.
func TestApprovalFlow_LimitsStillApply(t *testing.T) {
	spec := baseSpec()
	spec.EscalationThreshold = 5000
	spec.Limits.PerTransaction = 10000
	spec.Limits.Daily = 10000
	e := newTestEnv(t, &spec)

	pending := e.mustPay(t, 8000)
	if pending.State != domain.TxPendingApproval {
		t.Fatalf("expected PendingApproval, got %s", pending.State)
	}
	if tx := e.mustPay(t, 4000); tx.State != domain.TxSubmitted {
		t.Fatalf("expected Submitted, got %s", tx.State)
	}

	tx, err := e.core.Approve(context.Background(), domain.ApprovalDecision{TxID: pending.ID, Verdict: domain.VerdictApprove, ReviewerID: "bob"})
	var pv *domain.PolicyViolation
	if !errors.As(err, &pv) || !pv.HasRule(domain.RuleDailyLimit) {
		t.Fatalf("expected daily_limit on approval, got %v", err)
	}
	if tx.State != domain.TxRejected {
		t.Fatalf("expected Rejected, got %s", tx.State)
	}
}

func TestCancel(t *testing.T) {
	spec := baseSpec()
	spec.EscalationThreshold = 5000
	e := newTestEnv(t, &spec)
	ctx := context.Background()

	tx := e.mustPay(t, 8000)
	if _, err := e.core.Cancel(ctx, tx.ID, "mallory"); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	cancelled, err := e.core.Cancel(ctx, tx.ID, testPrincipal)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != domain.TxCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelled.State)
	}
	if _, err := e.core.Cancel(ctx, tx.ID, testPrincipal); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	submitted := e.mustPay(t, 1000)
	if _, err := e.core.Cancel(ctx, submitted.ID, testPrincipal); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("submitted tx must not be cancellable, got %v", err)
	}
}

func finality(tx *domain.Transaction, f settlement.Finality) settlement.Notification {
	return settlement.Notification{TxID: tx.ID, Ref: tx.SettlementRef, Endpoint: tx.Endpoint, Finality: f}
}

func TestHandleFinality(t *testing.T) {
	spec := baseSpec()
	e := newTestEnv(t, &spec)
	ctx := context.Background()

	tx := e.mustPay(t, 20000)
	mismatched := []settlement.Notification{
		{TxID: tx.ID, Ref: "other-ref", Endpoint: tx.Endpoint, Finality: settlement.FinalitySettled},
		{TxID: tx.ID, Ref: tx.SettlementRef, Endpoint: "backup", Finality: settlement.FinalitySettled},
		{TxID: tx.ID, Finality: settlement.FinalitySettled},
		{TxID: tx.ID, Endpoint: tx.Endpoint, Finality: settlement.FinalityFailed},
	}
	for _, n := range mismatched {
		if err := e.core.HandleFinality(ctx, n); !errors.Is(err, domain.ErrReceiptMismatch) {
			t.Fatalf("notification %+v: expected receipt mismatch, got %v", n, err)
		}
	}
	if got, _ := e.core.Get(ctx, tx.ID); got.State != domain.TxSubmitted {
		t.Fatalf("mismatched notification changed state to %s", got.State)
	}

	if err := e.core.HandleFinality(ctx, finality(tx, settlement.FinalityPending)); err != nil {
		t.Fatalf("pending finality: %v", err)
	}
	if err := e.core.HandleFinality(ctx, finality(tx, settlement.FinalitySettled)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ := e.core.Get(ctx, tx.ID)
	if got.State != domain.TxSettled {
		t.Fatalf("expected Settled, got %s", got.State)
	}
	if n := e.core.book.Reserved(testWallet); n != 0 {
		t.Fatalf("expected no open reservations, got %d", n)
	}

	err := e.core.HandleFinality(ctx, finality(tx, settlement.FinalitySettled))
	if !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on duplicate, got %v", err)
	}

	// Подтвержденная трата продолжает занимать дневной лимит
	_, err = e.pay(10000, testMerchant)
	var pv *domain.PolicyViolation
	if !errors.As(err, &pv) || !pv.HasRule(domain.RuleDailyLimit) {
		t.Fatalf("expected daily_limit after settlement, got %v", err)
	}
}

func TestHandleFinality_FailedReleasesSpend(t *testing.T) {
	spec := baseSpec()
	e := newTestEnv(t, &spec)
	ctx := context.Background()

	tx := e.mustPay(t, 20000)
	n := finality(tx, settlement.FinalityFailed)
	n.Detail = "reverted"
	if err := e.core.HandleFinality(ctx, n); err != nil {
		t.Fatalf("fail finality: %v", err)
	}
	got, _ := e.core.Get(ctx, tx.ID)
	if got.State != domain.TxFailed || got.Reason.Code != "settlement_failed" {
		t.Fatalf("unexpected tx: %+v", got)
	}
	if !e.custody.releasedTx(tx.ID) {
		t.Fatal("custody spend not released")
	}

	// Лимит освобожден: тот же платеж проходит снова
	if again := e.mustPay(t, 20000); again.State != domain.TxSubmitted {
		t.Fatalf("expected Submitted after release, got %s", again.State)
	}
}

func TestExecute_FailuresReleaseReservation(t *testing.T) {
	t.Run("custody refusal", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		e.custody.err = &domain.CustodyError{Kind: domain.CustodyRefused, WalletID: testWallet, Detail: "guard denied"}

		tx, err := e.pay(20000, testMerchant)
		var ce *domain.CustodyError
		if !errors.As(err, &ce) {
			t.Fatalf("expected custody error, got %v", err)
		}
		if tx.State != domain.TxFailed || tx.Reason.Category != domain.CategoryCustody {
			t.Fatalf("unexpected tx: %+v", tx)
		}
		if n := e.core.book.Reserved(testWallet); n != 0 {
			t.Fatalf("reservation leaked: %d", n)
		}
		if len(e.settler.orders) != 0 {
			t.Fatal("unsigned tx must not be submitted")
		}
	})

	t.Run("no endpoint reached", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		// Все предохранители открыты: поручение никуда не ушло
		e.settler.err = &domain.SettlementError{Kind: domain.SettlementUnreachable, Endpoint: "backup"}

		tx, err := e.pay(20000, testMerchant)
		var se *domain.SettlementError
		if !errors.As(err, &se) {
			t.Fatalf("expected settlement error, got %v", err)
		}
		if tx.State != domain.TxFailed {
			t.Fatalf("expected Failed, got %s", tx.State)
		}
		if !e.custody.releasedTx(tx.ID) {
			t.Fatal("custody spend not released")
		}

		e.settler.err = nil
		if again := e.mustPay(t, 20000); again.State != domain.TxSubmitted {
			t.Fatalf("expected Submitted after release, got %s", again.State)
		}
	})
}

func TestExecute_AmbiguousSubmissionHoldsReservation(t *testing.T) {
	ctx := context.Background()
	timeout := &domain.SettlementError{Kind: domain.SettlementUnreachable, Endpoint: "backup",
		Attempted: []string{"primary", "backup"}, Err: context.DeadlineExceeded}

	submitUnresolved := func(t *testing.T) (*testEnv, *domain.Transaction) {
		t.Helper()
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		e.settler.err = timeout
		tx, err := e.pay(20000, testMerchant)
		if err != nil {
			t.Fatalf("ambiguous submit must not fail the payment: %v", err)
		}
		if tx.State != domain.TxSubmitted || tx.SettlementRef != "" || len(tx.Attempted) != 2 {
			t.Fatalf("expected unresolved Submitted, got %+v", tx)
		}
		if e.custody.releasedTx(tx.ID) || e.core.book.Reserved(testWallet) != 1 {
			t.Fatal("reservation released on an unknown outcome")
		}
		e.settler.err = nil
		return e, tx
	}

	t.Run("reservation still counts", func(t *testing.T) {
		e, tx := submitUnresolved(t)
		_, err := e.pay(10000, testMerchant)
		var pv *domain.PolicyViolation
		if !errors.As(err, &pv) || !pv.HasRule(domain.RuleDailyLimit) {
			t.Fatalf("expected daily_limit while outcome unknown, got %v", err)
		}
		if err := e.core.HandleFinality(ctx, settlement.Notification{TxID: tx.ID, Endpoint: "primary", Finality: settlement.FinalitySettled}); !errors.Is(err, domain.ErrStateConflict) {
			t.Fatalf("finality before resolution must be retried later, got %v", err)
		}
	})

	t.Run("found on endpoint", func(t *testing.T) {
		e, tx := submitUnresolved(t)
		if err := e.core.ResolveSubmission(ctx, tx.ID, &settlement.Receipt{Ref: "auth-9", Endpoint: "elsewhere"}); !errors.Is(err, domain.ErrReceiptMismatch) {
			t.Fatalf("receipt from an endpoint that never got the order must be refused, got %v", err)
		}
		if err := e.core.ResolveSubmission(ctx, tx.ID, &settlement.Receipt{Ref: "auth-9", Endpoint: "backup"}); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		got, _ := e.core.Get(ctx, tx.ID)
		if got.SettlementRef != "auth-9" || got.Endpoint != "backup" || got.State != domain.TxSubmitted {
			t.Fatalf("unexpected resolved tx: %+v", got)
		}
		if err := e.core.ResolveSubmission(ctx, tx.ID, nil); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("resolved submission must not be resolved again, got %v", err)
		}
		if err := e.core.HandleFinality(ctx, finality(got, settlement.FinalitySettled)); err != nil {
			t.Fatalf("settle: %v", err)
		}
		e.assertChainValid(t, testWallet)
	})

	t.Run("reached no endpoint", func(t *testing.T) {
		e, tx := submitUnresolved(t)
		if err := e.core.ResolveSubmission(ctx, tx.ID, nil); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		got, _ := e.core.Get(ctx, tx.ID)
		if got.State != domain.TxFailed || got.Reason.Code != string(domain.SettlementUnreachable) {
			t.Fatalf("unexpected tx: %+v", got)
		}
		if !e.custody.releasedTx(tx.ID) || e.core.book.Reserved(testWallet) != 0 {
			t.Fatal("reservation not released after the order was confirmed lost")
		}
		if again := e.mustPay(t, 20000); again.State != domain.TxSubmitted {
			t.Fatalf("expected Submitted after release, got %s", again.State)
		}
	})
}

func TestFlags(t *testing.T) {
	ctx := context.Background()

	t.Run("kill switch", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		if err := e.flags.Set(ctx, FlagBlocked, testAgent, true); err != nil {
			t.Fatalf("set flag: %v", err)
		}
		rec := e.sign(&domain.MandateRecord{Kind: domain.MandateIntent, ChainID: "c-1",
			Intent: &domain.IntentBody{Currency: "USD"}})
		err := e.core.SubmitIntent(ctx, rec)
		var ie *domain.IdentityError
		if !errors.As(err, &ie) || ie.Kind != domain.IdentityAgentBlocked {
			t.Fatalf("expected agent_blocked, got %v", err)
		}

		recs, err := e.ledger.List(ctx, domain.UnboundWallet, 0, 10)
		if err != nil || len(recs) != 1 || recs[0].Decision != domain.DecisionRejected {
			t.Fatalf("expected rejection on unbound chain, got %+v (%v)", recs, err)
		}
	})

	t.Run("quarantine forces approval", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		if err := e.flags.Set(ctx, FlagQuarantine, testAgent, true); err != nil {
			t.Fatalf("set flag: %v", err)
		}
		tx := e.mustPay(t, 100)
		if tx.State != domain.TxPendingApproval {
			t.Fatalf("expected PendingApproval, got %s", tx.State)
		}
		approved, err := e.core.Approve(ctx, domain.ApprovalDecision{TxID: tx.ID, Verdict: domain.VerdictApprove, ReviewerID: "bob"})
		if err != nil || approved.State != domain.TxSubmitted {
			t.Fatalf("approve quarantined tx: %v", err)
		}
	})

	t.Run("sandbox", func(t *testing.T) {
		spec := baseSpec()
		e := newTestEnv(t, &spec)
		if err := e.flags.Set(ctx, FlagSandbox, testAgent, true); err != nil {
			t.Fatalf("set flag: %v", err)
		}
		tx := e.mustPay(t, 100)
		if tx.Mode != domain.ModeSandbox || tx.State != domain.TxSubmitted {
			t.Fatalf("expected sandbox Submitted, got %s/%s", tx.Mode, tx.State)
		}
		if e.flags.Count(FlagSandbox) != 1 {
			t.Fatalf("expected 1 sandboxed agent, got %d", e.flags.Count(FlagSandbox))
		}
	})
}

func TestSubmitStage_RejectsWrongKind(t *testing.T) {
	spec := baseSpec()
	e := newTestEnv(t, &spec)
	rec := e.sign(&domain.MandateRecord{Kind: domain.MandateCart, ChainID: "c-1",
		Cart: &domain.CartBody{Counterparty: testMerchant, Currency: "USD"}})
	err := e.core.SubmitIntent(context.Background(), rec)
	var me *domain.MandateError
	if !errors.As(err, &me) || me.Kind != domain.MandateInconsistent {
		t.Fatalf("expected inconsistent mandate, got %v", err)
	}
}
