package engine

/*
Core — конвейер авторизации платежа агента:

	мандат → identity → compliance → policy (под блокировкой кошелька) →
	custody (кворум подписей) → settlement → финальность

Каждое решение, включая отказ на любой стадии, дописывается в журнал до
ответа агенту. Чтение трат, оценка политики и резерв лимита выполняются
атомарно под блокировкой кошелька; подпись и отправка идут уже без нее,
с откатом резерва при неудаче.
*/

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-paygate/internal/compliance"
	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/identity"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"github.com/xela07ax/spaceai-paygate/internal/settlement"
	"go.uber.org/zap"
)

type MandateVerifier interface {
	VerifyMandate(ctx context.Context, rec *domain.MandateRecord) (*domain.AgentIdentity, error)
	VerifyMessage(ctx context.Context, agentID string, msg []byte, nonce uint64, signedAt time.Time, sigHex string) (*domain.AgentIdentity, error)
}

type Screener interface {
	Screen(ctx context.Context, req compliance.Request) (compliance.Result, error)
}

type Signer interface {
	Sign(ctx context.Context, tx *domain.Transaction, p *domain.Policy, approved bool) (*custody.Signature, error)
	Release(walletID, txID string)
}

type Submitter interface {
	Submit(ctx context.Context, tx *domain.Transaction, sig *custody.Signature) (settlement.Receipt, error)
}

type Recorder interface {
	Append(ctx context.Context, rec domain.AuditRecord) (*domain.AuditRecord, error)
}

type Deps struct {
	Verifier MandateVerifier
	Gate     Screener
	Policies policy.Source
	Txs      TxStore
	Signer   Signer
	Settler  Submitter
	Ledger   Recorder
	Flags    *FlagManager
	Metrics  *Metrics
	Logger   *zap.Logger
}

type Core struct {
	verifier MandateVerifier
	gate     Screener
	policies policy.Source
	txs      TxStore
	book     *SpendBook
	signer   Signer
	settler  Submitter
	ledger   Recorder
	flags    *FlagManager
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewCore(d Deps) *Core {
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Flags == nil {
		d.Flags = NewFlagManager(nil, nil, d.Logger)
	}
	return &Core{
		verifier: d.Verifier,
		gate:     d.Gate,
		policies: d.Policies,
		txs:      d.Txs,
		book:     NewSpendBook(d.Txs),
		signer:   d.Signer,
		settler:  d.Settler,
		ledger:   d.Ledger,
		flags:    d.Flags,
		metrics:  d.Metrics,
		logger:   d.Logger.Named("engine"),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// SubmitIntent и SubmitCart проверяют и сохраняют промежуточные стадии мандата.
func (c *Core) SubmitIntent(ctx context.Context, rec *domain.MandateRecord) error {
	return c.submitStage(ctx, rec, domain.MandateIntent)
}

func (c *Core) SubmitCart(ctx context.Context, rec *domain.MandateRecord) error {
	return c.submitStage(ctx, rec, domain.MandateCart)
}

func (c *Core) submitStage(ctx context.Context, rec *domain.MandateRecord, kind domain.MandateKind) error {
	if rec.Kind != kind {
		return &domain.MandateError{Kind: domain.MandateInconsistent, ChainID: rec.ChainID, Detail: fmt.Sprintf("expected %s record, got %q", kind, rec.Kind)}
	}
	agent, err := c.admit(ctx, rec)
	if err != nil {
		return err
	}
	c.record(ctx, domain.AuditRecord{
		WalletID: agent.WalletID, AgentID: agent.ID, TraceID: extractTraceID(ctx),
		Stage: domain.StageMandate, Decision: domain.DecisionAccepted,
		Attributes: map[string]string{"chain_id": rec.ChainID, "kind": string(kind), "hash": rec.Hash()},
	})
	return nil
}

// admit — kill-switch и проверка мандата. Отказ пишется в цепочку unbound:
// заявленному в записи кошельку до проверки подписи верить нельзя.
func (c *Core) admit(ctx context.Context, rec *domain.MandateRecord) (*domain.AgentIdentity, error) {
	start := time.Now()
	defer func() {
		c.metrics.StageDuration.WithLabelValues(domain.StageIdentity).Observe(time.Since(start).Seconds())
	}()

	var (
		agent *domain.AgentIdentity
		err   error
	)
	if c.flags.Has(FlagBlocked, rec.AgentID) {
		err = &domain.IdentityError{Kind: domain.IdentityAgentBlocked, AgentID: rec.AgentID, Err: errors.New("kill-switch engaged")}
	} else {
		agent, err = c.verifier.VerifyMandate(ctx, rec)
	}
	if err == nil {
		return agent, nil
	}

	stage := domain.StageIdentity
	var me *domain.MandateError
	if errors.As(err, &me) {
		stage = domain.StageMandate
	}
	reason := domain.ReasonOf(err)
	c.countRejection(reason)
	c.record(ctx, domain.AuditRecord{
		WalletID: domain.UnboundWallet, AgentID: rec.AgentID, TraceID: extractTraceID(ctx),
		Stage: stage, Decision: domain.DecisionRejected, Reason: &reason,
		Attributes: map[string]string{"chain_id": rec.ChainID, "kind": string(rec.Kind), "claimed_wallet": rec.WalletID},
	})
	c.logger.Info("mandate rejected",
		zap.String("agent_id", rec.AgentID),
		zap.String("chain_id", rec.ChainID),
		zap.String("code", reason.Code))
	return nil, err
}

// SubmitPayment проводит платежный мандат через весь конвейер. Возвращает
// транзакцию в состоянии, где конвейер остановился (Submitted, PendingApproval
// или терминальное), и ошибку причины отказа, если она была.
func (c *Core) SubmitPayment(ctx context.Context, rec *domain.MandateRecord) (*domain.Transaction, error) {
	if rec.Kind != domain.MandatePayment {
		return nil, &domain.MandateError{Kind: domain.MandateInconsistent, ChainID: rec.ChainID, Detail: fmt.Sprintf("expected payment record, got %q", rec.Kind)}
	}
	agent, err := c.admit(ctx, rec)
	if err != nil {
		return nil, err
	}

	pay := rec.Payment
	now := c.now()
	tx := &domain.Transaction{
		ID:           uuid.NewString(),
		ChainID:      rec.ChainID,
		AgentID:      agent.ID,
		WalletID:     agent.WalletID,
		PrincipalID:  agent.PrincipalID,
		Amount:       pay.Amount,
		Currency:     pay.Currency,
		Counterparty: policy.NormalizeCounterparty(pay.Counterparty),
		Rail:         pay.Rail,
		Destination:  pay.Destination,
		State:        domain.TxProposed,
		Mode:         domain.ModeLive,
		TraceID:      extractTraceID(ctx),
		ProposedAt:   now,
		UpdatedAt:    now,
	}
	if agent.Sandbox || c.flags.Has(FlagSandbox, agent.ID) {
		tx.Mode = domain.ModeSandbox
	}

	// Версия политики фиксируется в момент предложения
	p, err := c.policies.ActiveAt(ctx, tx.WalletID, tx.ProposedAt)
	if err != nil {
		return nil, fmt.Errorf("pin policy for %s: %w", tx.WalletID, err)
	}
	if p != nil {
		tx.PolicyVersion, tx.PolicyHash = p.Version, p.ContentHash
	}

	if err := c.txs.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	c.record(ctx, c.txRecord(tx, domain.StageIdentity, domain.DecisionAccepted, nil))
	if err := c.advance(ctx, tx, domain.TxIdentityVerified); err != nil {
		return tx, err
	}

	if p == nil {
		return tx, c.reject(ctx, tx, domain.StagePolicy, &domain.PolicyViolation{
			WalletID: tx.WalletID, Violations: []domain.Violation{{Rule: domain.RuleNoActivePolicy}},
		})
	}

	if err := c.screen(ctx, tx, p); err != nil {
		return tx, err
	}

	quarantined := agent.Status == domain.StatusQuarantine || c.flags.Has(FlagQuarantine, agent.ID)
	pending, err := c.evaluate(ctx, tx, p, false, quarantined)
	if err != nil || pending {
		return tx, err
	}
	return tx, c.execute(ctx, tx, p, false)
}

// screen — шлюз комплаенса. Escalate допускается только политикой с AllowGradedRisk.
func (c *Core) screen(ctx context.Context, tx *domain.Transaction, p *domain.Policy) error {
	start := time.Now()
	res, err := c.gate.Screen(ctx, compliance.Request{PrincipalID: tx.PrincipalID, Counterparty: tx.Counterparty})
	c.metrics.StageDuration.WithLabelValues(domain.StageCompliance).Observe(time.Since(start).Seconds())
	if err != nil {
		var ce *domain.ComplianceError
		if !errors.As(err, &ce) {
			// Любая неопределенность шлюза — блок
			err = &domain.ComplianceError{Kind: domain.ComplianceBlocked, Cause: domain.BlockProviderUnavailable, Err: err}
		}
		return c.reject(ctx, tx, domain.StageCompliance, err)
	}

	decision := domain.DecisionAccepted
	if res.Outcome == domain.VerdictEscalate {
		if !p.AllowGradedRisk {
			return c.reject(ctx, tx, domain.StageCompliance, &domain.ComplianceError{
				Kind: domain.ComplianceBlocked, Subject: tx.Counterparty, Cause: domain.BlockEscalationDenied,
			})
		}
		tx.ComplianceFlagged = true
		decision = domain.DecisionEscalated
	}
	if err := c.advance(ctx, tx, domain.TxComplianceChecked); err != nil {
		return err
	}
	c.record(ctx, c.txRecord(tx, domain.StageCompliance, decision, nil))
	return nil
}

// evaluate — read-evaluate-reserve под блокировкой кошелька. pending=true,
// если транзакция ушла на ручное подтверждение.
func (c *Core) evaluate(ctx context.Context, tx *domain.Transaction, p *domain.Policy, approved, forceApproval bool) (pending bool, err error) {
	start := time.Now()
	defer func() {
		c.metrics.StageDuration.WithLabelValues(domain.StagePolicy).Observe(time.Since(start).Seconds())
	}()

	ws, err := c.book.Lock(ctx, tx.WalletID)
	if err != nil {
		return false, err
	}
	locked := true
	unlock := func() {
		if locked {
			ws.Unlock()
			locked = false
		}
	}
	defer unlock()

	dec := policy.Evaluate(p, policy.Request{
		AgentID:      tx.AgentID,
		Amount:       tx.Amount,
		Currency:     tx.Currency,
		Counterparty: tx.Counterparty,
		Rail:         tx.Rail,
		At:           tx.ProposedAt,
		Approved:     approved,
	}, ws.Spent(tx.ProposedAt))

	stage := domain.StagePolicy
	if approved {
		stage = domain.StageApproval
	}

	if tx.State == domain.TxComplianceChecked {
		if err := c.advance(ctx, tx, domain.TxPolicyEvaluated); err != nil {
			return false, err
		}
	}

	switch {
	case dec.Outcome == policy.OutcomeDeny:
		unlock()
		return false, c.reject(ctx, tx, stage, dec.Err(p))

	case tx.State == domain.TxPolicyEvaluated && (dec.Outcome == policy.OutcomeEscalate || forceApproval):
		unlock()
		if err := c.advance(ctx, tx, domain.TxPendingApproval); err != nil {
			return false, err
		}
		rec := c.txRecord(tx, stage, domain.DecisionPending, nil)
		if rec.Attributes == nil {
			rec.Attributes = map[string]string{}
		}
		rec.Attributes["escalation_threshold"] = strconv.FormatInt(p.EscalationThreshold, 10)
		if forceApproval {
			rec.Attributes["quarantine"] = "true"
		}
		c.record(ctx, rec)
		return true, nil
	}

	// Резерв и Authorized фиксируются до снятия блокировки: следующая оценка
	// по этому кошельку уже видит эту трату.
	if err := c.advance(ctx, tx, domain.TxAuthorized); err != nil {
		return false, err
	}
	ws.Reserve(tx.ID, tx.Amount, tx.ProposedAt)
	unlock()
	return false, nil
}

// execute — подпись кворумом и отправка. Вызывается для Authorized-транзакции
// вне блокировки кошелька.
func (c *Core) execute(ctx context.Context, tx *domain.Transaction, p *domain.Policy, approved bool) error {
	// Без записи в журнале деньги не двигаются
	auth := c.txRecord(tx, domain.StagePolicy, domain.DecisionAuthorized, nil)
	if approved {
		auth.Stage = domain.StageApproval
	}
	if _, err := c.ledger.Append(ctx, auth); err != nil {
		c.metrics.LedgerErrors.Inc()
		c.book.Release(tx.WalletID, tx.ID)
		return c.fail(ctx, tx, domain.StageCustody, fmt.Errorf("ledger unavailable before signing: %w", err))
	}

	start := time.Now()
	sig, err := c.signer.Sign(ctx, tx, p, approved)
	c.metrics.QuorumDuration.Observe(time.Since(start).Seconds())
	c.metrics.StageDuration.WithLabelValues(domain.StageCustody).Observe(time.Since(start).Seconds())
	if err != nil {
		c.book.Release(tx.WalletID, tx.ID)
		return c.fail(ctx, tx, domain.StageCustody, err)
	}
	tx.Digest = hex.EncodeToString(sig.Digest)

	start = time.Now()
	rcpt, err := c.settler.Submit(ctx, tx, sig)
	c.metrics.StageDuration.WithLabelValues(domain.StageSettlement).Observe(time.Since(start).Seconds())
	var se *domain.SettlementError
	if errors.As(err, &se) && se.Ambiguous() {
		return c.unresolved(ctx, tx, se)
	}
	if err != nil {
		c.book.Release(tx.WalletID, tx.ID)
		c.signer.Release(tx.WalletID, tx.ID)
		return c.fail(ctx, tx, domain.StageSettlement, err)
	}

	tx.SettlementRef, tx.Endpoint = rcpt.Ref, rcpt.Endpoint
	if err := c.advance(ctx, tx, domain.TxSubmitted); err != nil {
		return err
	}
	rec := c.txRecord(tx, domain.StageSettlement, domain.DecisionSubmitted, nil)
	if rec.Attributes == nil {
		rec.Attributes = map[string]string{}
	}
	rec.Attributes["endpoint"] = rcpt.Endpoint
	rec.Attributes["ref"] = rcpt.Ref
	rec.Attributes["digest"] = tx.Digest
	c.record(ctx, rec)
	c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()

	c.logger.Info("transaction submitted",
		zap.String("tx_id", tx.ID),
		zap.String("wallet_id", tx.WalletID),
		zap.Int64("amount", tx.Amount),
		zap.String("endpoint", rcpt.Endpoint))
	return nil
}

// unresolved фиксирует отправку без ответа: узел мог принять поручение,
// поэтому транзакция переходит в Submitted без квитанции и держит резерв,
// пока наблюдатель финальности не найдет поручение или не убедится, что его нет.
func (c *Core) unresolved(ctx context.Context, tx *domain.Transaction, se *domain.SettlementError) error {
	// Запрос агента мог уже оборваться, а состояние сохранить нужно
	ctx = context.WithoutCancel(ctx)
	tx.SettlementRef, tx.Endpoint = "", ""
	tx.Attempted = append([]string(nil), se.Attempted...)
	if err := c.advance(ctx, tx, domain.TxSubmitted); err != nil {
		return errors.Join(se, err)
	}
	rec := c.txRecord(tx, domain.StageSettlement, domain.DecisionSubmitted, nil)
	if rec.Attributes == nil {
		rec.Attributes = map[string]string{}
	}
	rec.Attributes["unresolved"] = "true"
	rec.Attributes["attempted"] = strings.Join(tx.Attempted, ",")
	rec.Attributes["digest"] = tx.Digest
	c.record(ctx, rec)
	c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()

	c.logger.Warn("settlement outcome unknown, holding reservation",
		zap.String("tx_id", tx.ID),
		zap.String("wallet_id", tx.WalletID),
		zap.Strings("attempted", tx.Attempted),
		zap.Error(se))
	return nil
}

// ResolveSubmission завершает неразрешенную отправку. rec — квитанция узла,
// нашедшего поручение; nil — поручение не дошло ни до одного узла, резерв
// снимается и транзакция завершается Failed.
func (c *Core) ResolveSubmission(ctx context.Context, txID string, rec *settlement.Receipt) error {
	tx, err := c.txs.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.State.IsTerminal() {
		return fmt.Errorf("%w: %s already %s", domain.ErrTerminalState, tx.ID, tx.State)
	}
	if !tx.Unresolved() {
		return fmt.Errorf("%w: %s has no unresolved submission", domain.ErrInvalidTransition, tx.ID)
	}

	if rec == nil {
		c.book.Release(tx.WalletID, tx.ID)
		c.signer.Release(tx.WalletID, tx.ID)
		reason := domain.Reason{Category: domain.CategorySettlement, Code: string(domain.SettlementUnreachable), Remediation: domain.RemediationRetryNewTx,
			Detail: "order reached no endpoint: " + strings.Join(tx.Attempted, ",")}
		return c.finish(ctx, tx, domain.StageSettlement, reason, nil)
	}
	if rec.Ref == "" || !slices.Contains(tx.Attempted, rec.Endpoint) {
		return fmt.Errorf("%w: receipt from %q was not an attempted endpoint of %s", domain.ErrReceiptMismatch, rec.Endpoint, tx.ID)
	}

	tx.SettlementRef, tx.Endpoint = rec.Ref, rec.Endpoint
	tx.UpdatedAt = c.now()
	if err := c.txs.UpdateTransaction(ctx, tx, domain.TxSubmitted); err != nil {
		return err
	}
	audit := c.txRecord(tx, domain.StageSettlement, domain.DecisionSubmitted, nil)
	if audit.Attributes == nil {
		audit.Attributes = map[string]string{}
	}
	audit.Attributes["endpoint"] = rec.Endpoint
	audit.Attributes["ref"] = rec.Ref
	audit.Attributes["resolved"] = "true"
	c.record(ctx, audit)
	c.logger.Info("submission resolved",
		zap.String("tx_id", tx.ID),
		zap.String("endpoint", rec.Endpoint),
		zap.String("ref", rec.Ref))
	return nil
}

// Approve — решение оператора по PendingApproval. Подтверждение снимает
// только порог эскалации: лимиты проверяются заново под блокировкой кошелька.
func (c *Core) Approve(ctx context.Context, d domain.ApprovalDecision) (*domain.Transaction, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	tx, err := c.txs.GetTransaction(ctx, d.TxID)
	if err != nil {
		return nil, err
	}
	if tx.State != domain.TxPendingApproval {
		if tx.State.IsTerminal() {
			return tx, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyProcessed, tx.ID, tx.State)
		}
		return tx, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, tx.ID, tx.State)
	}
	tx.ReviewerID = d.ReviewerID

	if d.Verdict == domain.VerdictReject {
		reason := domain.Reason{Category: domain.CategoryPolicy, Code: "approval_denied", Remediation: domain.RemediationNone, Detail: d.Comment}
		from := tx.State
		if err := tx.Reject(reason, c.now()); err != nil {
			return tx, err
		}
		if err := c.txs.UpdateTransaction(ctx, tx, from); err != nil {
			return tx, err
		}
		c.countRejection(reason)
		c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()
		c.record(ctx, c.txRecord(tx, domain.StageApproval, domain.DecisionRejected, &reason))
		return tx, nil
	}

	p, err := c.policies.Version(ctx, tx.WalletID, tx.PolicyVersion)
	if err != nil {
		return tx, fmt.Errorf("load pinned policy: %w", err)
	}
	if p.ContentHash != tx.PolicyHash {
		return tx, c.reject(ctx, tx, domain.StageApproval, &domain.PolicyViolation{WalletID: tx.WalletID, Version: tx.PolicyVersion,
			Violations: []domain.Violation{{Rule: "policy_hash_mismatch"}}})
	}

	if _, err := c.evaluate(ctx, tx, p, true, false); err != nil {
		return tx, err
	}
	return tx, c.execute(ctx, tx, p, true)
}

// Cancel — отмена принципалом до начала исполнения.
func (c *Core) Cancel(ctx context.Context, txID, principalID string) (*domain.Transaction, error) {
	tx, err := c.txs.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotOwner, txID)
	}
	if !tx.State.Cancellable() {
		return tx, fmt.Errorf("%w: %s cannot be cancelled in %s", domain.ErrInvalidTransition, txID, tx.State)
	}
	if err := c.advance(ctx, tx, domain.TxCancelled); err != nil {
		return tx, err
	}
	c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()
	c.record(ctx, c.txRecord(tx, domain.StageCancel, domain.DecisionCancelled, nil))
	return tx, nil
}

// HandleFinality принимает уведомление бэкенда о финальности расчета.
// Уведомление применяется, только если Ref и Endpoint совпадают с квитанцией
// транзакции. Повторное уведомление для завершенной транзакции возвращает
// ErrTerminalState.
func (c *Core) HandleFinality(ctx context.Context, n settlement.Notification) error {
	tx, err := c.txs.GetTransaction(ctx, n.TxID)
	if err != nil {
		return err
	}
	if tx.State.IsTerminal() {
		return fmt.Errorf("%w: %s already %s", domain.ErrTerminalState, tx.ID, tx.State)
	}
	if tx.State != domain.TxSubmitted {
		return fmt.Errorf("%w: finality for %s in %s", domain.ErrInvalidTransition, tx.ID, tx.State)
	}
	if tx.Unresolved() {
		// Квитанция еще не найдена: уведомление повторят позже
		return fmt.Errorf("%w: %s has no settlement receipt yet", domain.ErrStateConflict, tx.ID)
	}
	if n.Ref != tx.SettlementRef || n.Endpoint != tx.Endpoint {
		return fmt.Errorf("%w: %s via %q, expected %s via %q", domain.ErrReceiptMismatch, n.Ref, n.Endpoint, tx.SettlementRef, tx.Endpoint)
	}

	switch n.Finality {
	case settlement.FinalityPending:
		return nil
	case settlement.FinalitySettled:
		if err := c.advance(ctx, tx, domain.TxSettled); err != nil {
			return err
		}
		c.book.Commit(tx.WalletID, tx.ID)
		c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()
		c.record(ctx, c.txRecord(tx, domain.StageSettlement, domain.DecisionSettled, nil))
		c.logger.Info("transaction settled", zap.String("tx_id", tx.ID), zap.String("ref", tx.SettlementRef))
		return nil
	case settlement.FinalityFailed:
		c.book.Release(tx.WalletID, tx.ID)
		c.signer.Release(tx.WalletID, tx.ID)
		reason := domain.Reason{Category: domain.CategorySettlement, Code: "settlement_failed", Remediation: domain.RemediationRetryNewTx, Detail: n.Detail}
		return c.finish(ctx, tx, domain.StageSettlement, reason, nil)
	}
	return fmt.Errorf("unknown finality %q for %s", n.Finality, tx.ID)
}

func (c *Core) Get(ctx context.Context, txID string) (*domain.Transaction, error) {
	return c.txs.GetTransaction(ctx, txID)
}

// GetForAgent отдает транзакцию по подписанному запросу агента. Чужая
// транзакция неотличима от несуществующей.
func (c *Core) GetForAgent(ctx context.Context, q TxQuery) (*domain.Transaction, error) {
	msg := identity.TransactionQuery(q.AgentID, q.TxID, q.Nonce, q.SignedAt)
	agent, err := c.verifier.VerifyMessage(ctx, q.AgentID, msg, q.Nonce, q.SignedAt, q.Signature)
	if err != nil {
		return nil, err
	}
	tx, err := c.txs.GetTransaction(ctx, q.TxID)
	if err != nil {
		return nil, err
	}
	if tx.AgentID != agent.ID {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, q.TxID)
	}
	return tx, nil
}

// TxQuery — подписанный запрос агента на чтение транзакции.
type TxQuery struct {
	AgentID   string
	TxID      string
	Nonce     uint64
	SignedAt  time.Time
	Signature string
}

// advance — переход с compare-and-swap в хранилище.
func (c *Core) advance(ctx context.Context, tx *domain.Transaction, next domain.TxState) error {
	from := tx.State
	if err := tx.Transition(next, c.now()); err != nil {
		return err
	}
	if err := c.txs.UpdateTransaction(ctx, tx, from); err != nil {
		tx.State = from
		return fmt.Errorf("persist %s -> %s: %w", from, next, err)
	}
	return nil
}

// reject переводит транзакцию в Rejected, пишет отказ в журнал и возвращает
// исходную типизированную ошибку.
func (c *Core) reject(ctx context.Context, tx *domain.Transaction, stage string, cause error) error {
	reason := domain.ReasonOf(cause)
	from := tx.State
	if err := tx.Reject(reason, c.now()); err != nil {
		return errors.Join(cause, err)
	}
	if err := c.txs.UpdateTransaction(ctx, tx, from); err != nil {
		return errors.Join(cause, err)
	}
	c.countRejection(reason)
	c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()
	c.record(ctx, c.txRecord(tx, stage, domain.DecisionRejected, &reason))
	c.logger.Info("transaction rejected",
		zap.String("tx_id", tx.ID),
		zap.String("stage", stage),
		zap.String("category", string(reason.Category)),
		zap.String("code", reason.Code))
	return cause
}

// fail — отказ после Authorized (custody или settlement).
func (c *Core) fail(ctx context.Context, tx *domain.Transaction, stage string, cause error) error {
	return c.finish(ctx, tx, stage, domain.ReasonOf(cause), cause)
}

func (c *Core) finish(ctx context.Context, tx *domain.Transaction, stage string, reason domain.Reason, cause error) error {
	from := tx.State
	if err := tx.Fail(reason, c.now()); err != nil {
		return errors.Join(cause, err)
	}
	if err := c.txs.UpdateTransaction(ctx, tx, from); err != nil {
		return errors.Join(cause, err)
	}
	c.countRejection(reason)
	c.metrics.Outcomes.WithLabelValues(string(tx.State), string(tx.Mode)).Inc()
	c.record(ctx, c.txRecord(tx, stage, domain.DecisionFailed, &reason))
	c.logger.Warn("transaction failed",
		zap.String("tx_id", tx.ID),
		zap.String("stage", stage),
		zap.String("code", reason.Code))
	return cause
}

func (c *Core) countRejection(r domain.Reason) {
	c.metrics.Rejections.WithLabelValues(string(r.Category), r.Code).Inc()
}

func (c *Core) txRecord(tx *domain.Transaction, stage, decision string, reason *domain.Reason) domain.AuditRecord {
	rec := domain.AuditRecord{
		WalletID:      tx.WalletID,
		TxID:          tx.ID,
		AgentID:       tx.AgentID,
		TraceID:       tx.TraceID,
		Stage:         stage,
		Decision:      decision,
		Reason:        reason,
		PolicyVersion: tx.PolicyVersion,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
	}
	if tx.ComplianceFlagged {
		rec.Attributes = map[string]string{"compliance_flagged": "true"}
	}
	if tx.Mode == domain.ModeSandbox {
		if rec.Attributes == nil {
			rec.Attributes = map[string]string{}
		}
		rec.Attributes["mode"] = string(domain.ModeSandbox)
	}
	return rec
}

// record пишет решение в журнал. Сбой журнала не меняет уже принятое решение,
// но виден в логах и метриках.
func (c *Core) record(ctx context.Context, rec domain.AuditRecord) {
	if _, err := c.ledger.Append(ctx, rec); err != nil {
		c.metrics.LedgerErrors.Inc()
		c.logger.Error("ledger append failed",
			zap.String("wallet_id", rec.WalletID),
			zap.String("tx_id", rec.TxID),
			zap.String("stage", rec.Stage),
			zap.Error(err))
	}
}
