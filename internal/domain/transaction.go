package domain

import (
	"fmt"
	"time"
)

type TxState string

const (
	TxProposed          TxState = "PROPOSED"
	TxIdentityVerified  TxState = "IDENTITY_VERIFIED"
	TxComplianceChecked TxState = "COMPLIANCE_CHECKED"
	TxPolicyEvaluated   TxState = "POLICY_EVALUATED"
	TxPendingApproval   TxState = "PENDING_APPROVAL"
	TxAuthorized        TxState = "AUTHORIZED"
	TxRejected          TxState = "REJECTED"
	TxSubmitted         TxState = "SUBMITTED"
	TxSettled           TxState = "SETTLED"
	TxFailed            TxState = "FAILED"
	TxCancelled         TxState = "CANCELLED"
)

// Таблица допустимых переходов конечного автомата транзакции.
var txTransitions = map[TxState][]TxState{
	TxProposed:          {TxIdentityVerified, TxRejected, TxCancelled},
	TxIdentityVerified:  {TxComplianceChecked, TxRejected},
	TxComplianceChecked: {TxPolicyEvaluated, TxRejected},
	TxPolicyEvaluated:   {TxAuthorized, TxRejected, TxPendingApproval},
	TxPendingApproval:   {TxAuthorized, TxRejected, TxCancelled},
	TxAuthorized:        {TxSubmitted, TxFailed},
	TxSubmitted:         {TxSettled, TxFailed},
}

// IsTerminal — из терминального состояния выхода нет.
func (s TxState) IsTerminal() bool {
	switch s {
	case TxRejected, TxSettled, TxFailed, TxCancelled:
		return true
	}
	return false
}

// CountsTowardSpend — резерв лимита держат только эти состояния.
func (s TxState) CountsTowardSpend() bool {
	switch s {
	case TxAuthorized, TxSubmitted, TxSettled:
		return true
	}
	return false
}

// Cancellable — отменить можно только до начала исполнения.
func (s TxState) Cancellable() bool {
	return s == TxProposed || s == TxPendingApproval
}

type TxMode string

const (
	ModeLive    TxMode = "live"
	ModeSandbox TxMode = "sandbox"
)

type Transaction struct {
	ID           string `json:"id"`
	ChainID      string `json:"chain_id"`
	AgentID      string `json:"agent_id"`
	WalletID     string `json:"wallet_id"`
	PrincipalID  string `json:"principal_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Counterparty string `json:"counterparty"`
	Rail         Rail   `json:"rail"`
	Destination  string `json:"destination"`

	// Версия политики фиксируется в момент предложения и не меняется.
	PolicyVersion uint64 `json:"policy_version"`
	PolicyHash    string `json:"policy_hash"`

	State             TxState `json:"state"`
	Reason            *Reason `json:"reason,omitempty"`
	ComplianceFlagged bool    `json:"compliance_flagged"`
	Mode              TxMode  `json:"mode"`

	Digest        string `json:"digest,omitempty"`
	SettlementRef string `json:"settlement_ref,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	// Attempted — узлы, опрашиваемые для Submitted без квитанции.
	Attempted  []string `json:"attempted,omitempty"`
	ReviewerID string   `json:"reviewer_id,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`

	ProposedAt time.Time `json:"proposed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Unresolved — отправка оборвалась без ответа: неизвестно, какой узел
// принял поручение.
func (t *Transaction) Unresolved() bool {
	return t.State == TxSubmitted && t.SettlementRef == ""
}

// CanTransitionTo проверяет правила конечного автомата.
func (t *Transaction) CanTransitionTo(next TxState) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, t.State)
	}
	for _, allowed := range txTransitions[t.State] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
}

// Transition переводит транзакцию в следующее состояние.
func (t *Transaction) Transition(next TxState, at time.Time) error {
	if err := t.CanTransitionTo(next); err != nil {
		return err
	}
	t.State = next
	t.UpdatedAt = at
	return nil
}

// Reject переводит транзакцию в Rejected с причиной.
func (t *Transaction) Reject(reason Reason, at time.Time) error {
	if err := t.Transition(TxRejected, at); err != nil {
		return err
	}
	t.Reason = &reason
	return nil
}

// Fail переводит транзакцию в Failed с причиной.
func (t *Transaction) Fail(reason Reason, at time.Time) error {
	if err := t.Transition(TxFailed, at); err != nil {
		return err
	}
	t.Reason = &reason
	return nil
}

// Clone возвращает независимую копию для хранилищ.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Attempted = append([]string(nil), t.Attempted...)
	if t.Reason != nil {
		r := *t.Reason
		c.Reason = &r
	}
	return &c
}
