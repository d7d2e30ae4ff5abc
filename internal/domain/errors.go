package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category разделяет причины отказа по типу необходимой реакции.
// "policy" — политика запрещает, "compliance" — заблокировал комплаенс,
// "settlement" — сбой сети/бэкенда. Эти категории нельзя смешивать.
type Category string

const (
	CategoryIdentity   Category = "identity"
	CategoryMandate    Category = "mandate"
	CategoryCompliance Category = "compliance"
	CategoryPolicy     Category = "policy"
	CategoryCustody    Category = "custody"
	CategorySettlement Category = "settlement"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Remediation подсказывает вызывающей стороне, что делать дальше.
type Remediation string

const (
	RemediationReauthenticate Remediation = "reauthenticate"
	RemediationRebuildMandate Remediation = "rebuild_mandate"
	RemediationContactSupport Remediation = "contact_support"
	RemediationAdjustPolicy   Remediation = "adjust_policy"
	RemediationRetryNewTx     Remediation = "retry_new_transaction"
	RemediationFixRequest     Remediation = "fix_request"
	RemediationNone           Remediation = "none"
)

// Reason — структурированный код причины, который видит агент или принципал.
type Reason struct {
	Category    Category    `json:"category"`
	Code        string      `json:"code"`
	Remediation Remediation `json:"remediation"`
	Detail      string      `json:"detail,omitempty"`
}

type reasoner interface {
	Reason() Reason
}

// ReasonOf извлекает причину из любой ошибки цепочки. Неизвестные ошибки
// классифицируются как internal.
func ReasonOf(err error) Reason {
	if err == nil {
		return Reason{}
	}
	var r reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return Reason{Category: CategoryInternal, Code: "internal_error", Remediation: RemediationContactSupport, Detail: err.Error()}
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transaction state transition")
	ErrTerminalState     = errors.New("transaction is in a terminal state")
	ErrStateConflict     = errors.New("transaction state changed concurrently")
	ErrStageExists       = errors.New("mandate stage already recorded")
	ErrVersionConflict   = errors.New("policy version already exists")
	ErrNotOwner          = errors.New("principal does not own this resource")
	ErrReceiptMismatch   = errors.New("settlement receipt does not match transaction")
)

// --- Identity ---

type IdentityErrorKind string

const (
	IdentityInvalidSignature IdentityErrorKind = "invalid_signature"
	IdentityNonceReplay      IdentityErrorKind = "nonce_replay"
	IdentityWindowExpired    IdentityErrorKind = "window_expired"
	IdentityUnknownAgent     IdentityErrorKind = "unknown_agent"
	IdentityAgentBlocked     IdentityErrorKind = "agent_blocked"
)

type IdentityError struct {
	Kind    IdentityErrorKind
	AgentID string
	Err     error
}

func (e *IdentityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: %s (agent %s): %v", e.Kind, e.AgentID, e.Err)
	}
	return fmt.Sprintf("identity: %s (agent %s)", e.Kind, e.AgentID)
}

func (e *IdentityError) Unwrap() error { return e.Err }

func (e *IdentityError) Reason() Reason {
	rem := RemediationReauthenticate
	if e.Kind == IdentityAgentBlocked {
		rem = RemediationContactSupport
	}
	return Reason{Category: CategoryIdentity, Code: string(e.Kind), Remediation: rem}
}

// --- Mandate ---

type MandateErrorKind string

const (
	MandateBrokenChain  MandateErrorKind = "broken_chain"
	MandateOutOfOrder   MandateErrorKind = "out_of_order"
	MandateInconsistent MandateErrorKind = "inconsistent"
)

type MandateError struct {
	Kind    MandateErrorKind
	ChainID string
	Detail  string
}

func (e *MandateError) Error() string {
	return fmt.Sprintf("mandate: %s (chain %s): %s", e.Kind, e.ChainID, e.Detail)
}

func (e *MandateError) Reason() Reason {
	return Reason{Category: CategoryMandate, Code: string(e.Kind), Remediation: RemediationRebuildMandate, Detail: e.Detail}
}

// --- Compliance ---

type ComplianceErrorKind string

const (
	ComplianceBlocked ComplianceErrorKind = "blocked"
)

// Причины блокировки. Любая неопределенность трактуется как блок.
const (
	BlockHighRisk            = "high_risk"
	BlockProviderUnavailable = "provider_unavailable"
	BlockMalformedResponse   = "malformed_response"
	BlockUnknownCounterparty = "unknown_counterparty"
	BlockEscalationDenied    = "escalation_not_permitted"
	BlockIdentityUnverified  = "identity_unverified"
)

type ComplianceError struct {
	Kind    ComplianceErrorKind
	Subject string
	Cause   string
	Err     error
}

func (e *ComplianceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compliance: %s %s (%s): %v", e.Kind, e.Subject, e.Cause, e.Err)
	}
	return fmt.Sprintf("compliance: %s %s (%s)", e.Kind, e.Subject, e.Cause)
}

func (e *ComplianceError) Unwrap() error { return e.Err }

func (e *ComplianceError) Reason() Reason {
	return Reason{Category: CategoryCompliance, Code: string(e.Kind), Remediation: RemediationContactSupport, Detail: e.Cause}
}

// --- Policy ---

// Правила, нарушение которых фиксируется в PolicyViolation.
const (
	RuleNoActivePolicy    = "no_active_policy"
	RuleCurrencyMismatch  = "currency_mismatch"
	RulePerTransaction    = "per_transaction_limit"
	RuleDailyLimit        = "daily_limit"
	RuleMonthlyLimit      = "monthly_limit"
	RuleLifetimeLimit     = "lifetime_limit"
	RuleCounterpartyAllow = "counterparty_not_allowed"
	RuleCounterpartyDeny  = "counterparty_denied"
	RuleTimeWindow        = "outside_time_window"
	RuleCondition         = "condition_failed"
)

type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

type PolicyViolation struct {
	WalletID   string
	Version    uint64
	Violations []Violation
}

func (e *PolicyViolation) Error() string {
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		rules = append(rules, v.Rule)
	}
	return fmt.Sprintf("policy: wallet %s v%d forbids transaction: %s", e.WalletID, e.Version, strings.Join(rules, ", "))
}

func (e *PolicyViolation) Reason() Reason {
	code := "policy_violation"
	if len(e.Violations) > 0 {
		code = e.Violations[0].Rule
	}
	return Reason{Category: CategoryPolicy, Code: code, Remediation: RemediationAdjustPolicy, Detail: e.Error()}
}

// HasRule сообщает, нарушено ли конкретное правило.
func (e *PolicyViolation) HasRule(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

type PolicyValidationError struct {
	Problems []string
}

func (e *PolicyValidationError) Error() string {
	return "policy validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *PolicyValidationError) Reason() Reason {
	return Reason{Category: CategoryValidation, Code: "invalid_policy", Remediation: RemediationFixRequest, Detail: strings.Join(e.Problems, "; ")}
}

// --- Custody ---

type CustodyErrorKind string

const (
	CustodyRefused          CustodyErrorKind = "refused"
	CustodyQuorumNotReached CustodyErrorKind = "quorum_not_reached"
	CustodyDisagreement     CustodyErrorKind = "disagreement"
	CustodyWalletInactive   CustodyErrorKind = "wallet_inactive"
)

type CustodyError struct {
	Kind     CustodyErrorKind
	WalletID string
	Detail   string
	Err      error
}

func (e *CustodyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("custody: %s (wallet %s): %s: %v", e.Kind, e.WalletID, e.Detail, e.Err)
	}
	return fmt.Sprintf("custody: %s (wallet %s): %s", e.Kind, e.WalletID, e.Detail)
}

func (e *CustodyError) Unwrap() error { return e.Err }

func (e *CustodyError) Reason() Reason {
	rem := RemediationRetryNewTx
	if e.Kind == CustodyRefused || e.Kind == CustodyDisagreement {
		rem = RemediationAdjustPolicy
	}
	return Reason{Category: CategoryCustody, Code: string(e.Kind), Remediation: rem, Detail: e.Detail}
}

// --- Settlement ---

type SettlementErrorKind string

const (
	SettlementRejected          SettlementErrorKind = "rejected"
	SettlementInsufficientFunds SettlementErrorKind = "insufficient_funds"
	SettlementExpired           SettlementErrorKind = "expired"
	SettlementUnreachable       SettlementErrorKind = "unreachable"
)

type SettlementError struct {
	Kind     SettlementErrorKind
	Endpoint string
	// Attempted — узлы, до которых поручение могло дойти (ответа не было).
	Attempted []string
	Err       error
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement: %s via %s: %v", e.Kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("settlement: %s via %s", e.Kind, e.Endpoint)
}

func (e *SettlementError) Unwrap() error { return e.Err }

func (e *SettlementError) Reason() Reason {
	rem := RemediationRetryNewTx
	if e.Kind == SettlementInsufficientFunds || e.Kind == SettlementRejected {
		rem = RemediationContactSupport
	}
	return Reason{Category: CategorySettlement, Code: string(e.Kind), Remediation: rem}
}

// Definitive сообщает, что ответ бэкенда окончательный и переотправка на
// резервный узел бессмысленна.
func (e *SettlementError) Definitive() bool {
	return e.Kind != SettlementUnreachable
}

// Ambiguous — исход неизвестен: хотя бы один узел получил поручение и не
// ответил. Резерв нельзя снимать, пока узел не скажет, принял ли он его.
func (e *SettlementError) Ambiguous() bool {
	return len(e.Attempted) > 0
}
