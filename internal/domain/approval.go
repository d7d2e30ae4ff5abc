package domain

import (
	"errors"
	"time"
)

// Решение оператора по транзакции в PendingApproval (HITL).
type ApprovalVerdict string

const (
	VerdictApprove ApprovalVerdict = "APPROVE"
	VerdictReject  ApprovalVerdict = "REJECT"
)

var ErrAlreadyProcessed = errors.New("approval request already processed")

type ApprovalDecision struct {
	TxID       string          `json:"tx_id"`
	Verdict    ApprovalVerdict `json:"verdict"`
	ReviewerID string          `json:"reviewer_id"`
	Comment    string          `json:"comment,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// Validate проверяет, что решение сформулировано однозначно.
func (d *ApprovalDecision) Validate() error {
	if d.TxID == "" || d.ReviewerID == "" {
		return errors.New("approval decision requires tx_id and reviewer_id")
	}
	if d.Verdict != VerdictApprove && d.Verdict != VerdictReject {
		return errors.New("approval verdict must be APPROVE or REJECT")
	}
	return nil
}
