// Package domain содержит DTO консольного API.
package domain

import (
	"time"

	core "github.com/xela07ax/spaceai-paygate/internal/domain"
)

type RegisterAgentRequest struct {
	Name      string         `json:"name"`
	WalletID  string         `json:"wallet_id"`
	Scheme    core.KeyScheme `json:"scheme"`
	PublicKey string         `json:"public_key"` // hex
	Sandbox   bool           `json:"sandbox"`
}

type CreateWalletRequest struct {
	Threshold int      `json:"threshold"`
	Holders   []string `json:"holders"`
}

type RotateWalletRequest struct {
	Reason string `json:"reason"`
}

type CompilePolicyResponse struct {
	Policy *core.Policy `json:"policy"`
	// false — спецификация совпала с последней версией, новая не создана
	Created bool `json:"created"`
}

type DecideRequest struct {
	Verdict core.ApprovalVerdict `json:"verdict"`
	Comment string               `json:"comment"`
}

type SandboxRequest struct {
	Enabled bool `json:"enabled"`
}

type LedgerPage struct {
	Records []core.AuditRecord `json:"records"`
	NextSeq uint64             `json:"next_seq,omitempty"`
}

type RotationDueResponse struct {
	At      time.Time     `json:"at"`
	Wallets []core.Wallet `json:"wallets"`
}
