package domain

// Dashboard — сводка для консоли оператора.
type Dashboard struct {
	Transactions     map[TxState]int `json:"transactions"`
	PendingApprovals int             `json:"pending_approvals"`
	BlockedAgents    int             `json:"blocked_agents"`
	QuarantineAgents int             `json:"quarantine_agents"`
	SandboxAgents    int             `json:"sandbox_agents"`
}
