package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

const agentColumns = `id, name, principal_id, wallet_id, scheme, public_key, status, is_sandbox, created_at, updated_at`

func scanAgent(row pgx.Row) (*domain.AgentIdentity, error) {
	var a domain.AgentIdentity
	err := row.Scan(&a.ID, &a.Name, &a.PrincipalID, &a.WalletID, &a.Scheme, &a.PublicKey,
		&a.Status, &a.Sandbox, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *domain.AgentIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Name, a.PrincipalID, a.WalletID, a.Scheme, a.PublicKey, a.Status, a.Sandbox, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.AgentIdentity, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to get agent: %w", err)
	}
	return a, nil
}

// UpdateAgentStatus меняет основной статус (например, для Kill-switch).
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	ct, err := s.pool.Exec(ctx, `UPDATE agents SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return nil
}

// SetAgentSandbox включает/выключает песочницу.
func (s *Store) SetAgentSandbox(ctx context.Context, id string, enabled bool) error {
	ct, err := s.pool.Exec(ctx, `UPDATE agents SET is_sandbox = $1, updated_at = NOW() WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update sandbox: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentIdentity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]domain.AgentIdentity, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListFlaggedAgents возвращает ID агентов с флагом. Используется для
// инициализации L1 (RAM) кэша флагов при старте шлюза.
func (s *Store) ListFlaggedAgents(ctx context.Context, flag string) ([]string, error) {
	var (
		query string
		args  []any
	)
	switch flag {
	case string(domain.StatusBlocked), string(domain.StatusQuarantine):
		query, args = `SELECT id FROM agents WHERE status = $1`, []any{flag}
	case "sandbox":
		query = `SELECT id FROM agents WHERE is_sandbox`
	default:
		return nil, fmt.Errorf("postgres: unknown agent flag %q", flag)
	}

	// Выбираем только ID, чтобы минимизировать трафик между БД и приложением
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch %s agents: %w", flag, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}
