package postgres

/*
Файл policy_repo.go отвечает за хранение версий политик кошельков.
Версии неизменяемы: новая спецификация всегда дописывается следующей версией,
а шлюз держит скомпилированные политики в оперативной памяти (policy.Memo).
*/

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// SavePolicy дописывает версию. Занятая версия означает, что другой инстанс
// консоли успел опубликовать свою.
func (s *Store) SavePolicy(ctx context.Context, p *domain.Policy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO policies (wallet_id, version, principal_id, content_hash, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.WalletID, p.Version, p.PrincipalID, p.ContentHash, p, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: wallet %s version %d", domain.ErrVersionConflict, p.WalletID, p.Version)
		}
		return fmt.Errorf("postgres: failed to save policy: %w", err)
	}
	return nil
}

func (s *Store) LatestPolicy(ctx context.Context, walletID string) (*domain.Policy, error) {
	var p domain.Policy
	err := s.pool.QueryRow(ctx, `
		SELECT document FROM policies
		WHERE wallet_id = $1
		ORDER BY version DESC
		LIMIT 1`, walletID).Scan(&p)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to read latest policy: %w", err)
	}
	return &p, nil
}

// ListPolicies — история версий кошелька по возрастанию.
func (s *Store) ListPolicies(ctx context.Context, walletID string) ([]domain.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM policies WHERE wallet_id = $1 ORDER BY version`, walletID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list policies: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Policy, 0)
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
