package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// GetMandateChain возвращает пустую цепочку, если записей нет.
func (s *Store) GetMandateChain(ctx context.Context, chainID string) (*domain.MandateChain, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM mandates WHERE chain_id = $1`, chainID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read mandate chain: %w", err)
	}
	defer rows.Close()

	c := &domain.MandateChain{ChainID: chainID}
	for rows.Next() {
		var rec domain.MandateRecord
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("postgres: scan mandate: %w", err)
		}
		r := rec
		switch rec.Kind {
		case domain.MandateIntent:
			c.Intent = &r
		case domain.MandateCart:
			c.Cart = &r
		case domain.MandatePayment:
			c.Payment = &r
		}
	}
	return c, rows.Err()
}

// PutMandate атомарно добавляет стадию: первичный ключ (chain_id, kind)
// не дает записать одну стадию дважды.
func (s *Store) PutMandate(ctx context.Context, rec *domain.MandateRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mandates (chain_id, kind, agent_id, record)
		VALUES ($1, $2, $3, $4)`,
		rec.ChainID, rec.Kind, rec.AgentID, rec)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", domain.ErrStageExists, rec.ChainID, rec.Kind)
		}
		return fmt.Errorf("postgres: failed to store mandate: %w", err)
	}
	return nil
}
