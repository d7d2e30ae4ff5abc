package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/ledger"
)

const ledgerColumns = `id, wallet_id, seq, tx_id, agent_id, trace_id, stage, decision, reason, policy_version,
	amount, currency, attributes, at, prev_hash, hash`

func (s *Store) LastRecord(ctx context.Context, walletID string) (*domain.AuditRecord, error) {
	recs, err := s.queryRecords(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_records
		WHERE wallet_id = $1 ORDER BY seq DESC LIMIT 1`, walletID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// InsertRecord опирается на первичный ключ (wallet_id, seq): гонку двух
// инстансов за голову цепочки выигрывает один, второй получает ErrSeqTaken.
func (s *Store) InsertRecord(ctx context.Context, r *domain.AuditRecord) error {
	var attrs map[string]string
	if len(r.Attributes) > 0 {
		attrs = r.Attributes
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_records (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.WalletID, r.Seq, r.TxID, r.AgentID, r.TraceID, r.Stage, r.Decision, r.Reason, r.PolicyVersion,
		r.Amount, r.Currency, attrs, r.At, r.PrevHash, r.Hash)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%d", ledger.ErrSeqTaken, r.WalletID, r.Seq)
		}
		return fmt.Errorf("postgres: failed to insert ledger record: %w", err)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.AuditRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_records
		WHERE wallet_id = $1 AND seq > $2
		ORDER BY seq LIMIT $3`, walletID, afterSeq, limit)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]domain.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read ledger: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditRecord, 0)
	for rows.Next() {
		var r domain.AuditRecord
		if err := rows.Scan(&r.ID, &r.WalletID, &r.Seq, &r.TxID, &r.AgentID, &r.TraceID, &r.Stage, &r.Decision,
			&r.Reason, &r.PolicyVersion, &r.Amount, &r.Currency, &r.Attributes, &r.At, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger record: %w", err)
		}
		r.At = r.At.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
