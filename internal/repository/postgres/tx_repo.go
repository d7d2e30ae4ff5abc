package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

const txColumns = `id, chain_id, agent_id, wallet_id, principal_id, amount, currency, counterparty, rail, destination,
	policy_version, policy_hash, state, reason, compliance_flagged, mode, digest, settlement_ref, endpoint,
	attempted, reviewer_id, trace_id, proposed_at, updated_at`

func scanTx(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(&tx.ID, &tx.ChainID, &tx.AgentID, &tx.WalletID, &tx.PrincipalID, &tx.Amount, &tx.Currency,
		&tx.Counterparty, &tx.Rail, &tx.Destination, &tx.PolicyVersion, &tx.PolicyHash, &tx.State, &tx.Reason,
		&tx.ComplianceFlagged, &tx.Mode, &tx.Digest, &tx.SettlementRef, &tx.Endpoint, &tx.Attempted, &tx.ReviewerID, &tx.TraceID,
		&tx.ProposedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func collectTxs(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		tx.ID, tx.ChainID, tx.AgentID, tx.WalletID, tx.PrincipalID, tx.Amount, tx.Currency, tx.Counterparty, tx.Rail,
		tx.Destination, tx.PolicyVersion, tx.PolicyHash, tx.State, tx.Reason, tx.ComplianceFlagged, tx.Mode, tx.Digest,
		tx.SettlementRef, tx.Endpoint, tx.Attempted, tx.ReviewerID, tx.TraceID, tx.ProposedAt, tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: chain %s already has a transaction", domain.ErrStageExists, tx.ChainID)
		}
		return fmt.Errorf("postgres: failed to create transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTx(s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to get transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransaction атомарно переводит транзакцию из состояния from.
// Условие WHERE state = from исключает двойное решение (Double Decision).
func (s *Store) UpdateTransaction(ctx context.Context, tx *domain.Transaction, from domain.TxState) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET state = $1, reason = $2, compliance_flagged = $3, digest = $4, settlement_ref = $5,
		    endpoint = $6, attempted = $7, reviewer_id = $8, policy_version = $9, policy_hash = $10, updated_at = $11
		WHERE id = $12 AND state = $13`,
		tx.State, tx.Reason, tx.ComplianceFlagged, tx.Digest, tx.SettlementRef,
		tx.Endpoint, tx.Attempted, tx.ReviewerID, tx.PolicyVersion, tx.PolicyHash, tx.UpdatedAt, tx.ID, from)
	if err != nil {
		return fmt.Errorf("postgres: failed to update transaction: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Либо ID неверный, либо состояние уже сменил другой инстанс
		if _, err := s.GetTransaction(ctx, tx.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s left %s", domain.ErrStateConflict, tx.ID, from)
	}
	return nil
}

// ListSpending — транзакции кошелька, которые держат резерв лимита.
func (s *Store) ListSpending(ctx context.Context, walletID string) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE wallet_id = $1 AND state = ANY($2)
		ORDER BY proposed_at`,
		walletID, []string{string(domain.TxAuthorized), string(domain.TxSubmitted), string(domain.TxSettled)})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list spending: %w", err)
	}
	return collectTxs(rows)
}

// ListTransactionsByState — очередь для консоли (например, PendingApproval)
// и для наблюдателя финальности (Submitted).
func (s *Store) ListTransactionsByState(ctx context.Context, state domain.TxState) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE state = $1
		ORDER BY proposed_at
		LIMIT 1000`, state)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query transactions: %w", err)
	}
	return collectTxs(rows)
}

func (s *Store) CountTransactionsByState(ctx context.Context) (map[domain.TxState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM transactions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.TxState]int)
	for rows.Next() {
		var (
			st domain.TxState
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
