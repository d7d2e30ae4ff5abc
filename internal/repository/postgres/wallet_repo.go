package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

const walletColumns = `id, principal_id, threshold, holders, epoch, status, created_at, rotated_at, rotation_due`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var (
		w   domain.Wallet
		due *time.Time
	)
	if err := row.Scan(&w.ID, &w.PrincipalID, &w.Threshold, &w.Holders, &w.Epoch, &w.Status,
		&w.CreatedAt, &w.RotatedAt, &due); err != nil {
		return nil, err
	}
	if due != nil {
		w.RotationDue = *due
	}
	return &w, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.PrincipalID, w.Threshold, w.Holders, w.Epoch, w.Status, w.CreatedAt, w.RotatedAt, nullTime(w.RotationDue))
	if err != nil {
		return fmt.Errorf("postgres: failed to create wallet: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: wallet %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to get wallet: %w", err)
	}
	return w, nil
}

// UpdateWallet сохраняет ротацию или вывод из эксплуатации. Эпоха только растет.
func (s *Store) UpdateWallet(ctx context.Context, w *domain.Wallet) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE wallets
		SET holders = $1, epoch = $2, status = $3, rotated_at = $4, rotation_due = $5
		WHERE id = $6 AND epoch <= $2`,
		w.Holders, w.Epoch, w.Status, w.RotatedAt, nullTime(w.RotationDue), w.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update wallet: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet %s at epoch %d", domain.ErrNotFound, w.ID, w.Epoch)
	}
	return nil
}

func (s *Store) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list wallets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan wallet: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
