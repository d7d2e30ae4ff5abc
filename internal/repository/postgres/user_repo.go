package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, role, scopes, created_at, updated_at 
		FROM users WHERE username = $1`

	u := &domain.User{}
	err := s.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.Scopes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, username)
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	scopes := u.Scopes
	if scopes == nil {
		scopes = map[string]bool{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.Role, scopes, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.PolicyValidationError{Problems: []string{"username " + u.Username + " is taken"}}
		}
		return fmt.Errorf("postgres: failed to create user: %w", err)
	}
	return nil
}

// CountUsers нужен для bootstrap администратора при первом запуске консоли.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
