package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// WalletReader — то, что нужно для проверки владения кошельком.
type WalletReader interface {
	Get(ctx context.Context, walletID string) (*domain.Wallet, error)
}

type WalletManager interface {
	WalletReader
	Create(ctx context.Context, principalID string, threshold int, holderIDs []string) (*domain.Wallet, error)
	Rotate(ctx context.Context, walletID, reason string) (*domain.Wallet, error)
	Retire(ctx context.Context, walletID string) (*domain.Wallet, error)
	List(ctx context.Context) ([]domain.Wallet, error)
	DueForRotation(ctx context.Context, at time.Time) ([]domain.Wallet, error)
}

func ownedWallet(ctx context.Context, wallets WalletReader, principalID, walletID string) (*domain.Wallet, error) {
	if walletID == "" {
		return nil, &domain.PolicyValidationError{Problems: []string{"wallet_id is required"}}
	}
	w, err := wallets.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: wallet %s", domain.ErrNotOwner, walletID)
	}
	if w.Status != domain.WalletActive {
		return nil, &domain.CustodyError{Kind: domain.CustodyWalletInactive, WalletID: walletID, Detail: "wallet retired"}
	}
	return w, nil
}

type WalletService struct {
	manager WalletManager
}

func NewWalletService(m WalletManager) *WalletService {
	return &WalletService{manager: m}
}

func (s *WalletService) Create(ctx context.Context, principalID string, threshold int, holders []string) (*domain.Wallet, error) {
	return s.manager.Create(ctx, principalID, threshold, holders)
}

func (s *WalletService) Get(ctx context.Context, principalID, walletID string) (*domain.Wallet, error) {
	w, err := s.manager.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: wallet %s", domain.ErrNotOwner, walletID)
	}
	return w, nil
}

func (s *WalletService) Rotate(ctx context.Context, principalID, walletID, reason string) (*domain.Wallet, error) {
	if _, err := ownedWallet(ctx, s.manager, principalID, walletID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	return s.manager.Rotate(ctx, walletID, reason)
}

func (s *WalletService) Retire(ctx context.Context, principalID, walletID string) (*domain.Wallet, error) {
	if _, err := ownedWallet(ctx, s.manager, principalID, walletID); err != nil {
		return nil, err
	}
	return s.manager.Retire(ctx, walletID)
}

// List — кошельки принципала.
func (s *WalletService) List(ctx context.Context, principalID string) ([]domain.Wallet, error) {
	all, err := s.manager.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Wallet{}
	for _, w := range all {
		if w.PrincipalID == principalID {
			out = append(out, w)
		}
	}
	return out, nil
}

// DueForRotation — все кошельки с наступившим сроком ротации (для операторов).
func (s *WalletService) DueForRotation(ctx context.Context, at time.Time) ([]domain.Wallet, error) {
	return s.manager.DueForRotation(ctx, at)
}
