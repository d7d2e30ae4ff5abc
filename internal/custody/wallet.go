package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

type WalletStore interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, id string) (*domain.Wallet, error)
	UpdateWallet(ctx context.Context, w *domain.Wallet) error
	ListWallets(ctx context.Context) ([]domain.Wallet, error)
}

// WalletManager управляет жизненным циклом кошельков: создание, ротация долей,
// вывод из эксплуатации.
type WalletManager struct {
	store         WalletStore
	holders       map[string]Holder
	rotationEvery time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewWalletManager(store WalletStore, holders []Holder, rotationEvery time.Duration, logger *zap.Logger) *WalletManager {
	m := &WalletManager{
		store:         store,
		holders:       make(map[string]Holder, len(holders)),
		rotationEvery: rotationEvery,
		logger:        logger.Named("wallets"),
		now:           time.Now,
	}
	for _, h := range holders {
		m.holders[h.ID()] = h
	}
	return m
}

// Create заводит кошелек с порогом threshold из len(holderIDs).
func (m *WalletManager) Create(ctx context.Context, principalID string, threshold int, holderIDs []string) (*domain.Wallet, error) {
	if principalID == "" {
		return nil, &domain.PolicyValidationError{Problems: []string{"principal is required"}}
	}
	if threshold < 2 || threshold > len(holderIDs) {
		return nil, &domain.PolicyValidationError{Problems: []string{
			fmt.Sprintf("threshold must be between 2 and %d holders, got %d", len(holderIDs), threshold),
		}}
	}
	seen := make(map[string]bool, len(holderIDs))
	for _, id := range holderIDs {
		if seen[id] {
			return nil, &domain.PolicyValidationError{Problems: []string{"duplicate holder " + id}}
		}
		if _, ok := m.holders[id]; !ok {
			return nil, &domain.PolicyValidationError{Problems: []string{"unknown holder " + id}}
		}
		seen[id] = true
	}

	now := m.now().UTC().Truncate(time.Microsecond)
	w := &domain.Wallet{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Threshold:   threshold,
		Epoch:       1,
		Status:      domain.WalletActive,
		CreatedAt:   now,
		RotatedAt:   now,
	}
	if m.rotationEvery > 0 {
		w.RotationDue = now.Add(m.rotationEvery)
	}

	refs, err := m.provision(ctx, w.ID, w.Epoch, holderIDs)
	if err != nil {
		return nil, err
	}
	w.Holders = refs

	if err := m.store.CreateWallet(ctx, w); err != nil {
		m.destroy(ctx, w.ID, w.Epoch, refs)
		return nil, fmt.Errorf("store wallet: %w", err)
	}
	m.logger.Info("wallet created",
		zap.String("wallet_id", w.ID),
		zap.String("principal_id", principalID),
		zap.Int("threshold", threshold),
		zap.Int("holders", len(refs)))
	return w, nil
}

// Rotate выпускает новые доли (эпоха+1) и уничтожает доли прошлой эпохи.
// Подписи прошлой эпохи после ротации не принимаются.
func (m *WalletManager) Rotate(ctx context.Context, walletID, reason string) (*domain.Wallet, error) {
	w, err := m.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status != domain.WalletActive {
		return nil, &domain.CustodyError{Kind: domain.CustodyWalletInactive, WalletID: walletID, Detail: "wallet retired"}
	}

	ids := make([]string, 0, len(w.Holders))
	for _, h := range w.Holders {
		ids = append(ids, h.HolderID)
	}
	old := w.Holders
	oldEpoch := w.Epoch

	refs, err := m.provision(ctx, w.ID, oldEpoch+1, ids)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Microsecond)
	w.Epoch = oldEpoch + 1
	w.Holders = refs
	w.RotatedAt = now
	if m.rotationEvery > 0 {
		w.RotationDue = now.Add(m.rotationEvery)
	}
	if err := m.store.UpdateWallet(ctx, w); err != nil {
		m.destroy(ctx, w.ID, w.Epoch, refs)
		return nil, fmt.Errorf("store rotated wallet: %w", err)
	}
	m.destroy(ctx, w.ID, oldEpoch, old)

	m.logger.Info("wallet rotated",
		zap.String("wallet_id", w.ID),
		zap.Uint64("epoch", w.Epoch),
		zap.String("reason", reason))
	return w, nil
}

// Retire уничтожает доли; подписать перевод с кошелька больше нельзя.
func (m *WalletManager) Retire(ctx context.Context, walletID string) (*domain.Wallet, error) {
	w, err := m.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status == domain.WalletRetired {
		return w, nil
	}
	w.Status = domain.WalletRetired
	w.RotationDue = time.Time{}
	if err := m.store.UpdateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("store retired wallet: %w", err)
	}
	m.destroy(ctx, w.ID, w.Epoch, w.Holders)
	m.logger.Info("wallet retired", zap.String("wallet_id", w.ID))
	return w, nil
}

// DueForRotation — активные кошельки, чей срок ротации наступил к моменту at.
func (m *WalletManager) DueForRotation(ctx context.Context, at time.Time) ([]domain.Wallet, error) {
	all, err := m.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	var due []domain.Wallet
	for _, w := range all {
		if w.Status == domain.WalletActive && !w.RotationDue.IsZero() && !w.RotationDue.After(at) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RotationDue.Before(due[j].RotationDue) })
	return due, nil
}

func (m *WalletManager) Get(ctx context.Context, walletID string) (*domain.Wallet, error) {
	return m.store.GetWallet(ctx, walletID)
}

func (m *WalletManager) List(ctx context.Context) ([]domain.Wallet, error) {
	return m.store.ListWallets(ctx)
}

// provision выпускает доли у всех держателей; при частичном сбое выпущенное откатывается.
func (m *WalletManager) provision(ctx context.Context, walletID string, epoch uint64, holderIDs []string) ([]domain.HolderRef, error) {
	refs := make([]domain.HolderRef, 0, len(holderIDs))
	for _, id := range holderIDs {
		h, ok := m.holders[id]
		if !ok {
			m.destroy(ctx, walletID, epoch, refs)
			return nil, fmt.Errorf("holder %s is not configured", id)
		}
		addr, err := h.Provision(ctx, walletID, epoch)
		if err != nil {
			m.destroy(ctx, walletID, epoch, refs)
			return nil, fmt.Errorf("provision share on %s: %w", id, err)
		}
		refs = append(refs, domain.HolderRef{HolderID: id, Address: addr})
	}
	return refs, nil
}

func (m *WalletManager) destroy(ctx context.Context, walletID string, epoch uint64, refs []domain.HolderRef) {
	for _, r := range refs {
		h, ok := m.holders[r.HolderID]
		if !ok {
			continue
		}
		if err := h.Destroy(ctx, walletID, epoch); err != nil {
			m.logger.Error("share destroy failed",
				zap.String("wallet_id", walletID),
				zap.String("holder_id", r.HolderID),
				zap.Uint64("epoch", epoch),
				zap.Error(err))
		}
	}
}

// MemoryWalletStore — хранилище кошельков в памяти.
type MemoryWalletStore struct {
	mu      sync.RWMutex
	wallets map[string]domain.Wallet
}

func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{wallets: make(map[string]domain.Wallet)}
}

func cloneWallet(w domain.Wallet) domain.Wallet {
	w.Holders = append([]domain.HolderRef(nil), w.Holders...)
	return w
}

func (s *MemoryWalletStore) CreateWallet(_ context.Context, w *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; ok {
		return errors.New("wallet already exists")
	}
	s.wallets[w.ID] = cloneWallet(*w)
	return nil
}

func (s *MemoryWalletStore) GetWallet(_ context.Context, id string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", domain.ErrNotFound, id)
	}
	c := cloneWallet(w)
	return &c, nil
}

func (s *MemoryWalletStore) UpdateWallet(_ context.Context, w *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; !ok {
		return fmt.Errorf("%w: wallet %s", domain.ErrNotFound, w.ID)
	}
	s.wallets[w.ID] = cloneWallet(*w)
	return nil
}

func (s *MemoryWalletStore) ListWallets(_ context.Context) ([]domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, cloneWallet(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
