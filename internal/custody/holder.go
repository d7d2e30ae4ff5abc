package custody

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ErrRefused — держатель отказался подписывать. Повтор не поможет.
var ErrRefused = errors.New("holder refused")

// Holder — держатель доли ключа кошелька. Ни один держатель не может
// подписать перевод в одиночку.
type Holder interface {
	ID() string
	// Provision создает долю для эпохи и возвращает адрес, которым она подписывает.
	Provision(ctx context.Context, walletID string, epoch uint64) (string, error)
	Destroy(ctx context.Context, walletID string, epoch uint64) error
	SignPartial(ctx context.Context, req SignRequest) (Partial, error)
}

// LocalHolder держит доли в памяти процесса. В продакшене каждый LocalHolder
// работает в отдельном cmd/keyshare за gRPC.
type LocalHolder struct {
	id     string
	guard  *Guard
	logger *zap.Logger

	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey // wallet:epoch -> доля
}

func NewLocalHolder(id string, guard *Guard, logger *zap.Logger) *LocalHolder {
	return &LocalHolder{
		id:     id,
		guard:  guard,
		logger: logger.Named("holder").With(zap.String("holder_id", id)),
		keys:   make(map[string]*ecdsa.PrivateKey),
	}
}

func shareKey(walletID string, epoch uint64) string {
	return fmt.Sprintf("%s:%d", walletID, epoch)
}

func (h *LocalHolder) ID() string { return h.id }

func (h *LocalHolder) Provision(_ context.Context, walletID string, epoch uint64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if k, ok := h.keys[shareKey(walletID, epoch)]; ok {
		return crypto.PubkeyToAddress(k.PublicKey).Hex(), nil
	}
	k, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate share: %w", err)
	}
	h.keys[shareKey(walletID, epoch)] = k
	h.logger.Info("share provisioned", zap.String("wallet_id", walletID), zap.Uint64("epoch", epoch))
	return crypto.PubkeyToAddress(k.PublicKey).Hex(), nil
}

func (h *LocalHolder) Destroy(_ context.Context, walletID string, epoch uint64) error {
	h.mu.Lock()
	delete(h.keys, shareKey(walletID, epoch))
	h.mu.Unlock()
	h.logger.Info("share destroyed", zap.String("wallet_id", walletID), zap.Uint64("epoch", epoch))
	return nil
}

// SignPartial подписывает дайджест после собственной проверки запроса.
// Держатель не хранит состояние трат: лимиты периодов он проверяет
// только относительно самой суммы.
func (h *LocalHolder) SignPartial(ctx context.Context, req SignRequest) (Partial, error) {
	att := req.Attestation
	h.mu.RLock()
	key, ok := h.keys[shareKey(att.WalletID, att.Epoch)]
	h.mu.RUnlock()
	if !ok {
		return Partial{}, fmt.Errorf("%w: no share for %s epoch %d", ErrRefused, att.WalletID, att.Epoch)
	}

	if err := verifyRequest(req); err != nil {
		h.logger.Warn("sign request refused", zap.String("tx_id", att.TxID), zap.Error(err))
		return Partial{}, err
	}

	denies, err := h.guard.Check(ctx, GuardInput{
		Policy:       &req.Policy,
		Amount:       att.Amount,
		Currency:     att.Currency,
		Counterparty: att.Counterparty,
		At:           att.ProposedAt,
		Approved:     req.Approved,
	})
	if err != nil {
		return Partial{}, err
	}
	if len(denies) > 0 {
		h.logger.Warn("guard refused", zap.String("tx_id", att.TxID), zap.Strings("rules", denies))
		return Partial{}, fmt.Errorf("%w: %s", ErrRefused, strings.Join(denies, ","))
	}

	sig, err := crypto.Sign(req.Digest, key)
	if err != nil {
		return Partial{}, fmt.Errorf("sign digest: %w", err)
	}
	return Partial{HolderID: h.id, Signature: sig}, nil
}

func verifyRequest(req SignRequest) error {
	att := req.Attestation
	if !req.Policy.Intact() {
		return fmt.Errorf("%w: policy content hash mismatch", ErrRefused)
	}
	if req.Policy.ContentHash != att.PolicyHash || req.Policy.Version != att.PolicyVersion || req.Policy.WalletID != att.WalletID {
		return fmt.Errorf("%w: attestation does not reference this policy", ErrRefused)
	}
	if !bytes.Equal(att.Digest(), req.Digest) {
		return fmt.Errorf("%w: digest does not match attestation", ErrRefused)
	}
	return nil
}
