package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"go.uber.org/zap"
)

// SpendSource — откуда координатор восстанавливает свою книгу трат после рестарта.
type SpendSource interface {
	ListSpending(ctx context.Context, walletID string) ([]domain.Transaction, error)
}

type charge struct {
	amount int64
	at     time.Time
	own    bool // записана этим координатором после проверки guard
}

type walletBook struct {
	mu      sync.Mutex
	loaded  bool
	charges map[string]charge // tx_id -> трата
}

// Coordinator собирает кворум подписей. Перед раздачей запроса держателям
// он сам проверяет лимиты по своей книге трат, независимой от движка.
type Coordinator struct {
	wallets       WalletStore
	holders       map[string]Holder
	guard         *Guard
	source        SpendSource
	holderTimeout time.Duration
	logger        *zap.Logger

	mu    sync.Mutex
	books map[string]*walletBook
}

func NewCoordinator(wallets WalletStore, holders []Holder, guard *Guard, source SpendSource, holderTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if holderTimeout <= 0 {
		holderTimeout = 5 * time.Second
	}
	c := &Coordinator{
		wallets:       wallets,
		holders:       make(map[string]Holder, len(holders)),
		guard:         guard,
		source:        source,
		holderTimeout: holderTimeout,
		logger:        logger.Named("custody"),
		books:         make(map[string]*walletBook),
	}
	for _, h := range holders {
		c.holders[h.ID()] = h
	}
	return c
}

// Sign проверяет транзакцию, резервирует трату в книге координатора и
// собирает threshold частичных подписей. При любом отказе резерв снимается.
func (c *Coordinator) Sign(ctx context.Context, tx *domain.Transaction, p *domain.Policy, approved bool) (*Signature, error) {
	w, err := c.wallets.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return nil, fmt.Errorf("load wallet %s: %w", tx.WalletID, err)
	}
	if w.Status != domain.WalletActive {
		return nil, &domain.CustodyError{Kind: domain.CustodyWalletInactive, WalletID: w.ID, Detail: "wallet retired"}
	}
	if !p.Intact() || p.ContentHash != tx.PolicyHash {
		return nil, &domain.CustodyError{Kind: domain.CustodyRefused, WalletID: w.ID, Detail: "policy does not match pinned hash"}
	}

	if err := c.reserve(ctx, tx, p, approved); err != nil {
		return nil, err
	}

	att := AttestationFor(tx, w.Epoch)
	req := SignRequest{Attestation: att, Digest: att.Digest(), Policy: *p, Approved: approved}

	sig, err := c.collect(ctx, w, req)
	if err != nil {
		c.Release(w.ID, tx.ID)
		return nil, err
	}
	return sig, nil
}

// Release снимает резерв координатора (расчет не состоялся).
func (c *Coordinator) Release(walletID, txID string) {
	b := c.book(walletID)
	b.mu.Lock()
	delete(b.charges, txID)
	b.mu.Unlock()
}

// Spent — траты кошелька по книге координатора.
func (c *Coordinator) Spent(ctx context.Context, walletID string, at time.Time) (policy.Spent, error) {
	b := c.book(walletID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.hydrate(ctx, walletID, b); err != nil {
		return policy.Spent{}, err
	}
	return b.spent(at), nil
}

func (c *Coordinator) reserve(ctx context.Context, tx *domain.Transaction, p *domain.Policy, approved bool) error {
	b := c.book(tx.WalletID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.hydrate(ctx, tx.WalletID, b); err != nil {
		return err
	}
	if ch, ok := b.charges[tx.ID]; ok {
		if ch.own {
			// Повторная подпись той же транзакции не удваивает трату
			return nil
		}
		// Из хранилища приходит и подписываемая транзакция (она уже Authorized):
		// guard проверяет её против остальных трат.
		delete(b.charges, tx.ID)
	}

	denies, err := c.guard.Check(ctx, GuardInput{
		Policy:       p,
		Amount:       tx.Amount,
		Currency:     tx.Currency,
		Counterparty: tx.Counterparty,
		At:           tx.ProposedAt,
		Approved:     approved,
		Spent:        b.spent(tx.ProposedAt),
	})
	if err != nil {
		return &domain.CustodyError{Kind: domain.CustodyRefused, WalletID: tx.WalletID, Detail: "guard unavailable", Err: err}
	}
	if len(denies) > 0 {
		c.logger.Warn("custody guard refused",
			zap.String("tx_id", tx.ID),
			zap.String("wallet_id", tx.WalletID),
			zap.Strings("rules", denies))
		return &domain.CustodyError{Kind: domain.CustodyRefused, WalletID: tx.WalletID, Detail: strings.Join(denies, ",")}
	}

	b.charges[tx.ID] = charge{amount: tx.Amount, at: tx.ProposedAt, own: true}
	return nil
}

type holderResult struct {
	holderID string
	partial  Partial
	err      error
}

func (c *Coordinator) collect(ctx context.Context, w *domain.Wallet, req SignRequest) (*Signature, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Буфер на всех держателей: опоздавшие горутины не блокируются после выхода
	results := make(chan holderResult, len(w.Holders))
	for _, ref := range w.Holders {
		h, ok := c.holders[ref.HolderID]
		if !ok {
			results <- holderResult{holderID: ref.HolderID, err: errors.New("holder not connected")}
			continue
		}
		go func() {
			hctx, hcancel := context.WithTimeout(fctx, c.holderTimeout)
			defer hcancel()
			p, err := h.SignPartial(hctx, req)
			results <- holderResult{holderID: h.ID(), partial: p, err: err}
		}()
	}

	var (
		partials                  []Partial
		refused, mismatched, lost int
	)
	for i := 0; i < len(w.Holders) && len(partials) < w.Threshold; i++ {
		r := <-results
		switch {
		case errors.Is(r.err, ErrRefused):
			refused++
		case r.err != nil:
			lost++
		case !c.validPartial(w, req.Digest, r):
			mismatched++
		default:
			partials = append(partials, r.partial)
		}
		if r.err != nil {
			c.logger.Warn("holder did not sign",
				zap.String("holder_id", r.holderID),
				zap.String("tx_id", req.Attestation.TxID),
				zap.Error(r.err))
		}
	}

	if len(partials) >= w.Threshold {
		return &Signature{WalletID: w.ID, Epoch: w.Epoch, Digest: req.Digest, Partials: partials}, nil
	}

	detail := fmt.Sprintf("%d of %d valid partials (refused %d, invalid %d, unavailable %d)",
		len(partials), w.Threshold, refused, mismatched, lost)
	kind := domain.CustodyQuorumNotReached
	switch {
	case mismatched > 0:
		kind = domain.CustodyDisagreement
	case refused > 0:
		kind = domain.CustodyRefused
	}
	return nil, &domain.CustodyError{Kind: kind, WalletID: w.ID, Detail: detail}
}

// validPartial — подпись восстанавливается в адрес, зарегистрированный за держателем.
func (c *Coordinator) validPartial(w *domain.Wallet, digest []byte, r holderResult) bool {
	addr, ok := w.HolderAddress(r.holderID)
	if !ok || r.partial.HolderID != r.holderID {
		return false
	}
	pub, err := crypto.SigToPub(digest, r.partial.Signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), addr)
}

func (c *Coordinator) book(walletID string) *walletBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[walletID]
	if !ok {
		b = &walletBook{charges: make(map[string]charge)}
		c.books[walletID] = b
	}
	return b
}

// hydrate вызывается под b.mu.
func (c *Coordinator) hydrate(ctx context.Context, walletID string, b *walletBook) error {
	if b.loaded || c.source == nil {
		b.loaded = true
		return nil
	}
	txs, err := c.source.ListSpending(ctx, walletID)
	if err != nil {
		return fmt.Errorf("hydrate custody book %s: %w", walletID, err)
	}
	for _, tx := range txs {
		b.charges[tx.ID] = charge{amount: tx.Amount, at: tx.ProposedAt}
	}
	b.loaded = true
	return nil
}

func (b *walletBook) spent(at time.Time) policy.Spent {
	var s policy.Spent
	for _, ch := range b.charges {
		s.Add(ch.amount, ch.at, at)
	}
	return s
}
