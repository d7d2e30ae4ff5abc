package identity

/*
Верификатор — первый шлюз конвейера. Проверяет подпись агента по
зарегистрированному ключу, окно действительности подписи, одноразовость nonce и
сцепление цепочки мандатов Intent → Cart → Payment.

Проверки выполняются в порядке от дешевых и не меняющих состояние к
потреблению nonce. При любом отказе ничего не сохраняется.
*/

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"go.uber.org/zap"
)

type Verifier struct {
	agents   AgentStore
	mandates MandateStore
	nonces   NonceStore
	window   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewVerifier(agents AgentStore, mandates MandateStore, nonces NonceStore, window time.Duration, logger *zap.Logger) *Verifier {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &Verifier{
		agents:   agents,
		mandates: mandates,
		nonces:   nonces,
		window:   window,
		logger:   logger.Named("identity"),
		now:      time.Now,
	}
}

// Window — граница допустимого расхождения часов подписанта и сервера.
func (v *Verifier) Window() time.Duration { return v.window }

// VerifyMessage проверяет произвольное подписанное сообщение агента.
func (v *Verifier) VerifyMessage(ctx context.Context, agentID string, msg []byte, nonce uint64, signedAt time.Time, sigHex string) (*domain.AgentIdentity, error) {
	agent, err := v.authenticate(ctx, agentID, msg, signedAt, sigHex)
	if err != nil {
		return nil, err
	}
	if err := v.consumeNonce(ctx, agentID, nonce); err != nil {
		return nil, err
	}
	return agent, nil
}

// VerifyMandate проверяет запись мандата и, при успехе, сохраняет её как
// проверенную стадию цепочки.
func (v *Verifier) VerifyMandate(ctx context.Context, rec *domain.MandateRecord) (*domain.AgentIdentity, error) {
	if rec.ChainID == "" || rec.AgentID == "" {
		return nil, &domain.MandateError{Kind: domain.MandateInconsistent, ChainID: rec.ChainID, Detail: "chain_id and agent_id are required"}
	}

	agent, err := v.authenticate(ctx, rec.AgentID, rec.SigningBytes(), rec.SignedAt, rec.Signature)
	if err != nil {
		return nil, err
	}

	if !rec.BodyPresent() {
		return nil, &domain.MandateError{Kind: domain.MandateInconsistent, ChainID: rec.ChainID, Detail: fmt.Sprintf("%s record must carry exactly its own body", rec.Kind)}
	}
	if rec.WalletID != agent.WalletID {
		return nil, &domain.MandateError{Kind: domain.MandateInconsistent, ChainID: rec.ChainID, Detail: fmt.Sprintf("agent %s is not bound to wallet %s", agent.ID, rec.WalletID)}
	}

	if err := v.checkChain(ctx, rec); err != nil {
		return nil, err
	}

	if err := v.consumeNonce(ctx, rec.AgentID, rec.Nonce); err != nil {
		return nil, err
	}

	if err := v.mandates.PutMandate(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrStageExists) {
			return nil, &domain.MandateError{Kind: domain.MandateBrokenChain, ChainID: rec.ChainID, Detail: fmt.Sprintf("%s already recorded for this chain", rec.Kind)}
		}
		return nil, fmt.Errorf("persist mandate: %w", err)
	}

	v.logger.Debug("mandate verified",
		zap.String("chain_id", rec.ChainID),
		zap.String("kind", string(rec.Kind)),
		zap.String("agent_id", rec.AgentID))
	return agent, nil
}

func (v *Verifier) authenticate(ctx context.Context, agentID string, msg []byte, signedAt time.Time, sigHex string) (*domain.AgentIdentity, error) {
	agent, err := v.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &domain.IdentityError{Kind: domain.IdentityUnknownAgent, AgentID: agentID}
		}
		return nil, fmt.Errorf("lookup agent %s: %w", agentID, err)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) == 0 {
		return nil, &domain.IdentityError{Kind: domain.IdentityInvalidSignature, AgentID: agentID, Err: errors.New("signature is not hex")}
	}
	if err := VerifySignature(agent.Scheme, agent.PublicKey, msg, sig); err != nil {
		return nil, &domain.IdentityError{Kind: domain.IdentityInvalidSignature, AgentID: agentID, Err: err}
	}

	// Корректная подпись вне окна все равно отвергается.
	skew := v.now().Sub(signedAt)
	if signedAt.IsZero() || skew > v.window || skew < -v.window {
		return nil, &domain.IdentityError{Kind: domain.IdentityWindowExpired, AgentID: agentID,
			Err: fmt.Errorf("signed at %s, window %s", signedAt.UTC().Format(time.RFC3339), v.window)}
	}

	if agent.Status == domain.StatusBlocked {
		return nil, &domain.IdentityError{Kind: domain.IdentityAgentBlocked, AgentID: agentID}
	}
	return agent, nil
}

func (v *Verifier) consumeNonce(ctx context.Context, agentID string, nonce uint64) error {
	// Nonce живет дольше окна, чтобы сообщение на границе окна нельзя было повторить.
	first, err := v.nonces.Consume(ctx, agentID, nonce, 2*v.window)
	if err != nil {
		// Хранилище nonce недоступно — отказ, а не пропуск.
		return &domain.IdentityError{Kind: domain.IdentityNonceReplay, AgentID: agentID, Err: fmt.Errorf("nonce store unavailable: %w", err)}
	}
	if !first {
		return &domain.IdentityError{Kind: domain.IdentityNonceReplay, AgentID: agentID, Err: fmt.Errorf("nonce %d already used", nonce)}
	}
	return nil
}

func (v *Verifier) checkChain(ctx context.Context, rec *domain.MandateRecord) error {
	chain, err := v.mandates.GetMandateChain(ctx, rec.ChainID)
	if err != nil {
		return fmt.Errorf("load mandate chain %s: %w", rec.ChainID, err)
	}
	broken := func(format string, args ...any) error {
		return &domain.MandateError{Kind: domain.MandateBrokenChain, ChainID: rec.ChainID, Detail: fmt.Sprintf(format, args...)}
	}

	if rec.Kind == domain.MandateIntent {
		if rec.PrevHash != "" {
			return broken("intent must not reference a predecessor")
		}
		if !chain.Empty() {
			return broken("chain already started")
		}
		return checkIntent(rec)
	}

	if chain.Stage(rec.Kind) != nil {
		return broken("%s already recorded for this chain", rec.Kind)
	}
	predKind, _ := rec.Kind.Predecessor()
	pred := chain.Stage(predKind)
	if pred == nil {
		if chain.Empty() {
			return broken("references a %s that was never verified", predKind)
		}
		return &domain.MandateError{Kind: domain.MandateOutOfOrder, ChainID: rec.ChainID,
			Detail: fmt.Sprintf("%s arrived before its %s", rec.Kind, predKind)}
	}
	if pred.Hash() != rec.PrevHash {
		return broken("%s hash mismatch", predKind)
	}
	if pred.AgentID != rec.AgentID || pred.WalletID != rec.WalletID {
		return inconsistent(rec, "agent or wallet differs from %s", predKind)
	}

	switch rec.Kind {
	case domain.MandateCart:
		return checkCart(rec, chain.Intent)
	case domain.MandatePayment:
		return checkPayment(rec, chain.Cart)
	}
	return nil
}

func inconsistent(rec *domain.MandateRecord, format string, args ...any) error {
	return &domain.MandateError{Kind: domain.MandateInconsistent, ChainID: rec.ChainID, Detail: fmt.Sprintf(format, args...)}
}

func checkIntent(rec *domain.MandateRecord) error {
	if rec.Intent.MaxAmount < 0 {
		return inconsistent(rec, "intent max_amount is negative")
	}
	if rec.Intent.Currency == "" {
		return inconsistent(rec, "intent currency is required")
	}
	return nil
}

func checkCart(rec *domain.MandateRecord, intent *domain.MandateRecord) error {
	cart := rec.Cart
	if len(cart.Items) == 0 {
		return inconsistent(rec, "cart has no items")
	}
	if policy.NormalizeCounterparty(cart.Counterparty) == "" {
		return inconsistent(rec, "cart counterparty is required")
	}
	var total int64
	for i, it := range cart.Items {
		if it.Quantity <= 0 || it.UnitAmount < 0 {
			return inconsistent(rec, "item #%d has invalid quantity or amount", i)
		}
		if it.UnitAmount > 0 && it.Quantity > math.MaxInt64/it.UnitAmount {
			return inconsistent(rec, "item #%d overflows", i)
		}
		line := it.Quantity * it.UnitAmount
		if total > math.MaxInt64-line {
			return inconsistent(rec, "cart total overflows")
		}
		total += line
	}
	if total != cart.Total {
		return inconsistent(rec, "cart total %d does not match items %d", cart.Total, total)
	}
	if !strings.EqualFold(cart.Currency, intent.Intent.Currency) {
		return inconsistent(rec, "cart currency %s differs from intent %s", cart.Currency, intent.Intent.Currency)
	}
	if intent.Intent.MaxAmount > 0 && cart.Total > intent.Intent.MaxAmount {
		return inconsistent(rec, "cart total %d exceeds intent max %d", cart.Total, intent.Intent.MaxAmount)
	}
	return nil
}

func checkPayment(rec *domain.MandateRecord, cart *domain.MandateRecord) error {
	pay := rec.Payment
	if pay.Amount != cart.Cart.Total {
		return inconsistent(rec, "payment amount %d differs from cart total %d", pay.Amount, cart.Cart.Total)
	}
	if !strings.EqualFold(pay.Currency, cart.Cart.Currency) {
		return inconsistent(rec, "payment currency %s differs from cart %s", pay.Currency, cart.Cart.Currency)
	}
	if policy.NormalizeCounterparty(pay.Counterparty) != policy.NormalizeCounterparty(cart.Cart.Counterparty) {
		return inconsistent(rec, "payment counterparty differs from cart")
	}
	if pay.Rail != domain.RailOnchain && pay.Rail != domain.RailCard {
		return inconsistent(rec, "unknown rail %q", pay.Rail)
	}
	if strings.TrimSpace(pay.Destination) == "" {
		return inconsistent(rec, "payment destination is required")
	}
	return nil
}
