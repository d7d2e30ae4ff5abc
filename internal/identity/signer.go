package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// Signer подписывает сообщения агента. Используется клиентскими SDK и тестами;
// ядро только проверяет подписи.
type Signer interface {
	Scheme() domain.KeyScheme
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

func (s *Ed25519Signer) Scheme() domain.KeyScheme { return domain.SchemeEd25519 }

func (s *Ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// Secp256k1Signer подписывает keccak256 от сообщения (совместимо с EVM-кошельками).
type Secp256k1Signer struct {
	priv *ecdsa.PrivateKey
}

func NewSecp256k1Signer(priv *ecdsa.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{priv: priv}
}

func (s *Secp256k1Signer) Scheme() domain.KeyScheme { return domain.SchemeSecp256k1 }

func (s *Secp256k1Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.priv.PublicKey)
}

func (s *Secp256k1Signer) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(msg), s.priv)
}

// SignMandate заполняет подпись записи мандата.
func SignMandate(s Signer, rec *domain.MandateRecord) error {
	sig, err := s.Sign(rec.SigningBytes())
	if err != nil {
		return fmt.Errorf("sign mandate: %w", err)
	}
	rec.Signature = hex.EncodeToString(sig)
	return nil
}

// Заголовки подписанного запроса агента (чтение транзакции).
const (
	HeaderAgentID        = "X-Agent-ID"
	HeaderAgentNonce     = "X-Agent-Nonce"
	HeaderAgentSignedAt  = "X-Agent-Signed-At"
	HeaderAgentSignature = "X-Agent-Signature"
)

// TransactionQuery — байты, которые агент подписывает для чтения своей
// транзакции. Nonce и время входят в сообщение, поэтому запрос нельзя
// повторить или переадресовать на другую транзакцию.
func TransactionQuery(agentID, txID string, nonce uint64, signedAt time.Time) []byte {
	return []byte(fmt.Sprintf("paygate/v1 GET transaction\n%s\n%s\n%d\n%s",
		agentID, txID, nonce, signedAt.UTC().Format(time.RFC3339Nano)))
}

// SignTransactionQuery возвращает заголовки подписанного чтения транзакции.
func SignTransactionQuery(s Signer, agentID, txID string, nonce uint64, signedAt time.Time) (map[string]string, error) {
	sig, err := s.Sign(TransactionQuery(agentID, txID, nonce, signedAt))
	if err != nil {
		return nil, fmt.Errorf("sign transaction query: %w", err)
	}
	return map[string]string{
		HeaderAgentID:        agentID,
		HeaderAgentNonce:     strconv.FormatUint(nonce, 10),
		HeaderAgentSignedAt:  signedAt.UTC().Format(time.RFC3339Nano),
		HeaderAgentSignature: hex.EncodeToString(sig),
	}, nil
}

var errBadKey = errors.New("malformed public key")

// VerifySignature проверяет подпись по зарегистрированному ключу агента.
func VerifySignature(scheme domain.KeyScheme, pub, msg, sig []byte) error {
	switch scheme {
	case domain.SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return errBadKey
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
			return errors.New("ed25519 signature mismatch")
		}
		return nil
	case domain.SchemeSecp256k1:
		// [R || S || V]; для проверки достаточно R || S
		if len(sig) != 65 && len(sig) != 64 {
			return fmt.Errorf("secp256k1 signature must be 64 or 65 bytes, got %d", len(sig))
		}
		if len(pub) != 33 && len(pub) != 65 {
			return errBadKey
		}
		if !crypto.VerifySignature(pub, crypto.Keccak256(msg), sig[:64]) {
			return errors.New("secp256k1 signature mismatch")
		}
		return nil
	}
	return fmt.Errorf("unsupported key scheme %q", scheme)
}

// ValidatePublicKey проверяет ключ при регистрации агента.
func ValidatePublicKey(scheme domain.KeyScheme, pub []byte) error {
	switch scheme {
	case domain.SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return errBadKey
		}
		return nil
	case domain.SchemeSecp256k1:
		var err error
		switch len(pub) {
		case 33:
			_, err = crypto.DecompressPubkey(pub)
		case 65:
			_, err = crypto.UnmarshalPubkey(pub)
		default:
			err = errBadKey
		}
		return err
	}
	return fmt.Errorf("unsupported key scheme %q", scheme)
}
