package settlement

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type Finality string

const (
	FinalityPending Finality = "pending"
	FinalitySettled Finality = "settled"
	FinalityFailed  Finality = "failed"
)

// Order — подписанное поручение на перевод.
type Order struct {
	TxID         string
	WalletID     string
	Amount       int64
	Currency     string
	Counterparty string
	Destination  string
	Rail         domain.Rail
	Digest       []byte
	Signatures   [][]byte
}

// OrderFor собирает поручение из авторизованной транзакции и кворума подписей.
func OrderFor(tx *domain.Transaction, sig *custody.Signature) Order {
	o := Order{
		TxID:         tx.ID,
		WalletID:     tx.WalletID,
		Amount:       tx.Amount,
		Currency:     tx.Currency,
		Counterparty: tx.Counterparty,
		Destination:  tx.Destination,
		Rail:         tx.Rail,
	}
	if sig != nil {
		o.Digest = sig.Digest
		for _, p := range sig.Partials {
			o.Signatures = append(o.Signatures, p.Signature)
		}
	}
	return o
}

func (o Order) DigestHex() string { return hex.EncodeToString(o.Digest) }

type Receipt struct {
	Ref      string `json:"ref"`
	Endpoint string `json:"endpoint"`
}

// Backend — один узел расчетов (RPC-узел сети или API эмитента).
// Submit должен быть идемпотентен по Order.TxID.
type Backend interface {
	Name() string
	Submit(ctx context.Context, o Order) (Receipt, error)
	Status(ctx context.Context, ref string) (Finality, error)
	// Lookup ищет поручение по ID транзакции после оборванной отправки.
	// domain.ErrNotFound — узел поручение не получал; since — момент, когда
	// отправка была признана неразрешенной.
	Lookup(ctx context.Context, txID string, since time.Time) (Receipt, error)
}

// Notification — асинхронное сообщение о финальности расчета. Ref и
// Endpoint должны совпасть с квитанцией транзакции.
type Notification struct {
	TxID     string   `json:"tx_id"`
	Ref      string   `json:"ref"`
	Endpoint string   `json:"endpoint,omitempty"`
	Finality Finality `json:"finality"`
	Detail   string   `json:"detail,omitempty"`
}

// Sink принимает уведомления о финальности (реализует движок).
type Sink interface {
	HandleFinality(ctx context.Context, n Notification) error
}

// Resolver привязывает найденную квитанцию к отправке без ответа;
// rec == nil — ни один узел поручение не получил.
type Resolver interface {
	ResolveSubmission(ctx context.Context, txID string, rec *Receipt) error
}
