package custody

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

// Attestation — то, под чем ставят подписи держатели: параметры
// транзакции и закрепленная версия политики.
type Attestation struct {
	TxID          string      `json:"tx_id"`
	WalletID      string      `json:"wallet_id"`
	Epoch         uint64      `json:"epoch"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Counterparty  string      `json:"counterparty"`
	Rail          domain.Rail `json:"rail"`
	Destination   string      `json:"destination"`
	PolicyVersion uint64      `json:"policy_version"`
	PolicyHash    string      `json:"policy_hash"`
	ProposedAt    time.Time   `json:"proposed_at"`
}

// AttestationFor строит аттестацию транзакции для эпохи кошелька.
func AttestationFor(tx *domain.Transaction, epoch uint64) Attestation {
	return Attestation{
		TxID:          tx.ID,
		WalletID:      tx.WalletID,
		Epoch:         epoch,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Counterparty:  tx.Counterparty,
		Rail:          tx.Rail,
		Destination:   tx.Destination,
		PolicyVersion: tx.PolicyVersion,
		PolicyHash:    tx.PolicyHash,
		ProposedAt:    tx.ProposedAt.UTC(),
	}
}

// Digest = keccak256(канонический JSON аттестации).
func (a Attestation) Digest() []byte {
	a.ProposedAt = a.ProposedAt.UTC()
	b, _ := json.Marshal(a)
	return crypto.Keccak256(b)
}

// SignRequest — запрос частичной подписи.
type SignRequest struct {
	Attestation Attestation   `json:"attestation"`
	Digest      []byte        `json:"digest"`
	Policy      domain.Policy `json:"policy"`
	Approved    bool          `json:"approved"`
}

// Partial — частичная подпись держателя: [R || S || V] над Digest.
type Partial struct {
	HolderID  string `json:"holder_id"`
	Signature []byte `json:"signature"`
}

// Signature — собранный кворум.
type Signature struct {
	WalletID string    `json:"wallet_id"`
	Epoch    uint64    `json:"epoch"`
	Digest   []byte    `json:"digest"`
	Partials []Partial `json:"partials"`
}
