package domain

import "time"

type WalletStatus string

const (
	WalletActive  WalletStatus = "active"
	WalletRetired WalletStatus = "retired"
)

// HolderRef — держатель доли ключа и адрес, которым подписаны его доли
// в текущей эпохе.
type HolderRef struct {
	HolderID string `json:"holder_id"`
	Address  string `json:"address"`
}

// Wallet — единица хранения: право подписи распределено между держателями,
// одной доли недостаточно.
type Wallet struct {
	ID          string       `json:"id"`
	PrincipalID string       `json:"principal_id"`
	Threshold   int          `json:"threshold"`
	Holders     []HolderRef  `json:"holders"`
	Epoch       uint64       `json:"epoch"`
	Status      WalletStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	RotatedAt   time.Time    `json:"rotated_at"`
	RotationDue time.Time    `json:"rotation_due"`
}

// HolderAddress возвращает адрес держателя в текущей эпохе.
func (w *Wallet) HolderAddress(holderID string) (string, bool) {
	for _, h := range w.Holders {
		if h.HolderID == holderID {
			return h.Address, true
		}
	}
	return "", false
}
