package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	console "github.com/xela07ax/spaceai-paygate/internal/console/domain"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type WalletHandler struct {
	service *service.WalletService
}

func NewWalletHandler(s *service.WalletService) *WalletHandler {
	return &WalletHandler{service: s}
}

func (h *WalletHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req console.CreateWalletRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	wallet, err := h.service.Create(r.Context(), principal(r), req.Threshold, req.Holders)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	ws, err := h.service.List(r.Context(), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.Get(r.Context(), principal(r), chi.URLParam(r, "walletID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *WalletHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req console.RotateWalletRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	wallet, err := h.service.Rotate(r.Context(), principal(r), chi.URLParam(r, "walletID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *WalletHandler) Retire(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.Retire(r.Context(), principal(r), chi.URLParam(r, "walletID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// RotationDue — кошельки, у которых наступил срок плановой ротации.
func (h *WalletHandler) RotationDue(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	ws, err := h.service.DueForRotation(r.Context(), now)
	if err != nil {
		writeError(w, err)
		return
	}
	if ws == nil {
		ws = []domain.Wallet{}
	}
	writeJSON(w, http.StatusOK, console.RotationDueResponse{At: now, Wallets: ws})
}
