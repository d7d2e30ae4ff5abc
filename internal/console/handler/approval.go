package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	console "github.com/xela07ax/spaceai-paygate/internal/console/domain"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type ApprovalHandler struct {
	service *service.ApprovalService
}

func NewApprovalHandler(s *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	txs, err := h.service.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Decide принимает решение ревьюера; исполняет его шлюз, поэтому ответ 202.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req console.DecideRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d := domain.ApprovalDecision{
		TxID:       chi.URLParam(r, "id"),
		Verdict:    req.Verdict,
		ReviewerID: principal(r),
		Comment:    req.Comment,
		DecidedAt:  time.Now().UTC(),
	}
	if err := h.service.Decide(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ApprovalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
