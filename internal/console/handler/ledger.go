package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	console "github.com/xela07ax/spaceai-paygate/internal/console/domain"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
)

type LedgerHandler struct {
	service *service.LedgerService
}

func NewLedgerHandler(s *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{service: s}
}

// Records: GET /v1/ledger/{walletID}?after=10&limit=100
func (h *LedgerHandler) Records(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		after uint64
		limit int
		err   error
	)
	if v := q.Get("after"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			http.Error(w, "limit must be a number", http.StatusBadRequest)
			return
		}
	}
	recs, next, err := h.service.Records(r.Context(), chi.URLParam(r, "walletID"), after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, console.LedgerPage{Records: recs, NextSeq: next})
}

func (h *LedgerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Verify(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
