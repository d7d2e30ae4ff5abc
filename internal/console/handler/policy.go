package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	console "github.com/xela07ax/spaceai-paygate/internal/console/domain"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Compile: 201 — создана новая версия, 200 — спецификация не изменилась.
func (h *PolicyHandler) Compile(w http.ResponseWriter, r *http.Request) {
	var spec domain.PolicySpec
	if err := decode(r, &spec); err != nil {
		http.Error(w, "invalid policy spec", http.StatusBadRequest)
		return
	}
	p, created, err := h.service.Compile(r.Context(), principal(r), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, console.CompilePolicyResponse{Policy: p, Created: created})
}

func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	ps, err := h.service.List(r.Context(), principal(r), chi.URLParam(r, "walletID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
