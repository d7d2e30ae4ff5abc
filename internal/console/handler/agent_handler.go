package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	console "github.com/xela07ax/spaceai-paygate/internal/console/domain"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"go.uber.org/zap"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req console.RegisterAgentRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.service.Register(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AgentHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "block", h.service.BlockAgent)
}

func (h *AgentHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "unblock", h.service.UnblockAgent)
}

func (h *AgentHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "quarantine", h.service.QuarantineAgent)
}

func (h *AgentHandler) SetSandbox(w http.ResponseWriter, r *http.Request) {
	var req console.SandboxRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.service.SetSandboxMode(r.Context(), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toggle ждет и записи в реестр, и рассылки сигнала.
func (h *AgentHandler) toggle(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id string) error) {
	agentID := chi.URLParam(r, "id")
	if err := fn(r.Context(), agentID); err != nil {
		h.logger.Error("agent state change failed",
			zap.String("agent_id", agentID),
			zap.String("action", action),
			zap.Error(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
