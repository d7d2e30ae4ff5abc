package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/identity"
	"go.uber.org/zap"
)

const maxMandateBody = 64 << 10

// API — HTTP-поверхность для агентов. Аутентификация — подпись самого
// мандата или подписанного запроса, поэтому отдельного токена нет.
type API struct {
	core    *Core
	metrics *Metrics
	logger  *zap.Logger
}

func NewAPI(core *Core, metrics *Metrics, logger *zap.Logger) *API {
	return &API{core: core, metrics: metrics, logger: logger.Named("agent-api")}
}

// Router собирает маршруты агентского API. extra монтирует дополнительные
// маршруты (вебхуки расчетов) на тот же роутер.
func (a *API) Router(extra ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(a.metrics.MetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1", func(r chi.Router) {
		r.Post("/mandates/{kind}", a.submitMandate)
		r.Get("/transactions/{id}", a.getTransaction)
	})
	for _, mount := range extra {
		mount(r)
	}
	return r
}

type errorBody struct {
	Error       domain.Reason       `json:"error"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

func (a *API) submitMandate(w http.ResponseWriter, r *http.Request) {
	var rec domain.MandateRecord
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMandateBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: domain.Reason{
			Category: domain.CategoryValidation, Code: "malformed_mandate", Remediation: domain.RemediationFixRequest, Detail: err.Error(),
		}})
		return
	}
	kind := domain.MandateKind(chi.URLParam(r, "kind"))
	if rec.Kind == "" {
		rec.Kind = kind
	}

	ctx := r.Context()
	switch kind {
	case domain.MandateIntent, domain.MandateCart:
		var err error
		if kind == domain.MandateIntent {
			err = a.core.SubmitIntent(ctx, &rec)
		} else {
			err = a.core.SubmitCart(ctx, &rec)
		}
		if err != nil {
			a.writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"chain_id": rec.ChainID, "kind": string(kind), "hash": rec.Hash()})

	case domain.MandatePayment:
		tx, err := a.core.SubmitPayment(ctx, &rec)
		if err != nil {
			a.writeError(w, err, tx)
			return
		}
		status := http.StatusCreated
		if tx.State == domain.TxPendingApproval {
			status = http.StatusAccepted
		}
		writeJSON(w, status, tx)

	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: domain.Reason{
			Category: domain.CategoryValidation, Code: "unknown_mandate_kind", Remediation: domain.RemediationFixRequest,
		}})
	}
}

// getTransaction отдает транзакцию только агенту, который ее инициировал.
// Запрос подписывается ключом агента (identity.SignTransactionQuery).
func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	q := TxQuery{
		AgentID:   r.Header.Get(identity.HeaderAgentID),
		TxID:      chi.URLParam(r, "id"),
		Signature: r.Header.Get(identity.HeaderAgentSignature),
	}
	nonce, nErr := strconv.ParseUint(r.Header.Get(identity.HeaderAgentNonce), 10, 64)
	signedAt, tErr := time.Parse(time.RFC3339Nano, r.Header.Get(identity.HeaderAgentSignedAt))
	if q.AgentID == "" || q.Signature == "" || nErr != nil || tErr != nil {
		a.writeError(w, &domain.IdentityError{Kind: domain.IdentityInvalidSignature, AgentID: q.AgentID,
			Err: errors.New("signed query headers are required")}, nil)
		return
	}
	q.Nonce, q.SignedAt = nonce, signedAt

	tx, err := a.core.GetForAgent(r.Context(), q)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: domain.Reason{
				Category: domain.CategoryValidation, Code: "transaction_not_found", Remediation: domain.RemediationNone,
			}})
			return
		}
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) writeError(w http.ResponseWriter, err error, tx *domain.Transaction) {
	reason := domain.ReasonOf(err)
	if reason.Category == domain.CategoryInternal {
		a.logger.Error("agent request failed", zap.Error(err))
		// Детали внутренних ошибок агенту не отдаем
		reason.Detail = ""
	}
	writeJSON(w, StatusFor(reason), errorBody{Error: reason, Transaction: tx})
}

// StatusFor сопоставляет категорию причины HTTP-статусу.
func StatusFor(r domain.Reason) int {
	switch r.Category {
	case domain.CategoryIdentity:
		if r.Code == string(domain.IdentityAgentBlocked) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case domain.CategoryMandate:
		return http.StatusConflict
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryCompliance, domain.CategoryPolicy:
		return http.StatusForbidden
	case domain.CategoryCustody, domain.CategorySettlement:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
