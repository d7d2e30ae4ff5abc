package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

// SignatureHeader — HMAC-SHA256 тела вебхука общим секретом узла.
const SignatureHeader = "X-Paygate-Signature"

// WebhookHandler принимает обратные вызовы узлов расчетов.
type WebhookHandler struct {
	sink    Sink
	secrets map[string][]byte // endpoint -> секрет
	logger  *zap.Logger
}

func NewWebhookHandler(sink Sink, secrets map[string]string, logger *zap.Logger) *WebhookHandler {
	h := &WebhookHandler{sink: sink, secrets: make(map[string][]byte, len(secrets)), logger: logger.Named("webhook")}
	for k, v := range secrets {
		h.secrets[k] = []byte(v)
	}
	return h
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/v1/settlement/webhook/{endpoint}", h.handle)
}

// Sign вычисляет подпись тела (используется узлами и тестами).
func Sign(secret, body []byte) string {
	return hex.EncodeToString(bodyMAC(secret, body))
}

func bodyMAC(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	secret, ok := h.secrets[endpoint]
	if !ok {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	got, err := hex.DecodeString(r.Header.Get(SignatureHeader))
	if err != nil || !hmac.Equal(got, bodyMAC(secret, body)) {
		h.logger.Warn("webhook signature mismatch", zap.String("endpoint", endpoint))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil || n.TxID == "" {
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}
	// Узел отвечает только за свои квитанции: секрет выдан этому endpoint
	n.Endpoint = endpoint
	if err := h.sink.HandleFinality(r.Context(), n); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "unknown transaction", http.StatusNotFound)
		case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrInvalidTransition):
			// Повторное уведомление: состояние уже финальное
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, domain.ErrReceiptMismatch):
			h.logger.Warn("webhook receipt mismatch", zap.String("endpoint", endpoint), zap.String("tx_id", n.TxID), zap.Error(err))
			http.Error(w, "receipt mismatch", http.StatusConflict)
		default:
			h.logger.Error("webhook delivery failed", zap.String("tx_id", n.TxID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
