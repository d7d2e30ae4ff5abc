package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra/auth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor переводит доменную ошибку в HTTP-код консоли.
func statusFor(err error) int {
	var (
		validation *domain.PolicyValidationError
		custody    *domain.CustodyError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &custody):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
}

// principal — владелец ресурсов в консоли (пользователь из JWT).
func principal(r *http.Request) string {
	if c, ok := auth.ClaimsFrom(r.Context()); ok {
		return c.UserID
	}
	return ""
}
