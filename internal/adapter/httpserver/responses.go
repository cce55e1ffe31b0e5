// Package httpserver exposes the enrollment core over REST. Handlers accept
// work, hand it to the dispatcher and answer 202; all processing happens on
// the queue workers.
package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/campusflow/enrollment-core/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP statuses. Contention and
// dependency trouble surface as retryable statuses so clients back off.
func statusFor(cat domain.Category) int {
	switch cat {
	case domain.CategoryInvalidArgument:
		return http.StatusBadRequest
	case domain.CategoryNotFound:
		return http.StatusNotFound
	case domain.CategoryConflict, domain.CategoryDuplicateMateria, domain.CategoryScheduleConflict, domain.CategoryCapacityExhausted:
		return http.StatusConflict
	case domain.CategoryInactive, domain.CategoryBlocked:
		return http.StatusUnprocessableEntity
	case domain.CategoryLockConflict:
		return http.StatusConflict
	case domain.CategoryTimeout:
		return http.StatusGatewayTimeout
	case domain.CategoryConnection, domain.CategoryDeadlock, domain.CategoryBreakerOpen:
		return http.StatusServiceUnavailable
	case domain.CategoryRevoked:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	cat := domain.CategoryOf(err)
	writeJSON(w, statusFor(cat), errorEnvelope{Error: apiError{
		Code:    strings.ToUpper(string(cat)),
		Message: err.Error(),
		Details: details,
	}})
}
