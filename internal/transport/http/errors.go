package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/archsoong/classp-server/internal/domain"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// kindOf maps a domain error to its taxonomy code and HTTP status.
func kindOf(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		return "InvalidIdentity", http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return "Unauthenticated", http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return "Forbidden", http.StatusForbidden
	case errors.Is(err, domain.ErrClassNotFound), errors.Is(err, domain.ErrQuestionNotFound):
		return "NotFound", http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return "InvalidTransition", http.StatusConflict
	case errors.Is(err, domain.ErrClassNotActive):
		return "ClassNotActive", http.StatusConflict
	case errors.Is(err, domain.ErrClassNotDeletable):
		return "InvalidTransition", http.StatusConflict
	case errors.Is(err, domain.ErrQuestionAlreadyLive):
		return "QuestionAlreadyLive", http.StatusConflict
	case errors.Is(err, domain.ErrNoLiveQuestion):
		return "NoLiveQuestion", http.StatusConflict
	case errors.Is(err, domain.ErrQuestionNotLive):
		return "QuestionNotLive", http.StatusConflict
	case errors.Is(err, domain.ErrInvalidQuestion):
		return "InvalidQuestion", http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidAnswer):
		return "InvalidAnswer", http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAParticipant):
		return "NotAParticipant", http.StatusConflict
	case errors.Is(err, domain.ErrCodeSpaceExhausted), errors.Is(err, domain.ErrConflict):
		return "Conflict", http.StatusConflict
	default:
		return "Transient", http.StatusServiceUnavailable
	}
}

// writeError serializes a teacher-facing error carrying the taxonomy kind.
func writeError(w http.ResponseWriter, err error) {
	kind, status := kindOf(err)
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Message: err.Error(), Error: kind})
}

// writeStudentError is deliberately terse: students are unauthenticated by
// design and get no internal detail.
func writeStudentError(w http.ResponseWriter, err error) {
	_, status := kindOf(err)
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
		msg = "temporarily unavailable"
	}
	writeJSON(w, status, errorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}
