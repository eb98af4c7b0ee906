package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/recordguard/recordguard/internal/domain"
)

// statusForErrorKind maps the closed domain.ErrorKind taxonomy (spec.md §7)
// to an HTTP status code.
func statusForErrorKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrInputError:
		return http.StatusBadRequest
	case domain.ErrPIIFailure:
		return http.StatusUnprocessableEntity
	case domain.ErrDependencyUnavailable:
		return http.StatusServiceUnavailable
	case domain.ErrTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrValidationRejected:
		return http.StatusOK
	case domain.ErrOverloaded:
		return http.StatusTooManyRequests
	case domain.ErrIntegrityError:
		return http.StatusConflict
	case domain.ErrNotFound, domain.ErrExpired:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Error     string           `json:"error"`
}

// writeJSONError writes a machine-readable error_kind alongside a
// human-readable message, per spec.md §7's "all surfaced errors carry a
// machine-readable error_kind" contract.
func writeJSONError(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	writeJSON(w, status, errorBody{ErrorKind: kind, Error: message})
}

// writeErrorForDomainErr unwraps a *domain.PipelineError and writes it at
// its mapped status code, falling back to 500/dependency_unavailable for
// anything else.
func writeErrorForDomainErr(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		logger.Warn().Str("error_kind", string(pe.Kind)).Str("phase", pe.Phase).Msg(pe.Reason)
		writeJSONError(w, statusForErrorKind(pe.Kind), pe.Kind, pe.Reason)
		return
	}
	logger.Error().Err(err).Msg("unrecognized error")
	writeJSONError(w, http.StatusInternalServerError, domain.ErrDependencyUnavailable, err.Error())
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
