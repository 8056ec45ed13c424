package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// errorBody is the machine/human error shape every 4xx/5xx response uses
// (spec §7 "Upload rejected: immediate 4xx with machine-readable error
// code and human message").
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON encodes v as the response body with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to an HTTP status per spec §7's taxonomy table and
// writes it as an errorBody. authFailedToAuthenticate distinguishes a
// missing/invalid bearer token (401) from an ownership/not-found failure
// discovered after authentication succeeded (404): both are KindAuth,
// but spec §6.1 reserves 401 for the former.
func writeError(w http.ResponseWriter, err error, authFailedToAuthenticate bool) {
	status, code := classify(err, authFailedToAuthenticate)
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func classify(err error, authFailedToAuthenticate bool) (status int, code string) {
	switch pipelineerrors.KindOf(err) {
	case pipelineerrors.KindValidation:
		return http.StatusBadRequest, "validation_error"
	case pipelineerrors.KindAuth:
		if authFailedToAuthenticate {
			return http.StatusUnauthorized, "unauthorized"
		}
		return http.StatusNotFound, "not_found"
	case pipelineerrors.KindTransient:
		return http.StatusServiceUnavailable, "temporarily_unavailable"
	case pipelineerrors.KindFatal:
		return http.StatusInternalServerError, "internal_error"
	case pipelineerrors.KindIntegrity:
		return http.StatusNotFound, "not_found"
	case pipelineerrors.KindStaleTransition:
		// Never meant to reach the gateway: a worker-internal retry
		// signal. Surfacing it as 500 makes a wiring bug visible instead
		// of silently mapping to a misleading client-facing code.
		return http.StatusInternalServerError, "internal_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
