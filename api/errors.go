package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maritimecloud/idreg/auth"
	"github.com/maritimecloud/idreg/entity"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

// retryAfterUnavailable is sent with 503 responses, in seconds.
const retryAfterUnavailable = "30"

var errForbidden = errors.New("insufficient privileges")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates a service error into an HTTP response. Rejections
// never reveal the failing stage; internal failures never reveal detail.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrRejected):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pki.ErrValidation), errors.Is(err, pki.ErrInvalidPEM), errors.Is(err, entity.ErrUnknownType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrRevocationDataUnavailable):
		w.Header().Set("Retry-After", retryAfterUnavailable)
		writeError(w, http.StatusServiceUnavailable, "revocation data unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
