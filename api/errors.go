// Package api exposes the registry over HTTP: the cargo registry
// protocol endpoints, token authentication, a docs file server, health
// and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crateport/crateport/publish"
	"github.com/crateport/crateport/storage"
	"github.com/crateport/crateport/store"
)

// errorBody is the error envelope cargo clients parse.
type errorBody struct {
	Errors []errorDetail `json:"errors"`
}

type errorDetail struct {
	Detail string `json:"detail"`
}

// writeError renders err with the protocol error envelope.
func writeError(w http.ResponseWriter, err error) {
	writeErrorMsg(w, statusFor(err), err.Error())
}

func writeErrorMsg(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Errors: []errorDetail{{Detail: detail}}})
}

// statusFor maps the error taxonomy to HTTP statuses. Validation,
// authorization and conflict failures happen before any side effect, so
// the client may retry the request unmodified after fixing it.
func statusFor(err error) int {
	var verr *publish.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrForbidden),
		errors.Is(err, store.ErrTokenExpired),
		errors.Is(err, store.ErrTokenRevoked):
		return http.StatusForbidden
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
