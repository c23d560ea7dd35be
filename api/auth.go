package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/crateport/crateport/store"
)

type contextKey string

const tokenContextKey contextKey = "registry-token"

// tokenFrom returns the validated token stored by requireToken.
func tokenFrom(ctx context.Context) *store.Token {
	t, _ := ctx.Value(tokenContextKey).(*store.Token)
	return t
}

// requireToken validates the Authorization header against the token
// store on every request. Cargo sends the raw token as the header
// value; a Bearer prefix is also accepted. Revocation and expiry are
// re-checked per request, so they take effect immediately.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		raw = strings.TrimPrefix(raw, "Bearer ")
		if raw == "" {
			writeErrorMsg(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		token, err := s.registry.ValidateToken(r.Context(), raw)
		if err != nil {
			s.log.Debug("token rejected", "error", err)
			writeErrorMsg(w, http.StatusForbidden, "invalid authorization token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tokenContextKey, token)))
	}
}
