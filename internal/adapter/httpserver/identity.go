package httpserver

import (
	"context"
	"net/http"
)

// Identity is the authenticated caller forwarded by the upstream auth layer.
// The pipeline consumes an already-authenticated identity; this service never
// verifies credentials itself.
type Identity struct {
	UserID string
	Admin  bool
}

type identityKey struct{}

// RequireIdentity reads the identity headers set by the upstream proxy and
// rejects requests without one.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "UNAUTHENTICATED", Message: "missing identity",
			}})
			return
		}
		id := Identity{UserID: userID, Admin: r.Header.Get("X-User-Role") == "admin"}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// IdentityFrom returns the caller identity stored by RequireIdentity.
func IdentityFrom(r *http.Request) Identity {
	if v := r.Context().Value(identityKey{}); v != nil {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}
