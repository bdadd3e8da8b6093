package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/me/vedfolnir/internal/session"
	"github.com/me/vedfolnir/pkg/model"
)

const ctxKeySession ctxKey = "session"

// SessionFromContext extracts the authenticated session from request
// context, or nil when the request is unauthenticated.
func SessionFromContext(ctx context.Context) *session.Session {
	if sess, ok := ctx.Value(ctxKeySession).(*session.Session); ok {
		return sess
	}
	return nil
}

// requesterFrom returns the identity the scheduler authorizes against.
func requesterFrom(r *http.Request) model.Requester {
	if sess := SessionFromContext(r.Context()); sess != nil {
		return sess.Requester()
	}
	return model.Requester{}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// authMiddleware resolves the bearer token into a session. Requests
// without a valid session are rejected with 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFromContext(r.Context())

		token := bearerToken(r)
		if token == "" {
			respondError(w, reqID, http.StatusUnauthorized,
				model.NewUnauthorizedError("authentication required"))
			return
		}

		sess, err := s.sessions.Resolve(r.Context(), token)
		if err != nil {
			s.logger.Error("session lookup failed", "error", err)
			respondError(w, reqID, http.StatusInternalServerError,
				model.NewInternalError("authentication error"))
			return
		}
		if sess == nil {
			respondError(w, reqID, http.StatusUnauthorized,
				model.NewUnauthorizedError("invalid or expired session"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeySession, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects requests whose session lacks the admin role.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFromContext(r.Context())

		sess := SessionFromContext(r.Context())
		if sess == nil {
			respondError(w, reqID, http.StatusUnauthorized,
				model.NewUnauthorizedError("authentication required"))
			return
		}
		if !sess.Admin {
			respondError(w, reqID, http.StatusForbidden,
				model.NewForbiddenError("admin access required"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
