package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"voicechat-backend/internal/session"
)

const sessionKey contextKey = "session"

type SessionStore interface {
	Get(id uuid.UUID) (*session.Session, error)
}

// LoadSession resolves the authenticated session ID to the live session.
// It must run after SessionAuth.Middleware.
func LoadSession(store SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := store.Get(GetSessionID(r.Context()))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "Session has ended, start a new one", r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

func WithSession(ctx context.Context, s *session.Session) context.Context {
	ctx = WithSessionID(ctx, s.ID)
	return context.WithValue(ctx, sessionKey, s)
}

// GetSession returns the session attached by LoadSession, or nil.
func GetSession(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}
