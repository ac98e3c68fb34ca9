package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"fleet-dashboard/internal/config"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
	"fleet-dashboard/internal/session"
)

// Authenticator resolves a bearer token to an actor. It must not change the
// dashboard's own session.
type Authenticator interface {
	Authenticate(token string) (session.Actor, error)
}

type actorKey struct{}

// ActorFrom returns the actor the auth middleware stored on ctx.
func ActorFrom(ctx context.Context) (session.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(session.Actor)
	return a, ok
}

// AuthMiddleware authenticates requests according to the security level of
// the matched route.
type AuthMiddleware struct {
	auth Authenticator
}

func NewAuthMiddleware(auth Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}
		level := config.GetSecurityLevel(name)

		// Public route - skip auth
		if level == config.SecurityPublic {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		actor, err := m.auth.Authenticate(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if level == config.SecurityAdmin && !actor.IsAdmin {
			logger.Warn("Admin route refused", "route", name, "actor_id", actor.ID)
			writeError(w, domain.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func extractToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	// Remove Bearer prefix if present
	if len(token) > 7 && strings.ToUpper(token[0:7]) == "BEARER " {
		token = token[7:]
	}
	return strings.TrimSpace(token)
}
