// Package session tracks the authenticated actor of the dashboard and tells
// subscribers when it changes.
package session

import (
	"log/slog"
	"sync"
	"time"

	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
)

const DefaultAdminRole = "admin"

// Actor is the authenticated identity behind the dashboard.
type Actor struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"-"`
}

// Authorize reports whether a may run dashboard actions.
func (a Actor) Authorize() error {
	if a.ID == "" {
		return domain.ErrUnauthorized
	}
	if !a.IsAdmin {
		return domain.ErrForbidden
	}
	return nil
}

// Provider holds the current actor. Every new token counts as a change, since
// push subscriptions are authorized per token.
type Provider struct {
	tokens    TokenManager
	adminRole string
	now       func() time.Time
	log       *slog.Logger

	mu       sync.RWMutex
	actor    *Actor
	watchers []func()
}

func NewProvider(tokens TokenManager, adminRole string) *Provider {
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}
	return &Provider{
		tokens:    tokens,
		adminRole: adminRole,
		now:       time.Now,
		log:       logger.WithComponent("session"),
	}
}

// OnChange registers fn to run after the actor changes or signs out.
func (p *Provider) OnChange(fn func()) {
	p.mu.Lock()
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

// SetToken validates token and makes its subject the current actor. Setting
// the token already in use is a no-op.
func (p *Provider) SetToken(token string) (Actor, error) {
	p.mu.RLock()
	if p.actor != nil && p.actor.Token == token {
		a := *p.actor
		p.mu.RUnlock()
		return a, nil
	}
	p.mu.RUnlock()

	a, err := p.Authenticate(token)
	if err != nil {
		p.log.Warn("Rejected session token", "error", err)
		return Actor{}, err
	}

	p.mu.Lock()
	p.actor = &a
	p.mu.Unlock()
	p.log.Info("Actor changed", "actor_id", a.ID, "is_admin", a.IsAdmin)
	p.notify()
	return a, nil
}

// Authenticate resolves token to an actor without touching the current one.
// Request-scoped callers use it so that one caller's token never replaces
// the session the push channel is authorized with.
func (p *Provider) Authenticate(token string) (Actor, error) {
	claims, err := p.tokens.ValidateToken(token)
	if err != nil {
		return Actor{}, err
	}
	a := Actor{
		ID:      claims.Subject,
		Email:   claims.Email,
		IsAdmin: p.isAdmin(claims),
		Token:   token,
	}
	if claims.ExpiresAt != nil {
		a.ExpiresAt = claims.ExpiresAt.Time
	}
	return a, nil
}

// Clear signs the actor out.
func (p *Provider) Clear() {
	p.mu.Lock()
	had := p.actor != nil
	p.actor = nil
	p.mu.Unlock()
	if had {
		p.notify()
	}
}

// Current returns the actor, if one is signed in and the token has not
// expired.
func (p *Provider) Current() (Actor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.actor == nil {
		return Actor{}, false
	}
	if !p.actor.ExpiresAt.IsZero() && !p.now().Before(p.actor.ExpiresAt) {
		return Actor{}, false
	}
	return *p.actor, true
}

// Token returns the current bearer token or "".
func (p *Provider) Token() string {
	a, ok := p.Current()
	if !ok {
		return ""
	}
	return a.Token
}

// RequireAdmin returns the current actor if it may run dashboard actions.
func (p *Provider) RequireAdmin() (Actor, error) {
	a, ok := p.Current()
	if !ok {
		return Actor{}, domain.ErrUnauthorized
	}
	return a, a.Authorize()
}

// isAdmin accepts the admin role from either metadata block. The two are
// expected to agree; a disagreement is logged so it can be reconciled.
func (p *Provider) isAdmin(c *ActorClaims) bool {
	app := c.AppMetadata.Role == p.adminRole
	user := c.UserMetadata.Role == p.adminRole
	if app != user {
		p.log.Warn("Admin role mismatch between app_metadata and user_metadata",
			"actor_id", c.Subject, "app_role", c.AppMetadata.Role, "user_role", c.UserMetadata.Role)
	}
	return app || user
}

func (p *Provider) notify() {
	p.mu.RLock()
	watchers := append([]func(){}, p.watchers...)
	p.mu.RUnlock()
	for _, fn := range watchers {
		fn()
	}
}
