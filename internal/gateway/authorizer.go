package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

const (
	SessionName      = "streamcast-session"
	SessionKeyUserID = "user_id"
	guestPrefix      = "guest:"
)

// Authorizer supplies the opaque identity of a connection before it is upgraded.
// Returning an error refuses the upgrade.
type Authorizer interface {
	Authorize(r *http.Request) (string, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) (string, error)

func (f AuthorizerFunc) Authorize(r *http.Request) (string, error) { return f(r) }

// SessionAuthorizer reads the user id from a signed session cookie set by the host
// application and falls back to a fresh guest id.
type SessionAuthorizer struct {
	store sessions.Store
}

func NewSessionAuthorizer(store sessions.Store) *SessionAuthorizer {
	return &SessionAuthorizer{store: store}
}

// NewCookieStore builds the cookie store shared with the host application.
func NewCookieStore(secret string, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

func (a *SessionAuthorizer) Authorize(r *http.Request) (string, error) {
	// a tampered or expired cookie yields a new empty session, which we treat as a guest
	session, _ := a.store.Get(r, SessionName)
	if id, ok := session.Values[SessionKeyUserID].(string); ok && id != "" {
		return id, nil
	}
	return guestPrefix + uuid.NewString(), nil
}
