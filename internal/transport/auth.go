package transport

import "net/http"

// Authenticator applies credentials to outgoing HTTP requests.
type Authenticator interface {
	Apply(req *http.Request)
}

// NoAuth implements no authentication.
type NoAuth struct{}

// Apply implements the Authenticator interface for NoAuth.
func (a *NoAuth) Apply(_ *http.Request) {
	// No authentication applied
}

// BearerAuth implements Bearer token authentication.
type BearerAuth struct {
	Token string
}

// Apply implements the Authenticator interface for BearerAuth.
func (a *BearerAuth) Apply(req *http.Request) {
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
}

// CookieAuth implements session-cookie authentication, the scheme the
// meal planner backend uses.
type CookieAuth struct {
	Name  string
	Value string
}

// Apply implements the Authenticator interface for CookieAuth.
func (a *CookieAuth) Apply(req *http.Request) {
	if a.Value == "" {
		return
	}
	name := a.Name
	if name == "" {
		name = "meal_planner_session"
	}
	req.AddCookie(&http.Cookie{Name: name, Value: a.Value})
}
