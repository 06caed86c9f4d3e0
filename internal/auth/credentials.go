package auth

import (
	"errors"
	"sync"
)

// ErrNoToken is returned when an operation requires a bearer token and none
// has been set.
var ErrNoToken = errors.New("no auth token available")

// Credentials holds the bearer token and the resolved identity of the
// current user. It replaces ambient token state with an injectable object:
// the HTTP layer and the socket layer both read from the same holder, and
// logout is a single Clear call.
type Credentials struct {
	mu     sync.RWMutex
	token  string
	userID string
}

// New creates an empty credential holder.
func New() *Credentials {
	return &Credentials{}
}

// SetToken stores a new bearer token.
func (c *Credentials) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token, or ErrNoToken.
func (c *Credentials) Token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", ErrNoToken
	}
	return c.token, nil
}

// HasToken reports whether a token is present.
func (c *Credentials) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// SetUserID records the user-detail id of the authenticated user. Queue
// destinations and read-by-me derivation depend on it.
func (c *Credentials) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// UserID returns the user-detail id of the authenticated user, or empty if
// identity has not been resolved yet.
func (c *Credentials) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Clear drops both token and identity. Used on logout and on refresh failure.
func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.userID = ""
}
