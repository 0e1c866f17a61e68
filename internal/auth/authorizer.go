package auth

import "errors"

// ErrUnauthorized is returned when a presented token matches nothing.
var ErrUnauthorized = errors.New("invalid or expired token")

// Authorizer decides whether a presented bearer token may use the session
// surface. When Enabled is false the surface is open and no token is
// required.
type Authorizer struct {
	static map[string]bool
	store  *Store
}

// NewAuthorizer combines a static token list from the config file with an
// optional sqlite-backed store. Either source may be empty.
func NewAuthorizer(staticTokens []string, store *Store) *Authorizer {
	static := make(map[string]bool, len(staticTokens))
	for _, t := range staticTokens {
		if t != "" {
			static[t] = true
		}
	}
	return &Authorizer{static: static, store: store}
}

// Enabled reports whether any token source is configured. No configured
// tokens means the surface is open.
func (a *Authorizer) Enabled() bool {
	if len(a.static) > 0 {
		return true
	}
	if a.store != nil {
		n, err := a.store.CountTokens()
		return err == nil && n > 0
	}
	return false
}

// Validate checks a presented token against the static list first, then
// the store.
func (a *Authorizer) Validate(tokenID string) error {
	if a.static[tokenID] {
		return nil
	}
	if a.store != nil {
		if _, err := a.store.ValidateToken(tokenID); err == nil {
			return nil
		}
	}
	return ErrUnauthorized
}
