package access

import "strings"

// predefined scope sentinels
const (
	// ScopeAdminAccess grants every operation unconditionally.
	ScopeAdminAccess = "admin_access"
	// ScopeFullControl on a token means "whatever the owning actor's
	// permissions allow".
	ScopeFullControl = "full_control"
)

// Denied is returned by CheckScopes when a required scope is missing.
type Denied struct {
	// Scope is the first missing scope.
	Scope string
	// Required is the operation's full required-scope set, for the
	// WWW-Authenticate challenge.
	Required []string
}

func (d *Denied) Error() string {
	return "not enough permissions"
}

// Challenge returns the WWW-Authenticate header value for the given
// required scopes.
func Challenge(scopes []string) string {
	if len(scopes) == 0 {
		return "Bearer"
	}
	return `Bearer scope="` + strings.Join(scopes, " ") + `"`
}

// CheckScopes evaluates whether an actor with the given permissions,
// restricted by the presented token's scopes, may perform an operation
// requiring the given scopes. Callers without a token object pass the
// required scopes themselves as tokenScopes.
//
// The effective scope set is the actor's permissions when the token carries
// ScopeFullControl, otherwise the intersection of token scopes and
// permissions. ScopeAdminAccess in the effective set allows unconditionally.
// Otherwise every required scope except ScopeFullControl must be present.
//
// This is a pure function with no side effects.
func CheckScopes(permissions, tokenScopes, required []string) error {
	available := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		available[p] = true
	}

	effective := make(map[string]bool, len(tokenScopes))
	fullControl := false
	for _, s := range tokenScopes {
		if s == ScopeFullControl {
			fullControl = true
		}
		if available[s] {
			effective[s] = true
		}
	}
	if fullControl {
		effective = available
	}
	if effective[ScopeAdminAccess] {
		return nil
	}
	for _, scope := range required {
		if scope == ScopeFullControl {
			continue
		}
		if !effective[scope] {
			return &Denied{Scope: scope, Required: required}
		}
	}
	return nil
}
