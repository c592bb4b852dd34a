package auth

import (
	"slices"
	"strings"
)

// Scopes granted to accounts.
const (
	ScopeUser  = "user"
	ScopeAdmin = "admin"
)

// DefaultScopes is what a newly registered account receives.
const DefaultScopes = ScopeUser

// HasScope reports whether the space-delimited scopes contain scope.
func HasScope(scopes, scope string) bool {
	return slices.Contains(strings.Fields(scopes), scope)
}

// AddScopes returns scopes with add appended, skipping any already present.
func AddScopes(scopes string, add ...string) string {
	fields := strings.Fields(scopes)
	for _, s := range add {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(fields, s) {
			fields = append(fields, s)
		}
	}
	return strings.Join(fields, " ")
}

// RemoveScopes returns scopes without any of remove.
func RemoveScopes(scopes string, remove ...string) string {
	fields := slices.DeleteFunc(strings.Fields(scopes), func(s string) bool {
		return slices.Contains(remove, s)
	})
	return strings.Join(fields, " ")
}
