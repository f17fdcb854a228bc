package permission

// Authorizer decides whether a decoded token's capabilities permit a given
// (method, path) request.
type Authorizer struct {
	registry *Registry
}

// NewAuthorizer builds an Authorizer backed by registry. registry may be
// nil if the token's claims always carry an explicit Allowed list (e.g. in
// tests); scoped tokens will then always be denied.
func NewAuthorizer(registry *Registry) *Authorizer {
	return &Authorizer{registry: registry}
}

// Claims is the minimal view of a decoded token the Authorizer needs:
// exactly one of Allowed or Scopes is populated (TokenMintAPI enforces
// this at issuance time; Validate tolerates either shape it finds).
type Claims struct {
	Allowed []Permission
	Scopes  []string
}

// Validate reports whether method and path are permitted by claims.
//
//   - If claims.Allowed is non-empty, permit iff any Permission in it
//     matches.
//   - Else if claims.Scopes is non-empty, permit iff any Permission in the
//     union of the named scopes' Permissions matches. A scope name with no
//     registry entry contributes no permissions (deny), never an error —
//     the registry may have changed since the token was issued.
//   - Else, deny.
func (a *Authorizer) Validate(method, path string, claims Claims) bool {
	if len(claims.Allowed) > 0 {
		return MatchAny(claims.Allowed, method, path)
	}
	if len(claims.Scopes) > 0 && a.registry != nil {
		for _, name := range claims.Scopes {
			scope, ok := a.registry.Lookup(name)
			if !ok {
				continue
			}
			if MatchAny(scope.Permissions(), method, path) {
				return true
			}
		}
	}
	return false
}
