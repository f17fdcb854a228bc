package token

import "github.com/rienafairefr/secure-api-proxy/internal/permission"

// Claims is a decoded magic token: the plaintext upstream secret plus the
// capability description it was minted with. Exactly one of Allowed or
// Scopes is populated.
type Claims struct {
	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64
	ExpiresAt int64

	// Token is the upstream API secret, recovered by OAEP-decrypting the
	// "token" claim.
	Token string

	// Scopes names zero or more scopes registered on the proxy.
	Scopes []string

	// Allowed is an inline capability list embedded directly in the
	// token.
	Allowed []permission.Permission
}

// AuthorizerClaims adapts Claims to the minimal view permission.Authorizer
// needs.
func (c Claims) AuthorizerClaims() permission.Claims {
	return permission.Claims{Allowed: c.Allowed, Scopes: c.Scopes}
}

// rawClaims is the JSON shape of the JWT payload:
// {"iat":...,"exp":...,"token":"<base64 OAEP ciphertext>","scopes":[...]?,"allowed":[{"method","path"}]?}
type rawClaims struct {
	IssuedAt  int64                   `json:"iat"`
	ExpiresAt int64                   `json:"exp"`
	Token     string                  `json:"token"`
	Scopes    []string                `json:"scopes,omitempty"`
	Allowed   []permission.Permission `json:"allowed,omitempty"`
}
