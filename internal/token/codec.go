// Package token implements the magic-token codec: minting a signed,
// encrypted capability envelope that hides an upstream API secret, and
// decoding + validating one presented by a client.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rienafairefr/secure-api-proxy/internal/keys"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
)

// Validity is the default token lifetime: five years. The proxy has no
// revocation mechanism, so this is a deliberate, long-lived trade-off.
const Validity = 5 * 365 * 24 * time.Hour

// Codec mints and decodes magic tokens using a single RSA keypair for both
// the outer JWT signature and the inner OAEP envelope.
type Codec struct {
	material *keys.Material
	now      func() time.Time
}

// NewCodec builds a Codec backed by material.
func NewCodec(material *keys.Material) *Codec {
	return &Codec{material: material, now: time.Now}
}

// Mint creates a signed magic token embedding upstreamSecret, encrypted
// with the proxy's public key, and binding it to the given capability
// description. Exactly one of scopes or allowed should be non-empty; Mint
// does not itself enforce that — TokenMintAPI does, at the HTTP boundary.
func (c *Codec) Mint(upstreamSecret string, scopes []string, allowed []permission.Permission) (string, error) {
	pub, err := c.material.PublicKey()
	if err != nil {
		return "", fmt.Errorf("token: mint: %w", err)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(upstreamSecret), nil)
	if err != nil {
		return "", fmt.Errorf("token: mint: failed to encrypt upstream secret: %w", err)
	}

	issuedAt := c.now().UTC()
	claims := jwt.MapClaims{
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(Validity).Unix(),
		"token": base64.StdEncoding.EncodeToString(ciphertext),
	}
	if len(allowed) > 0 {
		claims["allowed"] = allowed
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := jwtToken.SignedString(c.material.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("token: mint: failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies tokenString's signature, checks its expiry, and decrypts
// the embedded upstream secret.
func (c *Codec) Decode(tokenString string) (Claims, error) {
	parsed, err := jwt.Parse(tokenString, c.keyFunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	raw, err := decodeRawClaims(mapClaims)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(raw.Token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: malformed token envelope: %v", ErrInvalidToken, err)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.material.PrivateKey, ciphertext, nil)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: failed to decrypt upstream secret: %v", ErrInvalidToken, err)
	}

	return Claims{
		IssuedAt:  raw.IssuedAt,
		ExpiresAt: raw.ExpiresAt,
		Token:     string(plaintext),
		Scopes:    raw.Scopes,
		Allowed:   raw.Allowed,
	}, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	pub, err := c.material.PublicKey()
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// decodeRawClaims re-marshals jwt.MapClaims through rawClaims so we get
// typed access to the custom fields without hand-rolling type assertions
// for every one of them.
func decodeRawClaims(mapClaims jwt.MapClaims) (rawClaims, error) {
	var raw rawClaims

	iat, err := mapClaims.GetIssuedAt()
	if err != nil || iat == nil {
		return rawClaims{}, fmt.Errorf("missing or invalid iat claim")
	}
	raw.IssuedAt = iat.Unix()

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return rawClaims{}, fmt.Errorf("missing or invalid exp claim")
	}
	raw.ExpiresAt = exp.Unix()

	tokenClaim, ok := mapClaims["token"].(string)
	if !ok || tokenClaim == "" {
		return rawClaims{}, fmt.Errorf("missing or invalid token claim")
	}
	raw.Token = tokenClaim

	if rawScopes, ok := mapClaims["scopes"]; ok && rawScopes != nil {
		list, ok := rawScopes.([]any)
		if !ok {
			return rawClaims{}, fmt.Errorf("scopes claim is not a list")
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return rawClaims{}, fmt.Errorf("scopes claim contains a non-string entry")
			}
			raw.Scopes = append(raw.Scopes, name)
		}
	}

	if rawAllowed, ok := mapClaims["allowed"]; ok && rawAllowed != nil {
		list, ok := rawAllowed.([]any)
		if !ok {
			return rawClaims{}, fmt.Errorf("allowed claim is not a list")
		}
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return rawClaims{}, fmt.Errorf("allowed claim entry is not an object")
			}
			method, _ := entry["method"].(string)
			path, _ := entry["path"].(string)
			perm, err := permission.NewPermission(method, path)
			if err != nil {
				return rawClaims{}, fmt.Errorf("allowed claim entry: %w", err)
			}
			raw.Allowed = append(raw.Allowed, perm)
		}
	}

	return raw, nil
}
