// Package mintapi validates the POST /__magictoken request body before
// delegating to token.Codec.Mint.
package mintapi

import (
	"encoding/json"
	"fmt"

	"github.com/rienafairefr/secure-api-proxy/internal/permission"
)

// Request is the parsed, validated form of a mint request.
type Request struct {
	UpstreamSecret string
	Scopes         []string
	Allowed        []permission.Permission
}

// rawRequest mirrors the JSON wire shape. Whether a key is present (not just
// its value) is read from the generic json.RawMessage map in Validate.
type rawRequest struct {
	Token   *string  `json:"token"`
	Scope   *string  `json:"scope"`
	Scopes  []string `json:"scopes"`
	Allowed []string `json:"allowed"`
}

var knownKeys = map[string]struct{}{
	"token": {}, "scope": {}, "scopes": {}, "allowed": {},
}

// Validate parses and validates body against the mint API rules, in this
// order:
//  1. body must be a JSON object
//  2. no unrecognized top-level keys
//  3. token must be present and a non-empty string
//  4. exactly one of {allowed} xor {scope, scopes} is present
//  5. scope/scopes names must all exist in registry
//  6. allowed entries must each parse as "METHOD PATH_REGEX"
func Validate(body []byte, knownScope func(name string) bool) (Request, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return Request{}, fmt.Errorf("request body must be a JSON object")
	}

	for key := range generic {
		if _, ok := knownKeys[key]; !ok {
			return Request{}, fmt.Errorf("unrecognized key %q", key)
		}
	}

	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, fmt.Errorf("request body must be a JSON object")
	}

	if raw.Token == nil || *raw.Token == "" {
		return Request{}, fmt.Errorf("'token' is required and must be a string")
	}

	_, hasScope := generic["scope"]
	_, hasScopes := generic["scopes"]
	_, hasAllowed := generic["allowed"]

	if hasAllowed && (hasScope || hasScopes) {
		return Request{}, fmt.Errorf(
			"allowed (spelling out the allowed requests) OR scope/scopes " +
				"(naming one or more scopes configured on the proxy), not both")
	}

	switch {
	case hasScope || hasScopes:
		names := raw.Scopes
		if raw.Scope != nil {
			names = append([]string{*raw.Scope}, names...)
		}
		if len(names) == 0 {
			return Request{}, fmt.Errorf("'scope' or 'scopes' must name at least one scope")
		}
		for _, name := range names {
			if !knownScope(name) {
				return Request{}, fmt.Errorf("scope %q is not configured on the proxy", name)
			}
		}
		return Request{UpstreamSecret: *raw.Token, Scopes: names}, nil

	case hasAllowed:
		if len(raw.Allowed) == 0 {
			return Request{}, fmt.Errorf("'allowed' must be a non-empty list of strings")
		}
		perms := make([]permission.Permission, 0, len(raw.Allowed))
		for _, entry := range raw.Allowed {
			perm, err := permission.ParsePermission(entry)
			if err != nil {
				return Request{}, fmt.Errorf("'allowed' entry %q: %w", entry, err)
			}
			perms = append(perms, perm)
		}
		return Request{UpstreamSecret: *raw.Token, Allowed: perms}, nil

	default:
		return Request{}, fmt.Errorf(
			"need one of 'allowed' (spelling out the allowed requests) " +
				"OR 'scope'/'scopes' (naming a scope configured on the proxy)")
	}
}
