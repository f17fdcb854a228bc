// Package permission implements the capability model the proxy authorizes
// requests against: a (method, path-regex) Permission, named Scopes built
// from one or more Permissions, a ScopeRegistry mapping scope names to
// Scopes, and the Authorizer that evaluates a decoded token against an
// incoming request.
package permission

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// WildcardMethod matches any HTTP method.
const WildcardMethod = "*"

// Permission is a single (method, path-regex) capability rule. The path
// regex is anchored and evaluated against the request path with its
// leading slash and without its query string, e.g. "GET /.*" or
// "GET /repos/.*".
type Permission struct {
	Method string
	Path   string

	re *regexp.Regexp
}

// NewPermission compiles a Permission from a method and a path regex.
// Construction fails if the regex does not compile. The regex is anchored
// at the start of the path; callers that also want to anchor the end
// should write a trailing "$" themselves (e.g. "/widgets/[0-9]+$").
func NewPermission(method, path string) (Permission, error) {
	pattern := path
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Permission{}, fmt.Errorf("permission: invalid path regex %q: %w", path, err)
	}
	return Permission{Method: method, Path: path, re: re}, nil
}

// ParsePermission parses a single "METHOD path_regex" string, separated by
// exactly one space, into a Permission.
func ParsePermission(s string) (Permission, error) {
	method, path, ok := strings.Cut(s, " ")
	if !ok || method == "" || path == "" {
		return Permission{}, fmt.Errorf("permission: %q is not a \"METHOD path_regex\" string", s)
	}
	return NewPermission(method, path)
}

// Matches reports whether method and path satisfy this Permission.
func (p Permission) Matches(method, path string) bool {
	if p.Method != WildcardMethod && p.Method != method {
		return false
	}
	return p.re.MatchString(path)
}

// permissionJSON is the wire representation used for the "allowed" claim
// and the mint API's request body.
type permissionJSON struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// MarshalJSON implements json.Marshaler.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(permissionJSON{Method: p.Method, Path: p.Path})
}

// UnmarshalJSON implements json.Unmarshaler, recompiling the path regex.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var pj permissionJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	np, err := NewPermission(pj.Method, pj.Path)
	if err != nil {
		return err
	}
	*p = np
	return nil
}

// MatchAny reports whether method and path are permitted by any Permission
// in perms.
func MatchAny(perms []Permission, method, path string) bool {
	for _, p := range perms {
		if p.Matches(method, path) {
			return true
		}
	}
	return false
}
