package permission

import (
	"context"
	"io"
)

// ResponseCallback observes a proxied response body on a side channel. It
// runs fire-and-forget: the return value is nothing, and any panic or error
// it produces must be contained by the caller — it never reaches the
// client. method and path describe the proxied request; status is the
// upstream's HTTP status; scopeNames lists the token scopes active for the
// request (for a callback registered under more than one scope name).
type ResponseCallback func(ctx context.Context, method, path string, body io.Reader, status int, scopeNames []string)

// Scope is a named capability set. It always exposes its Permissions; a
// dynamic scope (typically contributed by a plugin) additionally exposes a
// ResponseCallback.
type Scope interface {
	// Permissions returns the ordered list of Permissions this scope grants.
	Permissions() []Permission
}

// ResponseObserver is implemented by scopes (dynamic scopes) that want to
// inspect proxied response bodies.
type ResponseObserver interface {
	OnResponse(ctx context.Context, method, path string, body io.Reader, status int, scopeNames []string)
}

// StaticScope is a scope described entirely by a fixed Permission list —
// the kind built directly from config, with no response callback.
type StaticScope struct {
	permissions []Permission
}

// NewStaticScope builds a StaticScope from an ordered permission list.
func NewStaticScope(perms []Permission) StaticScope {
	return StaticScope{permissions: perms}
}

// Permissions implements Scope.
func (s StaticScope) Permissions() []Permission { return s.permissions }

// DynamicScope is a scope contributed by a plugin: a Permission list plus an
// optional response callback.
type DynamicScope struct {
	permissions []Permission
	onResponse  ResponseCallback
}

// NewDynamicScope builds a DynamicScope. onResponse may be nil, in which
// case the scope behaves exactly like a StaticScope.
func NewDynamicScope(perms []Permission, onResponse ResponseCallback) DynamicScope {
	return DynamicScope{permissions: perms, onResponse: onResponse}
}

// Permissions implements Scope.
func (s DynamicScope) Permissions() []Permission { return s.permissions }

// OnResponse implements ResponseObserver. It is a no-op if no callback was
// configured.
func (s DynamicScope) OnResponse(ctx context.Context, method, path string, body io.Reader, status int, scopeNames []string) {
	if s.onResponse == nil {
		return
	}
	s.onResponse(ctx, method, path, body, status, scopeNames)
}
