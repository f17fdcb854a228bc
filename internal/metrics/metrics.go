// Package metrics exposes Prometheus counters for the mint and proxy
// paths, following the counter/histogram-per-concern style of the
// upstream project's telemetry providers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the counters this proxy reports. A nil *Registry is safe
// to call methods on — every method is a no-op — so components can accept
// an optional Registry without a presence check at every call site.
type Registry struct {
	mints           *prometheus.CounterVec
	proxyRequests   *prometheus.CounterVec
	authzDecisions  *prometheus.CounterVec
	callbackErrors  prometheus.Counter
	callbackDropped prometheus.Counter
}

// NewRegistry registers the proxy's metrics with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		mints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magicproxy_mint_requests_total",
			Help: "Magic token mint requests, by outcome.",
		}, []string{"outcome"}),
		proxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magicproxy_proxy_requests_total",
			Help: "Proxied requests, by outcome.",
		}, []string{"outcome"}),
		authzDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magicproxy_authorization_decisions_total",
			Help: "Authorization decisions, by verdict.",
		}, []string{"verdict"}),
		callbackErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "magicproxy_response_callback_errors_total",
			Help: "Panics or errors recovered from response callbacks.",
		}),
		callbackDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "magicproxy_response_callback_chunks_dropped_total",
			Help: "Chunks skipped on the callback side of the response tee under backpressure.",
		}),
	}
}

// MintOutcome records a mint request's disposition ("success",
// "invalid_request", "mint_error").
func (r *Registry) MintOutcome(outcome string) {
	if r == nil {
		return
	}
	r.mints.WithLabelValues(outcome).Inc()
}

// ProxyOutcome records a proxied request's disposition: the upstream status
// code (e.g. "200", "401") or a failure such as "missing_auth",
// "invalid_token", "disallowed" or "upstream_connect_error".
func (r *Registry) ProxyOutcome(outcome string) {
	if r == nil {
		return
	}
	r.proxyRequests.WithLabelValues(outcome).Inc()
}

// AuthzDecision records an authorization verdict ("permit" or "deny").
func (r *Registry) AuthzDecision(verdict string) {
	if r == nil {
		return
	}
	r.authzDecisions.WithLabelValues(verdict).Inc()
}

// CallbackError records a recovered response-callback failure.
func (r *Registry) CallbackError() {
	if r == nil {
		return
	}
	r.callbackErrors.Inc()
}

// CallbackChunkDropped records a chunk skipped on the lossy callback side
// of the response tee.
func (r *Registry) CallbackChunkDropped() {
	if r == nil {
		return
	}
	r.callbackDropped.Inc()
}
