// Package proxyengine wires the magic-token mint endpoint and the
// streaming proxy endpoint into an HTTP server, orchestrating the decode,
// authorize, upstream request, and streamed response pipeline.
package proxyengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rienafairefr/secure-api-proxy/internal/headers"
	"github.com/rienafairefr/secure-api-proxy/internal/logging"
	"github.com/rienafairefr/secure-api-proxy/internal/metrics"
	"github.com/rienafairefr/secure-api-proxy/internal/mintapi"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
	"github.com/rienafairefr/secure-api-proxy/internal/query"
	"github.com/rienafairefr/secure-api-proxy/internal/token"
)

// Version is the proxy's identification string, reported by GET
// /__magictoken.
const Version = "0.1.0"

// StreamingThresholdBytes is the default size above which (or for a
// response with no declared Content-Length at all) a response is routed
// through the tee pipeline instead of being fully materialized first.
const StreamingThresholdBytes = 1_000_000

// chunkSize is the bounded read size used when streaming response bodies.
const chunkSize = 32 * 1024

// Config carries everything the engine needs to build a request handler.
type Config struct {
	UpstreamOrigin               *url.URL
	Codec                        *token.Codec
	Registry                     *permission.Registry
	Authorizer                   *permission.Authorizer
	QueryParamsToClean           map[string]struct{}
	CustomRequestHeadersToClean  []string
	StreamingThresholdBytes      int64
	Metrics                      *metrics.Registry
	// UpstreamClient is the HTTP client used to reach the upstream
	// origin. Defaults to http.DefaultClient when nil.
	UpstreamClient *http.Client
}

// Engine is the HTTP server exposing the mint and proxy endpoints.
type Engine struct {
	cfg Config
}

// New builds an Engine from cfg, filling in defaults.
func New(cfg Config) *Engine {
	if cfg.StreamingThresholdBytes <= 0 {
		cfg.StreamingThresholdBytes = StreamingThresholdBytes
	}
	if cfg.UpstreamClient == nil {
		cfg.UpstreamClient = http.DefaultClient
	}
	return &Engine{cfg: cfg}
}

// Handler builds the chi router serving the mint and proxy endpoints.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)

	r.Get("/__magictoken", e.handleMagicTokenInfo)
	r.Post("/__magictoken", e.handleMint)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.MethodFunc(method, "/*", e.handleProxy)
	}

	return r
}

func (e *Engine) handleMagicTokenInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "magic API proxy version %s for %s", Version, e.cfg.UpstreamOrigin.String())
}

func (e *Engine) handleMint(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		e.cfg.Metrics.MintOutcome("invalid_request")
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := mintapi.Validate(body, func(name string) bool {
		_, ok := e.cfg.Registry.Lookup(name)
		return ok
	})
	if err != nil {
		e.cfg.Metrics.MintOutcome("invalid_request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tok, err := e.cfg.Codec.Mint(req.UpstreamSecret, req.Scopes, req.Allowed)
	if err != nil {
		e.cfg.Metrics.MintOutcome("mint_error")
		logging.Errorf("mint: failed to mint token: %v", err)
		http.Error(w, "failed to mint token", http.StatusInternalServerError)
		return
	}

	e.cfg.Metrics.MintOutcome("success")
	w.Header().Set("Content-Type", "application/jwt")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(tok))
}

// handleProxy decodes the magic token, authorizes the request, substitutes
// the upstream credential, forwards the request upstream, and streams the
// response back, fanning large or chunked responses out to any scope
// response callbacks.
func (e *Engine) handleProxy(w http.ResponseWriter, r *http.Request) {
	// RECEIVED
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		e.cfg.Metrics.ProxyOutcome("missing_auth")
		http.Error(w, "No authorization token presented", http.StatusUnauthorized)
		return
	}
	bearer := strings.TrimPrefix(authHeader, "Bearer ")

	// TOKEN_DECODED
	claims, err := e.cfg.Codec.Decode(bearer)
	if err != nil {
		e.cfg.Metrics.ProxyOutcome("invalid_token")
		http.Error(w, "Not a valid magic token", http.StatusBadRequest)
		return
	}

	requestPath := strings.TrimPrefix(r.URL.Path, "/")

	// AUTHORIZED: permission path regexes are written against the request
	// path with its leading slash (e.g. "GET /.*", "GET /repos/.*"), so
	// match r.URL.Path rather than the slash-stripped requestPath used
	// below for upstream URL construction.
	if !e.cfg.Authorizer.Validate(r.Method, r.URL.Path, claims.AuthorizerClaims()) {
		e.cfg.Metrics.AuthzDecision("deny")
		e.cfg.Metrics.ProxyOutcome("disallowed")
		http.Error(w, "Disallowed by API proxy", http.StatusUnauthorized)
		return
	}
	e.cfg.Metrics.AuthzDecision("permit")

	cleanedHeaders := headers.CleanRequestHeaders(r.Header, e.cfg.CustomRequestHeadersToClean)
	cleanedHeaders.Set("Authorization", "Bearer "+claims.Token)

	cleanedPathAndQuery := query.Clean(r.URL.RequestURI(), e.cfg.QueryParamsToClean)

	upstreamURL := e.cfg.UpstreamOrigin.ResolveReference(&url.URL{})
	upstreamURL.Path = strings.TrimSuffix(upstreamURL.Path, "/") + "/" + requestPath
	if idx := strings.IndexByte(cleanedPathAndQuery, '?'); idx >= 0 {
		upstreamURL.RawQuery = cleanedPathAndQuery[idx+1:]
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		e.cfg.Metrics.ProxyOutcome("upstream_connect_error")
		http.Error(w, "failed to build upstream request", http.StatusBadGateway)
		return
	}
	upstreamReq.Header = cleanedHeaders
	upstreamReq.ContentLength = r.ContentLength

	// UPSTREAM_CONNECTED
	requestID := uuid.NewString()
	upstreamResp, err := e.cfg.UpstreamClient.Do(upstreamReq)
	if err != nil {
		e.cfg.Metrics.ProxyOutcome("upstream_connect_error")
		logging.Errorf("proxy[%s]: upstream request to %s failed: %v", requestID, upstreamURL, err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		return
	}
	defer upstreamResp.Body.Close()

	respHeaders := headers.CleanResponseHeaders(upstreamResp.Header)
	for name, values := range respHeaders {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(upstreamResp.StatusCode)

	// STREAMING
	e.streamResponse(r.Context(), w, upstreamResp, r.Method, requestPath, claims.Scopes)
	e.cfg.Metrics.ProxyOutcome(strconv.Itoa(upstreamResp.StatusCode))
}

// streamResponse delivers the upstream response to the client. Large or
// chunked responses are teed to the client and to any scope response
// callbacks concurrently; small responses are materialized, sent to the
// client, then handed to the callbacks.
func (e *Engine) streamResponse(ctx context.Context, w http.ResponseWriter, upstreamResp *http.Response, method, path string, scopeNames []string) {
	observers := e.collectObservers(scopeNames)

	useTee := upstreamResp.ContentLength < 0 || upstreamResp.ContentLength > e.cfg.StreamingThresholdBytes
	if !useTee {
		body, err := io.ReadAll(upstreamResp.Body)
		if err != nil {
			// COMPLETE (mid-stream failure): the status/headers are
			// already flushed, so just stop writing rather than inject
			// an error body.
			return
		}
		if _, err := w.Write(body); err != nil {
			return
		}
		for _, obs := range observers {
			e.invokeObserver(ctx, obs, method, path, newReplayReader(body), upstreamResp.StatusCode, scopeNames)
		}
		return
	}

	tee := newTeeReader(len(observers))
	readErr := make(chan error, 1)
	go tee.run(upstreamResp.Body, chunkSize, readErr, e.cfg.Metrics.CallbackChunkDropped)

	done := make(chan struct{}, len(observers))
	for i, obs := range observers {
		go func(obs permission.ResponseObserver, chunks <-chan []byte) {
			e.invokeObserver(ctx, obs, method, path, &channelReader{chunks: chunks}, upstreamResp.StatusCode, scopeNames)
			done <- struct{}{}
		}(obs, tee.callbacks[i])
	}

	flusher, _ := w.(http.Flusher)
	for chunk := range tee.client {
		if _, err := w.Write(chunk); err != nil {
			// Client disconnected mid-stream: stop reading for it, but
			// let the callback side still drain to completion.
			for range tee.client {
			}
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for range observers {
		<-done
	}
	<-readErr
}

func (e *Engine) collectObservers(scopeNames []string) []permission.ResponseObserver {
	var observers []permission.ResponseObserver
	for _, name := range scopeNames {
		scope, ok := e.cfg.Registry.Lookup(name)
		if !ok {
			continue
		}
		if obs, ok := scope.(permission.ResponseObserver); ok {
			observers = append(observers, obs)
		}
	}
	return observers
}

// invokeObserver runs obs fire-and-forget: a panic inside it is recovered,
// logged, and never propagated to the client.
func (e *Engine) invokeObserver(ctx context.Context, obs permission.ResponseObserver, method, path string, body io.Reader, status int, scopeNames []string) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Metrics.CallbackError()
			logging.Errorf("response callback panicked: %v", r)
		}
	}()
	obs.OnResponse(ctx, method, path, body, status, scopeNames)
}
