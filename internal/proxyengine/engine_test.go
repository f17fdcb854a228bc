package proxyengine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rienafairefr/secure-api-proxy/internal/keys"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
	"github.com/rienafairefr/secure-api-proxy/internal/token"
)

func testMaterial(t *testing.T) *keys.Material {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &keys.Material{PrivateKey: key, Certificate: cert}
}

func newTestEngine(t *testing.T, upstream *httptest.Server, registry *permission.Registry) (*Engine, *token.Codec) {
	t.Helper()

	if registry == nil {
		registry = permission.NewRegistry()
	}
	codec := token.NewCodec(testMaterial(t))
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	engine := New(Config{
		UpstreamOrigin: upstreamURL,
		Codec:          codec,
		Registry:       registry,
		Authorizer:     permission.NewAuthorizer(registry),
		UpstreamClient: upstream.Client(),
	})
	return engine, codec
}

func TestEngine_MagicTokenInfo(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	engine, _ := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/__magictoken")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), Version)
	assert.Contains(t, string(body), upstream.URL)
}

func TestEngine_MintAndProxy_AllowedList(t *testing.T) {
	t.Parallel()

	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("X-From-Upstream", "yes")
		_, _ = w.Write([]byte("upstream response"))
	}))
	defer upstream.Close()

	engine, _ := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	mintBody := `{"token":"shhh-upstream-secret","allowed":["GET /endpoint"]}`
	mintResp, err := http.Post(srv.URL+"/__magictoken", "application/json", strings.NewReader(mintBody))
	require.NoError(t, err)
	defer mintResp.Body.Close()
	require.Equal(t, http.StatusOK, mintResp.StatusCode)

	magicToken, err := io.ReadAll(mintResp.Body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/endpoint", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+string(magicToken))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream response", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-From-Upstream"))
	assert.Equal(t, "Bearer shhh-upstream-secret", gotAuth)
}

func TestEngine_MintAndProxy_AllowAllLeadingSlashPattern(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	engine, _ := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	// "GET /.*" is the canonical "allow everything" rule: it must permit
	// both the bare root path and a nested path, each including its
	// leading slash.
	mintBody := `{"token":"shhh-upstream-secret","allowed":["GET /.*"]}`
	mintResp, err := http.Post(srv.URL+"/__magictoken", "application/json", strings.NewReader(mintBody))
	require.NoError(t, err)
	defer mintResp.Body.Close()
	require.Equal(t, http.StatusOK, mintResp.StatusCode)

	magicToken, err := io.ReadAll(mintResp.Body)
	require.NoError(t, err)

	for _, path := range []string{"/", "/endpoint"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+string(magicToken))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equalf(t, http.StatusOK, resp.StatusCode, "path %q", path)
	}
}

func TestEngine_Proxy_DisallowedPathReturnsUnauthorized(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	engine, codec := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	perm, err := permission.NewPermission("GET", "/allowed-only")
	require.NoError(t, err)
	tok, err := codec.Mint("secret", nil, []permission.Permission{perm})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/forbidden", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEngine_Proxy_MissingAuthorizationReturnsUnauthorized(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	engine, _ := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/endpoint")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEngine_Proxy_InvalidTokenReturnsBadRequest(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	engine, _ := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/endpoint", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-real-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEngine_Mint_RejectsMalformedBody(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	engine, _ := newTestEngine(t, upstream, nil)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/__magictoken", "application/json", strings.NewReader(`{"token":"s"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// recordingScope is a dynamic scope used to assert that large responses
// are streamed to a response observer without the engine fully buffering
// them first.
type recordingScope struct {
	perms []permission.Permission
	mu    sync.Mutex
	sizes []int
	done  chan struct{}
}

func newRecordingScope(perms []permission.Permission) *recordingScope {
	return &recordingScope{perms: perms, done: make(chan struct{}, 1)}
}

func (s *recordingScope) Permissions() []permission.Permission { return s.perms }

func (s *recordingScope) OnResponse(_ context.Context, _, _ string, body io.Reader, _ int, _ []string) {
	data, _ := io.ReadAll(body)
	s.mu.Lock()
	s.sizes = append(s.sizes, len(data))
	s.mu.Unlock()
	s.done <- struct{}{}
}

func TestEngine_Proxy_LargeResponseStreamedToCallback(t *testing.T) {
	t.Parallel()

	const payloadSize = 2_000_000 // above the default streaming threshold
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for i := range buf {
			buf[i] = 'z'
		}
		written := 0
		for written < payloadSize {
			n := len(buf)
			if written+n > payloadSize {
				n = payloadSize - written
			}
			_, _ = w.Write(buf[:n])
			written += n
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer upstream.Close()

	registry := permission.NewRegistry()
	perm, err := permission.NewPermission("GET", "/stream")
	require.NoError(t, err)
	scope := newRecordingScope([]permission.Permission{perm})
	require.NoError(t, registry.Add("watched", scope))

	engine, codec := newTestEngine(t, upstream, registry)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	tok, err := codec.Mint("secret", []string{"watched"}, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, payloadSize)

	select {
	case <-scope.done:
	case <-time.After(5 * time.Second):
		t.Fatal("response callback was never invoked")
	}

	scope.mu.Lock()
	defer scope.mu.Unlock()
	require.Len(t, scope.sizes, 1)
	assert.Equal(t, payloadSize, scope.sizes[0])
}

func TestEngine_Mint_ScopeMustBeRegistered(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	registry := permission.NewRegistry()
	engine, _ := newTestEngine(t, upstream, registry)
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	body, err := json.Marshal(map[string]any{"token": "s", "scope": "unregistered"})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/__magictoken", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
