package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rienafairefr/secure-api-proxy/internal/keys"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
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

func TestCodec_MintDecode_RoundTrip_Scopes(t *testing.T) {
	t.Parallel()

	codec := NewCodec(testMaterial(t))
	tok, err := codec.Mint("upstream-secret", []string{"readonly", "writeonly"}, nil)
	require.NoError(t, err)

	claims, err := codec.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, "upstream-secret", claims.Token)
	assert.Equal(t, []string{"readonly", "writeonly"}, claims.Scopes)
	assert.Empty(t, claims.Allowed)
}

func TestCodec_MintDecode_RoundTrip_Allowed(t *testing.T) {
	t.Parallel()

	perm, err := permission.NewPermission("GET", "widgets")
	require.NoError(t, err)

	codec := NewCodec(testMaterial(t))
	tok, err := codec.Mint("upstream-secret", nil, []permission.Permission{perm})
	require.NoError(t, err)

	claims, err := codec.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, "upstream-secret", claims.Token)
	require.Len(t, claims.Allowed, 1)
	assert.True(t, claims.Allowed[0].Matches("GET", "widgets"))
}

func TestCodec_Decode_RejectsTamperedSignature(t *testing.T) {
	t.Parallel()

	codec := NewCodec(testMaterial(t))
	tok, err := codec.Mint("upstream-secret", []string{"readonly"}, nil)
	require.NoError(t, err)

	// Change the first signature character: the last one's low bits are
	// padding that base64url decoding ignores, so it may decode unchanged.
	sigStart := strings.LastIndexByte(tok, '.') + 1
	replacement := "A"
	if tok[sigStart] == 'A' {
		replacement = "B"
	}
	tampered := tok[:sigStart] + replacement + tok[sigStart+1:]
	_, err = codec.Decode(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCodec_Decode_RejectsWrongSigningKey(t *testing.T) {
	t.Parallel()

	mintCodec := NewCodec(testMaterial(t))
	tok, err := mintCodec.Mint("upstream-secret", []string{"readonly"}, nil)
	require.NoError(t, err)

	decodeCodec := NewCodec(testMaterial(t))
	_, err = decodeCodec.Decode(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCodec_Decode_ExpiredToken(t *testing.T) {
	t.Parallel()

	codec := NewCodec(testMaterial(t))
	codec.now = func() time.Time { return time.Now().Add(-2 * Validity) }

	tok, err := codec.Mint("upstream-secret", []string{"readonly"}, nil)
	require.NoError(t, err)

	codec.now = time.Now
	_, err = codec.Decode(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestCodec_Decode_RejectsMalformedToken(t *testing.T) {
	t.Parallel()

	codec := NewCodec(testMaterial(t))
	_, err := codec.Decode("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
