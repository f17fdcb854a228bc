package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_RequiresUpstreamOrigin(t *testing.T) {
	t.Parallel()
	_, err := Load(viper.New(), writeConfigFile(t, `private_key_file: key.pem
certificate_file: cert.pem
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream_origin")
}

func TestLoad_RequiresKeyFiles(t *testing.T) {
	t.Parallel()
	_, err := Load(viper.New(), writeConfigFile(t, `upstream_origin: https://api.example.com
`))
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(viper.New(), writeConfigFile(t, `upstream_origin: https://api.example.com
private_key_file: key.pem
certificate_file: cert.pem
`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, int64(DefaultStreamingThresholdBytes), cfg.ResponseCallbackThresholdBytes)
}

func TestLoad_ParsesScopes(t *testing.T) {
	t.Parallel()
	cfg, err := Load(viper.New(), writeConfigFile(t, `upstream_origin: https://api.example.com
private_key_file: key.pem
certificate_file: cert.pem
scopes:
  readonly:
    - "GET .*"
`))
	require.NoError(t, err)

	registry, err := cfg.BuildRegistry()
	require.NoError(t, err)
	scope, ok := registry.Lookup("readonly")
	require.True(t, ok)
	require.Len(t, scope.Permissions(), 1)
	assert.True(t, scope.Permissions()[0].Matches("GET", "anything"))
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MAGICPROXY_UPSTREAM_ORIGIN", "https://env.example.com")
	t.Setenv("MAGICPROXY_PRIVATE_KEY_FILE", "key.pem")
	t.Setenv("MAGICPROXY_CERTIFICATE_FILE", "cert.pem")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.UpstreamOrigin)
}

func TestQueryParamsToCleanSet(t *testing.T) {
	t.Parallel()
	cfg := Config{QueryParamsToClean: []string{"api_key", "token"}}
	set := cfg.QueryParamsToCleanSet()
	_, ok := set["api_key"]
	assert.True(t, ok)
	_, ok = set["token"]
	assert.True(t, ok)
	assert.Len(t, set, 2)
}
