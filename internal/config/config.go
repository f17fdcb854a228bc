// Package config loads the proxy's runtime configuration from file, flags,
// and environment variables via viper, and builds the initial scope
// registry from it.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/rienafairefr/secure-api-proxy/internal/keys"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
)

// EnvPrefix is the prefix viper uses when reading environment variable
// overrides, e.g. MAGICPROXY_LISTEN_ADDRESS.
const EnvPrefix = "MAGICPROXY"

// DefaultStreamingThresholdBytes is the response size above which the
// proxy tees the response instead of buffering it whole.
const DefaultStreamingThresholdBytes = 1_000_000

// Config is the proxy's fully-resolved runtime configuration.
type Config struct {
	// UpstreamOrigin is the scheme+host the proxy forwards requests to.
	UpstreamOrigin string `mapstructure:"upstream_origin"`

	// KeyDir, PrivateKeyFile, CertificateFile locate the RSA key material.
	KeyDir          string `mapstructure:"key_dir"`
	PrivateKeyFile  string `mapstructure:"private_key_file"`
	CertificateFile string `mapstructure:"certificate_file"`

	// Scopes maps a scope name to a list of "METHOD path_regex" permission
	// strings, configuring the proxy's static, named capability sets.
	Scopes map[string][]string `mapstructure:"scopes"`

	// PluginsDir, if set, is scanned at startup for dynamically-loadable
	// scope plugins.
	PluginsDir string `mapstructure:"plugins_dir"`

	// QueryParamsToClean lists query parameter names stripped from every
	// forwarded request.
	QueryParamsToClean []string `mapstructure:"query_params_to_clean"`

	// CustomRequestHeadersToClean lists extra request header names
	// stripped before forwarding, beyond the built-in hop-by-hop and
	// credential set.
	CustomRequestHeadersToClean []string `mapstructure:"custom_request_headers_to_clean"`

	// ListenAddress is the proxy's own HTTP listen address.
	ListenAddress string `mapstructure:"listen_address"`

	// MetricsAddress, if set, serves /metrics on a separate listener.
	// Empty means metrics are served on ListenAddress instead.
	MetricsAddress string `mapstructure:"metrics_address"`

	// ResponseCallbackThresholdBytes overrides DefaultStreamingThresholdBytes.
	ResponseCallbackThresholdBytes int64 `mapstructure:"response_callback_threshold_bytes"`

	// Debug enables verbose logging.
	Debug bool `mapstructure:"debug"`
}

// Load reads configuration from configFile (if non-empty), environment
// variables prefixed with EnvPrefix, and defaults, in viper's usual
// precedence order (explicit Set > flag > env > config file > default).
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves a key once viper already knows about it
	// (via a default, a flag binding, or a config file entry), so every
	// mapstructure key needs an explicit BindEnv: otherwise a deployment
	// configured purely through MAGICPROXY_* environment variables, with
	// no config file, silently unmarshals to zero values.
	for _, key := range []string{
		"upstream_origin",
		"key_dir",
		"private_key_file",
		"certificate_file",
		"scopes",
		"plugins_dir",
		"query_params_to_clean",
		"custom_request_headers_to_clean",
		"listen_address",
		"metrics_address",
		"response_callback_threshold_bytes",
		"debug",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: failed to bind env for %s: %w", key, err)
		}
	}

	v.SetDefault("listen_address", ":8080")
	v.SetDefault("response_callback_threshold_bytes", DefaultStreamingThresholdBytes)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: failed to read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if cfg.ResponseCallbackThresholdBytes <= 0 {
		cfg.ResponseCallbackThresholdBytes = DefaultStreamingThresholdBytes
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.UpstreamOrigin == "" {
		return fmt.Errorf("config: upstream_origin is required")
	}
	if _, err := url.Parse(c.UpstreamOrigin); err != nil {
		return fmt.Errorf("config: upstream_origin is not a valid URL: %w", err)
	}
	if c.PrivateKeyFile == "" {
		return fmt.Errorf("config: private_key_file is required")
	}
	if c.CertificateFile == "" {
		return fmt.Errorf("config: certificate_file is required")
	}
	return nil
}

// UpstreamURL parses UpstreamOrigin.
func (c Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(c.UpstreamOrigin)
}

// KeysConfig adapts Config to keys.Config.
func (c Config) KeysConfig() keys.Config {
	return keys.Config{
		KeyDir:          c.KeyDir,
		PrivateKeyFile:  c.PrivateKeyFile,
		CertificateFile: c.CertificateFile,
	}
}

// QueryParamsToCleanSet returns QueryParamsToClean as a lookup set.
func (c Config) QueryParamsToCleanSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.QueryParamsToClean))
	for _, name := range c.QueryParamsToClean {
		set[name] = struct{}{}
	}
	return set
}

// BuildRegistry constructs a permission.Registry from the configured static
// scopes. Plugin-discovered scopes are added to the same registry afterward
// by the caller.
func (c Config) BuildRegistry() (*permission.Registry, error) {
	registry := permission.NewRegistry()
	for name, entries := range c.Scopes {
		perms := make([]permission.Permission, 0, len(entries))
		for _, entry := range entries {
			perm, err := permission.ParsePermission(entry)
			if err != nil {
				return nil, fmt.Errorf("config: scope %q: %w", name, err)
			}
			perms = append(perms, perm)
		}
		if err := registry.Add(name, permission.NewStaticScope(perms)); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return registry, nil
}
