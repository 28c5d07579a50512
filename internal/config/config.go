// Package config loads the mcp-bridge binary's settings from the environment
// and an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// FileEnv names the environment variable pointing at an optional TOML file.
const FileEnv = "MCP_BRIDGE_CONFIG"

const (
	CheckNone   = "none"
	CheckJWT    = "jwt"
	CheckPrefix = "prefix"

	HostMemory = "memory"
	HostRedis  = "redis"

	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config holds every setting. Values from the TOML file win over the
// environment, which wins over the tag defaults.
type Config struct {
	// Transport selects between serving HTTP and a single stdio client.
	Transport       string        `env:"MCP_BRIDGE_TRANSPORT,default=http" toml:"transport"`
	ListenAddr      string        `env:"MCP_BRIDGE_LISTEN_ADDR,default=:8080" toml:"listen_addr"`
	BasePath        string        `env:"MCP_BRIDGE_BASE_PATH" toml:"base_path"`
	ShutdownTimeout time.Duration `env:"MCP_BRIDGE_SHUTDOWN_TIMEOUT,default=10s" toml:"shutdown_timeout"`

	LogLevel  string `env:"MCP_BRIDGE_LOG_LEVEL,default=info" toml:"log_level"`
	LogFormat string `env:"MCP_BRIDGE_LOG_FORMAT,default=json" toml:"log_format"`

	ServerName    string `env:"MCP_BRIDGE_SERVER_NAME,default=mcp-bridge" toml:"server_name"`
	ServerVersion string `env:"MCP_BRIDGE_SERVER_VERSION,default=dev" toml:"server_version"`
	Instructions  string `env:"MCP_BRIDGE_INSTRUCTIONS" toml:"instructions"`

	// Inbound credentials. An empty scheme reads the whole header value.
	CredentialHeader    string `env:"MCP_BRIDGE_CREDENTIAL_HEADER,default=Authorization" toml:"credential_header"`
	CredentialScheme    string `env:"MCP_BRIDGE_CREDENTIAL_SCHEME,default=Bearer" toml:"credential_scheme"`
	CredentialRealm     string `env:"MCP_BRIDGE_CREDENTIAL_REALM" toml:"credential_realm"`
	CredentialCheck     string `env:"MCP_BRIDGE_CREDENTIAL_CHECK,default=none" toml:"credential_check"`
	CredentialPrefixes  string `env:"MCP_BRIDGE_CREDENTIAL_PREFIXES" toml:"credential_prefixes"`
	CredentialMinLength int    `env:"MCP_BRIDGE_CREDENTIAL_MIN_LENGTH" toml:"credential_min_length"`

	// Single-tenant fallback, used when a request carries no credential. At
	// most one may be set.
	StaticCredential string `env:"MCP_BRIDGE_STATIC_CREDENTIAL" toml:"static_credential"`
	CredentialEnv    string `env:"MCP_BRIDGE_CREDENTIAL_ENV" toml:"credential_env"`
	CredentialFile   string `env:"MCP_BRIDGE_CREDENTIAL_FILE" toml:"credential_file"`

	SessionHost    string        `env:"MCP_BRIDGE_SESSION_HOST,default=memory" toml:"session_host"`
	RedisAddr      string        `env:"MCP_BRIDGE_REDIS_ADDR,default=localhost:6379" toml:"redis_addr"`
	RedisKeyPrefix string        `env:"MCP_BRIDGE_REDIS_KEY_PREFIX,default=mcp:bridge:" toml:"redis_key_prefix"`
	KeepAlive      time.Duration `env:"MCP_BRIDGE_KEEPALIVE,default=25s" toml:"keepalive"`
	QueueDepth     int           `env:"MCP_BRIDGE_QUEUE_DEPTH,default=32" toml:"queue_depth"`
	MaxBodyBytes   int64         `env:"MCP_BRIDGE_MAX_BODY_BYTES,default=4194304" toml:"max_body_bytes"`

	// Vendor API reached by the fetch operation. Unset disables it. A zero
	// rate means no client-side limit; an empty header sends a bearer token.
	UpstreamURL    string  `env:"MCP_BRIDGE_UPSTREAM_URL" toml:"upstream_url"`
	UpstreamHeader string  `env:"MCP_BRIDGE_UPSTREAM_HEADER" toml:"upstream_header"`
	UpstreamRate   float64 `env:"MCP_BRIDGE_UPSTREAM_RATE" toml:"upstream_rate"`
	UpstreamBurst  int     `env:"MCP_BRIDGE_UPSTREAM_BURST,default=1" toml:"upstream_burst"`
}

// Load reads the environment, overlays the file named by MCP_BRIDGE_CONFIG
// when set, and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the keys defined in the TOML file at path. Unknown keys
// are rejected.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	switch c.CredentialCheck {
	case "", CheckNone, CheckJWT:
	case CheckPrefix:
		if len(c.Prefixes()) == 0 {
			return errors.New("credential_check=prefix requires credential_prefixes")
		}
	default:
		return fmt.Errorf("credential_check must be none, jwt or prefix, got %q", c.CredentialCheck)
	}
	n := 0
	for _, v := range []string{c.StaticCredential, c.CredentialEnv, c.CredentialFile} {
		if v != "" {
			n++
		}
	}
	if n > 1 {
		return errors.New("set at most one of static_credential, credential_env and credential_file")
	}
	switch c.Transport {
	case TransportHTTP:
	case TransportStdio:
		if n == 0 {
			return errors.New("transport=stdio requires static_credential, credential_env or credential_file")
		}
	default:
		return fmt.Errorf("transport must be http or stdio, got %q", c.Transport)
	}
	switch c.SessionHost {
	case HostMemory, HostRedis:
	default:
		return fmt.Errorf("session_host must be memory or redis, got %q", c.SessionHost)
	}
	if c.CredentialHeader == "" {
		return errors.New("credential_header must not be empty")
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base_path must start with /, got %q", c.BasePath)
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("upstream_url must be an absolute URL, got %q", c.UpstreamURL)
		}
	}
	if c.UpstreamRate < 0 {
		return fmt.Errorf("upstream_rate must not be negative, got %v", c.UpstreamRate)
	}
	if c.UpstreamRate > 0 && c.UpstreamBurst < 1 {
		return fmt.Errorf("upstream_burst must be at least 1, got %d", c.UpstreamBurst)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Prefixes splits CredentialPrefixes on commas.
func (c Config) Prefixes() []string {
	var out []string
	for _, p := range strings.Split(c.CredentialPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
