package datamesh

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oceanum-io/datamesh-go/pkg/transport"
)

// DefaultService is the datamesh metadata service.
const DefaultService = "https://datamesh.oceanum.io"

// Config configures a Connector. The zero value plus a token is a working
// production configuration.
type Config struct {
	// Service is the metadata service base URL.
	Service string `yaml:"service"`

	// Gateway is the data gateway base URL. When empty it is derived from
	// the service host by swapping in a "gateway" subdomain.
	Gateway string `yaml:"gateway"`

	// Token authenticates every request. "Bearer ..." tokens are passed
	// through as Authorization headers; anything else is sent as a
	// datamesh API token.
	Token string `yaml:"token"`

	// SessionDuration is the requested session length; zero uses the
	// service default.
	SessionDuration time.Duration `yaml:"session_duration"`

	// Legacy targets a v0 gateway without session negotiation. When unset
	// the connector probes the gateway once on first use.
	Legacy bool `yaml:"legacy"`

	// Retries is the attempt bound for every request.
	Retries int `yaml:"retries"`

	// Insecure disables TLS certificate verification.
	Insecure bool `yaml:"insecure"`

	// Timeouts overrides the per-operation read timeouts. Zero fields use
	// the defaults.
	Timeouts transport.Timeouts `yaml:"timeouts"`

	// CacheDir enables the local result cache rooted at this directory.
	// Empty disables caching entirely.
	CacheDir string `yaml:"cache_dir"`

	// CacheTTL is the result staleness cutoff.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheLockTimeout bounds cache lock validity and reader waits.
	CacheLockTimeout time.Duration `yaml:"cache_lock_timeout"`

	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file and overlays environment variables.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// ConfigFromEnv builds a Config purely from DATAMESH_* environment
// variables.
func ConfigFromEnv() Config {
	var cfg Config
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATAMESH_SERVICE"); v != "" {
		c.Service = v
	}
	if v := os.Getenv("DATAMESH_GATEWAY"); v != "" {
		c.Gateway = v
	}
	if v := os.Getenv("DATAMESH_TOKEN"); v != "" {
		c.Token = v
	}
	c.Timeouts = overlayTimeouts(c.Timeouts, transport.TimeoutsFromEnv())
}

// overlayTimeouts fills zero fields of base from over.
func overlayTimeouts(base, over transport.Timeouts) transport.Timeouts {
	fill := func(dst *time.Duration, src time.Duration) {
		if *dst == 0 {
			*dst = src
		}
	}
	fill(&base.Connect, over.Connect)
	fill(&base.Read, over.Read)
	fill(&base.Stage, over.Stage)
	fill(&base.Download, over.Download)
	fill(&base.Write, over.Write)
	fill(&base.ChunkRead, over.ChunkRead)
	fill(&base.ChunkWrite, over.ChunkWrite)
	return base
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	c.Service = strings.TrimSuffix(c.Service, "/")
	if c.Gateway == "" {
		c.Gateway = gatewayForService(c.Service)
	}
	c.Gateway = strings.TrimSuffix(c.Gateway, "/")
	c.Timeouts = overlayTimeouts(c.Timeouts, transport.DefaultTimeouts())
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// gatewayForService derives the data gateway URL from the service URL:
// a leading "datamesh" host label becomes "gateway", any other host gains a
// "gateway" prefix label.
func gatewayForService(service string) string {
	u, err := url.Parse(service)
	if err != nil || u.Host == "" {
		return service
	}
	host := u.Host
	if label, rest, ok := strings.Cut(host, "."); ok && label == "datamesh" {
		u.Host = "gateway." + rest
	} else {
		u.Host = "gateway." + host
	}
	return u.String()
}
