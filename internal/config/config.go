package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	AdminPort string `mapstructure:"ADMIN_PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`

	UpstreamScheme        string        `mapstructure:"UPSTREAM_SCHEME"`
	UpstreamHost          string        `mapstructure:"UPSTREAM_HOST"`
	UpstreamPort          int           `mapstructure:"UPSTREAM_PORT"`
	UpstreamUserInfo      string        `mapstructure:"UPSTREAM_USERINFO"`
	UpstreamFHIRBasePath  string        `mapstructure:"UPSTREAM_FHIR_BASE_PATH"`
	UpstreamLookupTimeout time.Duration `mapstructure:"UPSTREAM_LOOKUP_TIMEOUT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	SourceOrganizationExtensionURL   string `mapstructure:"SOURCE_ORGANIZATION_EXTENSION_URL"`
	NationalRegistryIdentifierSystem string `mapstructure:"NATIONAL_REGISTRY_IDENTIFIER_SYSTEM"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

// Defaults for the reference deployment.
const (
	DefaultSourceOrganizationExtensionURL   = "http://fhir.patientsknowbest.com/structuredefinition/source-organisation"
	DefaultNationalRegistryIdentifierSystem = "https://fhir.nhs.uk/Id/ods-organization-code"
)

var keys = []string{
	"PORT",
	"ADMIN_PORT",
	"ENV",
	"LOG_LEVEL",
	"UPSTREAM_SCHEME",
	"UPSTREAM_HOST",
	"UPSTREAM_PORT",
	"UPSTREAM_USERINFO",
	"UPSTREAM_FHIR_BASE_PATH",
	"UPSTREAM_LOOKUP_TIMEOUT",
	"REQUEST_TIMEOUT",
	"SOURCE_ORGANIZATION_EXTENSION_URL",
	"NATIONAL_REGISTRY_IDENTIFIER_SYSTEM",
	"METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ADMIN_PORT", "9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_SCHEME", "https")
	v.SetDefault("UPSTREAM_PORT", 443)
	v.SetDefault("UPSTREAM_FHIR_BASE_PATH", "/fhir")
	v.SetDefault("UPSTREAM_LOOKUP_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("SOURCE_ORGANIZATION_EXTENSION_URL", DefaultSourceOrganizationExtensionURL)
	v.SetDefault("NATIONAL_REGISTRY_IDENTIFIER_SYSTEM", DefaultNationalRegistryIdentifierSystem)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.UpstreamHost == "" {
		return nil, fmt.Errorf("UPSTREAM_HOST is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UpstreamOrigin returns the fixed origin every proxied request is sent to.
// The default port for the scheme is left implicit so the Host header the
// transport writes matches what the upstream expects.
func (c *Config) UpstreamOrigin() *url.URL {
	host := c.UpstreamHost
	if c.UpstreamPort != 0 && !isDefaultPort(c.UpstreamScheme, c.UpstreamPort) {
		host = net.JoinHostPort(c.UpstreamHost, strconv.Itoa(c.UpstreamPort))
	}
	u := &url.URL{Scheme: c.UpstreamScheme, Host: host}
	if c.UpstreamUserInfo != "" {
		if user, pass, ok := strings.Cut(c.UpstreamUserInfo, ":"); ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u
}

// UpstreamFHIRBase returns the base URL used for typed resource lookups.
func (c *Config) UpstreamFHIRBase() string {
	base := c.UpstreamOrigin()
	base.User = nil
	return strings.TrimRight(base.String()+"/"+strings.Trim(c.UpstreamFHIRBasePath, "/"), "/")
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "https" && port == 443) || (scheme == "http" && port == 80)
}

// Validate checks that the configuration is usable before any listener is
// opened.
func (c *Config) Validate() error {
	if c.UpstreamScheme != "http" && c.UpstreamScheme != "https" {
		return fmt.Errorf("UPSTREAM_SCHEME must be \"http\" or \"https\", got %q", c.UpstreamScheme)
	}
	if c.UpstreamHost == "" {
		return fmt.Errorf("UPSTREAM_HOST is required")
	}
	if strings.ContainsAny(c.UpstreamHost, "/:?#") {
		return fmt.Errorf("UPSTREAM_HOST must be a bare host name, got %q", c.UpstreamHost)
	}
	if c.UpstreamPort < 0 || c.UpstreamPort > 65535 {
		return fmt.Errorf("UPSTREAM_PORT out of range: %d", c.UpstreamPort)
	}
	if c.UpstreamLookupTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_LOOKUP_TIMEOUT must be positive")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if c.SourceOrganizationExtensionURL == "" {
		return fmt.Errorf("SOURCE_ORGANIZATION_EXTENSION_URL is required")
	}
	if c.NationalRegistryIdentifierSystem == "" {
		return fmt.Errorf("NATIONAL_REGISTRY_IDENTIFIER_SYSTEM is required")
	}
	if c.Port == c.AdminPort {
		return fmt.Errorf("PORT and ADMIN_PORT must differ, both are %q", c.Port)
	}
	return nil
}
