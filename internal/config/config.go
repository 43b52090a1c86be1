// Package config loads the server configuration from an optional YAML file
// and EXTLOGIN_* environment variables. Environment values override the file.
// Secrets are read from the environment only.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"extlogin/internal/credentials"
	"extlogin/internal/oauth"
)

// Config holds the server configuration.
type Config struct {
	Listen string `yaml:"listen"`
	// PublicURL is the externally visible base URL; the callback URL is
	// PublicURL + CallbackPath.
	PublicURL    string `yaml:"public_url"`
	CallbackPath string `yaml:"callback_path"`

	StateTTL           time.Duration `yaml:"state_ttl"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	BackchannelTimeout time.Duration `yaml:"backchannel_timeout"`

	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`

	Providers []ProviderConfig `yaml:"providers"`

	// Secrets, env only.
	MasterSecret          string   `yaml:"-"`
	PreviousMasterSecrets []string `yaml:"-"`
	AdminToken            string   `yaml:"-"`
	SentryDSN             string   `yaml:"-"`
	SentryEnvironment     string   `yaml:"-"`
}

// StorageConfig selects the credential store.
type StorageConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend"`
	DSN     string `yaml:"-"`
}

// RateLimitConfig configures the per-client token buckets.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// Login applies to /login and the callback path.
	LoginRPS   float64 `yaml:"login_rps"`
	LoginBurst int     `yaml:"login_burst"`
	// TrustedProxies is a comma-separated CIDR list whose X-Forwarded-For
	// header is believed when keying clients.
	TrustedProxies string `yaml:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig configures one external provider, starting from a preset
// when Preset (or Name) matches a built-in one.
type ProviderConfig struct {
	Name          string             `yaml:"name"`
	Preset        string             `yaml:"preset"`
	DisplayName   string             `yaml:"display_name"`
	Endpoints     oauth.Endpoints    `yaml:"endpoints"`
	Scopes        []string           `yaml:"scopes"`
	PKCE          *bool              `yaml:"pkce"`
	ClaimMapping  oauth.ClaimMapping `yaml:"claim_mapping"`
	SubjectClaim  string             `yaml:"subject_claim"`
	ExtraParams   map[string]string  `yaml:"extra_params"`
	AllowedParams []string           `yaml:"allowed_params"`
	Issuer        string             `yaml:"issuer"`
	JWKSURL       string             `yaml:"jwks_url"`
	SaveTokens    bool               `yaml:"save_tokens"`

	// ClientID is the default (no tenant) client id. The secret comes from
	// EXTLOGIN_PROVIDER_<NAME>_CLIENT_SECRET.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"-"`

	// Tenants lists statically configured tenants. Secrets come from
	// EXTLOGIN_PROVIDER_<NAME>_TENANT_<TENANT>_CLIENT_SECRET.
	Tenants map[string]TenantConfig `yaml:"tenants"`
}

type TenantConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"-"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Listen:             ":8080",
		PublicURL:          "http://localhost:8080",
		CallbackPath:       "/callback",
		StateTTL:           oauth.DefaultStateTTL,
		SessionTTL:         8 * time.Hour,
		BackchannelTimeout: 10 * time.Second,
		Storage:            StorageConfig{Backend: "memory"},
		RateLimit: RateLimitConfig{
			RPS:        100,
			Burst:      200,
			LoginRPS:   5,
			LoginBurst: 20,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// envOverlay holds the raw environment values; zero values leave the file
// or default setting untouched.
type envOverlay struct {
	Listen             string        `env:"EXTLOGIN_LISTEN"`
	PublicURL          string        `env:"EXTLOGIN_PUBLIC_URL"`
	CallbackPath       string        `env:"EXTLOGIN_CALLBACK_PATH"`
	StateTTL           time.Duration `env:"EXTLOGIN_STATE_TTL"`
	SessionTTL         time.Duration `env:"EXTLOGIN_SESSION_TTL"`
	BackchannelTimeout time.Duration `env:"EXTLOGIN_BACKCHANNEL_TIMEOUT"`

	StorageBackend string `env:"EXTLOGIN_STORAGE"`
	DatabaseURL    string `env:"EXTLOGIN_DATABASE_URL"`

	RateLimitRPS        float64 `env:"EXTLOGIN_RATE_LIMIT_RPS"`
	RateLimitBurst      int     `env:"EXTLOGIN_RATE_LIMIT_BURST"`
	LoginRateLimitRPS   float64 `env:"EXTLOGIN_LOGIN_RATE_LIMIT_RPS"`
	LoginRateLimitBurst int     `env:"EXTLOGIN_LOGIN_RATE_LIMIT_BURST"`
	TrustedProxies      string  `env:"EXTLOGIN_TRUSTED_PROXIES"`

	LogLevel  string `env:"EXTLOGIN_LOG_LEVEL"`
	LogFormat string `env:"EXTLOGIN_LOG_FORMAT"`

	// Providers enables presets not present in the file, e.g. "github,google".
	Providers []string `env:"EXTLOGIN_PROVIDERS" envSeparator:","`

	MasterSecret          string   `env:"EXTLOGIN_MASTER_SECRET"`
	PreviousMasterSecrets []string `env:"EXTLOGIN_PREVIOUS_MASTER_SECRETS" envSeparator:","`
	AdminToken            string   `env:"EXTLOGIN_ADMIN_TOKEN"`
	SentryDSN             string   `env:"SENTRY_DSN"`
	SentryEnvironment     string   `env:"SENTRY_ENVIRONMENT"`
}

// clientEnv is parsed once per provider and tenant with a name prefix.
type clientEnv struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// Load reads path (when non-empty), applies the environment and validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var raw envOverlay
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.Listen, raw.Listen)
	setString(&c.PublicURL, raw.PublicURL)
	setString(&c.CallbackPath, raw.CallbackPath)
	setDuration(&c.StateTTL, raw.StateTTL)
	setDuration(&c.SessionTTL, raw.SessionTTL)
	setDuration(&c.BackchannelTimeout, raw.BackchannelTimeout)
	setString(&c.Storage.Backend, raw.StorageBackend)
	setString(&c.Storage.DSN, raw.DatabaseURL)
	setString(&c.Log.Level, raw.LogLevel)
	setString(&c.Log.Format, raw.LogFormat)
	setString(&c.RateLimit.TrustedProxies, raw.TrustedProxies)
	if raw.RateLimitRPS > 0 {
		c.RateLimit.RPS = raw.RateLimitRPS
	}
	if raw.RateLimitBurst > 0 {
		c.RateLimit.Burst = raw.RateLimitBurst
	}
	if raw.LoginRateLimitRPS > 0 {
		c.RateLimit.LoginRPS = raw.LoginRateLimitRPS
	}
	if raw.LoginRateLimitBurst > 0 {
		c.RateLimit.LoginBurst = raw.LoginRateLimitBurst
	}

	c.MasterSecret = raw.MasterSecret
	c.PreviousMasterSecrets = raw.PreviousMasterSecrets
	c.AdminToken = raw.AdminToken
	c.SentryDSN = raw.SentryDSN
	c.SentryEnvironment = raw.SentryEnvironment

	for _, name := range raw.Providers {
		name = strings.TrimSpace(name)
		if name != "" && c.provider(name) == nil {
			c.Providers = append(c.Providers, ProviderConfig{Name: name})
		}
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		prefix := "EXTLOGIN_PROVIDER_" + envName(p.Name) + "_"
		var ce clientEnv
		if err := env.ParseWithOptions(&ce, env.Options{Prefix: prefix}); err != nil {
			return fmt.Errorf("parse env for provider %s: %w", p.Name, err)
		}
		setString(&p.ClientID, ce.ClientID)
		p.ClientSecret = ce.ClientSecret

		for tenant, tc := range p.Tenants {
			var te clientEnv
			if err := env.ParseWithOptions(&te, env.Options{Prefix: prefix + "TENANT_" + envName(tenant) + "_"}); err != nil {
				return fmt.Errorf("parse env for provider %s tenant %s: %w", p.Name, tenant, err)
			}
			setString(&tc.ClientID, te.ClientID)
			tc.ClientSecret = te.ClientSecret
			p.Tenants[tenant] = tc
		}
	}
	return nil
}

func (c *Config) provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// Validate checks the settings that would otherwise fail at first login.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("public_url %q must be an absolute http(s) URL", c.PublicURL))
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		errs = append(errs, errors.New("callback_path must start with /"))
	}
	if c.StateTTL <= 0 || c.SessionTTL <= 0 || c.BackchannelTimeout <= 0 {
		errs = append(errs, errors.New("state_ttl, session_ttl and backchannel_timeout must be positive"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage backend %s requires EXTLOGIN_DATABASE_URL", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("no providers configured (set providers in the file or EXTLOGIN_PROVIDERS)"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q configured twice", p.Name))
		}
		seen[p.Name] = true
		if _, err := p.Provider(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CallbackURL is the absolute redirect_uri registered with every provider.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicURL, "/") + c.CallbackPath
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}

// Keys derives the state and seal keys from the master secret. Previous
// secrets yield additional state decode keys for rotation.
func (c *Config) Keys() (credentials.Keys, [][]byte, error) {
	if c.MasterSecret == "" {
		return credentials.Keys{}, nil, errors.New("EXTLOGIN_MASTER_SECRET is required (generate one with `extlogin keygen`)")
	}
	keys, err := credentials.DeriveKeys([]byte(c.MasterSecret))
	if err != nil {
		return credentials.Keys{}, nil, fmt.Errorf("master secret: %w", err)
	}
	var previous [][]byte
	for _, s := range c.PreviousMasterSecrets {
		old, err := credentials.DeriveKeys([]byte(s))
		if err != nil {
			return credentials.Keys{}, nil, fmt.Errorf("previous master secret: %w", err)
		}
		previous = append(previous, old.State)
	}
	return keys, previous, nil
}

// Registry builds the provider registry.
func (c *Config) Registry() (*oauth.Registry, error) {
	providers := make([]*oauth.Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		p, err := pc.Provider()
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return oauth.NewRegistry(providers...)
}

// StaticCredentials returns the credentials configured in file and env.
func (c *Config) StaticCredentials() map[string]credentials.ProviderCredentials {
	out := make(map[string]credentials.ProviderCredentials, len(c.Providers))
	for _, p := range c.Providers {
		pc := credentials.ProviderCredentials{
			Default: oauth.ClientCredential{ClientID: p.ClientID, ClientSecret: p.ClientSecret},
			Tenants: make(map[string]oauth.ClientCredential, len(p.Tenants)),
		}
		for tenant, tc := range p.Tenants {
			pc.Tenants[tenant] = oauth.ClientCredential{ClientID: tc.ClientID, ClientSecret: tc.ClientSecret}
		}
		out[p.Name] = pc
	}
	return out
}

// Provider builds the oauth.Provider, applying overrides to the preset.
func (pc ProviderConfig) Provider() (*oauth.Provider, error) {
	if pc.Name == "" {
		return nil, errors.New("provider without a name")
	}
	preset := pc.Preset
	if preset == "" {
		preset = pc.Name
	}
	p, ok := oauth.Preset(preset)
	if !ok {
		if pc.Preset != "" {
			return nil, fmt.Errorf("provider %s: unknown preset %q", pc.Name, pc.Preset)
		}
		p = &oauth.Provider{SubjectClaim: oauth.ClaimSubject, PKCE: true, UserAgent: "extlogin"}
	}
	p.Name = pc.Name

	setString(&p.DisplayName, pc.DisplayName)
	setString(&p.Endpoints.AuthorizationURL, pc.Endpoints.AuthorizationURL)
	setString(&p.Endpoints.TokenURL, pc.Endpoints.TokenURL)
	setString(&p.Endpoints.UserInfoURL, pc.Endpoints.UserInfoURL)
	setString(&p.SubjectClaim, pc.SubjectClaim)
	setString(&p.Issuer, pc.Issuer)
	setString(&p.JWKSURL, pc.JWKSURL)
	if len(pc.Scopes) > 0 {
		p.Scopes = pc.Scopes
	}
	if pc.PKCE != nil {
		p.PKCE = *pc.PKCE
	}
	if len(pc.ClaimMapping) > 0 {
		p.ClaimMapping = pc.ClaimMapping
	}
	if len(pc.ExtraParams) > 0 {
		p.ExtraParams = pc.ExtraParams
	}
	if len(pc.AllowedParams) > 0 {
		p.AllowedParams = pc.AllowedParams
	}
	p.SaveTokens = pc.SaveTokens
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// envName maps a provider or tenant name to its environment form:
// "acme-corp" becomes "ACME_CORP".
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
