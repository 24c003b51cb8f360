// Package config loads the immutable server configuration snapshot from an
// optional YAML file, a .env file and FLOWDECK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
	ModeTest        = "test"

	ExecutionsRegular = "regular"
	ExecutionsQueue   = "queue"

	DefaultAddr            = ":5678"
	DefaultRestEndpoint    = "rest"
	DefaultPublicAPIPath   = "api"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRedisPrefix     = "flowdeck"
	DefaultLocale          = "en"
	DefaultSensitiveLimit  = 10
)

// Snapshot is the configuration the server is built from. It is never mutated
// once Load returns; components receive it by value.
type Snapshot struct {
	Server            ServerConfig            `yaml:"server"`
	Endpoints         EndpointsConfig         `yaml:"endpoints"`
	PublicAPI         PublicAPIConfig         `yaml:"publicApi"`
	Credentials       CredentialsConfig       `yaml:"credentials"`
	Paths             PathsConfig             `yaml:"paths"`
	LDAP              LDAPConfig              `yaml:"ldap"`
	MFA               MFAConfig               `yaml:"mfa"`
	SSO               SSOConfig               `yaml:"sso"`
	SourceControl     SourceControlConfig     `yaml:"sourceControl"`
	CommunityPackages CommunityPackagesConfig `yaml:"communityPackages"`
	Executions        ExecutionsConfig        `yaml:"executions"`
	MultiMain         MultiMainConfig         `yaml:"multiMain"`
	Redis             RedisConfig             `yaml:"redis"`
	Database          DatabaseConfig          `yaml:"database"`
	EventBus          EventBusConfig          `yaml:"eventBus"`
	Environment       EnvironmentConfig       `yaml:"environment"`
	Log               LogConfig               `yaml:"log"`
	RateLimit         RateLimitConfig         `yaml:"rateLimit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"FLOWDECK_ADDR"`
	Protocol        string        `yaml:"protocol" env:"FLOWDECK_PROTOCOL" validate:"omitempty,oneof=http https"`
	SSLKey          string        `yaml:"sslKey" env:"FLOWDECK_SSL_KEY"`
	SSLCert         string        `yaml:"sslCert" env:"FLOWDECK_SSL_CERT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"FLOWDECK_SHUTDOWN_TIMEOUT" validate:"min=0"`
}

type EndpointsConfig struct {
	Rest                            string        `yaml:"rest" env:"FLOWDECK_ENDPOINT_REST" validate:"excludesall=/ "`
	DisableUI                       bool          `yaml:"disableUi" env:"FLOWDECK_DISABLE_UI"`
	AdditionalNonUIRoutes           string        `yaml:"additionalNonUIRoutes" env:"FLOWDECK_ADDITIONAL_NON_UI_ROUTES"`
	DisableProductionWebhooksOnMain bool          `yaml:"disableProductionWebhooksOnMain" env:"FLOWDECK_DISABLE_PRODUCTION_MAIN_PROCESS"`
	Metrics                         MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"FLOWDECK_METRICS"`
}

type PublicAPIConfig struct {
	Disabled bool   `yaml:"disabled" env:"FLOWDECK_PUBLIC_API_DISABLED"`
	Path     string `yaml:"path" env:"FLOWDECK_PUBLIC_API_ENDPOINT" validate:"excludesall=/ "`
}

type CredentialsConfig struct {
	// OverwriteEndpoint names the one-shot preset credentials endpoint. Empty
	// disables it.
	OverwriteEndpoint string `yaml:"overwriteEndpoint" env:"FLOWDECK_CREDENTIALS_OVERWRITE_ENDPOINT" validate:"excludesall=/ "`
}

type PathsConfig struct {
	StaticCacheDir string `yaml:"staticCacheDir" env:"FLOWDECK_STATIC_CACHE_DIR"`
	PackagesDir    string `yaml:"packagesDir" env:"FLOWDECK_PACKAGES_DIR"`
	TimezonesFile  string `yaml:"timezonesFile" env:"FLOWDECK_TIMEZONES_FILE"`
}

type LDAPConfig struct {
	Enabled        bool          `yaml:"enabled" env:"FLOWDECK_LDAP_ENABLED"`
	URL            string        `yaml:"url" env:"FLOWDECK_LDAP_URL" validate:"required_if=Enabled true"`
	BaseDN         string        `yaml:"baseDn" env:"FLOWDECK_LDAP_BASE_DN"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"FLOWDECK_LDAP_CONNECT_TIMEOUT"`
}

type MFAConfig struct {
	Enabled bool `yaml:"enabled" env:"FLOWDECK_MFA_ENABLED"`
}

type SSOConfig struct {
	MetadataFile string `yaml:"metadataFile" env:"FLOWDECK_SSO_SAML_METADATA_FILE"`
	LoginEnabled bool   `yaml:"loginEnabled" env:"FLOWDECK_SSO_SAML_LOGIN_ENABLED"`
}

type SourceControlConfig struct {
	Dir    string `yaml:"dir" env:"FLOWDECK_SOURCE_CONTROL_DIR"`
	Branch string `yaml:"branch" env:"FLOWDECK_SOURCE_CONTROL_BRANCH"`
}

type CommunityPackagesConfig struct {
	Enabled bool `yaml:"enabled" env:"FLOWDECK_COMMUNITY_PACKAGES_ENABLED"`
}

type ExecutionsConfig struct {
	Mode string `yaml:"mode" env:"FLOWDECK_EXECUTIONS_MODE" validate:"omitempty,oneof=regular queue"`
}

type MultiMainConfig struct {
	Enabled bool          `yaml:"enabled" env:"FLOWDECK_MULTI_MAIN_SETUP_ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"FLOWDECK_MULTI_MAIN_SETUP_KEY_TTL"`
}

type RedisConfig struct {
	Addrs    string         `yaml:"addrs" env:"FLOWDECK_REDIS_ADDRS"`
	Username string         `yaml:"username" env:"FLOWDECK_REDIS_USERNAME"`
	Password string         `yaml:"password" env:"FLOWDECK_REDIS_PASSWORD"`
	DB       int            `yaml:"db" env:"FLOWDECK_REDIS_DB" validate:"min=0"`
	Prefix   string         `yaml:"prefix" env:"FLOWDECK_REDIS_PREFIX"`
	TLS      RedisTLSConfig `yaml:"tls"`
}

// RedisTLSConfig enables TLS towards Redis when any field is set.
type RedisTLSConfig struct {
	CAFile             string `yaml:"caFile" env:"FLOWDECK_REDIS_TLS_CA_FILE"`
	CertFile           string `yaml:"certFile" env:"FLOWDECK_REDIS_TLS_CERT_FILE"`
	KeyFile            string `yaml:"keyFile" env:"FLOWDECK_REDIS_TLS_KEY_FILE"`
	ServerName         string `yaml:"serverName" env:"FLOWDECK_REDIS_TLS_SERVER_NAME"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify" env:"FLOWDECK_REDIS_TLS_INSECURE_SKIP_VERIFY"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn" env:"FLOWDECK_DATABASE_DSN"`
	MaxConns int32  `yaml:"maxConns" env:"FLOWDECK_DATABASE_MAX_CONNS" validate:"min=0"`
}

type EventBusConfig struct {
	LogFile string `yaml:"logFile" env:"FLOWDECK_EVENTBUS_LOGFILE"`
}

type EnvironmentConfig struct {
	Mode      string `yaml:"mode" env:"FLOWDECK_ENV" validate:"omitempty,oneof=production development test"`
	E2E       bool   `yaml:"e2e" env:"FLOWDECK_E2E_TESTS"`
	Preview   bool   `yaml:"preview" env:"FLOWDECK_PREVIEW_MODE"`
	DevReload bool   `yaml:"devReload" env:"FLOWDECK_DEV_RELOAD"`
	// DefaultLocale is a BCP 47 tag reported to the editor.
	DefaultLocale string `yaml:"defaultLocale" env:"FLOWDECK_DEFAULT_LOCALE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"FLOWDECK_LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" env:"FLOWDECK_LOG_FORMAT" validate:"omitempty,oneof=json text"`
}

// RateLimitConfig bounds request rates. The global limit applies to every
// request; the sensitive limit applies per client to one-shot endpoints such
// as preset credentials.
type RateLimitConfig struct {
	GlobalRPS       float64       `yaml:"globalRps" env:"FLOWDECK_RATE_LIMIT_GLOBAL_RPS" validate:"min=0"`
	GlobalBurst     int           `yaml:"globalBurst" env:"FLOWDECK_RATE_LIMIT_GLOBAL_BURST" validate:"min=0"`
	SensitiveLimit  int           `yaml:"sensitiveLimit" env:"FLOWDECK_RATE_LIMIT_SENSITIVE" validate:"min=0"`
	SensitiveWindow time.Duration `yaml:"sensitiveWindow" env:"FLOWDECK_RATE_LIMIT_SENSITIVE_WINDOW" validate:"min=0"`
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides and defaults, then validates the result.
func Load(path string) (Snapshot, error) {
	var snap Snapshot
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&snap); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Snapshot{}, fmt.Errorf("decode environment: %w", err)
	}
	snap = snap.WithDefaults()
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// WithDefaults returns a copy with empty fields populated.
func (s Snapshot) WithDefaults() Snapshot {
	if strings.TrimSpace(s.Server.Addr) == "" {
		s.Server.Addr = DefaultAddr
	}
	s.Server.Protocol = strings.ToLower(strings.TrimSpace(s.Server.Protocol))
	if s.Server.Protocol == "" {
		s.Server.Protocol = "http"
	}
	if s.Server.ShutdownTimeout == 0 {
		s.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	s.Endpoints.Rest = strings.Trim(strings.TrimSpace(s.Endpoints.Rest), "/")
	if s.Endpoints.Rest == "" {
		s.Endpoints.Rest = DefaultRestEndpoint
	}
	s.PublicAPI.Path = strings.Trim(strings.TrimSpace(s.PublicAPI.Path), "/")
	if s.PublicAPI.Path == "" {
		s.PublicAPI.Path = DefaultPublicAPIPath
	}
	s.Credentials.OverwriteEndpoint = strings.Trim(strings.TrimSpace(s.Credentials.OverwriteEndpoint), "/")
	if s.Paths.StaticCacheDir == "" {
		s.Paths.StaticCacheDir = defaultStaticCacheDir()
	}
	if strings.TrimSpace(s.SourceControl.Dir) == "" {
		s.SourceControl.Dir = filepath.Join(filepath.Dir(s.Paths.StaticCacheDir), "git")
	}
	if s.Executions.Mode == "" {
		s.Executions.Mode = ExecutionsRegular
	}
	if s.MultiMain.TTL <= 0 {
		s.MultiMain.TTL = 10 * time.Second
	}
	if s.Redis.Prefix == "" {
		s.Redis.Prefix = DefaultRedisPrefix
	}
	s.Environment.Mode = strings.ToLower(strings.TrimSpace(s.Environment.Mode))
	if s.Environment.Mode == "" {
		s.Environment.Mode = ModeProduction
	}
	s.Environment.DefaultLocale = strings.TrimSpace(s.Environment.DefaultLocale)
	if s.Environment.DefaultLocale == "" {
		s.Environment.DefaultLocale = DefaultLocale
	}
	if s.RateLimit.SensitiveLimit == 0 {
		s.RateLimit.SensitiveLimit = DefaultSensitiveLimit
	}
	if s.RateLimit.SensitiveWindow <= 0 {
		s.RateLimit.SensitiveWindow = time.Minute
	}
	return s
}

func defaultStaticCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "flowdeck", "static")
	}
	return filepath.Join(os.TempDir(), "flowdeck", "static")
}

// TLSTerminating reports whether this process terminates TLS itself.
func (s Snapshot) TLSTerminating() bool {
	return s.Server.Protocol == "https" &&
		strings.TrimSpace(s.Server.SSLKey) != "" &&
		strings.TrimSpace(s.Server.SSLCert) != ""
}

// RedisAddrs splits the comma separated Redis address list.
func (s Snapshot) RedisAddrs() []string {
	var addrs []string
	for _, part := range strings.Split(s.Redis.Addrs, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	return addrs
}

// Locale returns the canonical default locale tag, falling back to English
// when the configured tag does not parse.
func (s Snapshot) Locale() language.Tag {
	tag, err := language.Parse(s.Environment.DefaultLocale)
	if err != nil {
		return language.English
	}
	return tag
}
