package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AUTH"

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	JWT       JWTSettings       `mapstructure:"jwt"`
	Auth      AuthSettings      `mapstructure:"auth"`
	Cookie    CookieSettings    `mapstructure:"cookie"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Janitor   JanitorSettings   `mapstructure:"janitor"`
	Storage   StorageSettings   `mapstructure:"storage"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// CORSOrigins lists browser origins allowed to call the API with cookies.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	MigrateOnStart    bool          `mapstructure:"migrate_on_start"`
}

// RedisSettings configures Redis connection and key namespaces.
type RedisSettings struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	DB              int    `mapstructure:"db"`
	Password        string `mapstructure:"password"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"`
	RevokedPrefix   string `mapstructure:"revoked_prefix"`
	RateLimitPrefix string `mapstructure:"rate_limit_prefix"`
}

// KafkaSettings configures the security event producer. An empty broker list
// selects the logging stub publisher.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

type JWTSettings struct {
	Secret          string        `mapstructure:"secret"`
	Issuer          string        `mapstructure:"issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// AuthSettings tunes lockout, timing flattening and registration policy.
type AuthSettings struct {
	LockoutThreshold    int           `mapstructure:"lockout_threshold"`
	LockoutWindow       time.Duration `mapstructure:"lockout_window"`
	LoginDelayMin       time.Duration `mapstructure:"login_delay_min"`
	LoginDelayMax       time.Duration `mapstructure:"login_delay_max"`
	AttemptRetention    time.Duration `mapstructure:"attempt_retention"`
	AllowedEmailDomains []string      `mapstructure:"allowed_email_domains"`
	BcryptCost          int           `mapstructure:"bcrypt_cost"`
	MinPasswordLength   int           `mapstructure:"min_password_length"`
}

type CookieSettings struct {
	AccessName  string `mapstructure:"access_name"`
	RefreshName string `mapstructure:"refresh_name"`
	RefreshPath string `mapstructure:"refresh_path"`
	Domain      string `mapstructure:"domain"`
	Secure      bool   `mapstructure:"secure"`
	SameSite    string `mapstructure:"same_site"`
}

type TelemetrySettings struct {
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// RateLimitSettings configures rate limiting windows and max attempts per endpoint.
type RateLimitSettings struct {
	WindowDuration      time.Duration `mapstructure:"window_duration"`
	LoginMaxAttempts    int           `mapstructure:"login_max_attempts"`
	RefreshMaxAttempts  int           `mapstructure:"refresh_max_attempts"`
	RegisterMaxAttempts int           `mapstructure:"register_max_attempts"`
}

type JanitorSettings struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// StorageSettings selects the persistence backend. The memory driver keeps all
// state in process and needs neither PostgreSQL nor Redis.
type StorageSettings struct {
	Driver string `mapstructure:"driver"`
}

var configKeys = []string{
	"app.name",
	"app.env",
	"app.host",
	"app.port",
	"app.cors_origins",
	"postgres.host",
	"postgres.port",
	"postgres.user",
	"postgres.password",
	"postgres.database",
	"postgres.ssl_mode",
	"postgres.max_conns",
	"postgres.min_conns",
	"postgres.max_conn_lifetime",
	"postgres.max_conn_idle_time",
	"postgres.health_check_period",
	"postgres.migrate_on_start",
	"redis.host",
	"redis.port",
	"redis.db",
	"redis.password",
	"redis.tls_enabled",
	"redis.revoked_prefix",
	"redis.rate_limit_prefix",
	"kafka.brokers",
	"kafka.topic_prefix",
	"kafka.async",
	"jwt.secret",
	"jwt.issuer",
	"jwt.access_token_ttl",
	"jwt.refresh_token_ttl",
	"auth.lockout_threshold",
	"auth.lockout_window",
	"auth.login_delay_min",
	"auth.login_delay_max",
	"auth.attempt_retention",
	"auth.allowed_email_domains",
	"auth.bcrypt_cost",
	"auth.min_password_length",
	"cookie.access_name",
	"cookie.refresh_name",
	"cookie.refresh_path",
	"cookie.domain",
	"cookie.secure",
	"cookie.same_site",
	"telemetry.otlp_endpoint",
	"telemetry.service_name",
	"telemetry.sampling_rate",
	"telemetry.tracing_enabled",
	"rate_limit.window_duration",
	"rate_limit.login_max_attempts",
	"rate_limit.refresh_max_attempts",
	"rate_limit.register_max_attempts",
	"janitor.interval",
	"storage.driver",
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	setDefaults(v)

	if err := bindEnvs(v, configKeys); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the auth core cannot run safely with.
func (c *AppConfig) Validate() error {
	var errs []error
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt.secret must be at least 32 bytes"))
	}
	if c.Auth.LockoutThreshold < 1 {
		errs = append(errs, errors.New("auth.lockout_threshold must be at least 1"))
	}
	if c.Auth.LockoutWindow <= 0 {
		errs = append(errs, errors.New("auth.lockout_window must be positive"))
	}
	if c.Auth.LoginDelayMax < c.Auth.LoginDelayMin {
		errs = append(errs, errors.New("auth.login_delay_max must not be below auth.login_delay_min"))
	}
	if c.JWT.AccessTokenTTL <= 0 || c.JWT.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("jwt token ttls must be positive"))
	}
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "workspace-auth")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.cors_origins", []string{})

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "auth")
	v.SetDefault("postgres.password", "auth_password")
	v.SetDefault("postgres.database", "workspace")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.migrate_on_start", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.revoked_prefix", "auth:revoked")
	v.SetDefault("redis.rate_limit_prefix", "auth:ratelimit")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "auth")
	v.SetDefault("kafka.async", true)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "workspace-auth")
	v.SetDefault("jwt.access_token_ttl", "15m")
	v.SetDefault("jwt.refresh_token_ttl", "168h")

	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_window", "30m")
	v.SetDefault("auth.login_delay_min", "100ms")
	v.SetDefault("auth.login_delay_max", "150ms")
	v.SetDefault("auth.attempt_retention", "720h")
	v.SetDefault("auth.allowed_email_domains", []string{})
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.min_password_length", 8)

	v.SetDefault("cookie.access_name", "access_token")
	v.SetDefault("cookie.refresh_name", "refresh_token")
	v.SetDefault("cookie.refresh_path", "/api/v1/auth")
	v.SetDefault("cookie.domain", "")
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.same_site", "strict")

	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "workspace-auth")
	v.SetDefault("telemetry.sampling_rate", 1.0)
	v.SetDefault("telemetry.tracing_enabled", false)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.login_max_attempts", 10)
	v.SetDefault("rate_limit.refresh_max_attempts", 30)
	v.SetDefault("rate_limit.register_max_attempts", 5)

	v.SetDefault("janitor.interval", "1h")

	v.SetDefault("storage.driver", StorageDriverPostgres)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
