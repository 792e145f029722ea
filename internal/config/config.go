package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/agentmesh/controlplane/internal/tracing"
)

// Config is the full process configuration, loadable from a YAML file with
// environment variable overrides. Every knob has a working default so both
// binaries start with no file at all.
type Config struct {
	HTTPPort    int            `mapstructure:"http_port"`
	MetricsPort int            `mapstructure:"metrics_port"`
	StoreURL    string         `mapstructure:"store_url"`
	Auth        AuthConfig     `mapstructure:"auth"`
	RateLimit   RateConfig     `mapstructure:"rate_limit"`
	Registry    RegistryConfig `mapstructure:"registry"`
	LLM         LLMConfig      `mapstructure:"llm"`
	Dispatch    DispatchConfig `mapstructure:"dispatch"`
	Policy      PolicyConfig   `mapstructure:"policy"`
	Database    DatabaseConfig `mapstructure:"database"`
	Tracing     tracing.Config `mapstructure:"tracing"`
}

type AuthConfig struct {
	ProxyURL    string        `mapstructure:"proxy_url"`
	LocalSecret string        `mapstructure:"local_secret"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxCached   int           `mapstructure:"max_cached"`
}

type RateConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Burst    int           `mapstructure:"burst"`
}

type RegistryConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	FallbackBaseURL string        `mapstructure:"fallback_base_url"`
	FallbackAPIKey  string        `mapstructure:"fallback_api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RequestsPerMin  int           `mapstructure:"requests_per_minute"`
}

type DispatchConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxHops    int           `mapstructure:"max_hops"`
}

type PolicyConfig struct {
	Path         string `mapstructure:"path"`
	WatchEnabled bool   `mapstructure:"watch"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the CONTROLPLANE_ prefix except for the
// well-known names bound explicitly below.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTROLPLANE")
	v.AutomaticEnv()
	bindWellKnown(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("store_url", "redis://localhost:6379")
	v.SetDefault("auth.cache_ttl", 300*time.Second)
	v.SetDefault("auth.timeout", 10*time.Second)
	v.SetDefault("auth.max_cached", 10000)
	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("registry.ttl", 300*time.Second)
	v.SetDefault("registry.heartbeat_interval", 30*time.Second)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("dispatch.timeout", 30*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.max_hops", 10)
	v.SetDefault("policy.path", "policies.yaml")
	v.SetDefault("policy.watch", true)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:controlplane.db?cache=shared")
}

// bindWellKnown maps the deployment-facing environment variable names onto
// config keys so operators do not need the CONTROLPLANE_ prefix for them.
func bindWellKnown(v *viper.Viper) {
	_ = v.BindEnv("auth.proxy_url", "AUTH_PROXY_URL")
	_ = v.BindEnv("auth.local_secret", "AUTH_LOCAL_SECRET")
	_ = v.BindEnv("auth.cache_ttl", "TOKEN_CACHE_TTL")
	_ = v.BindEnv("store_url", "STORE_URL")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("rate_limit.requests", "RATE_LIMIT_REQUESTS")
	_ = v.BindEnv("rate_limit.window", "RATE_LIMIT_WINDOW")
	_ = v.BindEnv("rate_limit.burst", "RATE_LIMIT_BURST")
	_ = v.BindEnv("registry.heartbeat_interval", "HEARTBEAT_INTERVAL")
	_ = v.BindEnv("registry.ttl", "REGISTRY_TTL")
	_ = v.BindEnv("dispatch.max_retries", "MAX_RETRIES")
	_ = v.BindEnv("policy.path", "POLICY_PATH")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
}
