package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DefaultPort             = 3000
	DefaultDatabaseType     = "sqlite"
	DefaultDatabaseDSN      = "data/gateway.db"
	DefaultUpstreamBaseURL  = "https://open.bigmodel.cn/api/coding/paas/v4"
	DefaultUpstreamModel    = "glm-5"
	DefaultDailyLimit       = 100
	DefaultMonthlyLimit     = 3000
	DefaultRPMLimit         = 20
	DefaultRetentionDays    = 400
	DefaultHeaderTimeout    = 60 * time.Second
	MinRetentionDays        = 62
	defaultHeaderTimeoutStr = "60s"
)

// DefaultPlatforms lists the client builds allowed to allocate tokens.
var DefaultPlatforms = []string{"win-x64", "darwin-arm64", "darwin-x64", "linux-x64"}

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// UpstreamConfig describes the single LLM provider requests are relayed to.
type UpstreamConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	DefaultModel  string `yaml:"default_model"`
	HeaderTimeout string `yaml:"header_timeout"`
}

// QuotaConfig holds the limits assigned to new tokens and the per-minute cap.
type QuotaConfig struct {
	DailyLimit   int `yaml:"daily_limit"`
	MonthlyLimit int `yaml:"monthly_limit"`
	RPMLimit     int `yaml:"rpm_limit"`
}

// SecretsConfig holds the shared secrets guarding provisioning and admin routes.
type SecretsConfig struct {
	Admin string `yaml:"admin"`
	Build string `yaml:"build"`
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	UsageRetentionDays *int `yaml:"usage_retention_days"`
}

// Config holds the configuration for the gateway.
type Config struct {
	Database      DatabaseConfig  `yaml:"database"`
	Upstream      UpstreamConfig  `yaml:"upstream"`
	Quota         QuotaConfig     `yaml:"quota"`
	Secrets       SecretsConfig   `yaml:"secrets"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	Platforms     []string        `yaml:"platforms"`
	PublicBaseURL string          `yaml:"public_base_url"`
	Host          string          `yaml:"host"`
	Port          int             `yaml:"port"`
	Debug         bool            `yaml:"debug"`
}

// PublicBase returns the externally visible base URL without a trailing slash.
func (c *Config) PublicBase() string {
	if base := strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/"); base != "" {
		return base
	}
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

// HeaderTimeout returns how long the relay waits for upstream response headers.
func (c *Config) HeaderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Upstream.HeaderTimeout)
	if err != nil || d <= 0 {
		return DefaultHeaderTimeout
	}
	return d
}

// RetentionDays returns how many days of usage records the scheduler keeps. Zero disables pruning.
func (c *Config) RetentionDays() int {
	if c.Scheduler.UsageRetentionDays == nil {
		return DefaultRetentionDays
	}
	return *c.Scheduler.UsageRetentionDays
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
// A missing file is not an error: defaults and environment variables are used instead.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warnings []string

	// A .env file next to the binary is optional.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(&config)

	if config.Upstream.APIKey == "" {
		warnings = append(warnings, "upstream.api_key not set, chat completions will return 503 until it is configured")
	}
	if config.Secrets.Admin == "" {
		warnings = append(warnings, "secrets.admin not set, admin routes are disabled")
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, "", err
	}

	return &config, strings.Join(warnings, "; "), nil
}

func applyEnv(config *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setString("GATEWAY_DATABASE_TYPE", &config.Database.Type)
	setString("GATEWAY_DATABASE_DSN", &config.Database.DSN)
	setString("GATEWAY_UPSTREAM_BASE_URL", &config.Upstream.BaseURL)
	setString("GATEWAY_UPSTREAM_API_KEY", &config.Upstream.APIKey)
	setString("GATEWAY_UPSTREAM_DEFAULT_MODEL", &config.Upstream.DefaultModel)
	setString("GATEWAY_UPSTREAM_HEADER_TIMEOUT", &config.Upstream.HeaderTimeout)
	setString("GATEWAY_PUBLIC_BASE_URL", &config.PublicBaseURL)
	setString("GATEWAY_ADMIN_SECRET", &config.Secrets.Admin)
	setString("GATEWAY_BUILD_SECRET", &config.Secrets.Build)
	setString("GATEWAY_HOST", &config.Host)
	setInt("GATEWAY_PORT", &config.Port)
	setInt("GATEWAY_DEFAULT_DAILY_LIMIT", &config.Quota.DailyLimit)
	setInt("GATEWAY_DEFAULT_MONTHLY_LIMIT", &config.Quota.MonthlyLimit)
	setInt("GATEWAY_RPM_LIMIT", &config.Quota.RPMLimit)
	if v := os.Getenv("GATEWAY_USAGE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Scheduler.UsageRetentionDays = &n
		}
	}
	if debug := os.Getenv("GATEWAY_DEBUG"); debug != "" {
		config.Debug = debug == "true"
	}
}

func applyDefaults(config *Config) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Database.Type == "" {
		config.Database.Type = DefaultDatabaseType
	}
	if config.Database.DSN == "" && config.Database.Type == DefaultDatabaseType {
		config.Database.DSN = DefaultDatabaseDSN
	}
	if config.Upstream.BaseURL == "" {
		config.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	config.Upstream.BaseURL = strings.TrimRight(config.Upstream.BaseURL, "/")
	if config.Upstream.DefaultModel == "" {
		config.Upstream.DefaultModel = DefaultUpstreamModel
	}
	if config.Upstream.HeaderTimeout == "" {
		config.Upstream.HeaderTimeout = defaultHeaderTimeoutStr
	}
	if config.Quota.DailyLimit == 0 {
		config.Quota.DailyLimit = DefaultDailyLimit
	}
	if config.Quota.MonthlyLimit == 0 {
		config.Quota.MonthlyLimit = DefaultMonthlyLimit
	}
	if config.Quota.RPMLimit == 0 {
		config.Quota.RPMLimit = DefaultRPMLimit
	}
	if len(config.Platforms) == 0 {
		config.Platforms = append([]string(nil), DefaultPlatforms...)
	}
}

func validate(config *Config) error {
	switch config.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}
	if config.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured in config.yaml or via GATEWAY_DATABASE_DSN")
	}
	if config.Quota.DailyLimit < 0 || config.Quota.MonthlyLimit < 0 || config.Quota.RPMLimit < 0 {
		return fmt.Errorf("quota limits must be positive")
	}
	if days := config.RetentionDays(); days != 0 && days < MinRetentionDays {
		return fmt.Errorf("scheduler.usage_retention_days must be 0 or at least %d, got %d", MinRetentionDays, days)
	}
	return nil
}
