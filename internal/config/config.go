package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const minDateLayout = "2006-01-02"

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	SourceAPIURL      string        `mapstructure:"SOURCE_API_URL"`
	SourceAPIToken    string        `mapstructure:"SOURCE_API_TOKEN"`
	SourceMinInterval time.Duration `mapstructure:"SOURCE_MIN_INTERVAL"`
	SourceTimeout     time.Duration `mapstructure:"SOURCE_TIMEOUT"`
	SourceTimezone    string        `mapstructure:"SOURCE_TIMEZONE"`

	PlatformAPIURL    string        `mapstructure:"PLATFORM_API_URL"`
	PlatformClientID  string        `mapstructure:"PLATFORM_CLIENT_ID"`
	PlatformJWTSecret string        `mapstructure:"PLATFORM_JWT_SECRET"`
	PlatformTimeout   time.Duration `mapstructure:"PLATFORM_TIMEOUT"`

	FetchPageSize int           `mapstructure:"FETCH_PAGE_SIZE"`
	FetchMinDate  string        `mapstructure:"FETCH_MIN_DATE"`
	FetchOverlap  time.Duration `mapstructure:"FETCH_OVERLAP"`

	ImportPageSize    int `mapstructure:"IMPORT_PAGE_SIZE"`
	ImportMaxEpisodes int `mapstructure:"IMPORT_MAX_EPISODES"`

	MappingFile string `mapstructure:"MAPPING_FILE"`
	HTTPPort    string `mapstructure:"HTTP_PORT"`

	OpsJWTSecret string `mapstructure:"OPS_JWT_SECRET"`
	OpsJWTIssuer string `mapstructure:"OPS_JWT_ISSUER"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var envKeys = []string{
	"ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SOURCE_API_URL", "SOURCE_API_TOKEN", "SOURCE_MIN_INTERVAL", "SOURCE_TIMEOUT", "SOURCE_TIMEZONE",
	"PLATFORM_API_URL", "PLATFORM_CLIENT_ID", "PLATFORM_JWT_SECRET", "PLATFORM_TIMEOUT",
	"FETCH_PAGE_SIZE", "FETCH_MIN_DATE", "FETCH_OVERLAP",
	"IMPORT_PAGE_SIZE", "IMPORT_MAX_EPISODES",
	"MAPPING_FILE", "HTTP_PORT",
	"OPS_JWT_SECRET", "OPS_JWT_ISSUER",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_SCHEMA", "episodesync")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SOURCE_MIN_INTERVAL", "500ms")
	v.SetDefault("SOURCE_TIMEOUT", "30s")
	v.SetDefault("SOURCE_TIMEZONE", "UTC")
	v.SetDefault("PLATFORM_TIMEOUT", "30s")
	v.SetDefault("FETCH_PAGE_SIZE", 100)
	v.SetDefault("FETCH_MIN_DATE", "2023-01-01")
	v.SetDefault("FETCH_OVERLAP", "10m")
	v.SetDefault("IMPORT_PAGE_SIZE", 20)
	v.SetDefault("IMPORT_MAX_EPISODES", 0)
	v.SetDefault("MAPPING_FILE", "./mapping.yaml")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("KAFKA_TOPIC", "episode-changes")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location is the zone the source writes its wall-clock datetimes in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SourceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MinDate is the fetch lower bound used when the staging store is empty.
func (c *Config) MinDate() time.Time {
	t, _ := time.ParseInLocation(minDateLayout, c.FetchMinDate, c.Location())
	return t
}

// Validate checks settings shared by every command.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.FetchPageSize <= 0 {
		return fmt.Errorf("FETCH_PAGE_SIZE must be positive, got %d", c.FetchPageSize)
	}
	if c.ImportPageSize <= 0 {
		return fmt.Errorf("IMPORT_PAGE_SIZE must be positive, got %d", c.ImportPageSize)
	}
	if c.ImportMaxEpisodes < 0 {
		return fmt.Errorf("IMPORT_MAX_EPISODES must not be negative, got %d", c.ImportMaxEpisodes)
	}
	if _, err := time.LoadLocation(c.SourceTimezone); err != nil {
		return fmt.Errorf("SOURCE_TIMEZONE: %w", err)
	}
	if _, err := time.Parse(minDateLayout, c.FetchMinDate); err != nil {
		return fmt.Errorf("FETCH_MIN_DATE must be YYYY-MM-DD: %w", err)
	}
	if c.FetchOverlap < 0 || c.SourceMinInterval < 0 {
		return fmt.Errorf("FETCH_OVERLAP and SOURCE_MIN_INTERVAL must not be negative")
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("WEBHOOK_URL must be an http or https URL")
	}
	if c.PlatformJWTSecret != "" && c.PlatformClientID == "" {
		return fmt.Errorf("PLATFORM_CLIENT_ID is required when PLATFORM_JWT_SECRET is set")
	}
	return nil
}

// RequireSource checks the settings needed to fetch from the hospital source.
func (c *Config) RequireSource() error {
	if c.SourceAPIURL == "" {
		return fmt.Errorf("SOURCE_API_URL is required")
	}
	return nil
}

// RequirePlatform checks the settings needed to import into the platform.
func (c *Config) RequirePlatform() error {
	if c.PlatformAPIURL == "" {
		return fmt.Errorf("PLATFORM_API_URL is required")
	}
	return nil
}

// RequireOpsAuth checks that the operations API can authenticate callers.
// Development servers may run without a signing key.
func (c *Config) RequireOpsAuth() error {
	if c.OpsJWTSecret == "" && !c.IsDev() {
		return fmt.Errorf("OPS_JWT_SECRET is required outside development")
	}
	return nil
}
