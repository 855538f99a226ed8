package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	// Comma-separated resource types the search schema is generated for.
	ResourceTypes []string `mapstructure:"RESOURCE_TYPES"`

	// "strict" or "lenient" treatment of unknown search parameters.
	SearchDefaultHandling string `mapstructure:"SEARCH_DEFAULT_HANDLING"`
	SearchMaxStringBytes  int    `mapstructure:"SEARCH_MAX_STRING_BYTES"`
	SearchDefaultPageSize int    `mapstructure:"SEARCH_DEFAULT_PAGE_SIZE"`
	SearchMaxPageSize     int    `mapstructure:"SEARCH_MAX_PAGE_SIZE"`

	// "local" writes parameter rows in the ingest transaction; "remote"
	// hands extracted values to the partitioned dispatcher instead.
	IndexMode      string `mapstructure:"INDEX_MODE"`
	IndexBatchSize int    `mapstructure:"INDEX_BATCH_SIZE"`
	IndexShards    int    `mapstructure:"INDEX_SHARDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("RESOURCE_TYPES", "Patient,Observation,Practitioner,Organization,Encounter,Condition")
	v.SetDefault("SEARCH_DEFAULT_HANDLING", "lenient")
	v.SetDefault("SEARCH_MAX_STRING_BYTES", 1024)
	v.SetDefault("SEARCH_DEFAULT_PAGE_SIZE", 10)
	v.SetDefault("SEARCH_MAX_PAGE_SIZE", 1000)
	v.SetDefault("INDEX_MODE", "local")
	v.SetDefault("INDEX_BATCH_SIZE", 100)
	v.SetDefault("INDEX_SHARDS", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("RESOURCE_TYPES")
	v.BindEnv("SEARCH_DEFAULT_HANDLING")
	v.BindEnv("SEARCH_MAX_STRING_BYTES")
	v.BindEnv("SEARCH_DEFAULT_PAGE_SIZE")
	v.BindEnv("SEARCH_MAX_PAGE_SIZE")
	v.BindEnv("INDEX_MODE")
	v.BindEnv("INDEX_BATCH_SIZE")
	v.BindEnv("INDEX_SHARDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ResourceTypes == nil {
		if types := v.GetString("RESOURCE_TYPES"); types != "" {
			cfg.ResourceTypes = strings.Split(types, ",")
		}
	}
	for i := range cfg.ResourceTypes {
		cfg.ResourceTypes[i] = strings.TrimSpace(cfg.ResourceTypes[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StrictSearch reports whether unknown search parameters reject the whole
// request by default.
func (c *Config) StrictSearch() bool {
	return c.SearchDefaultHandling == "strict"
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	switch c.SearchDefaultHandling {
	case "strict", "lenient":
	default:
		return fmt.Errorf("SEARCH_DEFAULT_HANDLING must be \"strict\" or \"lenient\", got %q", c.SearchDefaultHandling)
	}
	switch c.IndexMode {
	case "local", "remote":
	default:
		return fmt.Errorf("INDEX_MODE must be \"local\" or \"remote\", got %q", c.IndexMode)
	}
	if c.SearchDefaultPageSize > c.SearchMaxPageSize {
		return fmt.Errorf("SEARCH_DEFAULT_PAGE_SIZE %d exceeds SEARCH_MAX_PAGE_SIZE %d", c.SearchDefaultPageSize, c.SearchMaxPageSize)
	}
	if len(c.ResourceTypes) == 0 {
		return fmt.Errorf("RESOURCE_TYPES must name at least one resource type")
	}
	return nil
}
