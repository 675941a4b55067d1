package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/incidence/internal/platform/db"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	Port           string        `mapstructure:"PORT"`
	EventStore     string        `mapstructure:"EVENT_STORE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	EventSchema    string        `mapstructure:"EVENT_SCHEMA"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	FetchWorkers   int           `mapstructure:"FETCH_WORKERS"`
	FetchTimeout   time.Duration `mapstructure:"FETCH_TIMEOUT"`
	ReportsFile    string        `mapstructure:"REPORTS_FILE"`
	OutputDir      string        `mapstructure:"OUTPUT_DIR"`
	PersistResults bool          `mapstructure:"PERSIST_RESULTS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT", "EVENT_STORE", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "EVENT_SCHEMA", "SQLITE_PATH", "FETCH_WORKERS", "FETCH_TIMEOUT",
	"REPORTS_FILE", "OUTPUT_DIR", "PERSIST_RESULTS", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8000")
	v.SetDefault("EVENT_STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EVENT_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "incidence.db")
	v.SetDefault("FETCH_WORKERS", 4)
	v.SetDefault("FETCH_TIMEOUT", "2m")
	v.SetDefault("OUTPUT_DIR", "output")
	v.SetDefault("PERSIST_RESULTS", false)
	v.SetDefault("AUTH_ISSUER", "incidence")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.EventStore = strings.ToLower(cfg.EventStore)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings the selected event store and output path need.
func (c *Config) Validate() error {
	switch c.EventStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when EVENT_STORE is %q", StorePostgres)
		}
		if err := db.ValidateSchema(c.EventSchema); err != nil {
			return fmt.Errorf("EVENT_SCHEMA: %w", err)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when EVENT_STORE is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("EVENT_STORE must be %q or %q, got %q", StorePostgres, StoreSQLite, c.EventStore)
	}

	if c.PersistResults && c.DatabaseURL == "" {
		return fmt.Errorf("PERSIST_RESULTS requires DATABASE_URL")
	}
	if c.FetchWorkers < 1 {
		return fmt.Errorf("FETCH_WORKERS must be at least 1, got %d", c.FetchWorkers)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsProduction() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required in production")
	}
	return nil
}
