package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreFile     = "file"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	StoreBackend      string        `mapstructure:"STORE_BACKEND"`
	StoreDir          string        `mapstructure:"STORE_DIR"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	FlowFile          string        `mapstructure:"FLOW_FILE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StaffAPIKeys      []string      `mapstructure:"STAFF_API_KEYS"`
	MigrateOnStart    bool          `mapstructure:"MIGRATE_ON_START"`
	SessionRetention  time.Duration `mapstructure:"SESSION_RETENTION"`
	RetentionInterval time.Duration `mapstructure:"RETENTION_SWEEP_INTERVAL"`
	WebhookURL        string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
}

// devSigningKey is only accepted when ENV=development.
const devSigningKey = "development-only-session-signing-key"

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("STORE_DIR", ".enrollment")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("SESSION_RETENTION", "2160h")
	v.SetDefault("RETENTION_SWEEP_INTERVAL", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORE_BACKEND")
	v.BindEnv("STORE_DIR")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SESSION_SIGNING_KEY")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("FLOW_FILE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("STAFF_API_KEYS")
	v.BindEnv("MIGRATE_ON_START")
	v.BindEnv("SESSION_RETENTION")
	v.BindEnv("RETENTION_SWEEP_INTERVAL")
	v.BindEnv("WEBHOOK_URL")
	v.BindEnv("WEBHOOK_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if keys := v.GetString("STAFF_API_KEYS"); len(cfg.StaffAPIKeys) <= 1 && keys != "" {
		cfg.StaffAPIKeys = strings.Split(keys, ",")
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.StoreBackend == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}

	if cfg.SessionSigningKey == "" && cfg.IsDev() {
		cfg.SessionSigningKey = devSigningKey
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Session tokens may be signed with a built-in key.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
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

// Validate checks that the configuration is safe to run. Outside development
// a real signing key of at least 32 bytes is required, and production refuses
// the process-local memory store.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StorePostgres, StoreFile:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q, or %q, got %q", StoreMemory, StorePostgres, StoreFile, c.StoreBackend)
	}
	if c.StoreBackend == StorePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}
	if c.StoreBackend == StoreFile && c.StoreDir == "" {
		return fmt.Errorf("STORE_DIR is required when STORE_BACKEND=file")
	}

	if !c.IsDev() {
		if c.SessionSigningKey == "" || c.SessionSigningKey == devSigningKey {
			return fmt.Errorf("SESSION_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
		}
		if len(c.SessionSigningKey) < 32 {
			return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 bytes, got %d", len(c.SessionSigningKey))
		}
	}
	if c.IsProduction() && c.StoreBackend == StoreMemory {
		return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.SessionRetention < 0 {
		return fmt.Errorf("SESSION_RETENTION must not be negative, got %s", c.SessionRetention)
	}
	if c.SessionRetention > 0 && c.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_INTERVAL must be positive when SESSION_RETENTION is set")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.IsProduction() && len(c.StaffAPIKeys) == 0 {
		return fmt.Errorf("STAFF_API_KEYS must be set in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
