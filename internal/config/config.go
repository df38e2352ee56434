package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devJWTSecret = "auditdesk-dev-secret"

type Config struct {
	Addr          string        `mapstructure:"API_ADDR"`
	Env           string        `mapstructure:"ENV"`
	LogLevel      string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int           `mapstructure:"DB_MAX_CONNS"`
	MigrationsDir string        `mapstructure:"MIGRATIONS_DIR"`
	AutoMigrate   bool          `mapstructure:"AUTO_MIGRATE"`
	ReposDir      string        `mapstructure:"REPOS_DIR"`
	TemplatesDir  string        `mapstructure:"TEMPLATES_DIR"`
	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	TokenTTL      time.Duration `mapstructure:"TOKEN_TTL"`
	DevAuth       bool          `mapstructure:"DEV_AUTH"`
	CORSOrigins   []string      `mapstructure:"CORS_ORIGINS"`

	RedisURL   string        `mapstructure:"REDIS_URL"`
	GenLockTTL time.Duration `mapstructure:"GENLOCK_TTL"`

	GeminiAPIKey          string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel           string `mapstructure:"GEMINI_MODEL"`
	GenerationConcurrency int    `mapstructure:"GENERATION_CONCURRENCY"`

	WorkingCopyIdle time.Duration `mapstructure:"WORKING_COPY_IDLE"`

	MeiliURL       string `mapstructure:"MEILI_URL"`
	MeiliMasterKey string `mapstructure:"MEILI_MASTER_KEY"`

	ArchiveEndpoint  string        `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string        `mapstructure:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string        `mapstructure:"ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string        `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveRegion    string        `mapstructure:"ARCHIVE_REGION"`
	ArchiveUseSSL    bool          `mapstructure:"ARCHIVE_USE_SSL"`
	ArchiveLinkTTL   time.Duration `mapstructure:"ARCHIVE_LINK_TTL"`

	ExportTimeout       time.Duration `mapstructure:"EXPORT_TIMEOUT"`
	ExportReferenceDOCX string        `mapstructure:"EXPORT_DOCX_REFERENCE"`
}

var keys = []string{
	"API_ADDR", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "MIGRATIONS_DIR", "AUTO_MIGRATE",
	"REPOS_DIR", "TEMPLATES_DIR",
	"JWT_SECRET", "TOKEN_TTL", "DEV_AUTH", "CORS_ORIGINS",
	"REDIS_URL", "GENLOCK_TTL",
	"GEMINI_API_KEY", "GEMINI_MODEL", "GENERATION_CONCURRENCY", "WORKING_COPY_IDLE",
	"MEILI_URL", "MEILI_MASTER_KEY",
	"ARCHIVE_ENDPOINT", "ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY",
	"ARCHIVE_BUCKET", "ARCHIVE_REGION", "ARCHIVE_USE_SSL", "ARCHIVE_LINK_TTL",
	"EXPORT_TIMEOUT", "EXPORT_DOCX_REFERENCE",
}

// Load reads the environment, then an optional .env file in the working
// directory. Environment variables win.
func Load() (*Config, error) {
	return LoadFile(".env")
}

func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	v.SetDefault("API_ADDR", ":8787")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("MIGRATIONS_DIR", "./db/migrations")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("REPOS_DIR", "./data/repos")
	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("DEV_AUTH", false)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("GENLOCK_TTL", "2m")
	v.SetDefault("GENERATION_CONCURRENCY", 4)
	v.SetDefault("WORKING_COPY_IDLE", "30m")
	v.SetDefault("ARCHIVE_BUCKET", "auditdesk-exports")
	v.SetDefault("ARCHIVE_REGION", "us-east-1")
	v.SetDefault("ARCHIVE_LINK_TTL", "15m")
	v.SetDefault("EXPORT_TIMEOUT", "30s")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate refuses configurations that cannot run. Outside development a
// database and a real signing secret are required.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("API_ADDR must not be empty")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.GenerationConcurrency <= 0 {
		return fmt.Errorf("GENERATION_CONCURRENCY must be positive, got %d", c.GenerationConcurrency)
	}
	if c.WorkingCopyIdle < 0 {
		return fmt.Errorf("WORKING_COPY_IDLE must not be negative, got %s", c.WorkingCopyIdle)
	}
	if c.ArchiveEndpoint != "" && strings.TrimSpace(c.ArchiveBucket) == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required when ARCHIVE_ENDPOINT is set")
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when ENV=%q", c.Env)
	}
	if c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed from the development default when ENV=%q", c.Env)
	}
	if c.DevAuth {
		return fmt.Errorf("DEV_AUTH is only allowed when ENV=development")
	}
	return nil
}
