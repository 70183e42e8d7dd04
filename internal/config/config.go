package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

type DB struct {
	URL             string        `env:"DATABASE_URL"`
	MigrationsPath  string        `env:"MIGRATIONS_PATH" envDefault:"file://db/migrations"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"16"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"8"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
}

type Ledger struct {
	Backend    string `env:"LEDGER_BACKEND" envDefault:"postgres"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/ledger.db"`
}

type Content struct {
	Path        string        `env:"CONTENT_PATH" envDefault:"data/content"`
	Compression string        `env:"CONTENT_COMPRESSION" envDefault:"zstd"`
	CacheTTL    time.Duration `env:"CONTENT_CACHE_TTL" envDefault:"5m"`
	MaxBytes    int           `env:"MAX_CONTENT_BYTES" envDefault:"16777216"`
}

type Verify struct {
	Workers int           `env:"VERIFY_WORKERS" envDefault:"4"`
	Timeout time.Duration `env:"VERIFY_TIMEOUT" envDefault:"30s"`
	Format  string        `env:"VERIFY_FORMAT" envDefault:"json"`
}

type Kafka struct {
	BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	AuditTopic       string `env:"KAFKA_AUDIT_TOPIC" envDefault:"escrow.audit"`
}

type HTTP struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	IdentityHeader  string        `env:"IDENTITY_HEADER" envDefault:"X-Client-Identity"`
	IdentityPrefix  string        `env:"IDENTITY_PREFIX"`
	ReadRateLimit   float64       `env:"READ_RATE_LIMIT" envDefault:"10"`
	ReadRateBurst   int           `env:"READ_RATE_BURST" envDefault:"20"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTP     HTTP
	DB       DB
	Ledger   Ledger
	Content  Content
	Verify   Verify
	Kafka    Kafka
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s ledger", LedgerPostgres)
		}
	case LedgerSQLite, LedgerMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend)
	}
	if c.Verify.Workers <= 0 {
		return fmt.Errorf("VERIFY_WORKERS must be positive")
	}
	if c.Verify.Timeout <= 0 {
		return fmt.Errorf("VERIFY_TIMEOUT must be positive")
	}
	if c.Content.MaxBytes < 0 {
		return fmt.Errorf("MAX_CONTENT_BYTES must not be negative")
	}
	if c.HTTP.IdentityHeader == "" {
		return fmt.Errorf("IDENTITY_HEADER must not be empty")
	}
	return nil
}

// KafkaEnabled reports whether audit events should be published.
func (c *Config) KafkaEnabled() bool {
	return c.Kafka.BootstrapServers != ""
}
