// Package config loads process configuration from the environment,
// with an optional .env file in the working directory.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all process configuration.
type Config struct {
	// PostgreSQL connection
	DBHost     string `env:"PCRDB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"PCRDB_PORT" envDefault:"5432"`
	DBName     string `env:"PCRDB_DATABASE" envDefault:"pcrdb"`
	DBUser     string `env:"PCRDB_USER" envDefault:"postgres"`
	DBPassword string `env:"PCRDB_PASSWORD"`

	// Crawler tuning
	SyncNum   int    `env:"PCRDB_SYNC_NUM" envDefault:"10"`
	BatchSize int    `env:"PCRDB_BATCH_SIZE" envDefault:"30"`
	AccessKey string `env:"PCRDB_ACCESS_KEY"`

	// Upstream game server
	APIBaseURL  string `env:"PCRDB_API_URL" envDefault:"https://l3-prod-uo-gs-gzlj.bilibiligame.net/"`
	VersionFile string `env:"PCRDB_VERSION_FILE" envDefault:"version.txt"`

	// Scheduler
	ScheduleFile string `env:"PCRDB_SCHEDULE_FILE" envDefault:"config/schedule.yaml"`

	// Query API
	HTTPAddr  string `env:"PCRDB_HTTP_ADDR" envDefault:":8000"`
	JWTSecret string `env:"PCRDB_JWT_SECRET"`

	// Logging
	LogLevel string `env:"PCRDB_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"PCRDB_LOG_JSON" envDefault:"false"`
}

// Load reads configuration from a .env file (if present) and the
// environment. OS environment variables take priority over the file.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}
