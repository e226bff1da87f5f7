// Package config reads server settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	Addr     string
	Env      string
	LogLevel string

	// DatabaseURL selects the Postgres store. Empty means the fixture file.
	DatabaseURL string
	FixturePath string

	LockIdleTimeout time.Duration
	ScoreInterval   time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration

	AdminToken string
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		Env:             "development",
		LogLevel:        "info",
		FixturePath:     "games.toml",
		LockIdleTimeout: 5 * time.Minute,
		ScoreInterval:   300 * time.Millisecond,
		PingInterval:    20 * time.Second,
		WriteTimeout:    3 * time.Second,
	}
}

// Load applies .env (if any) and then environment overrides on top of
// Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function. Every bad duration is
// reported, not just the first.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		if d < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: must not be negative", key))
			return
		}
		*dst = d
	}

	str("SCOREBOARD_ADDR", &c.Addr)
	str("APP_ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SCOREBOARD_FIXTURE", &c.FixturePath)
	str("ADMIN_TOKEN", &c.AdminToken)
	dur("LOCK_IDLE_TIMEOUT", &c.LockIdleTimeout)
	dur("SCORE_BROADCAST_INTERVAL", &c.ScoreInterval)
	dur("WS_PING_INTERVAL", &c.PingInterval)
	dur("WS_WRITE_TIMEOUT", &c.WriteTimeout)

	if errs != nil {
		return Config{}, errs
	}
	return c, nil
}

func (c Config) Production() bool { return c.Env == "production" }
