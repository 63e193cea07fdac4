package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides file values from the environment:
//
//	PORT               http.addr = ":" + PORT
//	DATABASE_URL       database.dsn (postgres:// selects the postgres driver)
//	REDIS_HOST         redis.host
//	REDIS_PORT         redis.port
//	REDIS_PASSWORD     redis.password
//	EMAIL_CONCURRENCY  dispatch.workers
//	MIN_DELAY_MS       dispatch.min_delay
//	SMTP_HOST          transport.host (and driver=smtp)
//	SMTP_PORT          transport.port
//	SMTP_USER          transport.username
//	SMTP_PASS          transport.password
//	LOG_LEVEL          logging.level
func ApplyEnv(c *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	atoi := func(k, v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%s: invalid number %q", k, v)
		}
		return n, nil
	}

	if v, ok := get("PORT"); ok {
		if _, err := atoi("PORT", v); err != nil {
			return err
		}
		c.HTTP.Addr = ":" + v
	}
	if v, ok := get("DATABASE_URL"); ok {
		c.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Database.Driver = "postgres"
		}
	}
	if v, ok := get("REDIS_HOST"); ok {
		c.Redis.Host = v
	}
	if v, ok := get("REDIS_PORT"); ok {
		n, err := atoi("REDIS_PORT", v)
		if err != nil {
			return err
		}
		c.Redis.Port = n
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := get("EMAIL_CONCURRENCY"); ok {
		n, err := atoi("EMAIL_CONCURRENCY", v)
		if err != nil {
			return err
		}
		c.Dispatch.Workers = n
	}
	if v, ok := get("MIN_DELAY_MS"); ok {
		n, err := atoi("MIN_DELAY_MS", v)
		if err != nil {
			return err
		}
		c.Dispatch.MinDelay = strconv.Itoa(n) + "ms"
	}
	if v, ok := get("SMTP_HOST"); ok {
		c.Transport.Host = v
		c.Transport.Driver = "smtp"
	}
	if v, ok := get("SMTP_PORT"); ok {
		n, err := atoi("SMTP_PORT", v)
		if err != nil {
			return err
		}
		c.Transport.Port = n
	}
	if v, ok := get("SMTP_USER"); ok {
		c.Transport.Username = v
	}
	if v, ok := get("SMTP_PASS"); ok {
		c.Transport.Password = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	return nil
}
