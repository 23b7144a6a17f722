package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

type Config struct {
	APIBase     string
	WSURL       string
	DBFile      string
	MetricsAddr string
	HTTPTimeout time.Duration
}

func Load() (*Config, error) {
	httpTimeout, err := time.ParseDuration(getEnv("HTTP_TIMEOUT", "15s"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIBase:     getEnv("API_URL", "http://localhost:8080"),
		WSURL:       os.Getenv("WS_URL"),
		DBFile:      getEnv("SVERKA_DB", "sverka.db"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		HTTPTimeout: httpTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_URL is not a valid URL: %q", c.APIBase)
	}

	if c.WSURL == "" {
		// Derive the streaming endpoint from the API base.
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = "/ws"
		c.WSURL = u.String()
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
