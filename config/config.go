// Package config loads and validates the environment-derived settings
// every app/consumer binary starts from, mirroring nsq_config_from_env's
// env-var surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of settings a consumer process needs to start.
type Config struct {
	ServiceName string

	NSQDAddrs    []string
	LookupdAddr  string
	Topic        string
	Channel      string
	Concurrency  int
	MaxInFlight  int
	Timeout      time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int

	RedisAddr string
	RedisDB   int

	LogLevel string
	LogPath  string

	AdminAddr  string
	HealthAddr string
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset. A numeric or duration variable that fails to parse
// also falls back to its default; no error is reported for it. It does not
// validate — call Validate separately so callers can decide whether to
// fail fast or log-and-continue.
func FromEnv() Config {
	return Config{
		ServiceName: getenv("SERVICE_NAME", "nsqpipe"),

		NSQDAddrs:    splitCSV(getenv("NSQD_TCP_ADDRS", "127.0.0.1:4150")),
		LookupdAddr:  os.Getenv("NSQLOOKUPD_HTTP_ADDR"),
		Topic:        os.Getenv("NSQ_TOPIC"),
		Channel:      os.Getenv("NSQ_CHANNEL"),
		Concurrency:  getenvInt("WORKER_CONCURRENCY", 4),
		MaxInFlight:  getenvInt("WORKER_MAX_IN_FLIGHT", 4),
		Timeout:      getenvDuration("WORKER_TIMEOUT", 30*time.Second),
		RetryBackoff: getenvDuration("RETRY_BACKOFF", time.Second),
		MaxAttempts:  getenvInt("MAX_ATTEMPTS", 3),

		RedisAddr: getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:   getenvInt("REDIS_DB", 0),

		LogLevel: getenv("LOG_LEVEL", "info"),
		LogPath:  os.Getenv("LOG_PATH"),

		AdminAddr:  getenv("ADMIN_ADDR", ":8080"),
		HealthAddr: getenv("HEALTH_ADDR", ":8081"),
	}
}

// Validate checks required fields and clamps MaxInFlight to Concurrency —
// a pool can never run more messages concurrently than it has workers.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("config: NSQ_TOPIC is required")
	}
	if c.Channel == "" {
		return fmt.Errorf("config: NSQ_CHANNEL is required")
	}
	if len(c.NSQDAddrs) == 0 {
		return fmt.Errorf("config: NSQD_TCP_ADDRS is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be >= 1, got %d", c.Concurrency)
	}
	if c.MaxInFlight < 1 {
		c.MaxInFlight = c.Concurrency
	}
	if c.MaxInFlight > c.Concurrency {
		c.MaxInFlight = c.Concurrency
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
