package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	DB struct {
		Driver string
		DSN    string
	}
	API struct {
		Port         string
		BasePath     string
		MaxWSClients int
	}
	Logging struct {
		Dir   string
		Level string
	}
	Prefs struct {
		Path string
	}
	Kafka struct {
		Broker  string
		Topic   string
		GroupID string
	}
	Notification struct {
		QueueSize        int
		MaxWorkers       int
		MaxAttempts      int
		BackoffUnit      time.Duration
		ReachabilityAddr string
		ReachabilityPoll time.Duration
	}
	Telegram struct {
		APIURL    string
		RateLimit int
	}
	Monitor struct {
		DeviceName        string
		Timezone          string
		HeartbeatInterval time.Duration
		PowerSupplyPath   string
		PollInterval      time.Duration
		AlertCommand      string
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	var cfg Config
	var errs []string

	durationVar := func(key string, def time.Duration) time.Duration {
		raw := getenv(key)
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be a positive duration (got %q)", key, raw))
			return def
		}
		return d
	}
	intVar := func(key string, def int) int {
		raw := getenv(key)
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be a positive integer (got %q)", key, raw))
			return def
		}
		return n
	}
	stringVar := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	// Database
	cfg.DB.Driver = stringVar("DB_DRIVER", "sqlite")
	cfg.DB.DSN = stringVar("DB_DSN", "powerwatch.db")

	// API settings
	cfg.API.Port = stringVar("API_PORT", ":8080")
	cfg.API.BasePath = stringVar("API_BASE_PATH", "/api/v0")
	cfg.API.MaxWSClients = intVar("API_MAX_WS_CLIENTS", 10)

	cfg.Logging.Dir = stringVar("LOG_DIR", "logs")
	cfg.Logging.Level = stringVar("LOG_LEVEL", "info")
	cfg.Prefs.Path = stringVar("PREFS_PATH", "prefs.json")

	// Kafka settings, consumer disabled without a broker
	cfg.Kafka.Broker = stringVar("KAFKA_BROKER", "")
	cfg.Kafka.Topic = stringVar("KAFKA_TOPIC", "power_signals")
	cfg.Kafka.GroupID = stringVar("KAFKA_GROUP_ID", "power-watchdog")

	// Notification worker settings
	cfg.Notification.QueueSize = intVar("QUEUE_SIZE", 100)
	cfg.Notification.MaxWorkers = intVar("MAX_WORKERS", 4)
	cfg.Notification.MaxAttempts = intVar("MAX_ATTEMPTS", 5)
	cfg.Notification.BackoffUnit = durationVar("RETRY_BACKOFF_UNIT", 10*time.Second)
	cfg.Notification.ReachabilityPoll = durationVar("REACHABILITY_POLL", 15*time.Second)

	cfg.Telegram.APIURL = strings.TrimRight(stringVar("TELEGRAM_API_URL", "https://api.telegram.org"), "/")
	cfg.Telegram.RateLimit = intVar("TELEGRAM_RATE_LIMIT", 25)

	cfg.Notification.ReachabilityAddr = stringVar("REACHABILITY_ADDR", "")
	if cfg.Notification.ReachabilityAddr == "" {
		addr, err := hostPort(cfg.Telegram.APIURL)
		if err != nil {
			errs = append(errs, fmt.Sprintf("TELEGRAM_API_URL: %v", err))
		}
		cfg.Notification.ReachabilityAddr = addr
	}

	host, _ := os.Hostname()
	cfg.Monitor.DeviceName = stringVar("DEVICE_NAME", host)
	cfg.Monitor.Timezone = stringVar("TIMEZONE", "")
	cfg.Monitor.HeartbeatInterval = durationVar("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.Monitor.PowerSupplyPath = stringVar("POWER_SUPPLY_PATH", "/sys/class/power_supply/AC/online")
	cfg.Monitor.PollInterval = durationVar("POWER_POLL_INTERVAL", 2*time.Second)
	cfg.Monitor.AlertCommand = stringVar("ALERT_COMMAND", "")

	// Validate
	switch cfg.DB.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER must be sqlite, postgres or memory (got %q)", cfg.DB.Driver))
	}
	if cfg.Monitor.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Monitor.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("TIMEZONE %q: %v", cfg.Monitor.Timezone, err))
		}
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// Location returns the configured timezone, falling back to local time.
func (c Config) Location() *time.Location {
	if c.Monitor.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Monitor.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
