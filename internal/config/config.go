// Package config loads collabsync settings from an optional YAML file and
// COLLABSYNC_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/redis/go-redis/v9"
)

const (
	PushWebSocket = "websocket"
	PushRedis     = "redis"
	PushNone      = "none"
)

type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Push      PushConfig      `yaml:"push"`
	Poll      PollConfig      `yaml:"poll"`
	Output    OutputConfig    `yaml:"output"`
	DevServer DevServerConfig `yaml:"devserver"`
	Debug     bool            `yaml:"debug" env:"COLLABSYNC_DEBUG" env-default:"false"`
}

type ClientConfig struct {
	BaseURL   string `yaml:"baseUrl" env:"COLLABSYNC_BASE_URL" env-default:"http://127.0.0.1:8080"`
	Token     string `yaml:"token" env:"COLLABSYNC_TOKEN"`
	UserID    string `yaml:"user" env:"COLLABSYNC_USER"`
	ProjectID string `yaml:"project" env:"COLLABSYNC_PROJECT"`
	// ClientID identifies this process in push origins. Generated when empty.
	ClientID       string        `yaml:"clientId" env:"COLLABSYNC_CLIENT_ID"`
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"COLLABSYNC_REQUEST_TIMEOUT" env-default:"15s"`
	MaxRetries     int           `yaml:"maxRetries" env:"COLLABSYNC_MAX_RETRIES" env-default:"2"`
	// Timezone names the IANA zone used for day buckets in the feed.
	Timezone string `yaml:"timezone" env:"COLLABSYNC_TZ" env-default:"UTC"`
	// SnapshotDSN selects the snapshot cache: a directory, memory://,
	// sqlite://path or postgres://... Empty disables the cache.
	SnapshotDSN string `yaml:"snapshots" env:"COLLABSYNC_SNAPSHOT_DSN"`
}

type PushConfig struct {
	Mode string `yaml:"mode" env:"COLLABSYNC_PUSH" env-default:"websocket"`
	// URL is the websocket endpoint. Derived from the base URL when empty.
	URL           string `yaml:"url" env:"COLLABSYNC_PUSH_URL"`
	RedisURL      string `yaml:"redisUrl" env:"COLLABSYNC_REDIS_URL"`
	RedisAddr     string `yaml:"redisAddr" env:"COLLABSYNC_REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"COLLABSYNC_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" env:"COLLABSYNC_REDIS_DB" env-default:"0"`
	RedisPrefix   string `yaml:"redisPrefix" env:"COLLABSYNC_REDIS_PREFIX"`
}

type PollConfig struct {
	Interval             time.Duration `yaml:"interval" env:"COLLABSYNC_POLL_INTERVAL" env-default:"30s"`
	NotificationInterval time.Duration `yaml:"notificationInterval" env:"COLLABSYNC_NOTIFICATION_POLL_INTERVAL" env-default:"60s"`
	Jitter               float64       `yaml:"jitter" env:"COLLABSYNC_POLL_JITTER" env-default:"0.1"`
}

type OutputConfig struct {
	// Dir receives board.md and state.yaml on every change. Empty disables.
	Dir string `yaml:"dir" env:"COLLABSYNC_OUTPUT_DIR"`
	// DraftsDir is watched for chat drafts. Empty disables composing.
	DraftsDir string `yaml:"drafts" env:"COLLABSYNC_DRAFTS_DIR"`
	// Refresh re-renders at least this often so relative labels stay fresh.
	Refresh time.Duration `yaml:"refresh" env:"COLLABSYNC_REFRESH" env-default:"1m"`
}

type DevServerConfig struct {
	Addr     string        `yaml:"addr" env:"COLLABSYNC_DEV_ADDR" env-default:":8080"`
	Secret   string        `yaml:"secret" env:"COLLABSYNC_DEV_SECRET" env-default:"dev-secret"`
	Issuer   string        `yaml:"issuer" env:"COLLABSYNC_DEV_ISSUER" env-default:"collabsync-dev"`
	Users    []string      `yaml:"users" env:"COLLABSYNC_DEV_USERS" env-separator:"," env-default:"alice,bob"`
	TokenTTL time.Duration `yaml:"tokenTtl" env:"COLLABSYNC_DEV_TOKEN_TTL" env-default:"24h"`
	// Seed names a project filled with sample tasks and messages at start.
	Seed string `yaml:"seed" env:"COLLABSYNC_DEV_SEED"`
}

// Load reads path when it is not empty, then the environment.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	cfg.Push.Mode = strings.ToLower(strings.TrimSpace(cfg.Push.Mode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.Client.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("base url: %w", err))
	}
	switch c.Push.Mode {
	case PushWebSocket, PushNone:
	case PushRedis:
		if c.Push.RedisURL == "" && c.Push.RedisAddr == "" {
			errs = append(errs, errors.New("redis push needs COLLABSYNC_REDIS_URL or COLLABSYNC_REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown push mode %q", c.Push.Mode))
	}
	if c.Poll.Jitter < 0 || c.Poll.Jitter > 1 {
		errs = append(errs, fmt.Errorf("poll jitter %.2f outside [0, 1]", c.Poll.Jitter))
	}
	if _, err := time.LoadLocation(c.Client.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Client.Timezone)
}

// WebSocketURL returns the push endpoint, mapping http(s) base URLs to
// ws(s)://host/ws when none is configured.
func (c Config) WebSocketURL() (string, error) {
	if c.Push.URL != "" {
		return c.Push.URL, nil
	}
	u, err := url.Parse(c.Client.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// RedisOptions builds client options; a URL takes precedence over the
// address fields.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.Push.RedisURL != "" {
		opts, err := redis.ParseURL(c.Push.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if c.Push.RedisAddr == "" {
		return nil, errors.New("redis address is required")
	}
	return &redis.Options{
		Addr:     c.Push.RedisAddr,
		Password: c.Push.RedisPassword,
		DB:       c.Push.RedisDB,
	}, nil
}
