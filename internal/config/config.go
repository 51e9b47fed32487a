package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/parley/pkg/stream"
)

// CurrentVersion is the only config file version this build understands.
const CurrentVersion = "1.0"

// Stream modes
const (
	StreamWebSocket = "websocket"
	StreamPoll      = "poll"
	StreamRedis     = "redis"
)

// Credential stores
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config represents ~/.parley/config.yml
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Chat        ChatConfig        `yaml:"chat"`
	Stream      StreamConfig      `yaml:"stream"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Redis       RedisConfig       `yaml:"redis"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig locates the forum API
type ServerConfig struct {
	URL          string        `yaml:"url"`
	AuthURL      string        `yaml:"auth_url,omitempty"`      // defaults to url
	WebSocketURL string        `yaml:"websocket_url,omitempty"` // derived from url when empty
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	RateLimit    float64       `yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst        int           `yaml:"burst,omitempty"`
}

// ChatConfig tunes the chat and watch commands
type ChatConfig struct {
	GeneralTopicID  int64 `yaml:"general_topic_id"`
	PageSize        int   `yaml:"page_size"`
	FollowThreshold int   `yaml:"follow_threshold"`
}

// StreamConfig selects and tunes the push transport
type StreamConfig struct {
	Mode         string          `yaml:"mode"`
	PollInterval time.Duration   `yaml:"poll_interval,omitempty"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the backoff used when the push channel drops
type ReconnectConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"` // 0 = forever
}

// CredentialsConfig says where tokens are kept between runs
type CredentialsConfig struct {
	Store string `yaml:"store"`
	Path  string `yaml:"path,omitempty"`
	Key   string `yaml:"key,omitempty"` // redis key
}

// RedisConfig is shared by the relay and the redis credential store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// LogConfig controls diagnostic logging (not command output)
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// MetricsConfig exposes Prometheus metrics for long-running commands
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"` // e.g. ":9464"; empty disables
}

// Dir returns the parley home directory (~/.parley, or $PARLEY_HOME).
func Dir() string {
	if dir := os.Getenv("PARLEY_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}

// DefaultPath returns the config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yml")
}

// Default returns a config that talks to a local forum.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			URL:     "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Chat: ChatConfig{
			GeneralTopicID:  1,
			PageSize:        50,
			FollowThreshold: 30,
		},
		Stream: StreamConfig{
			Mode:         StreamWebSocket,
			PollInterval: stream.DefaultPollInterval,
			Reconnect: ReconnectConfig{
				Initial: stream.DefaultBackoff.Initial,
				Max:     stream.DefaultBackoff.Max,
				Factor:  stream.DefaultBackoff.Factor,
				Jitter:  stream.DefaultBackoff.Jitter,
			},
		},
		Credentials: CredentialsConfig{
			Store: StoreFile,
			Path:  filepath.Join(Dir(), "credentials.yml"),
			Key:   "parley:credentials",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: stream.DefaultRedisPrefix,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported version: %s (expected: %s)", c.Version, CurrentVersion)
	}

	if err := validateURL("server.url", c.Server.URL, "http", "https"); err != nil {
		return err
	}
	if c.Server.AuthURL != "" {
		if err := validateURL("server.auth_url", c.Server.AuthURL, "http", "https"); err != nil {
			return err
		}
	}
	if c.Server.WebSocketURL != "" {
		if err := validateURL("server.websocket_url", c.Server.WebSocketURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must be >= 0, got %s", c.Server.Timeout)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0, got %g", c.Server.RateLimit)
	}

	if c.Chat.GeneralTopicID <= 0 {
		return fmt.Errorf("chat.general_topic_id must be positive, got %d", c.Chat.GeneralTopicID)
	}
	if c.Chat.PageSize < 0 || c.Chat.PageSize > 200 {
		return fmt.Errorf("chat.page_size must be between 0 and 200, got %d", c.Chat.PageSize)
	}

	switch c.Stream.Mode {
	case StreamWebSocket, StreamRedis:
	case StreamPoll:
		if c.Stream.PollInterval <= 0 {
			return fmt.Errorf("stream.poll_interval must be positive in poll mode")
		}
	default:
		return fmt.Errorf("invalid stream.mode: %s (must be '%s', '%s' or '%s')", c.Stream.Mode, StreamWebSocket, StreamPoll, StreamRedis)
	}
	if err := c.Stream.Backoff().Validate(); err != nil {
		return fmt.Errorf("stream.reconnect: %w", err)
	}
	if c.Stream.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("stream.reconnect.max_attempts must be >= 0 (0 = unlimited), got %d", c.Stream.Reconnect.MaxAttempts)
	}

	switch c.Credentials.Store {
	case StoreFile:
		if c.Credentials.Path == "" {
			return fmt.Errorf("credentials.path is required for the file store")
		}
	case StoreRedis:
		if c.Credentials.Key == "" {
			return fmt.Errorf("credentials.key is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid credentials.store: %s (must be '%s', '%s' or '%s')", c.Credentials.Store, StoreFile, StoreRedis, StoreMemory)
	}

	if (c.Stream.Mode == StreamRedis || c.Credentials.Store == StoreRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is used")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be 'debug', 'info', 'warn' or 'error')", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be 'console' or 'json')", c.Log.Format)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (scheme must be %s)", field, raw, strings.Join(schemes, " or "))
}

// Backoff converts the reconnect settings.
func (s StreamConfig) Backoff() stream.Backoff {
	return stream.Backoff{
		Initial: s.Reconnect.Initial,
		Max:     s.Reconnect.Max,
		Factor:  s.Reconnect.Factor,
		Jitter:  s.Reconnect.Jitter,
	}
}

// Load reads, overlays and validates the config at path.
// A missing file is not an error: defaults plus environment are used.
// .env in the working directory is loaded first, without overriding the real environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	config := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from PARLEY_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	str("PARLEY_SERVER", &c.Server.URL)
	str("PARLEY_AUTH_URL", &c.Server.AuthURL)
	str("PARLEY_WS_URL", &c.Server.WebSocketURL)
	str("PARLEY_STREAM_MODE", &c.Stream.Mode)
	str("PARLEY_CREDENTIALS_STORE", &c.Credentials.Store)
	str("PARLEY_CREDENTIALS_PATH", &c.Credentials.Path)
	str("PARLEY_REDIS_ADDR", &c.Redis.Addr)
	str("PARLEY_REDIS_PASSWORD", &c.Redis.Password)
	str("PARLEY_LOG_LEVEL", &c.Log.Level)
	str("PARLEY_LOG_FORMAT", &c.Log.Format)
	str("PARLEY_METRICS_LISTEN", &c.Metrics.Listen)

	if v := getenv("PARLEY_GENERAL_TOPIC"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PARLEY_GENERAL_TOPIC %q: %w", v, err)
		}
		c.Chat.GeneralTopicID = id
	}
	if v := getenv("PARLEY_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PARLEY_REDIS_DB %q: %w", v, err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
