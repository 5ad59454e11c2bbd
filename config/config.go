// Package config loads tribe client settings from an optional YAML file and
// TRIBE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"lds.li/tribeclient/api"
	"lds.li/tribeclient/credstore"
	"lds.li/tribeclient/renew"
)

// EnvPrefix is prepended to environment variable names, e.g.
// TRIBE_BASE_URL or TRIBE_STORAGE_BACKEND.
const EnvPrefix = "TRIBE"

// Storage backends.
const (
	BackendAuto   = "auto"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

type PathsConfig struct {
	Token    string `mapstructure:"token"`
	Refresh  string `mapstructure:"refresh"`
	Logout   string `mapstructure:"logout"`
	Register string `mapstructure:"register"`
}

type StorageConfig struct {
	// Backend is one of auto, memory, file or redis. auto uses redis if an
	// address is set and reachable, then the file, then memory.
	Backend string `mapstructure:"backend"`
	// Path of the credentials file.
	Path string `mapstructure:"path"`
	// KeysetPath, if set, seals the credentials file with a tink keyset
	// stored there. It is created on first use.
	KeysetPath string `mapstructure:"keyset_path"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisKey   string `mapstructure:"redis_key"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	Paths          PathsConfig   `mapstructure:"paths"`
	RenewalTimeout time.Duration `mapstructure:"renewal_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Storage        StorageConfig `mapstructure:"storage"`
	Log            LogConfig     `mapstructure:"log"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// every key needs a default so that env-only values are unmarshaled
	v.SetDefault("base_url", "")
	v.SetDefault("paths.token", api.DefaultTokenPath)
	v.SetDefault("paths.refresh", api.DefaultRefreshPath)
	v.SetDefault("paths.logout", api.DefaultLogoutPath)
	v.SetDefault("paths.register", api.DefaultRegisterPath)
	v.SetDefault("renewal_timeout", renew.DefaultTimeout)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.path", defaultCredentialsPath())
	v.SetDefault("storage.keyset_path", "")
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("storage.redis_key", credstore.DefaultRedisKey)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL))
	}

	if c.RenewalTimeout < 0 {
		errs = append(errs, errors.New("renewal_timeout must not be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must not be negative"))
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendAuto:
	case BackendFile:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the file backend"))
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of auto/memory/file/redis, got %q", c.Storage.Backend))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// API returns a client for the authentication endpoints.
func (c *Config) API() *api.Client {
	return &api.Client{
		BaseURL:      c.BaseURL,
		TokenPath:    c.Paths.Token,
		RefreshPath:  c.Paths.Refresh,
		LogoutPath:   c.Paths.Logout,
		RegisterPath: c.Paths.Register,
	}
}

// Backend constructs the configured credential backend.
func (c *Config) Backend() (credstore.Backend, error) {
	switch c.Storage.Backend {
	case BackendMemory:
		return &credstore.MemBackend{}, nil
	case BackendFile:
		return c.fileBackend()
	case BackendRedis:
		return c.redisBackend(), nil
	case BackendAuto:
		var candidates []credstore.Backend
		if c.Storage.RedisAddr != "" {
			candidates = append(candidates, c.redisBackend())
		}
		if c.Storage.Path != "" {
			fb, err := c.fileBackend()
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, fb)
		}
		return credstore.Best(candidates...), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}

func (c *Config) fileBackend() (*credstore.FileBackend, error) {
	fb := &credstore.FileBackend{Path: c.Storage.Path}
	if c.Storage.KeysetPath != "" {
		a, err := credstore.NewAEAD(c.Storage.KeysetPath)
		if err != nil {
			return nil, err
		}
		fb.AEAD = a
	}
	return fb, nil
}

func (c *Config) redisBackend() *credstore.RedisBackend {
	return &credstore.RedisBackend{
		Client: redis.NewClient(&redis.Options{Addr: c.Storage.RedisAddr}),
		Key:    c.Storage.RedisKey,
	}
}

// Logger returns a logger writing to w in the configured format and level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level must be debug/info/warn/error, got %q", s)
	}
	return l, nil
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tribeclient", "credentials.json")
}
