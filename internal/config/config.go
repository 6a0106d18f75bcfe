package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir       string `json:"data_dir" toml:"data_dir"`
	LogLevel      string `json:"log_level" toml:"log_level" oneof:"debug,info,warn,error"`
	MaxConcurrent int    `json:"max_concurrent" toml:"max_concurrent"`
	Backend       struct {
		BaseURL        string  `json:"base_url" toml:"base_url"`
		Token          string  `json:"token" toml:"token" secret:"true"`
		TimeoutSeconds int     `json:"timeout_seconds" toml:"timeout_seconds"`
		RateLimit      float64 `json:"rate_limit" toml:"rate_limit"`
	} `json:"backend" toml:"backend"`
	Chat struct {
		TimeoutSeconds int  `json:"timeout_seconds" toml:"timeout_seconds"`
		UseAgent       bool `json:"use_agent" toml:"use_agent"`
		RetryAttempts  int  `json:"retry_attempts" toml:"retry_attempts"`
		RetryDelayMS   int  `json:"retry_delay_ms" toml:"retry_delay_ms"`
	} `json:"chat" toml:"chat"`
	Cache struct {
		Driver      string `json:"driver" toml:"driver" oneof:"file,sqlite"`
		MaxMessages int    `json:"max_messages" toml:"max_messages"`
	} `json:"cache" toml:"cache"`
	HTTP struct {
		Enabled bool   `json:"enabled" toml:"enabled"`
		Listen  string `json:"listen" toml:"listen"`
	} `json:"http" toml:"http"`
	Telegram struct {
		Token string `json:"token" toml:"token" secret:"true"`
	} `json:"telegram" toml:"telegram"`
	Sync struct {
		Schedule string `json:"schedule" toml:"schedule"`
	} `json:"sync" toml:"sync"`
}

// Cache drivers.
const (
	CacheFile   = "file"
	CacheSQLite = "sqlite"
)

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".resumechat"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Backend.BaseURL = "http://localhost:8000/api/v1/agent-analysis"
	cfg.Backend.TimeoutSeconds = 10
	cfg.Chat.TimeoutSeconds = 30
	cfg.Chat.UseAgent = true
	cfg.Chat.RetryAttempts = 3
	cfg.Chat.RetryDelayMS = 1000
	cfg.Cache.Driver = CacheFile
	cfg.HTTP.Listen = "127.0.0.1:8585"
	cfg.Sync.Schedule = "@every 5m"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	// Override from env (highest precedence)
	if baseURL := os.Getenv("RESUMECHAT_BASE_URL"); baseURL != "" {
		cfg.Backend.BaseURL = baseURL
	}
	if token := os.Getenv("RESUMECHAT_TOKEN"); token != "" {
		cfg.Backend.Token = token
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// loadFile reads path over the defaults, writing the defaults out when the
// file does not exist yet.
func loadFile(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

// BackendTimeout is the REST request timeout.
func (c *Config) BackendTimeout() time.Duration {
	return seconds(c.Backend.TimeoutSeconds)
}

// ChatTimeout is how long a send waits for its first token.
func (c *Config) ChatTimeout() time.Duration {
	return seconds(c.Chat.TimeoutSeconds)
}

// RetryDelay is the base delay between stream open attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Chat.RetryDelayMS) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, v any) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), v)
		return err
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
