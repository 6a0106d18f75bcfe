package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}
	if cfg.Chat.TimeoutSeconds != 30 {
		t.Errorf("expected chat timeout 30, got %d", cfg.Chat.TimeoutSeconds)
	}
	if cfg.ChatTimeout() != 30*time.Second {
		t.Errorf("expected ChatTimeout 30s, got %v", cfg.ChatTimeout())
	}
	if cfg.BackendTimeout() != 10*time.Second {
		t.Errorf("expected BackendTimeout 10s, got %v", cfg.BackendTimeout())
	}
	if cfg.RetryDelay() != time.Second {
		t.Errorf("expected RetryDelay 1s, got %v", cfg.RetryDelay())
	}
	if cfg.Chat.RetryAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Chat.RetryAttempts)
	}
	if cfg.Cache.Driver != CacheFile {
		t.Errorf("expected file cache driver, got %q", cfg.Cache.Driver)
	}
	if !strings.HasSuffix(cfg.Backend.BaseURL, "/api/v1/agent-analysis") {
		t.Errorf("unexpected default base url %q", cfg.Backend.BaseURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.Backend.Token = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("RESUMECHAT_BASE_URL", "http://env.example/api")
	t.Setenv("RESUMECHAT_TOKEN", "from-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:tg")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Backend.BaseURL != "http://env.example/api" {
		t.Errorf("expected env base url, got %q", loaded.Backend.BaseURL)
	}
	if loaded.Backend.Token != "from-env" {
		t.Errorf("expected env token, got %q", loaded.Backend.Token)
	}
	if loaded.Telegram.Token != "123:tg" {
		t.Errorf("expected env telegram token, got %q", loaded.Telegram.Token)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"log_level": "debug", "chat": {"use_agent": false}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %q", cfg.LogLevel)
	}
	if cfg.Chat.UseAgent {
		t.Error("expected use_agent=false from file")
	}
	if cfg.Chat.TimeoutSeconds != 30 {
		t.Errorf("expected default chat timeout to survive, got %d", cfg.Chat.TimeoutSeconds)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		DataDir:       "/tmp/test-data",
		LogLevel:      "debug",
		MaxConcurrent: 4,
	}
	original.Backend.BaseURL = "http://analysis.local/api/v1/agent-analysis"
	original.Backend.Token = "tok-round-trip"
	original.Backend.TimeoutSeconds = 15
	original.Backend.RateLimit = 2.5
	original.Chat.TimeoutSeconds = 45
	original.Chat.UseAgent = true
	original.Cache.Driver = CacheSQLite
	original.Cache.MaxMessages = 200
	original.HTTP.Enabled = true
	original.HTTP.Listen = "127.0.0.1:9000"
	original.Telegram.Token = "bot-token-456"
	original.Sync.Schedule = "@every 1m"

	// Save
	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Reload
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.Backend != original.Backend {
		t.Errorf("Backend mismatch: %+v != %+v", loaded.Backend, original.Backend)
	}
	if loaded.Chat != original.Chat {
		t.Errorf("Chat mismatch: %+v != %+v", loaded.Chat, original.Chat)
	}
	if loaded.Cache != original.Cache {
		t.Errorf("Cache mismatch: %+v != %+v", loaded.Cache, original.Cache)
	}
	if loaded.HTTP != original.HTTP {
		t.Errorf("HTTP mismatch: %+v != %+v", loaded.HTTP, original.HTTP)
	}
	if loaded.Sync.Schedule != original.Sync.Schedule {
		t.Errorf("Sync.Schedule mismatch: %v != %v", loaded.Sync.Schedule, original.Sync.Schedule)
	}
}

func TestSave_TOMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	original := Defaults()
	original.LogLevel = "warn"
	original.Backend.Token = "tok-toml"
	original.Cache.MaxMessages = 50

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[backend]") {
		t.Errorf("expected a TOML table, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LogLevel != "warn" || loaded.Backend.Token != "tok-toml" || loaded.Cache.MaxMessages != 50 {
		t.Errorf("TOML round trip lost values: %+v", loaded)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestKeys_CoverEverySection(t *testing.T) {
	keys := Keys()
	want := []string{
		"data_dir", "log_level", "max_concurrent",
		"backend.base_url", "backend.token", "backend.timeout_seconds", "backend.rate_limit",
		"chat.timeout_seconds", "chat.use_agent", "chat.retry_attempts", "chat.retry_delay_ms",
		"cache.driver", "cache.max_messages",
		"http.enabled", "http.listen",
		"telegram.token",
		"sync.schedule",
	}
	if strings.Join(keys, " ") != strings.Join(want, " ") {
		t.Errorf("keys = %v, want %v", keys, want)
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, key := range []string{"backend.token", "telegram.token"} {
		if !IsSecretKey(key) {
			t.Errorf("%s should be secret", key)
		}
	}
	for _, key := range []string{"backend.base_url", "http.listen", "token", "backend"} {
		if IsSecretKey(key) {
			t.Errorf("%s should not be secret", key)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"ab":              "***ab",
		"abcd":            "***abcd",
		"tok-secret-1234": "***1234",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func settingsByKey(list []Setting) map[string]Setting {
	out := make(map[string]Setting, len(list))
	for _, s := range list {
		out[s.Key] = s
	}
	return out
}

func TestListValues_NoMask(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.Token = "tok-secret-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	got := settingsByKey(ListValues(cfg, false))
	if got["backend.token"].Value != "tok-secret-1234" {
		t.Errorf("expected unmasked backend.token, got %v", got["backend.token"].Value)
	}
	if !got["telegram.token"].Secret {
		t.Error("telegram.token should be flagged secret")
	}
	if got["chat.retry_attempts"].Value != 3 {
		t.Errorf("expected chat.retry_attempts=3, got %v (%T)", got["chat.retry_attempts"].Value, got["chat.retry_attempts"].Value)
	}
	if got["sync.schedule"].Section() != "sync" || got["log_level"].Section() != "" {
		t.Errorf("unexpected sections %q %q", got["sync.schedule"].Section(), got["log_level"].Section())
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.Token = "tok-secret-1234"

	got := settingsByKey(ListValues(cfg, true))
	if got["backend.token"].Value != "***1234" {
		t.Errorf("expected masked backend.token=***1234, got %v", got["backend.token"].Value)
	}
	if got["telegram.token"].Value != "" {
		t.Errorf("expected empty telegram.token to stay empty, got %v", got["telegram.token"].Value)
	}
	if got["backend.base_url"].Value != cfg.Backend.BaseURL {
		t.Errorf("expected backend.base_url unmasked, got %v", got["backend.base_url"].Value)
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := Defaults()
	cfg.LogLevel = "debug"
	cfg.MaxConcurrent = 8
	cfg.Cache.Driver = CacheSQLite
	writeTestConfig(t, path, cfg)

	for key, want := range map[string]any{
		"log_level":      "debug",
		"cache.driver":   CacheSQLite,
		"max_concurrent": 8,
		"chat.use_agent": true,
	} {
		v, err := GetValue(path, key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", key, err)
		}
		if v != want {
			t.Errorf("%s = %v (%T), want %v", key, v, v, want)
		}
	}
}

func TestGetValue_IgnoresEnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())
	t.Setenv("RESUMECHAT_TOKEN", "from-env")

	v, err := GetValue(path, "backend.token")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "" {
		t.Errorf("expected the file value, got %v", v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	_, err := GetValue(path, "backend.password")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	expected := "unknown config key: backend.password"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestGetValue_SectionIsNotAValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if _, err := GetValue(path, "chat"); err == nil {
		t.Fatal("expected error for a section key")
	}
	if _, err := GetValue(path, "log_level.extra"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey below a leaf, got %v", err)
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := Defaults()
	cfg.Backend.BaseURL = "http://analysis.local"
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "sync.schedule", "@hourly"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Sync.Schedule != "@hourly" {
		t.Errorf("expected sync.schedule=@hourly, got %q", loaded.Sync.Schedule)
	}
	if loaded.Backend.BaseURL != "http://analysis.local" {
		t.Errorf("expected backend.base_url preserved, got %q", loaded.Backend.BaseURL)
	}
}

func TestSetValue_ChatTuning(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	for key, value := range map[string]string{
		"chat.retry_attempts":  "5",
		"chat.timeout_seconds": "45",
		"chat.use_agent":       "false",
		"backend.rate_limit":   "0.5",
	} {
		if err := SetValue(path, key, value); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", key, err)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Chat.RetryAttempts != 5 {
		t.Errorf("expected retry_attempts=5, got %d", cfg.Chat.RetryAttempts)
	}
	if cfg.ChatTimeout() != 45*time.Second {
		t.Errorf("expected 45s chat timeout, got %v", cfg.ChatTimeout())
	}
	if cfg.Chat.UseAgent {
		t.Error("expected use_agent=false")
	}
	if cfg.Backend.RateLimit != 0.5 {
		t.Errorf("expected rate_limit=0.5, got %v", cfg.Backend.RateLimit)
	}
}

func TestSetValue_RejectsBadValues(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	cases := []struct{ key, value string }{
		{"chat.retry_attempts", "three"},
		{"chat.retry_attempts", "-1"},
		{"chat.use_agent", "maybe"},
		{"backend.rate_limit", "fast"},
		{"cache.driver", "redis"},
		{"log_level", "verbose"},
		{"custom.setting", "value"},
	}
	for _, tc := range cases {
		if err := SetValue(path, tc.key, tc.value); err == nil {
			t.Errorf("SetValue(%s, %s) should fail", tc.key, tc.value)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Chat.RetryAttempts != 3 || cfg.Cache.Driver != CacheFile || cfg.LogLevel != "info" {
		t.Errorf("rejected values must leave the file unchanged, got %+v", cfg)
	}
}

func TestSetValue_TOMLKeepsIntegers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "cache.max_messages", "500"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read toml: %v", err)
	}
	if !strings.Contains(string(data), "max_messages = 500") {
		t.Errorf("expected an integer in the TOML file, got:\n%s", data)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after TOML set failed: %v", err)
	}
	if cfg.Cache.MaxMessages != 500 {
		t.Errorf("expected cache.max_messages=500, got %d", cfg.Cache.MaxMessages)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// GetValue creates the file with defaults.
	path := tempConfigPath(t)

	v, err := GetValue(path, "cache.driver")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != CacheFile {
		t.Errorf("expected default cache.driver=file, got %v", v)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults should have been written: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
