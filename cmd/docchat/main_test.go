package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyohan21/ai-document/internal/config"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, fromFile, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if fromFile {
		t.Error("fromFile = true for a missing file")
	}
	if cfg.Storage.Dir != config.DefaultStorageDir {
		t.Errorf("storage dir = %q", cfg.Storage.Dir)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("PORT", "8081")

	path := filepath.Join(t.TempDir(), "docchat.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \"127.0.0.1:5000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, fromFile, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !fromFile {
		t.Error("fromFile = false")
	}
	if cfg.OpenAI.APIKey != "sk-env" || cfg.Server.ListenAddr != "127.0.0.1:8081" {
		t.Errorf("key = %q, addr = %q", cfg.OpenAI.APIKey, cfg.Server.ListenAddr)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docchat.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadConfig(path); err == nil {
		t.Error("loadConfig accepted an invalid log level")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v; want %v", in, got, want)
		}
	}
}
