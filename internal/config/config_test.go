package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MIFARE_AGENT_HOST", "MIFARE_AGENT_PORT", "MIFARE_AGENT_READER", "MIFARE_AGENT_POLL_MS"} {
		t.Setenv(k, "")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
host: 0.0.0.0
port: 4000
reader: ACR1252
poll_interval: 100ms
log_level: debug
sentry:
  enabled: true
  environment: staging
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address() != "0.0.0.0:4000" {
		t.Errorf("Address() = %q", cfg.Address())
	}
	if cfg.Reader != "ACR1252" {
		t.Errorf("Reader = %q", cfg.Reader)
	}
	if cfg.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if !cfg.Sentry.Enabled || cfg.Sentry.Environment != "staging" {
		t.Errorf("Sentry = %+v", cfg.Sentry)
	}
	// fields missing from the file keep their defaults
	if cfg.LogBuffer != DefaultLogBuffer {
		t.Errorf("LogBuffer = %d, want default", cfg.LogBuffer)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("got %+v, want defaults", cfg)
	}
	if cfg.Address() != "127.0.0.1:32145" {
		t.Errorf("Address() = %q", cfg.Address())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIFARE_AGENT_HOST", "localhost")
	t.Setenv("MIFARE_AGENT_PORT", "9000")
	t.Setenv("MIFARE_AGENT_READER", "Identiv")
	t.Setenv("MIFARE_AGENT_POLL_MS", "50")

	cfg, err := Load(writeConfig(t, "port: 4000\nreader: ACR122U\n"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address() != "localhost:9000" {
		t.Errorf("Address() = %q", cfg.Address())
	}
	if cfg.Reader != "Identiv" {
		t.Errorf("Reader = %q", cfg.Reader)
	}
	if cfg.PollInterval != 50*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		wantErr string
	}{
		{"unknown field", "prot: 80\n", nil, "field prot not found"},
		{"bad yaml", "port: [\n", nil, "parse config yaml"},
		{"port out of range", "port: 70000\n", nil, "config.port"},
		{"negative reader index", "reader_index: -1\n", nil, "config.reader_index"},
		{"poll too fast", "poll_interval: 1ms\n", nil, "config.poll_interval"},
		{"bad log level", "log_level: loud\n", nil, "config.log_level"},
		{"bad env port", "", map[string]string{"MIFARE_AGENT_PORT": "http"}, "MIFARE_AGENT_PORT"},
		{"bad env poll", "", map[string]string{"MIFARE_AGENT_POLL_MS": "fast"}, "MIFARE_AGENT_POLL_MS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
