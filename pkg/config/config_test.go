package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SANDRELAY_ADDR", "SANDRELAY_SESSION_TTL_MS", "SANDRELAY_RUNTIME", "LOG_LEVEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	if cfg.ListenAddr != ":8787" {
		t.Errorf("ListenAddr = %q, want :8787", cfg.ListenAddr)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %v, want 30m", cfg.SessionTTL)
	}
	if cfg.TurnTimeout != 10*time.Minute {
		t.Errorf("TurnTimeout = %v, want 10m", cfg.TurnTimeout)
	}
	if cfg.RuntimeMode != "docker" {
		t.Errorf("RuntimeMode = %q, want docker", cfg.RuntimeMode)
	}
	if cfg.DefaultModel != "gpt-5" {
		t.Errorf("DefaultModel = %q, want gpt-5", cfg.DefaultModel)
	}
	if cfg.ReasoningEffort != "medium" {
		t.Errorf("ReasoningEffort = %q, want medium", cfg.ReasoningEffort)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SANDRELAY_ADDR", ":9000")
	t.Setenv("SANDRELAY_SESSION_TTL_MS", "60000")
	t.Setenv("SANDRELAY_RUNTIME", "local")

	cfg := Load()
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.SessionTTL != time.Minute {
		t.Errorf("SessionTTL = %v, want 1m", cfg.SessionTTL)
	}
	if cfg.RuntimeMode != "local" {
		t.Errorf("RuntimeMode = %q, want local", cfg.RuntimeMode)
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandrelay.yaml")
	content := "listen_addr: \":7000\"\ndocker_image: \"ubuntu:24.04\"\nsession_ttl: 5m\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg := Load()
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want :7000", cfg.ListenAddr)
	}
	if cfg.DockerImage != "ubuntu:24.04" {
		t.Errorf("DockerImage = %q, want ubuntu:24.04", cfg.DockerImage)
	}
	if cfg.SessionTTL != 5*time.Minute {
		t.Errorf("SessionTTL = %v, want 5m", cfg.SessionTTL)
	}
	// Fields absent from the file keep their defaults.
	if cfg.DefaultModel != "gpt-5" {
		t.Errorf("DefaultModel = %q, want gpt-5", cfg.DefaultModel)
	}
}

func TestApplyFileMissing(t *testing.T) {
	cfg := Load()
	if err := cfg.ApplyFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("ApplyFile() with missing file expected error, got nil")
	}
}

func TestResolveCredentialOrder(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CODEX_API_KEY", "")
	if got := ResolveCredential(); got != "" {
		t.Errorf("ResolveCredential() = %q, want empty", got)
	}

	t.Setenv("CODEX_API_KEY", "codex-key")
	if got := ResolveCredential(); got != "codex-key" {
		t.Errorf("ResolveCredential() = %q, want codex-key", got)
	}

	t.Setenv("OPENAI_API_KEY", "openai-key")
	if got := ResolveCredential(); got != "openai-key" {
		t.Errorf("ResolveCredential() = %q, want openai-key (first env wins)", got)
	}
}
