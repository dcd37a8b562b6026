// Package config provides configuration for the sandrelay server and the
// turn runner.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CredentialEnvVars lists the environment variables consulted for the
// upstream credential, in priority order. The first non-empty value wins.
var CredentialEnvVars = []string{"OPENAI_API_KEY", "CODEX_API_KEY"}

// BaseURLEnvVar overrides the upstream base URL.
const BaseURLEnvVar = "OPENAI_BASE_URL"

// DefaultBaseURL is used when no override is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// Config holds the relay configuration.
type Config struct {
	// Server settings
	ListenAddr string `yaml:"listen_addr"`

	// Session lifecycle
	SessionTTL  time.Duration `yaml:"session_ttl"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// Execution contexts
	RuntimeMode string `yaml:"runtime_mode"`
	DockerImage string `yaml:"docker_image"`
	ContextRoot string `yaml:"context_root"`

	// Upstream defaults
	DefaultModel    string `yaml:"default_model"`
	ReasoningEffort string `yaml:"reasoning_effort"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load builds a Config from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:      getEnv("SANDRELAY_ADDR", ":8787"),
		SessionTTL:      time.Duration(getEnvInt("SANDRELAY_SESSION_TTL_MS", 30*60*1000)) * time.Millisecond,
		TurnTimeout:     time.Duration(getEnvInt("SANDRELAY_TURN_TIMEOUT_MS", 10*60*1000)) * time.Millisecond,
		RuntimeMode:     getEnv("SANDRELAY_RUNTIME", "docker"),
		DockerImage:     getEnv("SANDRELAY_IMAGE", "debian:bookworm-slim"),
		ContextRoot:     getEnv("SANDRELAY_CONTEXT_ROOT", "/sandrelay"),
		DefaultModel:    getEnv("SANDRELAY_MODEL", "gpt-5"),
		ReasoningEffort: getEnv("SANDRELAY_REASONING_EFFORT", "medium"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "console"),
	}
}

// ApplyFile overlays values from a YAML config file. Zero-valued fields in
// the file leave the current value untouched.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if overlay.ListenAddr != "" {
		c.ListenAddr = overlay.ListenAddr
	}
	if overlay.SessionTTL > 0 {
		c.SessionTTL = overlay.SessionTTL
	}
	if overlay.TurnTimeout > 0 {
		c.TurnTimeout = overlay.TurnTimeout
	}
	if overlay.RuntimeMode != "" {
		c.RuntimeMode = overlay.RuntimeMode
	}
	if overlay.DockerImage != "" {
		c.DockerImage = overlay.DockerImage
	}
	if overlay.ContextRoot != "" {
		c.ContextRoot = overlay.ContextRoot
	}
	if overlay.DefaultModel != "" {
		c.DefaultModel = overlay.DefaultModel
	}
	if overlay.ReasoningEffort != "" {
		c.ReasoningEffort = overlay.ReasoningEffort
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		c.LogFormat = overlay.LogFormat
	}
	return nil
}

// ResolveCredential returns the upstream credential from the environment, or
// the empty string when none is configured.
func ResolveCredential() string {
	for _, name := range CredentialEnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// ResolveBaseURL returns the upstream base URL override from the
// environment, or the empty string when unset.
func ResolveBaseURL() string {
	return strings.TrimSpace(os.Getenv(BaseURLEnvVar))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
