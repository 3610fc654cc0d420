// Package config loads acpx's global configuration (~/.acpx/config.yaml plus
// ACPX_* environment overrides) and resolves per-project acpx.yaml manifests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds acpx's global, user-level configuration.
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue"`
	EventLog  EventLogConfig  `mapstructure:"eventLog"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// QueueConfig controls the per-session owner/submitter runtime.
type QueueConfig struct {
	// TTLSeconds is how long an idle owner waits for a new task before
	// shutting itself down (component C's nextTask timeout).
	TTLSeconds int `mapstructure:"ttlSeconds"`
	// ShutdownGraceSeconds bounds how long the owner waits for an in-flight
	// prompt to return "cancelled" on SIGINT/SIGTERM before force-killing.
	ShutdownGraceSeconds float64 `mapstructure:"shutdownGraceSeconds"`
	// SubmitRetryAttempts/IntervalMs bound the submitter's connect-retry loop.
	SubmitRetryAttempts   int `mapstructure:"submitRetryAttempts"`
	SubmitRetryIntervalMs int `mapstructure:"submitRetryIntervalMs"`
}

// EventLogConfig controls session event-log segment rotation (component H).
type EventLogConfig struct {
	MaxSegmentBytes int64 `mapstructure:"maxSegmentBytes"`
	MaxSegments     int   `mapstructure:"maxSegments"`
}

// LoggingConfig controls the ambient zap logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds default adapter invocation settings, overridable per
// project by an acpx.yaml manifest (see Manifest in manifest.go).
type AgentConfig struct {
	Command           string            `mapstructure:"command"`
	AuthMethods       map[string]string `mapstructure:"authMethods"`
	PermissionMode    string            `mapstructure:"permissionMode"`
	NonInteractivePerm []string         `mapstructure:"nonInteractivePermissions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.ttlSeconds", 600)
	v.SetDefault("queue.shutdownGraceSeconds", 2.5)
	v.SetDefault("queue.submitRetryAttempts", 40)
	v.SetDefault("queue.submitRetryIntervalMs", 50)

	v.SetDefault("eventLog.maxSegmentBytes", 64*1024*1024)
	v.SetDefault("eventLog.maxSegments", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("agent.command", "")
	v.SetDefault("agent.permissionMode", "prompt")
}

// Load reads ~/.acpx/config.yaml (if present) layered with ACPX_* env
// overrides and acpx's built-in defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return LoadFrom(filepath.Join(home, ".acpx"))
}

// LoadFrom behaves like Load but reads config.yaml from configDir; used by
// tests to avoid touching the real user home.
func LoadFrom(configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ACPX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// HomeDir returns the acpx state directory, <home>/.acpx, per spec §6.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".acpx"), nil
}
