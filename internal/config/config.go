package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAgents is returned when the agents directory defines no agents.
var ErrNoAgents = errors.New("no agents defined")

// Config represents the main troupe configuration
type Config struct {
	// Data directory, defaults to ~/.troupe
	DataDir string `json:"data_dir" mapstructure:"data_dir" yaml:"data_dir"`

	// Agents directory, defaults to <data_dir>/agents
	AgentsDir string `json:"agents_dir" mapstructure:"agents_dir" yaml:"agents_dir"`

	// Agent process
	Process ProcessConfig `json:"process" mapstructure:"process" yaml:"process"`

	// Conversation history
	Store StoreConfig `json:"store" mapstructure:"store" yaml:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging" yaml:"logging"`

	// Hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks" yaml:"hooks"`

	// Event feed server
	Server ServerConfig `json:"server" mapstructure:"server" yaml:"server"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing" yaml:"tracing"`
}

// ProcessConfig describes how the agent process is spawned.
type ProcessConfig struct {
	Binary string `json:"binary" mapstructure:"binary" yaml:"binary"`
	// Args replaces the default argument list when set. Each entry may use
	// {{model}}, {{system_prompt}} and {{message}}.
	Args []string          `json:"args" mapstructure:"args" yaml:"args"`
	Env  map[string]string `json:"env" mapstructure:"env" yaml:"env"`
	Dir  string            `json:"dir" mapstructure:"dir" yaml:"dir"`
	// DropUnrecognizedObjects discards JSON output lines with no text delta.
	DropUnrecognizedObjects bool `json:"drop_unrecognized_objects" mapstructure:"drop_unrecognized_objects" yaml:"drop_unrecognized_objects"`
}

// StoreConfig selects the history backend.
type StoreConfig struct {
	Backend      string `json:"backend" mapstructure:"backend" yaml:"backend"` // jsonl, sqlite
	Path         string `json:"path" mapstructure:"path" yaml:"path"`
	HistoryLimit int    `json:"history_limit" mapstructure:"history_limit" yaml:"history_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" yaml:"level"`
	File      string `json:"file" mapstructure:"file" yaml:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty" yaml:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" yaml:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" yaml:"max_age"`    // days
	Compress  bool   `json:"compress" mapstructure:"compress" yaml:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction" yaml:"redaction"`
}

// HooksConfig holds shell hooks.
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Entries []HookConfig `json:"entries" mapstructure:"entries" yaml:"entries"`
}

// HookConfig is one shell hook.
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id" yaml:"id"`
	Event          string `json:"event" mapstructure:"event" yaml:"event"`
	Script         string `json:"script" mapstructure:"script" yaml:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig holds event feed server configuration
type ServerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Host    string `json:"host" mapstructure:"host" yaml:"host"`
	Port    int    `json:"port" mapstructure:"port" yaml:"port"`
}

// TracingConfig controls OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Process: ProcessConfig{
			Binary: "claude",
			Env:    map[string]string{},
		},
		Store: StoreConfig{
			Backend:      "jsonl",
			HistoryLimit: 0,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Hooks: HooksConfig{
			Enabled: false,
			Entries: []HookConfig{},
		},
		Server: ServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    7777,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "troupe",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if strings.TrimSpace(c.Process.Binary) == "" {
		return fmt.Errorf("process binary is required")
	}
	if err := v.ValidateProcessArgs(c.Process.Args); err != nil {
		return err
	}

	if err := v.ValidateStoreBackend(c.Store.Backend); err != nil {
		return err
	}
	if c.Store.HistoryLimit < 0 {
		return fmt.Errorf("store history_limit cannot be negative, got %d", c.Store.HistoryLimit)
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Hooks.Enabled {
		seen := map[string]bool{}
		for i, hook := range c.Hooks.Entries {
			if hook.ID == "" {
				return fmt.Errorf("hook %d: id is required", i)
			}
			if seen[hook.ID] {
				return fmt.Errorf("hook %s: duplicate id", hook.ID)
			}
			seen[hook.ID] = true
			if err := v.ValidateHookEvent(hook.Event); err != nil {
				return fmt.Errorf("hook %s: %w", hook.ID, err)
			}
			if hook.Enabled && strings.TrimSpace(hook.Script) == "" {
				return fmt.Errorf("hook %s: script is required", hook.ID)
			}
			if hook.TimeoutSeconds < 0 {
				return fmt.Errorf("hook %s: timeout_seconds cannot be negative", hook.ID)
			}
		}
	}

	if c.Server.Enabled {
		if err := v.ValidatePort(c.Server.Port); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1, got %f", c.Tracing.SampleRatio)
	}

	return nil
}
