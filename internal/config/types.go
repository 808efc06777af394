package config

import "time"

// CommandKind selects how a target's processing command is invoked.
type CommandKind string

const (
	// KindRunner invokes the command through an interpreter, e.g.
	// "python3 script.py <file>".
	KindRunner CommandKind = "runner"
	// KindShell invokes the command through a shell, e.g.
	// "/bin/sh script.sh <file>".
	KindShell CommandKind = "shell"
)

// Config is the complete dropwatch configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Stability StabilityConfig `yaml:"stability"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	History   HistoryConfig   `yaml:"history,omitempty"`
	API       APIConfig       `yaml:"api,omitempty"`
	Targets   []WatchTarget   `yaml:"targets"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name          string `yaml:"name"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// StabilityConfig tunes the file stability detector. A file counts as stable
// after Threshold consecutive size-unchanged polls, provided it is older than
// MinFileAge; detection gives up after MaxWait.
type StabilityConfig struct {
	Threshold       int           `yaml:"threshold"`
	MaxWait         time.Duration `yaml:"max_wait"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MinFileAge      time.Duration `yaml:"min_file_age"`
}

// DispatchConfig tunes external command execution.
type DispatchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// HistoryConfig defines the optional dispatch history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// APIConfig defines the optional status API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// WatchTarget binds one watched directory tree to a processing command.
// Immutable after load; one per configured folder.
type WatchTarget struct {
	Name        string      `yaml:"name"`
	Root        string      `yaml:"root"`
	Command     string      `yaml:"command"`
	Kind        CommandKind `yaml:"kind"`
	Runner      string      `yaml:"runner,omitempty"`
	Shell       string      `yaml:"shell,omitempty"`
	Recursive   bool        `yaml:"recursive"`
	ScanOnStart bool        `yaml:"scan_on_start,omitempty"`
}

// Defaults returns a Config with the stock thresholds.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "dropwatch",
			LogLevel:      "info",
			LogFormat:     "json",
			MaxConcurrent: 5,
		},
		Stability: StabilityConfig{
			Threshold:       10,
			MaxWait:         600 * time.Second,
			InitialInterval: 1 * time.Second,
			MinFileAge:      5 * time.Second,
		},
		Dispatch: DispatchConfig{
			Timeout:     3600 * time.Second,
			GracePeriod: 5 * time.Second,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "./data/history.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8085",
		},
	}
}

// DefaultRunner is used for runner targets that don't name an interpreter.
const DefaultRunner = "python3"

// DefaultShell is used for shell targets that don't name a shell.
const DefaultShell = "/bin/sh"

// RunnerProgram resolves the interpreter or shell binary for the target.
func (t WatchTarget) RunnerProgram() string {
	switch t.Kind {
	case KindShell:
		if t.Shell != "" {
			return t.Shell
		}
		return DefaultShell
	default:
		if t.Runner != "" {
			return t.Runner
		}
		return DefaultRunner
	}
}
