// Package config loads talkflow settings from a YAML file with TALKFLOW_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/internal/shell"
	"gopkg.in/yaml.v3"
)

// Config is the full talkflow configuration
type Config struct {
	DataDir      string `yaml:"dataDir" validate:"required"`
	WorkflowsDir string `yaml:"workflowsDir" validate:"required"`
	LogLevel     string `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	HTTPAddr     string `yaml:"httpAddr" validate:"required,hostname_port"`

	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Shell     ShellConfig     `yaml:"shell"`
	Sync      SyncConfig      `yaml:"sync"`
	Providers ProvidersConfig `yaml:"providers"`

	FileWriteRoot string `yaml:"fileWriteRoot"`
	OutboxPath    string `yaml:"outboxPath"`
}

// DatabaseConfig names the SQLite files. Relative paths live under DataDir.
type DatabaseConfig struct {
	Runs      string `yaml:"runs" validate:"required"`
	Captures  string `yaml:"captures" validate:"required"`
	Mirror    string `yaml:"mirror" validate:"required"`
	LiveState string `yaml:"liveState" validate:"required"`
}

// EngineConfig bounds run execution
type EngineConfig struct {
	MaxConcurrentRuns   int           `yaml:"maxConcurrentRuns" validate:"min=1"`
	DefaultStepTimeout  time.Duration `yaml:"defaultStepTimeout" validate:"min=1ms"`
	MaxSubWorkflowDepth int           `yaml:"maxSubWorkflowDepth" validate:"min=1,max=64"`
}

// ShellConfig is the sandbox for shell-execution steps and command providers
type ShellConfig struct {
	WorkingDir string        `yaml:"workingDir"`
	Timeout    time.Duration `yaml:"timeout" validate:"min=1ms"`
	MaxOutput  int           `yaml:"maxOutput" validate:"min=1"`
	Blocklist  []string      `yaml:"blocklist"`
}

// SyncConfig configures the memo sync
type SyncConfig struct {
	// Owner runs the scheduler in this process. Exactly one process per
	// mirror should own sync.
	Owner       bool          `yaml:"owner"`
	MinInterval time.Duration `yaml:"minInterval" validate:"min=0"`
	Schedule    string        `yaml:"schedule" validate:"required"`
	Primary     string        `yaml:"primary" validate:"oneof=memory dynamodb"`
	Table       string        `yaml:"table" validate:"required_if=Primary dynamodb"`
	Region      string        `yaml:"region"`
	Endpoint    string        `yaml:"endpoint" validate:"omitempty,url"`
}

// ProvidersConfig points at external model commands. An empty command leaves
// the matching step types unregistered.
type ProvidersConfig struct {
	Generator   CommandConfig `yaml:"generator"`
	Transcriber CommandConfig `yaml:"transcriber"`
}

// CommandConfig is an external command
type CommandConfig struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	dataDir := "./data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".talkflow")
	}

	return &Config{
		DataDir:      dataDir,
		WorkflowsDir: filepath.Join(dataDir, "workflows"),
		LogLevel:     "info",
		HTTPAddr:     "127.0.0.1:7788",
		Database: DatabaseConfig{
			Runs:      "runs.db",
			Captures:  "captures.db",
			Mirror:    "mirror.db",
			LiveState: "live.db",
		},
		Engine: EngineConfig{
			MaxConcurrentRuns:   talkflow.DefaultEngineConfig.MaxConcurrentRuns,
			DefaultStepTimeout:  talkflow.DefaultEngineConfig.DefaultStepTimeout,
			MaxSubWorkflowDepth: talkflow.DefaultEngineConfig.MaxSubWorkflowDepth,
		},
		Shell: ShellConfig{
			Timeout:   30 * time.Second,
			MaxOutput: 1 << 20,
			Blocklist: append([]string(nil), shell.DefaultBlocklist...),
		},
		Sync: SyncConfig{
			MinInterval: 300 * time.Second,
			Schedule:    "@every 5m",
			Primary:     "memory",
		},
	}
}

// Load reads path (optional), applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the config file used when --config is not given
func DefaultPath() string {
	if path := os.Getenv("TALKFLOW_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".talkflow", "config.yaml")
}

// applyEnv overrides settings from TALKFLOW_* variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("TALKFLOW_DATA_DIR", &cfg.DataDir)
	str("TALKFLOW_WORKFLOWS_DIR", &cfg.WorkflowsDir)
	str("TALKFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("TALKFLOW_HTTP_ADDR", &cfg.HTTPAddr)
	str("TALKFLOW_FILE_WRITE_ROOT", &cfg.FileWriteRoot)
	str("TALKFLOW_OUTBOX_PATH", &cfg.OutboxPath)
	integer("TALKFLOW_MAX_CONCURRENT_RUNS", &cfg.Engine.MaxConcurrentRuns)
	duration("TALKFLOW_STEP_TIMEOUT", &cfg.Engine.DefaultStepTimeout)
	str("TALKFLOW_SHELL_WORKDIR", &cfg.Shell.WorkingDir)
	duration("TALKFLOW_SHELL_TIMEOUT", &cfg.Shell.Timeout)
	boolean("TALKFLOW_SYNC_OWNER", &cfg.Sync.Owner)
	duration("TALKFLOW_SYNC_MIN_INTERVAL", &cfg.Sync.MinInterval)
	str("TALKFLOW_SYNC_SCHEDULE", &cfg.Sync.Schedule)
	str("TALKFLOW_SYNC_PRIMARY", &cfg.Sync.Primary)
	str("TALKFLOW_SYNC_TABLE", &cfg.Sync.Table)
	str("TALKFLOW_SYNC_REGION", &cfg.Sync.Region)
	str("TALKFLOW_SYNC_ENDPOINT", &cfg.Sync.Endpoint)
	str("TALKFLOW_GENERATOR_COMMAND", &cfg.Providers.Generator.Command)
	str("TALKFLOW_GENERATOR_MODEL", &cfg.Providers.Generator.Model)
	str("TALKFLOW_TRANSCRIBER_COMMAND", &cfg.Providers.Transcriber.Command)
	str("TALKFLOW_TRANSCRIBER_MODEL", &cfg.Providers.Transcriber.Model)

	return errors.Join(errs...)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Path resolves a database or file path against DataDir
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// EngineConfig converts the engine section
func (c *Config) EngineConfig() talkflow.EngineConfig {
	return talkflow.EngineConfig{
		MaxConcurrentRuns:   c.Engine.MaxConcurrentRuns,
		DefaultStepTimeout:  c.Engine.DefaultStepTimeout,
		MaxSubWorkflowDepth: c.Engine.MaxSubWorkflowDepth,
		Backend:             talkflow.DefaultEngineConfig.Backend,
	}
}

// Executor builds the shell sandbox
func (c *Config) Executor() *shell.Executor {
	exec := shell.NewExecutor(c.Shell.Timeout, c.Shell.MaxOutput, c.Shell.WorkingDir)
	if c.Shell.Blocklist != nil {
		exec.Blocklist = append([]string(nil), c.Shell.Blocklist...)
	}
	return exec
}
