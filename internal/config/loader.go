package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the orchestrator daemon.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelExt     string `json:"model_ext" yaml:"model_ext" toml:"model_ext"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	BinDir       string `json:"bin_dir" yaml:"bin_dir" toml:"bin_dir"`
	// Backend is auto|cpu|cuda|vulkan.
	Backend string `json:"backend" yaml:"backend" toml:"backend"`

	ServerHost string `json:"server_host" yaml:"server_host" toml:"server_host"`
	ServerPort int    `json:"server_port" yaml:"server_port" toml:"server_port"`
	CtxSize    int    `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	BatchSize  int    `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	GPULayers  int    `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`

	ReadyTimeoutSec    int `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
	DispatchWaitSec    int `json:"dispatch_wait_sec" yaml:"dispatch_wait_sec" toml:"dispatch_wait_sec"`
	HealthIntervalSec  int `json:"health_interval_sec" yaml:"health_interval_sec" toml:"health_interval_sec"`
	HealthTimeoutSec   int `json:"health_timeout_sec" yaml:"health_timeout_sec" toml:"health_timeout_sec"`
	HealthMaxFailures  int `json:"health_max_failures" yaml:"health_max_failures" toml:"health_max_failures"`
	StopTimeoutSec     int `json:"stop_timeout_sec" yaml:"stop_timeout_sec" toml:"stop_timeout_sec"`
	RestartIntervalSec int `json:"restart_interval_sec" yaml:"restart_interval_sec" toml:"restart_interval_sec"`

	DebugLogPath string `json:"debug_log_path" yaml:"debug_log_path" toml:"debug_log_path"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`

	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultAddr               = "127.0.0.1:8090"
	DefaultModelsDir          = "~/.inferd/models"
	DefaultBinDir             = "~/.inferd/bin"
	DefaultModelExt           = ".gguf"
	DefaultBackend            = "auto"
	DefaultServerHost         = "127.0.0.1"
	DefaultServerPort         = 8081
	DefaultCtxSize            = 4096
	DefaultBatchSize          = 512
	DefaultReadyTimeoutSec    = 30
	DefaultDispatchWaitSec    = 60
	DefaultHealthIntervalSec  = 5
	DefaultHealthTimeoutSec   = 2
	DefaultHealthMaxFailures  = 3
	DefaultStopTimeoutSec     = 3
	DefaultRestartIntervalSec = 30
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "console"
)

// Default returns a Config with every field at its default.
func Default() Config { return ApplyDefaults(Config{}) }

// ApplyDefaults replaces unspecified (zero) fields with package defaults.
func ApplyDefaults(c Config) Config {
	setStr := func(p *string, def string) {
		if strings.TrimSpace(*p) == "" {
			*p = def
		}
	}
	setInt := func(p *int, def int) {
		if *p <= 0 {
			*p = def
		}
	}
	setStr(&c.Addr, DefaultAddr)
	setStr(&c.ModelsDir, DefaultModelsDir)
	setStr(&c.BinDir, DefaultBinDir)
	setStr(&c.ModelExt, DefaultModelExt)
	setStr(&c.Backend, DefaultBackend)
	setStr(&c.ServerHost, DefaultServerHost)
	setStr(&c.LogLevel, DefaultLogLevel)
	setStr(&c.LogFormat, DefaultLogFormat)
	setInt(&c.ServerPort, DefaultServerPort)
	setInt(&c.CtxSize, DefaultCtxSize)
	setInt(&c.BatchSize, DefaultBatchSize)
	setInt(&c.ReadyTimeoutSec, DefaultReadyTimeoutSec)
	setInt(&c.DispatchWaitSec, DefaultDispatchWaitSec)
	setInt(&c.HealthIntervalSec, DefaultHealthIntervalSec)
	setInt(&c.HealthTimeoutSec, DefaultHealthTimeoutSec)
	setInt(&c.HealthMaxFailures, DefaultHealthMaxFailures)
	setInt(&c.StopTimeoutSec, DefaultStopTimeoutSec)
	setInt(&c.RestartIntervalSec, DefaultRestartIntervalSec)
	if !strings.HasPrefix(c.ModelExt, ".") {
		c.ModelExt = "." + c.ModelExt
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Validate checks invariants that defaults cannot repair.
func (c Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	if c.GPULayers < 0 {
		return fmt.Errorf("gpu_layers must be >= 0, got %d", c.GPULayers)
	}
	switch strings.ToLower(c.Backend) {
	case "auto", "cpu", "cuda", "vulkan":
	default:
		return fmt.Errorf("unsupported backend %q (want auto|cpu|cuda|vulkan)", c.Backend)
	}
	if c.HealthTimeoutSec > c.HealthIntervalSec {
		return fmt.Errorf("health_timeout_sec (%d) exceeds health_interval_sec (%d)", c.HealthTimeoutSec, c.HealthIntervalSec)
	}
	return nil
}

// Seconds converts a seconds field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
