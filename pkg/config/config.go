// Package config loads the agent configuration from YAML
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Tapline/pkg/inference"
	"Tapline/pkg/logger"
)

// FileName is the config file looked up under the data directory
const FileName = "config.yaml"

// Config is the full agent configuration
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log"`
	Device      DeviceConfig      `yaml:"device"`
	Model       ModelConfig       `yaml:"model"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Agent       AgentConfig       `yaml:"agent"`
	Events      EventsConfig      `yaml:"events"`
	Server      ServerConfig      `yaml:"server"`

	path string
}

// LogConfig controls logging outputs
type LogConfig struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"` // also write <data_dir>/logs/tapline.log
}

// DeviceConfig selects and drives the device
type DeviceConfig struct {
	AdbPath       string        `yaml:"adb_path"`
	Serial        string        `yaml:"serial"`
	DumpTimeout   time.Duration `yaml:"dump_timeout"`
	TapsPerSecond float64       `yaml:"taps_per_second"`
	MaxNodes      int           `yaml:"max_nodes"`
}

// ModelConfig locates the tokenizer and model and picks the engine
type ModelConfig struct {
	Dir       string        `yaml:"dir"`
	Tokenizer string        `yaml:"tokenizer"`
	Model     string        `yaml:"model"`
	Engine    string        `yaml:"engine"`
	Endpoint  string        `yaml:"endpoint"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	Watch     bool          `yaml:"watch"`
}

// InterpreterConfig lists JavaScript rule files
type InterpreterConfig struct {
	Scripts []string `yaml:"scripts"`
}

// AgentConfig tunes the command loop
type AgentConfig struct {
	QueueSize      int  `yaml:"queue_size"`
	RetryOnCommand bool `yaml:"retry_on_command"`
}

// EventsConfig selects outbound sinks
type EventsConfig struct {
	Stdout  bool        `yaml:"stdout"`
	Redis   RedisConfig `yaml:"redis"`
	Journal bool        `yaml:"journal"`
}

// RedisConfig enables the redis sink when Address is set
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	StateKey string `yaml:"state_key"`
}

// ServerConfig enables the HTTP bridge when HTTPAddr is set
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DefaultDataDir returns ~/.tapline, or a temp dir when home is unknown
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tapline")
	}
	return filepath.Join(home, ".tapline")
}

// Default returns the configuration used when no file exists
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir: dataDir,
		Log:     LogConfig{Level: "info"},
		Device: DeviceConfig{
			DumpTimeout:   15 * time.Second,
			TapsPerSecond: 5,
			MaxNodes:      20000,
		},
		Model: ModelConfig{
			Dir:       filepath.Join(dataDir, "models"),
			Tokenizer: "tokenizer.json",
			Model:     "phi3.onnx",
			Engine:    "llamacpp",
			Endpoint:  "http://127.0.0.1:8080",
			MaxTokens: 32,
			Timeout:   30 * time.Second,
			Watch:     true,
		},
		Agent: AgentConfig{
			QueueSize:      64,
			RetryOnCommand: false,
		},
		Events: EventsConfig{
			Stdout:  true,
			Journal: true,
			Redis: RedisConfig{
				Channel:  "tapline:events",
				StateKey: "tapline:state",
			},
		},
	}
}

// Load reads path over the defaults. An empty path means
// <data_dir>/config.yaml; a missing file is not an error. TAPLINE_*
// environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	applyEnv(cfg)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.DataDir, FileName)
	}
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			logger.LogDebug("config").Str("path", path).Msg("No config file, using defaults")
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	defaultModelDir := cfg.Model.Dir
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// a relocated data dir drags the default model dir with it
	if cfg.Model.Dir == defaultModelDir && cfg.DataDir != DefaultDataDir() {
		cfg.Model.Dir = filepath.Join(cfg.DataDir, "models")
	}
	applyEnv(cfg)

	logger.LogInfo("config").Str("path", path).Msg("Config loaded")
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TAPLINE_DATA_DIR"); v != "" {
		if cfg.Model.Dir == filepath.Join(cfg.DataDir, "models") {
			cfg.Model.Dir = filepath.Join(v, "models")
		}
		cfg.DataDir = v
	}
	if v := os.Getenv("TAPLINE_DEVICE_SERIAL"); v != "" {
		cfg.Device.Serial = v
	}
	if v := os.Getenv("TAPLINE_ENGINE_ENDPOINT"); v != "" {
		cfg.Model.Endpoint = v
	}
	if v := os.Getenv("TAPLINE_REDIS_ADDR"); v != "" {
		cfg.Events.Redis.Address = v
	}
}

// Validate checks the values that would otherwise fail late
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	if c.Model.Dir == "" || c.Model.Tokenizer == "" || c.Model.Model == "" {
		return errors.New("model dir, tokenizer and model must be set")
	}
	switch c.Model.Engine {
	case "llamacpp":
		if !strings.HasPrefix(c.Model.Endpoint, "http://") && !strings.HasPrefix(c.Model.Endpoint, "https://") {
			return fmt.Errorf("model endpoint must be an http(s) URL, got %q", c.Model.Endpoint)
		}
	default:
		return fmt.Errorf("unknown model engine %q", c.Model.Engine)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("model max_tokens must be positive, got %d", c.Model.MaxTokens)
	}
	if c.Agent.QueueSize < 0 {
		return fmt.Errorf("agent queue_size cannot be negative, got %d", c.Agent.QueueSize)
	}
	if c.Device.TapsPerSecond < 0 {
		return fmt.Errorf("device taps_per_second cannot be negative, got %v", c.Device.TapsPerSecond)
	}
	if c.Device.MaxNodes <= 0 {
		return fmt.Errorf("device max_nodes must be positive, got %d", c.Device.MaxNodes)
	}
	if c.Events.Redis.Address != "" && c.Events.Redis.Channel == "" {
		return errors.New("events redis channel cannot be empty when redis is enabled")
	}
	return nil
}

// Path returns the file the config was loaded from or will be saved to
func (c *Config) Path() string {
	if c.path == "" {
		return filepath.Join(c.DataDir, FileName)
	}
	return c.path
}

// Save writes the config to Path atomically
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := c.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Paths resolves the tokenizer and model files. Relative file names are
// joined to the model dir.
func (c *Config) Paths() inference.Paths {
	resolve := func(name string) string {
		if filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(c.Model.Dir, name)
	}
	return inference.Paths{
		Tokenizer: resolve(c.Model.Tokenizer),
		Model:     resolve(c.Model.Model),
	}
}

// LoggerConfig converts the log section for logger.InitLogger
func (c *Config) LoggerConfig() logger.LogConfig {
	lc := logger.DefaultLogConfig()
	if c.Log.File {
		lc = logger.PersistentLogConfig(c.DataDir)
	}
	lc.Level = logger.ParseLevel(c.Log.Level)
	return lc
}
