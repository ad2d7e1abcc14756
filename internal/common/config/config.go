// Package config provides configuration management for bosun.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for bosun.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging" yaml:"logging"`
	Runtime    RuntimeConfig    `mapstructure:"runtime" json:"runtime" yaml:"runtime"`
	Bus        BusConfig        `mapstructure:"bus" json:"bus" yaml:"bus"`
	NATS       NATSConfig       `mapstructure:"nats" json:"nats" yaml:"nats"`
	Docker     DockerConfig     `mapstructure:"docker" json:"docker" yaml:"docker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" json:"supervisor" yaml:"supervisor"`
	Quality    QualityConfig    `mapstructure:"quality" json:"quality" yaml:"quality"`
	Agents     AgentsConfig     `mapstructure:"agents" json:"agents" yaml:"agents"`
	Ollama     OllamaConfig     `mapstructure:"ollama" json:"ollama" yaml:"ollama"`
	Workers    WorkersConfig    `mapstructure:"workers" json:"workers" yaml:"workers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host" yaml:"host"`
	Port         int    `mapstructure:"port" json:"port" yaml:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout" json:"readTimeout" yaml:"readTimeout"`    // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout" json:"writeTimeout" yaml:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Format     string `mapstructure:"format" json:"format" yaml:"format"`
	OutputPath string `mapstructure:"outputPath" json:"outputPath" yaml:"outputPath"`
}

// RuntimeConfig holds the on-disk layout for durable state and run artifacts.
type RuntimeConfig struct {
	StateDir string `mapstructure:"stateDir" json:"stateDir" yaml:"stateDir"`
	RunsDir  string `mapstructure:"runsDir" json:"runsDir" yaml:"runsDir"`
	WorkDir  string `mapstructure:"workDir" json:"workDir" yaml:"workDir"`
}

// BusConfig selects and configures the agent message bus backend.
type BusConfig struct {
	Type       string `mapstructure:"type" json:"type" yaml:"type"` // file, sqlite, redis
	SQLitePath string `mapstructure:"sqlitePath" json:"sqlitePath" yaml:"sqlitePath"`
	RedisAddr  string `mapstructure:"redisAddr" json:"redisAddr" yaml:"redisAddr"`
	RedisDB    int    `mapstructure:"redisDb" json:"redisDb" yaml:"redisDb"`
}

// NATSConfig holds the notification event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" json:"url" yaml:"url"`
	ClientID      string `mapstructure:"clientId" json:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" json:"maxReconnects" yaml:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for containerized workspaces.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Host       string `mapstructure:"host" json:"host" yaml:"host"`
	APIVersion string `mapstructure:"apiVersion" json:"apiVersion" yaml:"apiVersion"`
	Image      string `mapstructure:"image" json:"image" yaml:"image"`
}

// SupervisorConfig holds process supervisor policy configuration.
type SupervisorConfig struct {
	DefaultTimeoutSeconds int      `mapstructure:"defaultTimeoutSeconds" json:"defaultTimeoutSeconds" yaml:"defaultTimeoutSeconds"`
	InteractiveCommands   []string `mapstructure:"interactiveCommands" json:"interactiveCommands" yaml:"interactiveCommands"`
	ServerPatterns        []string `mapstructure:"serverPatterns" json:"serverPatterns" yaml:"serverPatterns"`
	// InstallAllowlist maps a package ecosystem (npm, pip, ...) to packages
	// agents are allowed to request.
	InstallAllowlist map[string][]string `mapstructure:"installAllowlist" json:"installAllowlist" yaml:"installAllowlist"`
}

// QualityConfig holds quality gate configuration.
type QualityConfig struct {
	LintCommand    string `mapstructure:"lintCommand" json:"lintCommand" yaml:"lintCommand"`
	TestCommand    string `mapstructure:"testCommand" json:"testCommand" yaml:"testCommand"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds" json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RetryBudget    int    `mapstructure:"retryBudget" json:"retryBudget" yaml:"retryBudget"`
}

// AgentsConfig holds coding-agent adapter configuration.
type AgentsConfig struct {
	// Priority is the fallback order when no adapter is named explicitly.
	Priority        []string `mapstructure:"priority" json:"priority" yaml:"priority"`
	ProbeTTLSeconds int      `mapstructure:"probeTtlSeconds" json:"probeTtlSeconds" yaml:"probeTtlSeconds"`
	TimeoutSeconds  int      `mapstructure:"timeoutSeconds" json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// OllamaConfig holds the local LLM endpoint configuration.
type OllamaConfig struct {
	URL               string   `mapstructure:"url" json:"url" yaml:"url"`
	Model             string   `mapstructure:"model" json:"model" yaml:"model"`
	RecommendedModels []string `mapstructure:"recommendedModels" json:"recommendedModels" yaml:"recommendedModels"`
	MaxTurns          int      `mapstructure:"maxTurns" json:"maxTurns" yaml:"maxTurns"`
}

// WorkersConfig holds worker pool configuration.
type WorkersConfig struct {
	MaxWorkers    int  `mapstructure:"maxWorkers" json:"maxWorkers" yaml:"maxWorkers"`
	UseContainers bool `mapstructure:"useContainers" json:"useContainers" yaml:"useContainers"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeout returns the supervisor default timeout as a time.Duration.
func (s *SupervisorConfig) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutSeconds) * time.Second
}

// ProbeTTL returns the availability probe cache TTL as a time.Duration.
func (a *AgentsConfig) ProbeTTL() time.Duration {
	return time.Duration(a.ProbeTTLSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8317)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	// Runtime layout defaults
	v.SetDefault("runtime.stateDir", "state")
	v.SetDefault("runtime.runsDir", "runs")
	v.SetDefault("runtime.workDir", "work")

	// Message bus defaults - the file backend is the reference implementation
	v.SetDefault("bus.type", "file")
	v.SetDefault("bus.sqlitePath", "state/bus.db")
	v.SetDefault("bus.redisAddr", "localhost:6379")
	v.SetDefault("bus.redisDb", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bosun")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "bosun-workspace:latest")

	// Supervisor defaults; empty lists fall back to the built-in classifier sets
	v.SetDefault("supervisor.defaultTimeoutSeconds", 300)
	v.SetDefault("supervisor.interactiveCommands", []string{})
	v.SetDefault("supervisor.serverPatterns", []string{})
	v.SetDefault("supervisor.installAllowlist", map[string][]string{})

	// Quality gate defaults
	v.SetDefault("quality.lintCommand", "npm run lint")
	v.SetDefault("quality.testCommand", "npm test")
	v.SetDefault("quality.timeoutSeconds", 600)
	v.SetDefault("quality.retryBudget", 3)

	// Coding-agent defaults
	v.SetDefault("agents.priority", []string{"opencode", "claude", "kiro"})
	v.SetDefault("agents.probeTtlSeconds", 60)
	v.SetDefault("agents.timeoutSeconds", 1800)

	// Ollama defaults
	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.model", "qwen2.5-coder:7b")
	v.SetDefault("ollama.recommendedModels", []string{"qwen2.5-coder:7b", "llama3.1:8b"})
	v.SetDefault("ollama.maxTurns", 30)

	// Worker pool defaults
	v.SetDefault("workers.maxWorkers", 3)
	v.SetDefault("workers.useContainers", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOSUN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/bosun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BOSUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bosun/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration fields are consistent.
// Exposed so the control API can dry-run a proposed configuration.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Bus.Type {
	case "file", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Sprintf("bus.type must be one of file, sqlite, redis (got %q)", cfg.Bus.Type))
	}
	if cfg.Bus.Type == "sqlite" && cfg.Bus.SQLitePath == "" {
		errs = append(errs, "bus.sqlitePath is required when bus.type is sqlite")
	}
	if cfg.Bus.Type == "redis" && cfg.Bus.RedisAddr == "" {
		errs = append(errs, "bus.redisAddr is required when bus.type is redis")
	}

	if cfg.Supervisor.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "supervisor.defaultTimeoutSeconds must be positive")
	}

	if cfg.Workers.MaxWorkers <= 0 {
		errs = append(errs, "workers.maxWorkers must be positive")
	}

	if cfg.Quality.RetryBudget < 0 {
		errs = append(errs, "quality.retryBudget must not be negative")
	}

	if cfg.Runtime.StateDir == "" {
		errs = append(errs, "runtime.stateDir is required")
	}
	if cfg.Runtime.RunsDir == "" {
		errs = append(errs, "runtime.runsDir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
