package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rendis/tradegate/internal/approval"
	"github.com/rendis/tradegate/internal/engine"
	"github.com/rendis/tradegate/internal/httpapi"
	"github.com/rendis/tradegate/internal/reasoning"
	"github.com/rendis/tradegate/internal/scheduler"
	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/internal/telemetry"
	"github.com/rendis/tradegate/internal/tools"
)

const envPrefix = "TRADEGATE_"

// Config holds all tradegate configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Server    ServerConfig      `koanf:"server"`
	Storage   StorageConfig     `koanf:"storage"`
	Approval  ApprovalConfig    `koanf:"approval"`
	FanOut    FanOutConfig      `koanf:"fanout"`
	Engine    EngineConfig      `koanf:"engine"`
	Decision  reasoning.Config  `koanf:"decision"`
	Tools     ToolsConfig       `koanf:"tools"`
	Watchlist []scheduler.Entry `koanf:"watchlist"`
	Telemetry telemetry.Config  `koanf:"telemetry"`
	Log       LogConfig         `koanf:"log"`
}

type ServerConfig struct {
	HTTP httpapi.Config `koanf:"http"`
	// MCP additionally hosts the trade tools on stdio under `serve`.
	MCP bool `koanf:"mcp"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

type ApprovalConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
	RetainFor    time.Duration `koanf:"retain_for"`
	TokenSecret  string        `koanf:"token_secret"`
	TokenTTL     time.Duration `koanf:"token_ttl"`
	AutoResume   bool          `koanf:"auto_resume"`
}

type FanOutConfig struct {
	streaming.Config `koanf:",squash"`
	// Relay republishes events on an in-process Watermill channel.
	Relay      bool   `koanf:"relay"`
	RelayTopic string `koanf:"relay_topic"`
}

type EngineConfig struct {
	PoolSize     int  `koanf:"pool_size"`
	ContextStage bool `koanf:"context_stage"`
}

// ToolsConfig selects where pipeline stages run. Mode is builtin, inprocess
// or mcp.
type ToolsConfig struct {
	Mode     string                       `koanf:"mode"`
	Command  string                       `koanf:"command"`
	Args     []string                     `koanf:"args"`
	Env      []string                     `koanf:"env"`
	ToolMap  map[string]string            `koanf:"tool_map"`
	Quantity int                          `koanf:"quantity"`
	Retry    map[string]tools.RetryPolicy `koanf:"retry"`
	Breaker  tools.BreakerConfig          `koanf:"breaker"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTP: httpapi.Config{
				Addr:      ":8080",
				Heartbeat: httpapi.DefaultHeartbeat,
			},
		},
		Storage: StorageConfig{Driver: "memory", Path: "tradegate.db"},
		Approval: ApprovalConfig{
			Timeout:      approval.DefaultTimeout,
			PollInterval: approval.DefaultPollInterval,
			RetainFor:    approval.DefaultRetainFor,
			TokenTTL:     15 * time.Minute,
			AutoResume:   true,
		},
		FanOut: FanOutConfig{RelayTopic: streaming.DefaultRelayTopic},
		Engine: EngineConfig{
			PoolSize:     engine.DefaultPoolSize,
			ContextStage: true,
		},
		Decision: reasoning.Config{Queries: reasoning.DefaultQueries()},
		Tools:    ToolsConfig{Mode: "builtin", Quantity: 100},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// loadConfig layers defaults, the optional YAML file at path and
// TRADEGATE_* variables. A .env file in the working directory is read first.
func loadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps TRADEGATE_APPROVAL__POLL_INTERVAL to approval.poll_interval.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "libsql":
	default:
		return fmt.Errorf("storage.driver must be memory or libsql, got %q", c.Storage.Driver)
	}
	switch c.Tools.Mode {
	case "builtin", "inprocess":
	case "mcp":
		if c.Tools.Command == "" {
			return fmt.Errorf("tools.command is required when tools.mode is mcp")
		}
	default:
		return fmt.Errorf("tools.mode must be builtin, inprocess or mcp, got %q", c.Tools.Mode)
	}
	return nil
}

func (c Config) approvalConfig() approval.Config {
	return approval.Config{
		Timeout:      c.Approval.Timeout,
		PollInterval: c.Approval.PollInterval,
		RetainFor:    c.Approval.RetainFor,
	}
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		PoolSize:     c.Engine.PoolSize,
		ContextStage: c.Engine.ContextStage,
		AutoResume:   c.Approval.AutoResume,
	}
}

func (c Config) mcpConfig() tools.MCPConfig {
	return tools.MCPConfig{
		Command: c.Tools.Command,
		Args:    c.Tools.Args,
		Env:     c.Tools.Env,
		ToolMap: c.Tools.ToolMap,
	}
}

func (c Config) resilienceConfig() tools.ResilienceConfig {
	return tools.ResilienceConfig{Retry: c.Tools.Retry, Breaker: c.Tools.Breaker}
}
