// Package config loads and validates the delv.yaml configuration.
package config

import "time"

// Config is the fully-loaded runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Queue     QueueConfig     `yaml:"queue"`
	Memory    MemoryConfig    `yaml:"memory"`

	// MCPServers maps server ID to transport settings. Tool names are exposed
	// to the agent in "server.tool" form.
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects the run store backend. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// TelemetryConfig configures the tracer. Disabled tracing still installs a
// no-op tracer so span call sites need no nil checks.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Exporter     string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// LLMConfig configures the provider adapter.
type LLMConfig struct {
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   *int64   `yaml:"max_tokens,omitempty"`
}

// AgentConfig bounds one agent turn.
type AgentConfig struct {
	// MaxToolCalls is the absolute per-turn cap on mediated tool calls.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxRepeats is the loop-guard cap on consecutive identical calls.
	MaxRepeats int `yaml:"max_repeats"`

	// ToolTimeout is the per-tool wall-clock timeout. Clamped to [1s, 120s].
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxRuntime is the wall-clock budget for one agent turn. Zero means
	// no deadline.
	MaxRuntime time.Duration `yaml:"max_runtime"`

	// Guards holds the side-effect guard tuning.
	Guards GuardConfig `yaml:"guards"`
}

// GuardConfig tunes the store_memory side-effect guard. The marker list is
// deliberately configurable — it is a heuristic, not a contract.
type GuardConfig struct {
	// TelemetryMarkers are case-insensitive substrings that mark a
	// store_memory payload as telemetry rather than an answer.
	TelemetryMarkers []string `yaml:"telemetry_markers"`
}

// WorkflowConfig bounds the research workflow.
type WorkflowConfig struct {
	// MaxIterations is clamped to [1, 5].
	MaxIterations int `yaml:"max_iterations"`

	// QualityThreshold in [0, 1]; the critique node finishes once the
	// quality score reaches it (with at least three sources).
	QualityThreshold float64 `yaml:"quality_threshold"`
}

// ApprovalConfig bounds the human-in-the-loop suspension.
type ApprovalConfig struct {
	// Timeout is how long a suspended run waits for an external decision.
	// Clamped to [1s, 900s].
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig tunes the worker pool.
type QueueConfig struct {
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	OrphanTimeout time.Duration `yaml:"orphan_timeout"`
}

// MemoryConfig configures the embedded memory store.
type MemoryConfig struct {
	// PersistPath enables file persistence; empty keeps vectors in memory.
	PersistPath string `yaml:"persist_path"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}
