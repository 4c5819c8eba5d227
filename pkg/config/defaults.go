package config

import "time"

// Hard limits. Clamping is silent for max_iterations (the node builder
// contract) and logged for durations.
const (
	MaxToolCallsPerRun = 50
	DefaultMaxRepeats  = 3

	MinToolTimeout     = 1 * time.Second
	MaxToolTimeout     = 120 * time.Second
	DefaultToolTimeout = 30 * time.Second

	MinApprovalTimeout     = 1 * time.Second
	MaxApprovalTimeout     = 900 * time.Second
	DefaultApprovalTimeout = 300 * time.Second

	MaxIterationsCeiling     = 5
	DefaultMaxIterations     = 3
	DefaultQualityThreshold  = 0.8
	DefaultWorkerCount       = 4
	DefaultPollInterval      = 1 * time.Second
	DefaultOrphanTimeout     = 30 * time.Minute
	DefaultSamplingRate      = 1.0
	DefaultListenAddr        = ":8080"
	DefaultServiceName       = "delv"
	DefaultTelemetryExporter = "stdout"
	DefaultModel             = "gpt-4o"
	DefaultAPIKeyEnv         = "OPENAI_API_KEY"
)

// DefaultTelemetryMarkers flags store_memory payloads that look like search
// telemetry rather than a final answer. Matching is case-insensitive
// substring. Overridable via guards.telemetry_markers.
var DefaultTelemetryMarkers = []string{
	"no results found",
	"no_results",
	"initial query",
	"status:",
	"query:",
}

// Defaults returns the baseline configuration that user YAML is merged over.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultListenAddr},
		Telemetry: TelemetryConfig{
			ServiceName:  DefaultServiceName,
			Exporter:     DefaultTelemetryExporter,
			SamplingRate: DefaultSamplingRate,
		},
		LLM: LLMConfig{
			Model:     DefaultModel,
			APIKeyEnv: DefaultAPIKeyEnv,
		},
		Agent: AgentConfig{
			MaxToolCalls: MaxToolCallsPerRun,
			MaxRepeats:   DefaultMaxRepeats,
			ToolTimeout:  DefaultToolTimeout,
			Guards: GuardConfig{
				TelemetryMarkers: append([]string(nil), DefaultTelemetryMarkers...),
			},
		},
		Workflow: WorkflowConfig{
			MaxIterations:    DefaultMaxIterations,
			QualityThreshold: DefaultQualityThreshold,
		},
		Approval: ApprovalConfig{Timeout: DefaultApprovalTimeout},
		Queue: QueueConfig{
			Workers:       DefaultWorkerCount,
			PollInterval:  DefaultPollInterval,
			OrphanTimeout: DefaultOrphanTimeout,
		},
	}
}
