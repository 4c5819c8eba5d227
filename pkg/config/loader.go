package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"text/template"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges and validates the configuration file.
// A missing path returns pure defaults, so the runtime starts with zero
// configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Info("No config file found, using defaults", "path", path)
				return clamp(cfg), nil
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		var loaded Config
		if err := yaml.Unmarshal(expandEnv(data), &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		// User values win; defaults fill the gaps.
		if err := mergo.Merge(&loaded, cfg); err != nil {
			return nil, fmt.Errorf("failed to merge defaults: %w", err)
		}
		cfg = &loaded
	}

	return clamp(cfg), nil
}

// expandEnv expands {{.VAR_NAME}} references with environment values.
// Template syntax avoids collisions with literal $ in regex patterns and
// passwords. Missing variables expand to empty; malformed templates pass
// the content through untouched.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// clamp enforces the documented bounds. Out-of-range durations are pulled to
// the nearest bound; max_iterations above the ceiling is silently capped.
func clamp(cfg *Config) *Config {
	if cfg.Agent.MaxToolCalls <= 0 || cfg.Agent.MaxToolCalls > MaxToolCallsPerRun {
		cfg.Agent.MaxToolCalls = MaxToolCallsPerRun
	}
	if cfg.Agent.MaxRepeats <= 0 {
		cfg.Agent.MaxRepeats = DefaultMaxRepeats
	}
	cfg.Agent.ToolTimeout = clampDuration("agent.tool_timeout",
		cfg.Agent.ToolTimeout, MinToolTimeout, MaxToolTimeout, DefaultToolTimeout)
	cfg.Approval.Timeout = clampDuration("approval.timeout",
		cfg.Approval.Timeout, MinApprovalTimeout, MaxApprovalTimeout, DefaultApprovalTimeout)

	cfg.Workflow.MaxIterations = ClampIterations(cfg.Workflow.MaxIterations)
	if cfg.Workflow.QualityThreshold <= 0 || cfg.Workflow.QualityThreshold > 1 {
		cfg.Workflow.QualityThreshold = DefaultQualityThreshold
	}

	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = DefaultWorkerCount
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = DefaultPollInterval
	}
	if cfg.Queue.OrphanTimeout <= 0 {
		cfg.Queue.OrphanTimeout = DefaultOrphanTimeout
	}
	if len(cfg.Agent.Guards.TelemetryMarkers) == 0 {
		cfg.Agent.Guards.TelemetryMarkers = append([]string(nil), DefaultTelemetryMarkers...)
	}
	if cfg.Telemetry.SamplingRate <= 0 || cfg.Telemetry.SamplingRate > 1 {
		cfg.Telemetry.SamplingRate = DefaultSamplingRate
	}
	return cfg
}

// ClampIterations pulls a max-iterations value into [1, 5].
// Exported because the workflow node builder applies the same rule to
// per-run overrides.
func ClampIterations(n int) int {
	if n < 1 {
		return DefaultMaxIterations
	}
	if n > MaxIterationsCeiling {
		return MaxIterationsCeiling
	}
	return n
}

func clampDuration(name string, v, min, max, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	if v < min {
		slog.Warn("Config value below minimum, clamping", "field", name, "value", v, "min", min)
		return min
	}
	if v > max {
		slog.Warn("Config value above maximum, clamping", "field", name, "value", v, "max", max)
		return max
	}
	return v
}
