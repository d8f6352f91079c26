package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/tools"
)

const sampleYAML = `
server:
  addr: ":9090"
  hostTimeout: 40s
store:
  backend: memory
loop:
  maxIterations: 5
  parallelTools: true
controller:
  maxAttempts: 4
  attemptBudget: 20s
tools:
  - name: sensor_lookup
    description: Reads a sensor.
    endpoint: http://sensors.local/lookup
    headers:
      X-Api-Key: k
contextSource:
  name: context
  endpoint: http://context.local/resolve
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "insight.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(FileEnv, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.HostTimeout != 30*time.Second || cfg.Loop.MaxIterations != 8 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.Controller.MaxAttempts != 15 || cfg.Controller.OverallCeiling != 5*time.Minute {
		t.Fatalf("unexpected controller defaults: %#v", cfg.Controller)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv(FileEnv, writeFile(t, sampleYAML))
	t.Setenv("INSIGHT_MAX_ITERATIONS", "6")
	t.Setenv("INSIGHT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.HostTimeout != 40*time.Second {
		t.Fatalf("server section not read: %#v", cfg.Server)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("unexpected store backend %q", cfg.Store.Backend)
	}
	if cfg.Loop.MaxIterations != 6 {
		t.Fatalf("env should override file, got %d", cfg.Loop.MaxIterations)
	}
	if !cfg.Loop.ParallelTools || cfg.Controller.MaxAttempts != 4 {
		t.Fatalf("file values lost: %#v %#v", cfg.Loop, cfg.Controller)
	}
	if cfg.Controller.BaseBackoff != 500*time.Millisecond {
		t.Fatalf("unset fields should keep defaults, got %s", cfg.Controller.BaseBackoff)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Headers["X-Api-Key"] != "k" {
		t.Fatalf("unexpected tools: %#v", cfg.Tools)
	}
	if cfg.ContextSource == nil || cfg.ContextSource.Endpoint != "http://context.local/resolve" {
		t.Fatalf("context source not read: %#v", cfg.ContextSource)
	}
	if cfg.Provider.Name != "openai" || cfg.Provider.OpenAIAPIKey != "sk-test" {
		t.Fatalf("provider env not applied: %#v", cfg.Provider)
	}
}

func TestLoad_TracingExportFromEnv(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("INSIGHT_TRACING", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-api-key=k")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tel := cfg.Telemetry
	if !tel.Tracing || tel.OTLPEndpoint != "http://collector:4318" || tel.OTLPHeaders != "x-api-key=k" {
		t.Fatalf("telemetry env not applied: %#v", tel)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Setenv(FileEnv, writeFile(t, "server: [bad"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero host timeout", func(c *Config) { c.Server.HostTimeout = 0 }},
		{"attempt budget above host timeout", func(c *Config) { c.Controller.AttemptBudget = time.Minute }},
		{"negative iterations", func(c *Config) { c.Loop.MaxIterations = -1 }},
		{"tracing without collector", func(c *Config) { c.Telemetry.Tracing = true }},
		{"tool without endpoint", func(c *Config) { c.Tools = append(c.Tools, toolConfig("a", "")) }},
		{"duplicate tool", func(c *Config) {
			c.Tools = append(c.Tools, toolConfig("a", "http://x"), toolConfig("a", "http://y"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestGetenvDuration(t *testing.T) {
	t.Setenv("X_DUR", "1500ms")
	if got := getenvDuration("X_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %s", got)
	}
	t.Setenv("X_DUR", "12")
	if got := getenvDuration("X_DUR", time.Second); got != 12*time.Second {
		t.Fatalf("bare integers are seconds, got %s", got)
	}
	t.Setenv("X_DUR", "soon")
	if got := getenvDuration("X_DUR", time.Second); got != time.Second {
		t.Fatalf("invalid value should fall back, got %s", got)
	}
}

func TestParseBoolString(t *testing.T) {
	if !ParseBoolString("Yes", false) || ParseBoolString("off", true) || !ParseBoolString("maybe", true) {
		t.Fatal("unexpected bool parsing")
	}
}

func toolConfig(name, endpoint string) tools.HTTPConfig {
	return tools.HTTPConfig{Name: name, Endpoint: endpoint}
}
