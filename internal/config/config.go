// Package config assembles runtime settings from a .env file, an optional
// YAML file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/PipeOpsHQ/insight-runtime/budget"
	"github.com/PipeOpsHQ/insight-runtime/checkpoint"
	"github.com/PipeOpsHQ/insight-runtime/internal/logging"
	providerfactory "github.com/PipeOpsHQ/insight-runtime/providers/factory"
	"github.com/PipeOpsHQ/insight-runtime/runtime/resume"
	statefactory "github.com/PipeOpsHQ/insight-runtime/state/factory"
	"github.com/PipeOpsHQ/insight-runtime/tools"
)

const FileEnv = "INSIGHT_CONFIG_FILE"

type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Store      statefactory.Config    `yaml:"store"`
	Provider   providerfactory.Config `yaml:"provider"`
	Budget     budget.Config          `yaml:"budget"`
	Loop       LoopConfig             `yaml:"loop"`
	Checkpoint checkpoint.Policy      `yaml:"checkpoint"`
	Controller resume.Policy          `yaml:"controller"`
	Sweeper    SweeperConfig          `yaml:"sweeper"`
	Breaker    tools.BreakerConfig    `yaml:"breaker"`
	Tools      []tools.HTTPConfig     `yaml:"tools"`
	// ContextSource, when set, resolves a request's contextRef through an
	// HTTP endpoint before the first reasoning step.
	ContextSource *tools.HTTPConfig `yaml:"contextSource"`
	Logging       logging.Config    `yaml:"logging"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// HostTimeout is the invocation deadline the entry handler gives each request.
	HostTimeout     time.Duration `yaml:"hostTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LoopConfig struct {
	SystemPrompt    string        `yaml:"systemPrompt"`
	MaxIterations   int           `yaml:"maxIterations"`
	MaxOutputTokens int           `yaml:"maxOutputTokens"`
	MaxToolTimeout  time.Duration `yaml:"maxToolTimeout"`
	ParallelTools   bool          `yaml:"parallelTools"`
}

type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Batch    int           `yaml:"batch"`
	Grace    time.Duration `yaml:"grace"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"serviceName"`
	Tracing     bool   `yaml:"tracing"`
	// OTLPEndpoint is the collector base URL spans are exported to.
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPHeaders  string `yaml:"-"`
	Metrics      bool   `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			HostTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store:      statefactory.DefaultConfig(),
		Provider:   providerfactory.DefaultConfig(),
		Budget:     budget.DefaultConfig(),
		Loop:       LoopConfig{MaxIterations: 8, MaxToolTimeout: 10 * time.Second},
		Checkpoint: checkpoint.DefaultPolicy(),
		Controller: resume.DefaultPolicy(),
		Sweeper:    SweeperConfig{Enabled: true, Schedule: "@every 30s", Batch: 100, Grace: 5 * time.Second},
		Breaker:    tools.DefaultBreakerConfig(),
		Logging:    logging.Config{Level: "info", Format: "json"},
		Telemetry:  TelemetryConfig{ServiceName: "insight-runtime", Metrics: true},
	}
}

// Load reads .env (when present), then the YAML file named by
// INSIGHT_CONFIG_FILE, then environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := getenv(FileEnv, ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	absPath, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config file %q as YAML: %w", absPath, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getenv("INSIGHT_ADDR", cfg.Server.Addr)
	cfg.Server.HostTimeout = getenvDuration("INSIGHT_HOST_TIMEOUT", cfg.Server.HostTimeout)

	cfg.Store.Backend = getenv("INSIGHT_STORE", cfg.Store.Backend)
	cfg.Store.SQLitePath = getenv("INSIGHT_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = getenv("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = getenv("REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.RedisDB = getenvInt("REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.PostgresDSN = getenv("DATABASE_URL", cfg.Store.PostgresDSN)

	cfg.Provider.Name = getenv("INSIGHT_PROVIDER", cfg.Provider.Name)
	cfg.Provider.GeminiAPIKey = getenv("GEMINI_API_KEY", cfg.Provider.GeminiAPIKey)
	cfg.Provider.GeminiModel = getenv("GEMINI_MODEL", cfg.Provider.GeminiModel)
	cfg.Provider.OpenAIAPIKey = getenv("OPENAI_API_KEY", cfg.Provider.OpenAIAPIKey)
	cfg.Provider.OpenAIModel = getenv("OPENAI_MODEL", cfg.Provider.OpenAIModel)
	cfg.Provider.OpenAIBaseURL = getenv("OPENAI_BASE_URL", cfg.Provider.OpenAIBaseURL)

	cfg.Loop.SystemPrompt = getenv("INSIGHT_SYSTEM_PROMPT", cfg.Loop.SystemPrompt)
	cfg.Loop.MaxIterations = getenvInt("INSIGHT_MAX_ITERATIONS", cfg.Loop.MaxIterations)
	cfg.Loop.MaxOutputTokens = getenvInt("INSIGHT_MAX_OUTPUT_TOKENS", cfg.Loop.MaxOutputTokens)
	cfg.Loop.ParallelTools = getenvBool("INSIGHT_PARALLEL_TOOLS", cfg.Loop.ParallelTools)

	cfg.Controller.MaxAttempts = getenvInt("INSIGHT_MAX_ATTEMPTS", cfg.Controller.MaxAttempts)
	cfg.Controller.OverallCeiling = getenvDuration("INSIGHT_OVERALL_CEILING", cfg.Controller.OverallCeiling)
	cfg.Controller.AttemptBudget = getenvDuration("INSIGHT_ATTEMPT_BUDGET", cfg.Controller.AttemptBudget)

	cfg.Sweeper.Enabled = getenvBool("INSIGHT_SWEEPER", cfg.Sweeper.Enabled)
	cfg.Sweeper.Schedule = getenv("INSIGHT_SWEEP_SCHEDULE", cfg.Sweeper.Schedule)

	cfg.Logging.Level = getenv("INSIGHT_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenv("INSIGHT_LOG_FORMAT", cfg.Logging.Format)

	cfg.Telemetry.ServiceName = getenv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.Tracing = getenvBool("INSIGHT_TRACING", cfg.Telemetry.Tracing)
	cfg.Telemetry.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.OTLPHeaders = getenv("OTEL_EXPORTER_OTLP_HEADERS", cfg.Telemetry.OTLPHeaders)
	cfg.Telemetry.Metrics = getenvBool("INSIGHT_METRICS", cfg.Telemetry.Metrics)
}

// Validate rejects settings no component can run with. Zero values that a
// component normalizes on its own are left alone.
func (c Config) Validate() error {
	if c.Server.HostTimeout <= 0 {
		return fmt.Errorf("server.hostTimeout must be positive")
	}
	if c.Controller.AttemptBudget > 0 && c.Controller.AttemptBudget > c.Server.HostTimeout {
		return fmt.Errorf("controller.attemptBudget (%s) exceeds server.hostTimeout (%s)", c.Controller.AttemptBudget, c.Server.HostTimeout)
	}
	if c.Loop.MaxIterations < 0 || c.Controller.MaxAttempts < 0 {
		return fmt.Errorf("loop.maxIterations and controller.maxAttempts must not be negative")
	}
	if c.Telemetry.Tracing && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.tracing needs telemetry.otlpEndpoint or OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	seen := make(map[string]struct{}, len(c.Tools))
	for i, t := range c.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if strings.TrimSpace(t.Endpoint) == "" {
			return fmt.Errorf("tool %q: endpoint is required", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tool %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
