package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/PipeOpsHQ/insight-runtime/agent"
	"github.com/PipeOpsHQ/insight-runtime/checkpoint"
	"github.com/PipeOpsHQ/insight-runtime/internal/config"
	"github.com/PipeOpsHQ/insight-runtime/internal/logging"
	"github.com/PipeOpsHQ/insight-runtime/observe"
	"github.com/PipeOpsHQ/insight-runtime/observe/logsink"
	"github.com/PipeOpsHQ/insight-runtime/observe/metrics"
	otelsink "github.com/PipeOpsHQ/insight-runtime/observe/otel"
	providerfactory "github.com/PipeOpsHQ/insight-runtime/providers/factory"
	"github.com/PipeOpsHQ/insight-runtime/runtime/resume"
	"github.com/PipeOpsHQ/insight-runtime/state"
	statefactory "github.com/PipeOpsHQ/insight-runtime/state/factory"
	"github.com/PipeOpsHQ/insight-runtime/tools"
)

// runtime holds every wired component for one process. Only the pieces a
// command asks for are built.
type runtime struct {
	cfg        config.Config
	logger     zerolog.Logger
	backend    state.Store
	store      *checkpoint.Store
	agent      *agent.Agent
	controller *resume.Controller
	observer   *observe.AsyncSink
	closers    []func(context.Context) error
}

func loadConfig(opts *globalOptions) (config.Config, zerolog.Logger, error) {
	if opts.configFile != "" {
		if err := os.Setenv(config.FileEnv, opts.configFile); err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, logging.New(cfg.Logging), nil
}

// openStore builds the persistence layers only; enough for job and sweep.
func openStore(ctx context.Context, opts *globalOptions) (*runtime, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	backend, err := statefactory.New(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	rt := &runtime{cfg: cfg, logger: logger, backend: backend}
	rt.closers = append(rt.closers, func(context.Context) error { return backend.Close() })
	rt.store = checkpoint.New(backend,
		checkpoint.WithPolicy(cfg.Checkpoint),
		checkpoint.WithMaxIterations(cfg.Loop.MaxIterations),
		checkpoint.WithLogger(logger.With().Str("component", "checkpoint").Logger()),
	)
	return rt, nil
}

// openRuntime builds the full reasoning stack on top of openStore.
func openRuntime(ctx context.Context, opts *globalOptions) (*runtime, error) {
	rt, err := openStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := rt.wire(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context) error {
	cfg := rt.cfg
	provider, err := providerfactory.New(ctx, cfg.Provider)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Loop.MaxToolTimeout + time.Second}
	if cfg.Telemetry.Tracing {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	registry, err := tools.NewRegistry()
	if err != nil {
		return err
	}
	for _, tc := range cfg.Tools {
		tool, err := tools.NewHTTPTool(tc, httpClient)
		if err != nil {
			return fmt.Errorf("tool %q: %w", tc.Name, err)
		}
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	executor := tools.NewExecutor(registry, tools.NewBreakerSet(cfg.Breaker),
		tools.WithLogger(rt.logger.With().Str("component", "tools").Logger()),
	)

	sinks := []observe.Sink{logsink.New(rt.logger.With().Str("component", "events").Logger())}
	if cfg.Telemetry.Metrics {
		metrics.MustRegister(nil)
		sinks = append(sinks, metrics.NewSink())
	}
	if cfg.Telemetry.Tracing {
		tp, err := otelsink.NewTracerProvider(ctx, otelsink.ExportConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Headers:     otelsink.ParseHeaders(cfg.Telemetry.OTLPHeaders),
		})
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		sinks = append(sinks, otelsink.NewSink(tp))
		rt.closers = append(rt.closers, tp.Shutdown)
	}
	rt.observer = observe.NewAsyncSink(observe.NewMultiSink(sinks...), 1024)

	agentOpts := []agent.Option{
		agent.WithSystemPrompt(cfg.Loop.SystemPrompt),
		agent.WithMaxIterations(cfg.Loop.MaxIterations),
		agent.WithMaxAttempts(cfg.Controller.MaxAttempts),
		agent.WithMaxOutputTokens(cfg.Loop.MaxOutputTokens),
		agent.WithOverallCeiling(cfg.Controller.OverallCeiling),
		agent.WithBudget(cfg.Budget),
		agent.WithMaxToolTimeout(cfg.Loop.MaxToolTimeout),
		agent.WithParallelToolCalls(cfg.Loop.ParallelTools),
		agent.WithObserver(rt.observer),
		agent.WithLogger(rt.logger.With().Str("component", "agent").Logger()),
	}
	if rt.logger.GetLevel() <= zerolog.DebugLevel {
		agentOpts = append(agentOpts, agent.WithMiddleware(agent.NewLoggingMiddleware(rt.logger)))
	}
	if cfg.ContextSource != nil {
		resolver, err := httpContextResolver(*cfg.ContextSource, httpClient)
		if err != nil {
			return fmt.Errorf("context source: %w", err)
		}
		agentOpts = append(agentOpts, agent.WithContextResolver(resolver))
	}
	a, err := agent.New(provider, rt.store, executor, agentOpts...)
	if err != nil {
		return err
	}
	rt.agent = a
	rt.controller = resume.NewController(a,
		resume.WithPolicy(cfg.Controller),
		resume.WithLogger(rt.logger.With().Str("component", "controller").Logger()),
	)
	return nil
}

// httpContextResolver looks a contextRef up through an HTTP endpoint, sending
// {"contextRef": ref}. String replies are used as-is; anything else as JSON.
func httpContextResolver(cfg tools.HTTPConfig, client *http.Client) (agent.ContextResolver, error) {
	if cfg.Name == "" {
		cfg.Name = "context_source"
	}
	tool, err := tools.NewHTTPTool(cfg, client)
	if err != nil {
		return nil, err
	}
	return agent.ContextResolverFunc(func(ctx context.Context, ref string) (string, error) {
		args, _ := json.Marshal(map[string]string{"contextRef": ref})
		out, err := tool.Execute(ctx, args)
		if err != nil {
			return "", err
		}
		if s, ok := out.(string); ok {
			return s, nil
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}), nil
}

func (rt *runtime) sweeper() *resume.Sweeper {
	return resume.NewSweeper(rt.store,
		resume.WithSchedule(rt.cfg.Sweeper.Schedule),
		resume.WithBatch(rt.cfg.Sweeper.Batch),
		resume.WithGrace(rt.cfg.Sweeper.Grace),
		resume.WithSweeperLogger(rt.logger.With().Str("component", "sweeper").Logger()),
	)
}

// Close flushes events and releases resources, newest first.
func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.observer != nil {
		rt.observer.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn().Err(err).Msg("shutdown")
	}
}
