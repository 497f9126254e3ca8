package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/audit"
	"github.com/openharness/openharness/pkg/blob"
	"github.com/openharness/openharness/pkg/config"
	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/executor"
	"github.com/openharness/openharness/pkg/identity"
	"github.com/openharness/openharness/pkg/orchestrator"
	"github.com/openharness/openharness/pkg/policy"
	"github.com/openharness/openharness/pkg/providers"
	"github.com/openharness/openharness/pkg/registry"
	"github.com/openharness/openharness/pkg/stores"
	"github.com/openharness/openharness/pkg/telemetry"
)

// stack is the wired harness: every collaborator a command needs, built from
// one config file. Close releases them in reverse dependency order.
type stack struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    engine.Store
	ledger   *audit.Ledger
	blobs    blob.Store
	policies *policy.Engine
	loader   *policy.Loader
	registry *registry.Registry
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
	queue    *executor.Queue
	executor *executor.Executor
	orch     *orchestrator.Orchestrator
	resolver identity.Resolver

	closers []func()
}

// buildStack constructs the full harness from the configuration file named
// by the global --config flag.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	s := &stack{cfg: cfg, logger: logger}

	if err := s.buildStore(); err != nil {
		return nil, err
	}
	if s.ledger, err = audit.Open(ctx, s.store, logger); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildBlobs(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildTelemetry(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildPolicies(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildResolver(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.registry = registry.New(s.store, s.ledger, s.blobs,
		registry.Config{IdempotencyKeyTTL: cfg.Registry.IdempotencyKeyTTL}, logger)

	targets, err := providers.Build(cfg.Targets, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	redactor, err := executor.NewRedactor(cfg.Redaction)
	if err != nil {
		s.Close()
		return nil, err
	}
	validator, err := config.NewPayloadValidator()
	if err != nil {
		s.Close()
		return nil, err
	}

	s.queue = executor.NewQueue(cfg.Executor.QueueSize)
	gate := executor.NewGate(s.policies, s.ledger, redactor)
	s.orch = orchestrator.New(s.registry, s.store, s.queue, s.policies, validator,
		targets.Compensators(), s.ledger, s.tracer, s.events, s.metrics, logger)
	s.executor = executor.New(s.store, s.queue, gate, targets.Providers(),
		targets.Fallbacks(), s.orch, s.tracer, s.metrics, cfg.ExecutorSettings(), logger)

	return s, nil
}

func (s *stack) buildStore() error {
	switch s.cfg.Store.Backend {
	case config.StoreSQLite:
		store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: s.cfg.Store.Path})
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.store = store
		s.closers = append(s.closers, func() { _ = store.Close() })
	case config.StorePostgres:
		store, err := stores.NewPostgresStore(stores.PostgresConfig{DSN: s.cfg.Store.DSN})
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		s.store = store
		s.closers = append(s.closers, func() { _ = store.Close() })
	default:
		s.store = stores.NewMemoryStore()
	}
	return nil
}

func (s *stack) buildBlobs(ctx context.Context) error {
	if s.cfg.Blob.Backend == config.BlobMinIO {
		blobs, err := blob.NewMinIOStore(ctx, s.cfg.Blob.MinIO)
		if err != nil {
			return fmt.Errorf("failed to connect blob store: %w", err)
		}
		s.blobs = blobs
		return nil
	}
	s.blobs = blob.NewMemoryStore()
	return nil
}

func (s *stack) buildPolicies(ctx context.Context) error {
	s.policies = policy.NewEngine(s.logger)
	s.loader = policy.NewLoader(s.logger)
	if len(s.cfg.Policy.Paths) == 0 {
		return nil
	}
	rs, err := s.loader.LoadFromPaths(ctx, s.cfg.Policy.Paths)
	if err != nil {
		return err
	}
	s.policies.Replace(rs)

	if s.cfg.Policy.Watch {
		if err := s.loader.Watch(ctx, s.cfg.Policy.Paths, func(rs *policy.RuleSet) {
			s.policies.Replace(rs)
			s.metrics.RecordPolicyReload(true)
		}); err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = s.loader.StopWatching() })
	}
	return nil
}

func (s *stack) buildTelemetry() error {
	metrics, err := telemetry.NewMetrics(s.cfg.Telemetry.Metrics)
	if err != nil {
		return err
	}
	s.metrics = metrics

	tracer, err := telemetry.NewTracer(s.cfg.Telemetry.Tracing,
		s.cfg.Telemetry.ServiceName, s.cfg.Telemetry.ServiceVersion, s.cfg.Telemetry.Environment)
	if err != nil {
		return err
	}
	s.tracer = tracer
	s.closers = append(s.closers, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutCtx)
	})

	s.events = telemetry.NewEventPublisher(s.cfg.Telemetry.Events)
	s.closers = append(s.closers, s.events.Close)
	return nil
}

func (s *stack) buildResolver(ctx context.Context) error {
	switch s.cfg.Identity.Mode {
	case config.IdentityOIDC:
		resolver, err := identity.NewOIDCResolver(ctx, s.cfg.Identity.OIDC, s.logger)
		if err != nil {
			return err
		}
		s.resolver = resolver
	case config.IdentityStatic:
		actors := make(map[string]engine.Actor, len(s.cfg.Identity.StaticActors))
		for cred, a := range s.cfg.Identity.StaticActors {
			actors[cred] = engine.Actor{Subject: a.Subject, Email: a.Email, Roles: a.Roles}
		}
		s.resolver = identity.NewStaticResolver(actors)
	default:
		s.resolver = identity.SubjectResolver{}
	}
	return nil
}

// start brings up the executor workers.
func (s *stack) start(ctx context.Context) {
	s.executor.Start(ctx)
	s.closers = append(s.closers, s.executor.Stop)
}

// Close tears the stack down in reverse build order.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// waitForRun polls until the run leaves the running states or the context
// ends. It returns the last observed run.
func (s *stack) waitForRun(ctx context.Context, runID string) (*engine.Run, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case engine.RunStatusCreated, engine.RunStatusRunning, engine.RunStatusApproved:
		default:
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
