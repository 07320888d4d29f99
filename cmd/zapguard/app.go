package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/zapguard/guardrail/pkg/admission"
	"github.com/zapguard/guardrail/pkg/api"
	"github.com/zapguard/guardrail/pkg/config"
	"github.com/zapguard/guardrail/pkg/engine"
	"github.com/zapguard/guardrail/pkg/followup"
	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/jobs"
	"github.com/zapguard/guardrail/pkg/media"
	"github.com/zapguard/guardrail/pkg/metering"
	"github.com/zapguard/guardrail/pkg/observability"
	"github.com/zapguard/guardrail/pkg/operators"
	"github.com/zapguard/guardrail/pkg/timeline"
	"github.com/zapguard/guardrail/pkg/transport"
	"github.com/zapguard/guardrail/pkg/warmup"
)

// app holds the wired services of one process.
type app struct {
	db        *sql.DB
	telemetry *observability.Provider

	instances *instance.Service
	signals   *health.SignalCollector
	evaluator *health.Evaluator
	pipeline  *intent.Pipeline
	runner    *jobs.Runner
	queue     *operators.Queue
	meter     metering.Meter
	media     media.Store
	scheduler *engine.Scheduler
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, "zapguard.db")
		log.Printf("[zapguard] lite mode: using sqlite at %s", dbPath)
		db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return db, nil
}

type initializer interface {
	Init(ctx context.Context) error
}

func newTransport(cfg *config.Config) transport.Transport {
	if cfg.BridgeURL == "" {
		log.Printf("[zapguard] transport: BRIDGE_URL not set, using dry-run adapter")
		return transport.NewDryRun()
	}
	bridge := transport.NewHTTPBridge(transport.HTTPBridgeConfig{BaseURL: cfg.BridgeURL, Token: cfg.BridgeToken})
	return transport.NewRouter(nil).
		Handle(string(instance.EngineTurboZap), bridge).
		Handle(string(instance.EngineEvolution), bridge)
}

func newWarmUpDriver(cfg *config.Config, policy config.Policy, instances *instance.Service, pipeline *intent.Pipeline, evaluator *health.Evaluator) (*warmup.Driver, error) {
	texts := warmup.DefaultTexts
	targets := policy.WarmUp.Targets
	if cfg.WarmUpPack != "" {
		pack, err := warmup.LoadPack(cfg.WarmUpPack)
		if err != nil {
			return nil, err
		}
		log.Printf("[zapguard] warm-up: content pack %s from %s", pack.Version, pack.Source)
		texts = pack.Texts
		if len(pack.Targets) > 0 {
			targets = pack.Targets
		}
	}
	driver := warmup.NewDriver(instances, pipeline, warmup.NewContentProvider(texts), warmup.NewStaticTargets(targets))
	return driver.WithPhaseLimit(evaluator, policy.Health), nil
}

// buildApp wires stores, services and workers from configuration.
func buildApp(ctx context.Context, cfg *config.Config, policy config.Policy) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "zapguard",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a.db, err = openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	instanceStore := instance.NewSQLStore(a.db)
	intentStore := intent.NewSQLStore(a.db)
	jobStore := jobs.NewSQLStore(a.db)
	operatorStore := operators.NewSQLStore(a.db)
	events := timeline.NewSQLLog(a.db)
	sqlMeter := metering.NewSQLMeter(a.db)
	for _, s := range []initializer{instanceStore, intentStore, jobStore, operatorStore, events, sqlMeter} {
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	a.meter = metering.NewMirrored(sqlMeter, a.telemetry)

	a.media, err = media.NewStore(ctx, cfg.Media)
	if err != nil {
		return nil, fmt.Errorf("init media store: %w", err)
	}

	var limiter admission.LimiterStore = admission.NewMemoryLimiterStore()
	if cfg.RedisAddr != "" {
		log.Printf("[zapguard] admission: redis limiter at %s", cfg.RedisAddr)
		limiter = admission.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	a.signals = health.NewSignalCollector(24*time.Hour, 0)
	a.instances = instance.NewService(instanceStore)
	a.instances.OnConnectionEvent(a.signals.ObserveConnection)

	evaluator, err := health.NewEvaluator(a.instances, policy.Health, a.signals)
	if err != nil {
		return nil, err
	}
	a.evaluator = evaluator.WithTelemetry(a.telemetry)

	a.runner = jobs.NewRunner(jobStore, newTransport(cfg), policy.Jobs).
		WithBanner(a.instances).
		WithSignals(a.signals).
		WithMeter(a.meter).
		WithTimeline(events).
		WithTelemetry(a.telemetry)

	pipeline, err := intent.NewPipeline(intentStore, a.instances, a.runner, jobStore, policy.Intent)
	if err != nil {
		return nil, err
	}
	a.pipeline = pipeline.
		WithAdmission(admission.NewController(limiter, policy.Admission)).
		WithMedia(a.media).
		WithTimeline(events).
		WithTelemetry(a.telemetry)
	a.runner.WithIntentSink(a.pipeline)

	a.queue = operators.NewQueue(operatorStore)
	handler := followup.NewHandler(a.pipeline, a.queue, policy.FollowUp).
		WithTimeline(events).
		WithTelemetry(a.telemetry)

	driver, err := newWarmUpDriver(cfg, policy, a.instances, a.pipeline, a.evaluator)
	if err != nil {
		return nil, err
	}

	a.scheduler = engine.New(policy.Schedule, engine.Workers{
		Health:   a.evaluator,
		Intents:  intent.NewSweeper(a.pipeline),
		Jobs:     a.runner,
		FollowUp: followup.NewEscalator(a.queue, handler, policy.FollowUp),
		WarmUp:   driver,
	}).WithTelemetry(a.telemetry)
	return a, nil
}

func (a *app) apiServer(cfg *config.Config) *api.Server {
	return api.NewServer(api.Deps{
		Instances: a.instances,
		Evaluator: a.evaluator,
		Signals:   a.signals,
		Pipeline:  a.pipeline,
		Jobs:      a.runner,
		Queue:     a.queue,
		Meter:     a.meter,
		Media:     a.media,
	}, api.Options{
		JWTSecret: []byte(cfg.JWTSecret),
		RateLimit: cfg.APIRate,
		RateBurst: cfg.APIBurst,
	})
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("[zapguard] shutdown: %v", err)
	}
}
