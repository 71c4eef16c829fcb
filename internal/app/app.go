// Package app assembles an opwarden process from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ppiankov/opwarden/internal/alert"
	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/config"
	"github.com/ppiankov/opwarden/internal/engine"
	"github.com/ppiankov/opwarden/internal/eventbus"
	"github.com/ppiankov/opwarden/internal/halt"
	"github.com/ppiankov/opwarden/internal/heartbeat"
	"github.com/ppiankov/opwarden/internal/inspect"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/override"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/policy"
	"github.com/ppiankov/opwarden/internal/risk"
	"github.com/ppiankov/opwarden/internal/taskspec"
	"github.com/ppiankov/opwarden/internal/trust"
)

// App holds every wired component.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     kv.Store
	Chain     *audit.Chain
	Bus       *eventbus.Bus
	Halt      *halt.Switch
	Detector  *anomaly.Detector
	Overrides *override.Resolver
	Trust     *trust.Scorer
	Ledger    *permission.Ledger
	Tasks     *taskspec.Store
	Engine    *engine.Engine
	Heartbeat *heartbeat.Runner
}

// New opens storage and builds all components from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	stateOpts, auditOpts := cfg.StoreOptions()
	store, err := kv.OpenRouted(ctx, stateOpts, auditOpts)
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}
	a, err := build(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStore builds components over an existing store. For tests.
func NewWithStore(cfg *config.Config, store kv.Store, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return build(cfg, store, logger)
}

func build(cfg *config.Config, store kv.Store, logger *slog.Logger) (*App, error) {
	table, err := policy.LoadTable(cfg.Policy.TablePath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	patterns, err := anomaly.LoadPatterns(cfg.Anomaly.PatternsPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	inspector, err := inspect.Load(cfg.Policy.InspectPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var sinks []eventbus.Sink
	if cfg.EventBus.Kafka.Enabled {
		ks, err := eventbus.NewKafkaSink(cfg.EventBus.Kafka.KafkaConfig)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		sinks = append(sinks, ks)
	}
	bus := eventbus.New(logger, sinks...)

	chainOpts := []audit.Option{audit.WithLogger(logger)}
	if d := alert.NewDispatcher(cfg.Alerts, logger); d != nil {
		chainOpts = append(chainOpts, audit.WithForwarder(d))
	}
	chain := audit.New(store, chainOpts...)

	hs := halt.NewSwitch(store, chain, logger)
	hs.OnChange(func(st halt.State) {
		bus.Emit(eventbus.NewEvent(eventbus.TypeHalt, st))
	})

	detector := anomaly.New(store, cfg.Anomaly.Config, patterns,
		anomaly.WithAuditor(chain),
		anomaly.WithPublisher(bus),
		anomaly.WithLogger(logger))

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Chain:     chain,
		Bus:       bus,
		Halt:      hs,
		Detector:  detector,
		Overrides: override.NewResolver(store, logger),
		Trust:     trust.NewScorer(store, cfg.Trust, logger),
		Ledger:    permission.NewLedger(store, chain, logger),
		Tasks:     taskspec.NewStore(store, chain, logger),
	}

	deps := engine.Deps{
		Halt:      hs,
		Detector:  detector,
		Policy:    table,
		Overrides: a.Overrides,
		Trust:     a.Trust,
		Ledger:    a.Ledger,
		Tasks:     a.Tasks,
		Audit:     chain,
		Store:     store,
		Inspector: inspector,
		Bus:       bus,
		Logger:    logger,
	}
	if cfg.Governance.URL != "" {
		deps.Governor = engine.NewHTTPGovernor(cfg.Governance.URL, cfg.Governance.Headers, cfg.Governance.Timeout)
	}
	if cfg.Risk.Enabled {
		deps.Classifier = risk.New(cfg.Risk)
	}
	eng, err := engine.New(deps, engine.Config{FailClosed: cfg.Audit.FailClosed})
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Engine = eng

	a.Heartbeat = heartbeat.New(heartbeat.Deps{
		Ledger:   a.Ledger,
		Tasks:    a.Tasks,
		Detector: detector,
		Chain:    chain,
		Halt:     hs,
		OpLog:    eng,
		Bus:      bus,
		Logger:   logger,
	}, cfg.Heartbeat)
	return a, nil
}

// ReloadHandlers maps each hot-reloadable file to the component swap it
// triggers. A file that fails to load leaves the running version in place.
func (a *App) ReloadHandlers() map[string]config.ReloadFunc {
	tablePath := a.Config.Policy.TablePath
	if tablePath == "" {
		tablePath = policy.DefaultTablePath()
	}
	h := map[string]config.ReloadFunc{
		tablePath: func() error {
			t, err := policy.LoadTable(tablePath)
			if err != nil {
				return err
			}
			a.Engine.SetPolicy(t)
			return nil
		},
	}
	if p := a.Config.Anomaly.PatternsPath; p != "" {
		h[p] = func() error {
			pats, err := anomaly.LoadPatterns(p)
			if err != nil {
				return err
			}
			a.Detector.SetPatterns(pats)
			return nil
		}
	}
	if p := a.Config.Policy.InspectPath; p != "" {
		h[p] = func() error {
			in, err := inspect.Load(p)
			if err != nil {
				return err
			}
			a.Engine.SetInspector(in)
			return nil
		}
	}
	return h
}

// Close persists the detector baseline, flushes the event bus and closes
// storage.
func (a *App) Close() error {
	var errs []error
	if err := a.Detector.SaveBaseline(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("save baseline: %w", err))
	}
	if err := a.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
