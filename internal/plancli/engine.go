package plancli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/engineconfig"
	"github.com/contenox/planengine/internal/ollamaadvisor"
	"github.com/contenox/planengine/libbus"
	libdb "github.com/contenox/planengine/libdbexec"
	"github.com/contenox/planengine/libkvstore"
	"github.com/contenox/planengine/libroutine"
	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planlock"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planservice"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/toolregistry"
)

// Engine is everything a planctl command needs, wired from one Config.
type Engine struct {
	Service  planservice.Service
	Tools    *toolregistry.MemoryRegistry
	Bus      libbus.Messenger
	Config   *engineconfig.Config
	Logger   *slog.Logger
	cleanups []func()
}

// Close releases connections in reverse order of creation.
func (e *Engine) Close() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
	e.cleanups = nil
}

// BuildEngine opens the store and connects the optional collaborators the
// config names: NATS for event fan-out, Valkey for the plan lock and event
// history, Ollama for recovery decisions.
func BuildEngine(ctx context.Context, cfg *engineconfig.Config, logger *slog.Logger, tracker libtracker.ActivityTracker) (*Engine, error) {
	engine := &Engine{Config: cfg, Logger: logger, Tools: demoRegistry()}
	fail := func(err error) (*Engine, error) {
		engine.Close()
		return nil, err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	engine.cleanups = append(engine.cleanups, func() { _ = db.Close() })
	store := planstore.New(db)
	approvals := approvalservice.WithActivityTracker(approvalservice.New(db), tracker)

	var sinks []planevents.Listener
	if busCfg := cfg.BusConfig(); busCfg != nil {
		bus, err := libbus.NewPubSub(ctx, busCfg)
		if err != nil {
			return fail(fmt.Errorf("initializing PubSub failed: %w", err))
		}
		engine.Bus = bus
		engine.cleanups = append(engine.cleanups, func() { _ = bus.Close() })
		sinks = append(sinks, planevents.BusForwarder(bus))
	}

	var locker planlock.Locker = planlock.NewLocal()
	var history *planevents.KVHistorySink
	if kvCfg := cfg.KVConfig(); kvCfg != nil {
		kv, err := libkvstore.NewManager(*kvCfg, 5*time.Second)
		if err != nil {
			return fail(err)
		}
		engine.cleanups = append(engine.cleanups, kv.Close)
		locker = planlock.NewKV(kv, cfg.LockTTLDuration())
		history = planevents.NewKVHistorySink(kv, cfg.EventHistorySize)
		sinks = append(sinks, history.Listener())
	}

	emitters := planevents.NewRegistry(
		planevents.WithEmitterOptions(
			planevents.WithHistorySize(cfg.EventHistorySize),
			planevents.WithEmitterLogger(logger),
		),
		planevents.WithSinks(sinks...),
	)

	tools := demoTools()
	exec := planexec.New(store, tools,
		planexec.WithApprovalService(approvals),
		planexec.WithToolRegistry(engine.Tools),
		planexec.WithEmitterRegistry(emitters),
		planexec.WithLocker(locker),
		planexec.WithApprovalTTL(cfg.ApprovalTTLDuration()),
		planexec.WithLogger(logger),
	)
	rollback := planrollback.New(store, tools,
		planrollback.WithEmitterRegistry(emitters),
		planrollback.WithLocker(locker),
		planrollback.WithApprovalService(approvals),
		planrollback.WithLogger(logger),
	)

	recoveryOpts := []planrecovery.Option{
		planrecovery.WithRollback(rollback),
		planrecovery.WithEmitterRegistry(emitters),
		planrecovery.WithLocker(locker),
		planrecovery.WithApprovalService(approvals),
		planrecovery.WithLogger(logger),
	}
	if cfg.AdvisorEnabled() {
		advisor, err := ollamaadvisor.New(cfg.OllamaURL, cfg.OllamaModel,
			ollamaadvisor.WithTimeout(cfg.AdvisorTimeoutDuration()),
			ollamaadvisor.WithTracker(tracker),
		)
		if err != nil {
			return fail(err)
		}
		recoveryOpts = append(recoveryOpts, planrecovery.WithAdvisor(advisor))
	}
	recovery := planrecovery.New(store, recoveryOpts...)

	svcOpts := []planservice.Option{
		planservice.WithConstraints(cfg.Constraints()),
		planservice.WithApprovalExpirer(approvals),
		planservice.WithMaxRetries(cfg.MaxRetries),
		planservice.WithLogger(logger),
	}
	if history != nil {
		svcOpts = append(svcOpts, planservice.WithHistory(history))
	}
	svc := planservice.New(store, engine.Tools, exec, rollback, recovery, svcOpts...)
	engine.Service = planservice.WithActivityTracker(svc, tracker)
	return engine, nil
}

func openDatabase(ctx context.Context, cfg *engineconfig.Config) (libdb.DBManager, error) {
	switch cfg.DatabaseDriver {
	case engineconfig.DriverPostgres:
		schema := planstore.SchemaPostgres + "\n" + approvalservice.SchemaPostgres
		var db libdb.DBManager
		err := libroutine.NewRoutine(10, time.Minute).ExecuteWithRetry(ctx, time.Second, 3, func(ctx context.Context) error {
			var err error
			db, err = libdb.NewPostgresDBManager(ctx, cfg.DatabaseURL, schema)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	default:
		path, err := filepath.Abs(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		schema := planstore.SchemaSQLite + "\n" + approvalservice.SchemaSQLite
		db, err := libdb.NewSQLiteDBManager(ctx, path, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	}
}
