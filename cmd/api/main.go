package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-trackmates/internal/background"
	"backend-trackmates/internal/config"
	"backend-trackmates/internal/db"
	"backend-trackmates/internal/durable"
	"backend-trackmates/internal/events"
	"backend-trackmates/internal/livestore"
	"backend-trackmates/internal/localstate"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/server"
	"backend-trackmates/internal/stream"
	"backend-trackmates/internal/supervisor"
	"backend-trackmates/internal/tracking"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 5 * time.Second

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, <-chan os.Signal, supervisor.ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		logging.Warn().Err(err).Msg("postgres connection failed, durable store disabled")
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil); err != nil {
		logging.Error().Err(err).Msg("daemon exited with error")
	}
}

// settingsFrom maps the environment configuration onto engine settings. Unset
// values keep the engine defaults.
func settingsFrom(cfg config.Config) tracking.Settings {
	s := tracking.DefaultSettings()
	setDuration(&s.Session.UpdateInterval, cfg.UpdateInterval)
	if cfg.DistanceFilterM >= 0 {
		s.Session.DistanceFilterM = cfg.DistanceFilterM
	}
	if cfg.AccuracyTier != "" {
		s.Session.AccuracyTier = location.AccuracyTier(cfg.AccuracyTier)
	}
	setDuration(&s.MaxFixAge, cfg.MaxFixAge)
	setFloat(&s.MaxAccuracyM, cfg.MaxAccuracyM)
	setDuration(&s.HeartbeatInterval, cfg.HeartbeatInterval)
	setDuration(&s.HealthCheckInterval, cfg.HealthCheckInterval)
	setDuration(&s.FixTimeout, cfg.FixTimeout)
	setInt(&s.FailureThreshold, cfg.FailureThreshold)
	setDuration(&s.Restart.Base, cfg.RestartDelay)
	setDuration(&s.Restart.Cap, cfg.RestartDelayCap)
	setInt(&s.Restart.MaxAttempts, cfg.MaxRestartAttempts)
	setDuration(&s.StaleThreshold, cfg.StaleThreshold)
	setFloat(&s.ProximityThresholdM, cfg.ProximityThresholdM)
	setDuration(&s.DurableRetryBase, cfg.DurableRetryBase)
	setInt(&s.DurableMaxRetries, cfg.DurableMaxRetries)
	setDuration(&s.BackgroundWindow, cfg.BackgroundWindow)
	setDuration(&s.BackgroundRenewInterval, cfg.BackgroundRenewInterval)
	return s
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

type daemon struct {
	engine *tracking.Engine
	state  *localstate.Store
	hub    *stream.Hub
	tree   *supervisor.Tree
	http   *supervisor.HTTPService
}

func newDaemon(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, listen supervisor.ListenFunc) (*daemon, error) {
	var live livestore.Store = livestore.NewMemoryStore(nil)
	if rdb != nil {
		live = livestore.NewRedisStore(rdb)
	}

	var (
		durableStore tracking.DurableStore
		history      *durable.Store
	)
	if pg != nil {
		store := durable.NewStore(pg)
		schemaCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		err := store.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			logging.Warn().Err(err).Msg("durable schema unavailable, durable store disabled")
		} else {
			durableStore, history = store, store
		}
	}

	state, err := localstate.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}

	settings := settingsFrom(cfg)
	bus := events.NewBus()
	engine := tracking.New(settings, tracking.Options{
		Source:    location.NewBridge(location.AuthNotDetermined),
		Live:      live,
		Durable:   durableStore,
		State:     state,
		Scheduler: background.NewBudget(settings.BackgroundWindow, nil),
		Bus:       bus,
		Platform:  cfg.Platform,
	})

	hub := stream.NewHub(rdb)
	srv := server.NewServer(cfg, engine, hub, history)

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: shutdownTimeout})
	httpSvc := supervisor.NewHTTPService(srv.App, cfg.ServerPort, listen, shutdownTimeout)
	tree.AddEngineService(engine.Observer())
	tree.AddEngineService(supervisor.NewForwardService(hub, bus, engine.UserID))
	tree.AddAPIService(httpSvc)

	return &daemon{engine: engine, state: state, hub: hub, tree: tree, http: httpSvc}, nil
}

func (d *daemon) close(ctx context.Context) {
	if err := d.engine.Close(ctx); err != nil {
		logging.Warn().Err(err).Msg("engine close failed")
	}
	if err := d.state.Close(); err != nil {
		logging.Warn().Err(err).Msg("local state close failed")
	}
	_ = d.hub.Close()
}

// Run starts the supervised daemon, resumes a persisted session and waits for
// termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen supervisor.ListenFunc) error {
	d, err := newDaemon(ctx, cfg, pg, rdb, listen)
	if err != nil {
		return err
	}

	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	treeErr := d.tree.ServeBackground(treeCtx)

	if resumed, err := d.engine.Recover(ctx); err != nil {
		logging.Warn().Err(err).Msg("resume persisted session failed")
	} else if resumed {
		logging.Info().Str("user", d.engine.UserID()).Msg("resumed persisted session")
	}

	var runErr error
	select {
	case <-signals:
	case <-ctx.Done():
	case runErr = <-d.http.Failed():
	}

	stopTree()
	select {
	case <-treeErr:
	case <-time.After(2 * shutdownTimeout):
		logging.Warn().Msg("supervisor tree did not stop in time")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.close(closeCtx)

	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return runErr
}
