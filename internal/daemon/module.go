package daemon

import (
	"context"
	"path/filepath"

	"github.com/matheus3301/tgsync/internal/accounts"
	"github.com/matheus3301/tgsync/internal/api"
	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/config"
	"github.com/matheus3301/tgsync/internal/lock"
	"github.com/matheus3301/tgsync/internal/logging"
	"github.com/matheus3301/tgsync/internal/metrics"
	"github.com/matheus3301/tgsync/internal/outbox"
	"github.com/matheus3301/tgsync/internal/profile"
	"github.com/matheus3301/tgsync/internal/rpc"
	"github.com/matheus3301/tgsync/internal/status"
	"github.com/matheus3301/tgsync/internal/store"
	"github.com/matheus3301/tgsync/internal/supervisor"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"github.com/matheus3301/tgsync/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	// Dir overrides the profile directory; empty = ~/.tgsync/profiles/<name>.
	Dir string
	// SocketPath overrides the control socket; empty = <dir>/daemon.sock.
	SocketPath string
	// Config overrides loading ~/.tgsync/config.toml.
	Config *config.Config
	// Launcher overrides the configured worker command.
	Launcher supervisor.Launcher
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return profile.Dir(p.ProfileName)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	if p.Dir != "" {
		return filepath.Join(p.Dir, "daemon.sock")
	}
	return profile.SocketPath(p.ProfileName)
}

func (p Params) dbPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "tgsync.db")
	}
	return profile.DBPath(p.ProfileName)
}

func (p Params) logPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "logs", "tgsyncd.log")
	}
	return profile.LogPath(p.ProfileName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideStateMachine,
			provideLock,
			provideStore,
			provideChannel,
			provideLauncher,
			provideSupervisor,
			provideWorkerClient,
			provideEngine,
			provideQueue,
			provideRouter,
			provideAccounts,
			provideBackfiller,
			provideSender,
			provideControl,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Dir == "" {
		if err := profile.EnsureDir(p.ProfileName); err != nil {
			return nil, err
		}
	}
	return logging.New(p.logPath(), p.ProfileName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChannel(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *rpc.Channel {
	return rpc.NewChannel(rpc.Options{
		Timeout: cfg.Worker.CallTimeout.Duration,
		Logger:  logger.Named("rpc"),
		Metrics: m,
	})
}

func provideLauncher(p Params, cfg *config.Config, logger *zap.Logger) (supervisor.Launcher, error) {
	if p.Launcher != nil {
		return p.Launcher, nil
	}
	env, err := cfg.Worker.WorkerEnv()
	if err != nil {
		return nil, err
	}
	return &supervisor.ExecLauncher{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Dir:     cfg.Worker.Dir,
		Env:     env,
		Logger:  logger.Named("worker"),
	}, nil
}

func provideSupervisor(cfg *config.Config, l supervisor.Launcher, ch *rpc.Channel, machine *status.Machine, logger *zap.Logger, m *metrics.Metrics) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Launcher:       l,
		Channel:        ch,
		Machine:        machine,
		InitialBackoff: cfg.Worker.InitialBackoff.Duration,
		MaxBackoff:     cfg.Worker.MaxBackoff.Duration,
		MaxRestarts:    cfg.Worker.MaxRestarts,
		StopGrace:      cfg.Worker.StopGrace.Duration,
		Logger:         logger.Named("supervisor"),
		Metrics:        m,
	})
}

func provideWorkerClient(ch *rpc.Channel) *worker.Client {
	return worker.NewClient(ch)
}

func provideEngine(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *intsync.Engine {
	return intsync.NewEngine(db, b, intsync.Options{
		SettingsTTL: cfg.Ingest.SettingsTTL.Duration,
		Logger:      logger.Named("sync"),
		Metrics:     m,
	})
}

func provideQueue(engine *intsync.Engine, db *store.DB, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *intsync.Queue {
	return intsync.NewQueue(engine, db, intsync.QueueOptions{
		Size:    cfg.Ingest.QueueSize,
		Workers: cfg.Ingest.Workers,
		Logger:  logger.Named("queue"),
		Metrics: m,
	})
}

func provideRouter(q *intsync.Queue, b *bus.Bus, logger *zap.Logger) *worker.Router {
	return worker.NewRouter(q, b, logger)
}

func provideAccounts(db *store.DB, c *worker.Client, engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *accounts.Manager {
	return accounts.NewManager(db, c, engine, cfg.Worker.CallTimeout.Duration, logger)
}

func provideBackfiller(c *worker.Client, db *store.DB, engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *intsync.Backfiller {
	return intsync.NewBackfiller(c, db, engine, cfg.Ingest.BackfillDialogs, cfg.Ingest.BackfillMessages, logger.Named("backfill"))
}

func provideSender(db *store.DB, c *worker.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, c, engine, b, 0, logger)
}

func provideControl(p Params, sup *supervisor.Supervisor, c *worker.Client, acc *accounts.Manager, bf *intsync.Backfiller, db *store.DB, sender *outbox.Sender, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(api.Deps{
		Profile:    p.ProfileName,
		Supervisor: sup,
		Worker:     c,
		Accounts:   acc,
		Backfiller: bf,
		Mirror:     db,
		Outbox:     sender,
		Ingest:     engine,
		Bus:        b,
		Logger:     logger.Named("api"),
	})
}

type lifecycleParams struct {
	fx.In

	Server     *Server
	Metrics    *MetricsServer
	Lock       *lock.Lock
	Store      *store.DB
	Channel    *rpc.Channel
	Supervisor *supervisor.Supervisor
	Queue      *intsync.Queue
	Router     *worker.Router
	Accounts   *accounts.Manager
	Sender     *outbox.Sender
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	logger := d.Logger
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Worker notifications feed the ingest queue.
			d.Channel.SetObserver(d.Router.Handle)

			// A fresh worker holds no sessions: resume them on every start.
			d.Supervisor.OnRunning(func() {
				if err := d.Accounts.ResumeAll(runCtx); err != nil {
					logger.Warn("some accounts were not resumed", zap.Error(err))
				}
			})

			d.Queue.Start(runCtx)
			d.Sender.Start(runCtx)

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			d.Metrics.Start()

			if err := d.Supervisor.Start(); err != nil {
				logger.Error("worker start failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			d.Server.Stop(ctx)
			d.Sender.Stop()
			err := d.Supervisor.Stop(ctx)
			d.Queue.Stop()
			err = multierr.Combine(err,
				d.Metrics.Stop(ctx),
				d.Store.Close(),
				d.Lock.Release(),
			)
			if err != nil {
				logger.Warn("errors during shutdown", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return err
		},
	})
}
