package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/bus"
	"github.com/qube-ai/rule-vm/config"
	"github.com/qube-ai/rule-vm/storage"
	"github.com/qube-ai/rule-vm/vm"
)

// App wires the engine together: NATS, the document store, the rule VM,
// the bus subscriber, the script watcher, and the observability sinks.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store      *storage.Store
	engine     *vm.VM
	subscriber *bus.Subscriber
	watcher    *vm.ScriptWatcher
	observer   *vm.Observer

	metricsServer *http.Server
	watchCancel   context.CancelFunc
}

// NewApp creates an application instance around cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// connect starts NATS (embedded or external) and opens the document store.
func (a *App) connect(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js, storage.Options{
		DeviceBucket:  a.cfg.Store.DeviceBucket,
		RecordBucket:  a.cfg.Store.RecordBucket,
		RuleBucket:    a.cfg.Store.RuleBucket,
		RecordHistory: a.cfg.Store.RecordHistory,
	})
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store
	return nil
}

// Start initializes and starts every configured component. The engine
// runs until Shutdown; ctx only bounds startup.
func (a *App) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	deps := action.Deps{
		Devices: a.store,
		Email: action.NewMailer(
			a.cfg.Email.APIKey,
			a.cfg.Email.FromName,
			a.cfg.Email.From,
			action.WithMailerLogger(a.logger),
		),
		Logger: a.logger,
	}

	opts := vm.Options{
		QueueCapacity:    a.cfg.VM.QueueCapacity,
		SnapshotPath:     a.cfg.VM.SnapshotPath,
		SnapshotInterval: a.cfg.VM.SnapshotInterval,
		ObserveInterval:  a.cfg.VM.ObserveInterval,
		TimerSlack:       a.cfg.VM.TimerSlack,
		StopPollInterval: a.cfg.VM.StopPollInterval,
		Logger:           a.logger,
	}

	if a.cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = vm.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsServer = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
		a.logger.Info("metrics listening", "addr", a.cfg.Metrics.Listen)
	}

	if a.cfg.Redis.Addr != "" {
		obs := vm.NewObserver(
			a.cfg.Redis.Addr,
			a.cfg.Redis.Password,
			a.cfg.Redis.DB,
			vm.WithObserverLogger(a.logger),
		)
		if err := obs.Ping(ctx); err != nil {
			a.logger.Warn("redis sink unreachable, continuing without it",
				"addr", a.cfg.Redis.Addr,
				"error", err)
			_ = obs.Close()
		} else {
			a.observer = obs
			opts.Observer = obs
		}
	}

	// The engine owns its shutdown; a cancelled startup ctx must not abort
	// in-flight evaluations later.
	a.engine = vm.New(a.store, deps, opts)
	if err := a.engine.Start(context.Background()); err != nil {
		return fmt.Errorf("start rule engine: %w", err)
	}

	if err := a.engine.SyncRules(ctx); err != nil {
		return fmt.Errorf("sync rules: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	changes, err := a.store.WatchRules(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch rules: %w", err)
	}
	go func() {
		for change := range changes {
			a.engine.RuleChanged(change)
		}
	}()

	if len(a.cfg.Bus.Subscriptions) > 0 {
		busOpts := bus.Options{
			Stream: a.cfg.Bus.Stream,
			Logger: a.logger,
		}
		if a.cfg.Bus.IngestRecords {
			busOpts.Records = a.store
		}
		for _, sub := range a.cfg.Bus.Subscriptions {
			busOpts.Subscriptions = append(busOpts.Subscriptions, bus.Subscription{
				Subject:     sub.Subject,
				Class:       sub.Class,
				DeviceGlobs: sub.DeviceGlobs,
			})
		}
		a.subscriber = bus.New(a.js, a.engine, busOpts)
		if err := a.subscriber.Start(ctx); err != nil {
			return fmt.Errorf("start bus subscriber: %w", err)
		}
	}

	if a.cfg.Scripts.Dir != "" {
		watcher, err := vm.NewScriptWatcher(a.engine, a.cfg.Scripts.Dir, a.logger)
		if err != nil {
			return fmt.Errorf("create script watcher: %w", err)
		}
		if err := watcher.Start(watchCtx); err != nil {
			return fmt.Errorf("start script watcher: %w", err)
		}
		a.watcher = watcher
	}

	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// Shutdown stops the intake paths, drains the engine within timeout, and
// releases the transports.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("shutting down")

	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.watchCancel != nil {
		a.watchCancel()
	}

	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.engine.WaitedStop(ctx); err != nil {
			a.logger.Warn("engine did not drain before the deadline", "error", err)
		}
		cancel()
	}

	if a.observer != nil {
		_ = a.observer.Close()
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}
