// Package app wires the polling runtime together: config, logging,
// storage, blob store, queue, dispatcher, and the metrics listener.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aeternitas/internal/blob"
	"aeternitas/internal/config"
	"aeternitas/internal/dispatch"
	"aeternitas/internal/eventbus"
	"aeternitas/internal/executor"
	"aeternitas/internal/metrics"
	"aeternitas/internal/pollable"
	"aeternitas/internal/queue"
	"aeternitas/internal/source"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	blobs    blob.Adapter
	ledger   *source.Ledger
	registry *pollable.Registry
	met      *metrics.Metrics
	promReg  *prometheus.Registry

	exec  *executor.Executor
	queue *queue.Service
	disp  *dispatch.Dispatcher

	metricsSrv *http.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds the runtime from a config file. An empty path uses the
// built-in defaults.
func New(cfgPath string) (*App, error) {
	var (
		cfgm *config.Manager
		cfg  *config.Config
	)
	if cfgPath != "" {
		cfgm = config.NewManager(cfgPath)
		c, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))
	if cfgm != nil {
		cfgm.SetLogger(log.With(logx.String("comp", "config")))
	}

	bus := eventbus.New()

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(cfg.BlobConfig())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(promReg)

	registry := pollable.NewRegistry()
	ledger := source.NewLedger(store, blobs, log.With(logx.String("comp", "source")))
	exec := executor.New(store, registry, met, bus, log.With(logx.String("comp", "executor")))

	qcfg, err := cfg.QueueConfig()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	q := queue.New(qcfg, exec.ExecutePoll, store, registry, bus, log.With(logx.String("comp", "queue")))

	dcfg, err := cfg.DispatcherConfig()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp, err := dispatch.New(dcfg, store, q, registry, log.With(logx.String("comp", "dispatch")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		cfg:      cfg,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		blobs:    blobs,
		ledger:   ledger,
		registry: registry,
		met:      met,
		promReg:  promReg,
		exec:     exec,
		queue:    q,
		disp:     disp,
	}, nil
}

// Registry registers pollable kinds; call before Start.
func (a *App) Registry() *pollable.Registry { return a.registry }

// Ledger is the captured-content store for poll implementations.
func (a *App) Ledger() *source.Ledger { return a.ledger }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// AddPollable makes an entity known to the scheduler. Idempotent; a new
// record is immediately due.
func (a *App) AddPollable(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error) {
	if _, ok := a.registry.Lookup(ref.Kind); !ok {
		return nil, errors.New("app: kind not registered: " + ref.Kind)
	}
	return a.store.EnsureMeta(ctx, ref)
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.queue.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.disp.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("dispatcher exited", logx.Err(err))
		}
	}()

	if a.cfgm != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.cfgm.Watch(runCtx)
		}()

		sub := a.cfgm.Subscribe(4)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-runCtx.Done():
					return
				case cfg, ok := <-sub:
					if !ok {
						return
					}
					a.applyReload(cfg)
				}
			}
		}()
	}

	if a.cfg.Metrics.Enabled {
		a.startMetricsListener(runCtx)
	}

	a.started = true
	a.log.Info("aeternitas started",
		logx.String("storage", a.cfg.Storage.Driver),
		logx.Int("kinds", len(a.registry.Kinds())))
	return nil
}

// applyReload applies the hot-reloadable subset of a config update.
// Worker pool and storage settings need a restart; only logging is
// swapped live.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(cfg.LogConfig())
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

func (a *App) startMetricsListener(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsSrv = srv

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("metrics listener started", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics listener failed", logx.Err(err))
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.queue.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out", logx.Err(ctx.Err()))
	}

	err := a.store.Close()
	a.log.Info("aeternitas stopped")
	_ = a.logs.Close()
	return err
}
