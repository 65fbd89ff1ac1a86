// Package app wires configuration, storage, the scheduling core and the
// Telegram surface into one runnable unit.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postbot/internal/clock"
	"postbot/internal/config"
	"postbot/internal/publish/telegram"
	"postbot/internal/scheduling/allocation"
	"postbot/internal/scheduling/generator"
	"postbot/internal/scheduling/lock"
	"postbot/internal/scheduling/orchestrator"
	"postbot/internal/scheduling/queue"
	"postbot/internal/scheduling/selector"
	"postbot/internal/services/dispatch"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgMgr   *config.Manager
	settings config.Settings

	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	clock   clock.Clock
	locks   *lock.Manager
	alloc   *allocation.Table
	queue   *queue.Manager
	gen     *generator.Generator
	orch    *orchestrator.Orchestrator
	adapter *telegram.Adapter
	disp    *dispatch.Service

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	cfgCh   chan *config.Config
	wg      sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("app: resolve config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := c.Resolve()
		return err
	})

	clk := clock.System()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: settings.BusyTimeout,
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("app: open storage: %w", err)
	}

	locks := lock.NewManager(store, clk, settings.LockTTL, log.With(logx.String("svc", "lock")))
	alloc := allocation.NewTable(store, clk, log.With(logx.String("svc", "allocation")))
	sel := selector.New(locks, log.With(logx.String("svc", "selector")))
	q := queue.NewManager(store, clk, settings.MaxRetries, log.With(logx.String("svc", "queue")))
	catalog := selector.NewRepoCatalog(store.Media())
	gen := generator.New(generator.Config{
		WindowStart: settings.WindowStart,
		WindowEnd:   settings.WindowEnd,
		Jitter:      settings.Jitter,
		PostsPerDay: settings.PostsPerDay,
	}, q, sel, alloc, catalog, clk, log.With(logx.String("svc", "generator")))

	adapter, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		ChatID:     cfg.Telegram.ChatID,
		ThreadID:   cfg.Telegram.ThreadID,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log.With(logx.String("svc", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("app: telegram adapter: %w", err)
	}

	orch := orchestrator.New(store, locks, adapter, clk, log.With(logx.String("svc", "orchestrator")))
	disp := dispatch.New(dispatch.Config{
		Enabled:           true,
		Tick:              settings.Tick,
		SweepEvery:        settings.SweepEvery,
		ReaperEvery:       settings.ReaperEvery,
		ProcessingTimeout: settings.ProcessingTimeout,
	}, orch, locks, clk, log.With(logx.String("svc", "dispatch")))

	return &App{
		cfgMgr:   mgr,
		settings: settings,
		logSvc:   logSvc,
		log:      log.With(logx.String("svc", "app")),
		store:    store,
		clock:    clk,
		locks:    locks,
		alloc:    alloc,
		queue:    q,
		gen:      gen,
		orch:     orch,
		adapter:  adapter,
		disp:     disp,
	}, nil
}

func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.runCtx, a.cancel = context.WithCancel(ctx)

	a.adapter.Start(a.runCtx)
	a.disp.Start(a.runCtx)

	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(a.runCtx); err != nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(a.runCtx, a.cfgCh)
	}()

	a.log.Info("started")
}

func (a *App) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	cfgCh := a.cfgCh
	a.cfgCh = nil
	a.mu.Unlock()

	cancel()
	a.cfgMgr.Unsubscribe(cfgCh)
	a.wg.Wait()

	a.disp.Stop()
	a.adapter.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
}

// reloadLoop applies committed config changes to the subsystems that can
// change at runtime (log sinks and dispatch cadence). Token, chat and storage
// path changes need a restart.
func (a *App) reloadLoop(ctx context.Context, ch chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			settings, err := cfg.Resolve()
			if err != nil {
				a.log.Warn("config reload rejected", logx.Err(err))
				continue
			}
			a.mu.Lock()
			a.settings = settings
			a.mu.Unlock()

			a.logSvc.Apply(logConfig(cfg))
			a.disp.Apply(ctx, dispatch.Config{
				Enabled:           true,
				Tick:              settings.Tick,
				SweepEvery:        settings.SweepEvery,
				ReaperEvery:       settings.ReaperEvery,
				ProcessingTimeout: settings.ProcessingTimeout,
			})
			a.log.Info("config reloaded")
		}
	}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}

// ---- operator-facing operations ----

func (a *App) CreateSchedule(ctx context.Context, days, postsPerDay int) (generator.Report, error) {
	return a.gen.CreateSchedule(ctx, days, postsPerDay)
}

func (a *App) ExtendSchedule(ctx context.Context, days int) (generator.Report, error) {
	return a.gen.ExtendSchedule(ctx, days)
}

func (a *App) ForcePostNext(ctx context.Context) (orchestrator.Outcome, error) {
	ec := orchestrator.NewExecutionContext("force", "operator", a.clock)
	return a.orch.ForcePostNext(ctx, ec)
}

func (a *App) ProcessPendingPosts(ctx context.Context) ([]orchestrator.Outcome, error) {
	ec := orchestrator.NewExecutionContext("tick", "scheduler", a.clock)
	return a.orch.ProcessPendingPosts(ctx, ec)
}

func (a *App) SetCategoryRatios(ctx context.Context, ratios map[string]float64) error {
	return a.alloc.SetRatios(ctx, ratios)
}

func (a *App) CategoryRatios(ctx context.Context) (map[string]float64, error) {
	return a.alloc.CurrentRatios(ctx)
}

func (a *App) RescheduleOverdue(ctx context.Context) (int64, error) {
	a.mu.Lock()
	delta := a.settings.RescheduleDelta
	a.mu.Unlock()
	return a.queue.RescheduleOverdue(ctx, delta)
}

func (a *App) SweepExpiredLocks(ctx context.Context) (int64, error) {
	return a.locks.SweepExpired(ctx)
}

func (a *App) LockMedia(ctx context.Context, mediaID int64, ttl time.Duration) error {
	return a.locks.CreateTimeLimited(ctx, mediaID, ttl)
}

func (a *App) LockMediaPermanently(ctx context.Context, mediaID int64) error {
	return a.locks.CreatePermanent(ctx, mediaID)
}

func (a *App) PendingQueue(ctx context.Context) ([]storage.QueueEntry, error) {
	return a.queue.ListPending(ctx)
}
