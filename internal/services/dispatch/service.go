// Package dispatch runs the background cadence of the bot: the posting tick,
// the expired-lock sweep, and the stale-processing reaper.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/clock"
	"postbot/internal/scheduling/lock"
	"postbot/internal/scheduling/orchestrator"
	logx "postbot/pkg/logx"
)

type Config struct {
	Enabled           bool
	Tick              time.Duration
	SweepEvery        time.Duration
	ReaperEvery       time.Duration
	ProcessingTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
	if c.ReaperEvery <= 0 {
		c.ReaperEvery = 5 * time.Minute
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 30 * time.Minute
	}
}

type Service struct {
	log   logx.Logger
	orch  *orchestrator.Orchestrator
	locks *lock.Manager
	clk   clock.Clock

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
}

func New(cfg Config, orch *orchestrator.Orchestrator, locks *lock.Manager, clk clock.Clock, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, orch: orch, locks: locks, clk: clk, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("disabled; not starting")
		return
	}
	s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New()

	// Capture the run context now: jobs must not touch s.mu, Stop holds it
	// while waiting for in-flight jobs to drain.
	runCtx := s.runCtx
	timeout := s.cfg.ProcessingTimeout
	s.c.Schedule(cron.Every(s.cfg.Tick), s.job(runCtx, "tick", s.runTick))
	s.c.Schedule(cron.Every(s.cfg.SweepEvery), s.job(runCtx, "sweep", s.runSweep))
	s.c.Schedule(cron.Every(s.cfg.ReaperEvery), s.job(runCtx, "reaper", func(ctx context.Context) {
		s.runReaper(ctx, timeout)
	}))

	s.c.Start()
	s.running = true
	s.log.Info("started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Duration("sweep_every", s.cfg.SweepEvery),
		logx.Duration("reaper_every", s.cfg.ReaperEvery))
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	// Wait for jobs already in flight to finish.
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("stopped")
}

// Apply restarts the cron with the new cadence. Called on config reload.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return
	}
	s.cfg = cfg
	if s.running {
		s.stopLocked()
	}
	if s.cfg.Enabled {
		s.startLocked(ctx)
	}
}

func (s *Service) job(ctx context.Context, name string, fn func(ctx context.Context)) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch job",
					logx.String("job", name), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
}

func (s *Service) runTick(ctx context.Context) {
	ec := orchestrator.NewExecutionContext("tick", "scheduler", s.clk)
	outs, err := s.orch.ProcessPendingPosts(ctx, ec)
	if err != nil {
		s.log.Error("posting tick failed", logx.String("corr_id", ec.CorrelationID), logx.Err(err))
		return
	}
	if len(outs) > 0 {
		s.log.Debug("posting tick done", logx.String("corr_id", ec.CorrelationID), logx.Int("dispatched", len(outs)))
	}
}

func (s *Service) runSweep(ctx context.Context) {
	n, err := s.locks.SweepExpired(ctx)
	if err != nil {
		s.log.Error("lock sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("expired locks swept", logx.Int64("count", n))
	}
}

func (s *Service) runReaper(ctx context.Context, timeout time.Duration) {
	if _, err := s.orch.ReapStale(ctx, timeout); err != nil {
		s.log.Error("processing reaper failed", logx.Err(err))
	}
}
