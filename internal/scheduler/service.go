package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "funnelbot/pkg/logx"
)

const DefaultSpec = "1m"

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
	// Timeout bounds one tick; 0 means no bound.
	Timeout time.Duration
}

// TickFunc is invoked once per schedule fire.
type TickFunc func(ctx context.Context) error

// Service fires TickFunc on a schedule. A fire is skipped while the previous
// tick is still running.
type Service struct {
	tick TickFunc
	log  logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, tick TickFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, tick: tick, log: log.With(logx.String("comp", "scheduler"))}
}

// Start validates the config and starts firing. It is a no-op when disabled
// or already started. ctx bounds every tick.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	raw := strings.TrimSpace(s.cfg.Spec)
	if raw == "" {
		raw = DefaultSpec
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)

	cl := logx.CronLogger{L: s.log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sched, cron.FuncJob(s.fire))
	c.Start()

	s.c = c
	s.log.Info("scheduler started", logx.String("spec", raw), logx.String("tz", loc.String()))
	return nil
}

// Stop halts firing and waits for a running tick until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps the config, restarting the cron when the schedule changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c
	started := s.ctx != nil
	s.mu.Unlock()

	if !started || old.Enabled == cfg.Enabled && old.Spec == cfg.Spec && old.Timezone == cfg.Timezone {
		return nil
	}
	if running != nil {
		<-running.Stop().Done()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = nil
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

// Next reports the next fire time, zero when not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	es := s.c.Entries()
	if len(es) == 0 {
		return time.Time{}
	}
	return es[0].Next
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx, timeout := s.ctx, s.cfg.Timeout
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.tick(ctx); err != nil {
		s.log.Error("tick failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("tick done", logx.Duration("took", time.Since(start)))
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
