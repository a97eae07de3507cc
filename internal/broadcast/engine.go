package broadcast

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	logx "funnelbot/pkg/logx"
)

// Engine delivers pending messages. One Engine serves every dispatch
// invocation; per-invocation state (limiter, sessions) is created inside
// each call.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	sessions SessionFactory
	media    MediaResolver
	log      logx.Logger
	tracer   trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleeper overrides how pacing and backoff waits are performed.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func New(cfg Config, store Store, sessions SessionFactory, media MediaResolver, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg.normalized(),
		store:    store,
		sessions: sessions,
		media:    media,
		log:      log,
		tracer:   otel.Tracer("funnelbot/broadcast"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps the pacing config. Dispatches already running keep the
// config they started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.normalized()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
