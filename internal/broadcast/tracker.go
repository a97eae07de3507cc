package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"funnelbot/internal/model"
	logx "funnelbot/pkg/logx"
)

// claim marks msg sent before any fan-out starts. A false result means
// another tick already owns the message.
func (e *Engine) claim(ctx context.Context, msg model.Message) (bool, error) {
	ok, err := e.store.MarkSent(ctx, msg.ID)
	if err != nil {
		return false, fmt.Errorf("mark message %d sent: %w", msg.ID, err)
	}
	return ok, nil
}

// retire removes a triggered message once its single attempt has returned.
func (e *Engine) retire(ctx context.Context, msg model.Message) error {
	if err := e.store.DeleteMessage(ctx, msg.ID); err != nil {
		return fmt.Errorf("delete triggered message %d: %w", msg.ID, err)
	}
	return nil
}

// finish stamps the report and persists it. Persist failures are logged;
// the recipient rows already carry the outcome.
func (e *Engine) finish(ctx context.Context, r *run, dispatchErr error) Report {
	rep := r.snapshot(e.now())
	if dispatchErr != nil {
		rep.Error = dispatchErr.Error()
	}
	if err := e.store.RecordDispatch(context.WithoutCancel(ctx), rep); err != nil {
		r.log.Warn("dispatch report not persisted", logx.Err(err))
	}

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed()),
		logx.Int("skipped", rep.Skipped),
		logx.Int("retries", rep.Retries),
		logx.Duration("dur", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	switch {
	case dispatchErr != nil:
		r.log.Error("dispatch aborted", append(fields, logx.Err(dispatchErr))...)
	case rep.Failed() > 0:
		r.log.Warn("dispatch finished with failures", fields...)
	default:
		r.log.Info("dispatch finished", fields...)
	}
	return rep
}

// run accumulates per-recipient outcomes of one dispatch invocation.
type run struct {
	log logx.Logger

	mu  sync.Mutex
	rep Report
}

func (e *Engine) newRun(msg model.Message) *run {
	id := uuid.NewString()
	return &run{
		log: e.log.With(logx.String("run", id), logx.Int64("message", msg.ID), logx.String("kind", string(msg.Kind))),
		rep: Report{
			RunID:     id,
			MessageID: msg.ID,
			Kind:      msg.Kind,
			StartedAt: e.now(),
		},
	}
}

func (r *run) setClaimed(total int) {
	r.mu.Lock()
	r.rep.Claimed = true
	r.rep.Total = total
	r.mu.Unlock()
}

func (r *run) skip(n int) {
	r.mu.Lock()
	r.rep.Skipped += n
	r.mu.Unlock()
}

func (r *run) record(st model.RecipientStatus, retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rep.Retries += retries
	switch st {
	case model.StatusActive:
		r.rep.Delivered++
	case model.StatusBlocked:
		r.rep.Blocked++
	case model.StatusDeleted:
		r.rep.Deleted++
	default:
		r.rep.Forbidden++
	}
}

func (r *run) snapshot(now time.Time) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.rep
	rep.FinishedAt = now
	return rep
}
