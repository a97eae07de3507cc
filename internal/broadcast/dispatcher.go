package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"funnelbot/internal/model"
	logx "funnelbot/pkg/logx"
)

// Tick processes everything due now: broadcasts first (send_at order), then
// triggered messages. It stops at the first store failure.
func (e *Engine) Tick(ctx context.Context) (TickSummary, error) {
	var sum TickSummary
	now := e.now()

	due, err := e.store.DueMessages(ctx, model.KindBroadcast, now)
	if err != nil {
		return sum, fmt.Errorf("due broadcasts: %w", err)
	}
	for _, m := range due {
		rep, err := e.dispatchBroadcast(ctx, m)
		if rep.Claimed {
			sum.Broadcasts = append(sum.Broadcasts, rep)
		}
		if err != nil {
			return sum, err
		}
	}

	due, err = e.store.DueMessages(ctx, model.KindTriggered, now)
	if err != nil {
		return sum, fmt.Errorf("due triggered messages: %w", err)
	}
	for _, m := range due {
		rep, err := e.DispatchTriggered(ctx, m)
		if rep.Claimed {
			sum.Triggered = append(sum.Triggered, rep)
		}
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// Dispatch fans out one broadcast immediately, regardless of its send_at.
// An already sent message yields a report with Claimed=false.
func (e *Engine) Dispatch(ctx context.Context, id int64) (Report, error) {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("load message %d: %w", id, err)
	}
	return e.dispatchBroadcast(ctx, msg)
}

func (e *Engine) dispatchBroadcast(ctx context.Context, msg model.Message) (rep Report, err error) {
	if msg.Kind != model.KindBroadcast {
		return Report{}, fmt.Errorf("message %d: %w", msg.ID, ErrNotBroadcast)
	}
	cfg := e.config()

	ctx, span := e.tracer.Start(ctx, "broadcast.dispatch", trace.WithAttributes(
		attribute.Int64("message.id", msg.ID),
		attribute.Int64("message.agent", msg.AgentID),
		attribute.Bool("message.grouped", msg.GroupID.IsSome()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r := e.newRun(msg)
	if msg.Sent {
		r.log.Debug("message already sent")
		return r.snapshot(e.now()), nil
	}

	media, ok := e.resolveMedia(msg, r.log)
	if !ok {
		return r.snapshot(e.now()), nil
	}

	targets, err := e.Resolve(ctx, msg)
	if err != nil {
		return r.snapshot(e.now()), err
	}

	claimed, err := e.claim(ctx, msg)
	if err != nil {
		return r.snapshot(e.now()), err
	}
	if !claimed {
		r.log.Debug("message claimed elsewhere")
		return r.snapshot(e.now()), nil
	}
	r.setClaimed(len(targets))
	span.SetAttributes(attribute.Int("audience", len(targets)))
	r.log.Info("dispatch started", logx.Int("audience", len(targets)))

	err = e.fanOut(ctx, cfg, r, msg, media, targets)
	return e.finish(ctx, r, err), err
}

// DispatchTriggered delivers a single-recipient message and deletes it once
// the attempt has returned. The row is claimed through the sent flag first,
// so overlapping ticks send it at most once.
func (e *Engine) DispatchTriggered(ctx context.Context, msg model.Message) (Report, error) {
	if msg.Kind != model.KindTriggered {
		return Report{}, fmt.Errorf("message %d: %w", msg.ID, ErrNotTriggered)
	}
	cfg := e.config()
	r := e.newRun(msg)

	drop := func(reason string) (Report, error) {
		r.log.Info("triggered message dropped", logx.String("reason", reason))
		r.skip(1)
		return r.snapshot(e.now()), e.retire(ctx, msg)
	}

	if !msg.RecipientID.IsSome() {
		return drop("no recipient")
	}
	rc, err := e.store.GetRecipient(ctx, msg.RecipientID.UnwrapOr(0))
	if errors.Is(err, model.ErrNotFound) {
		return drop("recipient not found")
	}
	if err != nil {
		return r.snapshot(e.now()), fmt.Errorf("recipient of message %d: %w", msg.ID, err)
	}
	if !rc.ReferrerID.IsSome() {
		return drop("recipient has no referrer")
	}
	agent, err := e.store.GetAgent(ctx, rc.AgentID)
	if errors.Is(err, model.ErrNotFound) {
		return drop("agent not found")
	}
	if err != nil {
		return r.snapshot(e.now()), fmt.Errorf("agent of message %d: %w", msg.ID, err)
	}
	btn, ok := ButtonTarget(msg, rc)
	if !ok {
		return drop("no button link")
	}
	media, ok := e.resolveMedia(msg, r.log)
	if !ok {
		return r.snapshot(e.now()), nil
	}

	sess, err := e.sessions.Open(ctx, agent)
	if err != nil {
		if ctx.Err() != nil {
			return r.snapshot(e.now()), ctx.Err()
		}
		r.log.Warn("session open failed; will retry next tick", logx.Int64("agent", agent.ID), logx.Err(err))
		return r.snapshot(e.now()), nil
	}
	defer closeSession(sess, r.log)

	// Claimed after the session opened so a failed open leaves the row due.
	claimed, err := e.claim(ctx, msg)
	if err != nil {
		return r.snapshot(e.now()), err
	}
	if !claimed {
		r.log.Debug("triggered message claimed elsewhere")
		return r.snapshot(e.now()), nil
	}
	r.setClaimed(1)
	out := Outgoing{
		ChatID: rc.ExternalID,
		Text:   RenderText(msg.Text, cfg.Placeholder, rc),
		Button: btn,
		Media:  media,
	}
	log := r.log.With(logx.Int64("recipient", rc.ID), logx.Int64("chat", rc.ExternalID))
	st, retries, err := e.attempt(ctx, cfg, sess, out, log)
	if err != nil {
		return r.snapshot(e.now()), err
	}
	if err := e.store.SetRecipientStatus(ctx, rc.ID, st); err != nil {
		return r.snapshot(e.now()), fmt.Errorf("set status of recipient %d: %w", rc.ID, err)
	}
	r.record(st, retries)
	if err := e.retire(ctx, msg); err != nil {
		return r.snapshot(e.now()), err
	}
	return e.finish(ctx, r, nil), nil
}

func (e *Engine) resolveMedia(msg model.Message, log logx.Logger) (model.Media, bool) {
	ref := msg.MediaRef.UnwrapOr("")
	if ref == "" || e.media == nil {
		return model.Media{}, true
	}
	m, err := e.media.Resolve(ref)
	if err != nil {
		log.Warn("media not resolvable; message left pending", logx.String("media", ref), logx.Err(err))
		return model.Media{}, false
	}
	return m, true
}

// pacer inserts the chunk pause between consecutive chunks of one dispatch,
// including across agent boundaries.
type pacer struct{ started bool }

func (p *pacer) next(ctx context.Context, e *Engine, d time.Duration) error {
	if !p.started {
		p.started = true
		return ctx.Err()
	}
	return e.sleep(ctx, d)
}

func (e *Engine) fanOut(ctx context.Context, cfg Config, r *run, msg model.Message, media model.Media, targets []Target) error {
	// Exclusive to this invocation: concurrent ticks never share slots.
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	p := &pacer{}
	for _, group := range splitByAgent(targets) {
		if err := e.runAgent(ctx, cfg, sem, p, r, msg, media, group); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runAgent(ctx context.Context, cfg Config, sem *semaphore.Weighted, p *pacer, r *run, msg model.Message, media model.Media, group []Target) error {
	agent := group[0].Agent
	ctx, span := e.tracer.Start(ctx, "broadcast.agent", trace.WithAttributes(
		attribute.Int64("agent.id", agent.ID),
		attribute.Int("recipients", len(group)),
	))
	defer span.End()

	sess, err := e.sessions.Open(ctx, agent)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("session open failed; agent skipped", logx.Int64("agent", agent.ID), logx.Int("recipients", len(group)), logx.Err(err))
		r.skip(len(group))
		return nil
	}
	defer closeSession(sess, r.log)

	for _, c := range chunk(group, cfg.ChunkSize) {
		if err := p.next(ctx, e, cfg.ChunkPause); err != nil {
			return err
		}
		var g errgroup.Group
		for _, t := range c {
			g.Go(func() error {
				return e.deliverOne(ctx, cfg, sem, sess, r, msg, media, t)
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (e *Engine) deliverOne(ctx context.Context, cfg Config, sem *semaphore.Weighted, sess Session, r *run, msg model.Message, media model.Media, t Target) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	rc := t.Recipient
	log := r.log.With(logx.Int64("agent", t.Agent.ID), logx.Int64("recipient", rc.ID), logx.Int64("chat", rc.ExternalID))

	btn, ok := ButtonTarget(msg, rc)
	if !ok {
		log.Info("no button link; recipient skipped")
		r.skip(1)
		return nil
	}
	out := Outgoing{
		ChatID: rc.ExternalID,
		Text:   RenderText(msg.Text, cfg.Placeholder, rc),
		Button: btn,
		Media:  media,
	}

	st, retries, err := e.attempt(ctx, cfg, sess, out, log)
	if err != nil {
		return err
	}
	if err := e.store.SetRecipientStatus(ctx, rc.ID, st); err != nil {
		return fmt.Errorf("set status of recipient %d: %w", rc.ID, err)
	}
	r.record(st, retries)

	if st == model.StatusActive {
		return e.sleep(ctx, cfg.SendPause)
	}
	return nil
}

// attempt sends once and, on a rate-limit verdict, waits the signalled
// duration and retries up to cfg.RetryMax times. A rate limit that persists
// past the last retry ends as FORBIDDEN. The error is non-nil only when ctx
// ends.
func (e *Engine) attempt(ctx context.Context, cfg Config, sess Session, out Outgoing, log logx.Logger) (model.RecipientStatus, int, error) {
	retries := 0
	for {
		_, err := send(ctx, sess, out)
		if err != nil && ctx.Err() != nil {
			return "", retries, ctx.Err()
		}
		v := Classify(err)
		if !v.Retry {
			if err != nil {
				log.Info("delivery failed", logx.String("status", string(v.Status)), logx.Err(err))
			} else {
				log.Debug("delivered")
			}
			return v.Status, retries, nil
		}
		if retries >= cfg.RetryMax {
			log.Warn("still rate limited after retry", logx.Duration("wait", v.RetryAfter), logx.Int("retries", retries))
			return model.StatusForbidden, retries, nil
		}
		retries++
		log.Warn("rate limited; backing off", logx.Duration("wait", v.RetryAfter))
		if err := e.sleep(ctx, v.RetryAfter); err != nil {
			return "", retries, err
		}
	}
}

// send picks exactly one provider primitive by media category.
func send(ctx context.Context, sess Session, out Outgoing) (MessageRef, error) {
	switch out.Media.Category {
	case model.MediaImage:
		return sess.SendPhoto(ctx, out)
	case model.MediaVideo:
		return sess.SendVideo(ctx, out)
	case model.MediaDocument:
		return sess.SendDocument(ctx, out)
	default:
		return sess.SendText(ctx, out)
	}
}

func closeSession(sess Session, log logx.Logger) {
	if err := sess.Close(); err != nil {
		log.Debug("session close failed", logx.Err(err))
	}
}
