// Package httpapi exposes the admin triggers: dispatch one broadcast now
// and run one tick.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/model"
	logx "funnelbot/pkg/logx"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, id int64) (broadcast.Report, error)
	Tick(ctx context.Context) (broadcast.TickSummary, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

type api struct {
	engine Dispatcher
	db     Pinger
	log    logx.Logger
}

func NewRouter(engine Dispatcher, db Pinger, log logx.Logger, opt Options) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{engine: engine, db: db, log: log.With(logx.String("comp", "httpapi"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	r.Group(func(r chi.Router) {
		r.Use(bearer(opt.Token))
		r.Post("/v1/messages/{id}/dispatch", a.dispatch)
		r.Post("/v1/tick", a.tick)
		if opt.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type reportJSON struct {
	RunID      string    `json:"run_id,omitempty"`
	MessageID  int64     `json:"message_id"`
	Kind       string    `json:"kind"`
	Claimed    bool      `json:"claimed"`
	Total      int       `json:"total"`
	Delivered  int       `json:"delivered"`
	Blocked    int       `json:"blocked"`
	Deleted    int       `json:"deleted"`
	Forbidden  int       `json:"forbidden"`
	Skipped    int       `json:"skipped"`
	Retries    int       `json:"retries"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

func toJSON(r broadcast.Report) reportJSON {
	return reportJSON{
		RunID:      r.RunID,
		MessageID:  r.MessageID,
		Kind:       string(r.Kind),
		Claimed:    r.Claimed,
		Total:      r.Total,
		Delivered:  r.Delivered,
		Blocked:    r.Blocked,
		Deleted:    r.Deleted,
		Forbidden:  r.Forbidden,
		Skipped:    r.Skipped,
		Retries:    r.Retries,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	// The message is claimed before fan-out; a client that goes away must
	// not cut the audience short.
	rep, err := a.engine.Dispatch(context.WithoutCancel(r.Context()), id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, broadcast.ErrNotBroadcast):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		a.log.Error("dispatch failed", logx.Int64("message", id), logx.Err(err))
		if rep.Claimed {
			// Partially delivered; the report still tells what went out.
			writeJSON(w, http.StatusInternalServerError, toJSON(rep))
			return
		}
		writeError(w, http.StatusInternalServerError, "dispatch failed")
	case !rep.Claimed:
		writeJSON(w, http.StatusConflict, toJSON(rep))
	default:
		writeJSON(w, http.StatusOK, toJSON(rep))
	}
}

func (a *api) tick(w http.ResponseWriter, r *http.Request) {
	sum, err := a.engine.Tick(context.WithoutCancel(r.Context()))
	out := struct {
		Broadcasts []reportJSON `json:"broadcasts"`
		Triggered  []reportJSON `json:"triggered"`
		Error      string       `json:"error,omitempty"`
	}{Broadcasts: []reportJSON{}, Triggered: []reportJSON{}}
	for _, rep := range sum.Broadcasts {
		out.Broadcasts = append(out.Broadcasts, toJSON(rep))
	}
	for _, rep := range sum.Triggered {
		out.Triggered = append(out.Triggered, toJSON(rep))
	}
	status := http.StatusOK
	if err != nil {
		a.log.Error("tick failed", logx.Err(err))
		out.Error = "tick failed"
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
