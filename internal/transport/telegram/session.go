package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/model"
	logx "funnelbot/pkg/logx"
)

type Config struct {
	// APIURL overrides https://api.telegram.org (local Bot API servers, tests).
	APIURL    string
	Timeout   time.Duration
	ParseMode string
	// Rate caps sends per second per session; Burst is the bucket size.
	Rate  float64
	Burst int
}

func (c Config) normalized() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(c.ParseMode) == "" {
		c.ParseMode = string(tele.ModeHTML)
	}
	if c.Rate <= 0 {
		c.Rate = 25
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Factory opens one telebot client per agent token.
type Factory struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func NewFactory(cfg Config, log logx.Logger) *Factory {
	cfg = cfg.normalized()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram")),
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Open builds an offline bot client: no getMe round trip and no poller.
func (f *Factory) Open(ctx context.Context, agent model.Agent) (broadcast.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(agent.Token) == "" {
		return nil, fmt.Errorf("agent %d: telegram token is empty", agent.ID)
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     f.cfg.APIURL,
		Token:   agent.Token,
		Client:  f.http,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %d: %w", agent.ID, err)
	}
	return &Session{
		bot:     b,
		mode:    tele.ParseMode(f.cfg.ParseMode),
		limiter: rate.NewLimiter(rate.Limit(f.cfg.Rate), f.cfg.Burst),
		log:     f.log.With(logx.Int64("agent", agent.ID)),
	}, nil
}

// Session sends through one agent's bot. Safe for concurrent use.
type Session struct {
	bot     *tele.Bot
	mode    tele.ParseMode
	limiter *rate.Limiter
	log     logx.Logger
}

func (s *Session) SendText(ctx context.Context, out broadcast.Outgoing) (broadcast.MessageRef, error) {
	return s.send(ctx, out, out.Text)
}

func (s *Session) SendPhoto(ctx context.Context, out broadcast.Outgoing) (broadcast.MessageRef, error) {
	return s.send(ctx, out, &tele.Photo{File: tele.FromDisk(out.Media.Path), Caption: out.Text})
}

func (s *Session) SendVideo(ctx context.Context, out broadcast.Outgoing) (broadcast.MessageRef, error) {
	return s.send(ctx, out, &tele.Video{File: tele.FromDisk(out.Media.Path), Caption: out.Text, MIME: out.Media.MIME})
}

func (s *Session) SendDocument(ctx context.Context, out broadcast.Outgoing) (broadcast.MessageRef, error) {
	return s.send(ctx, out, &tele.Document{
		File:     tele.FromDisk(out.Media.Path),
		Caption:  out.Text,
		MIME:     out.Media.MIME,
		FileName: fileName(out.Media.Path),
	})
}

// Close is a no-op: offline bots hold no poller and share the HTTP client.
func (s *Session) Close() error { return nil }

func (s *Session) send(ctx context.Context, out broadcast.Outgoing, what any) (broadcast.MessageRef, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return broadcast.MessageRef{}, err
	}
	opt := &tele.SendOptions{ParseMode: s.mode}
	if out.Button != nil {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL(out.Button.Label, out.Button.URL)))
		opt.ReplyMarkup = rm
	}
	msg, err := s.bot.Send(&tele.Chat{ID: out.ChatID}, what, opt)
	if err != nil {
		return broadcast.MessageRef{}, mapError(err)
	}
	return broadcast.MessageRef{ChatID: out.ChatID, MessageID: msg.ID}, nil
}

func fileName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// mapError converts telebot failures into provider categories.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return floodError(flood, err)
	}
	var pflood *tele.FloodError
	if errors.As(err, &pflood) && pflood != nil {
		return floodError(*pflood, err)
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		return &broadcast.ProviderError{
			Category:    categoryOf(te.Code),
			Code:        te.Code,
			Description: te.Description,
			Err:         err,
		}
	}

	code := codeFromText(err.Error())
	return &broadcast.ProviderError{
		Category:    categoryOf(code),
		Code:        code,
		Description: err.Error(),
		Err:         err,
	}
}

func floodError(f tele.FloodError, err error) error {
	return &broadcast.ProviderError{
		Category:    broadcast.CategoryRateLimit,
		Code:        http.StatusTooManyRequests,
		Description: "Too Many Requests",
		RetryAfter:  time.Duration(f.RetryAfter) * time.Second,
		Err:         err,
	}
}

func categoryOf(code int) broadcast.Category {
	switch code {
	case http.StatusForbidden:
		return broadcast.CategoryPermanent
	case http.StatusBadRequest:
		return broadcast.CategoryMalformed
	case http.StatusTooManyRequests:
		return broadcast.CategoryRateLimit
	default:
		return broadcast.CategoryUnknown
	}
}

// codeFromText extracts the trailing "(NNN)" telebot appends to API errors.
func codeFromText(s string) int {
	open := strings.LastIndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(strings.TrimSpace(s), ")") {
		return 0
	}
	inner := strings.TrimSuffix(strings.TrimSpace(s[open+1:]), ")")
	code := 0
	for _, r := range inner {
		if r < '0' || r > '9' {
			return 0
		}
		code = code*10 + int(r-'0')
	}
	return code
}
