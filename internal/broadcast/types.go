package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funnelbot/internal/model"
)

var (
	// ErrNotBroadcast is returned when Dispatch is asked to fan out a triggered message.
	ErrNotBroadcast = errors.New("message is not a broadcast")
	// ErrNotTriggered is returned when DispatchTriggered gets a broadcast.
	ErrNotTriggered = errors.New("message is not a triggered message")
)

const (
	defaultConcurrency = 10
	defaultChunkSize   = 5
	defaultChunkPause  = time.Second
	defaultSendPause   = 200 * time.Millisecond
	defaultRetryMax    = 1
	defaultPlaceholder = "{name}"
)

// Config controls pacing of one dispatch invocation.
//
// Zero values fall back to the defaults (10 slots, chunks of 5, 1s between
// chunks, 200ms after each successful send, one rate-limit retry).
type Config struct {
	Concurrency int
	ChunkSize   int
	ChunkPause  time.Duration
	SendPause   time.Duration
	// RetryMax bounds rate-limit retries per recipient. Negative disables retry.
	RetryMax    int
	Placeholder string
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	} else if c.ChunkPause == 0 {
		c.ChunkPause = defaultChunkPause
	}
	if c.SendPause < 0 {
		c.SendPause = 0
	} else if c.SendPause == 0 {
		c.SendPause = defaultSendPause
	}
	if c.RetryMax == 0 {
		c.RetryMax = defaultRetryMax
	} else if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.Placeholder == "" {
		c.Placeholder = defaultPlaceholder
	}
	return c
}

// Store is the persistence the engine consumes.
type Store interface {
	DueMessages(ctx context.Context, kind model.MessageKind, now time.Time) ([]model.Message, error)
	GetMessage(ctx context.Context, id int64) (model.Message, error)
	// MarkSent flips sent false->true. It reports false if the message was
	// already sent (claimed by someone else).
	MarkSent(ctx context.Context, id int64) (bool, error)
	DeleteMessage(ctx context.Context, id int64) error

	GetAgent(ctx context.Context, id int64) (model.Agent, error)
	AgentsInGroup(ctx context.Context, groupID int64) ([]model.Agent, error)
	RecipientsByAgent(ctx context.Context, agentID int64) ([]model.Recipient, error)
	GetRecipient(ctx context.Context, id int64) (model.Recipient, error)
	SetRecipientStatus(ctx context.Context, id int64, status model.RecipientStatus) error

	RecordDispatch(ctx context.Context, r model.DispatchReport) error
}

// MediaResolver turns a stored media reference into an uploadable file.
type MediaResolver interface {
	Resolve(ref string) (model.Media, error)
}

// Button is an inline URL button rendered under the message.
type Button struct {
	Label string
	URL   string
}

// Outgoing is one rendered send for a single chat.
type Outgoing struct {
	ChatID int64
	Text   string
	Button *Button
	Media  model.Media
}

// MessageRef identifies an accepted provider message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Session is an authenticated provider session for one agent.
type Session interface {
	SendText(ctx context.Context, out Outgoing) (MessageRef, error)
	SendPhoto(ctx context.Context, out Outgoing) (MessageRef, error)
	SendVideo(ctx context.Context, out Outgoing) (MessageRef, error)
	SendDocument(ctx context.Context, out Outgoing) (MessageRef, error)
	Close() error
}

// SessionFactory opens one session per agent. Sessions are never shared
// across agents or across dispatch invocations.
type SessionFactory interface {
	Open(ctx context.Context, agent model.Agent) (Session, error)
}

// Category is the provider's coarse classification of a failed send.
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryPermanent: the recipient rejected the agent (HTTP 403 class).
	CategoryPermanent
	// CategoryMalformed: the target is invalid or gone (HTTP 400 class).
	CategoryMalformed
	// CategoryRateLimit: flood control; RetryAfter carries the wait.
	CategoryRateLimit
)

func (c Category) String() string {
	switch c {
	case CategoryPermanent:
		return "permanent"
	case CategoryMalformed:
		return "malformed"
	case CategoryRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// ProviderError is the typed failure a Session returns.
type ProviderError struct {
	Category    Category
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *ProviderError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s (%d): %s, retry after %s", e.Category, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s (%d): %s", e.Category, e.Code, e.Description)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Target is one (agent, recipient) pair of a resolved audience.
type Target struct {
	Agent     model.Agent
	Recipient model.Recipient
}

// Report is the aggregate outcome of one dispatch.
type Report = model.DispatchReport

// TickSummary aggregates one Tick call.
type TickSummary struct {
	Broadcasts []Report
	Triggered  []Report
}
