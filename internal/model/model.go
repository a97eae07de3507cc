// Package model holds the records shared by the store, the transport and the
// delivery engine.
package model

import (
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// RecipientStatus is the last known reachability of a recipient.
type RecipientStatus string

const (
	StatusActive    RecipientStatus = "active"
	StatusBlocked   RecipientStatus = "blocked"
	StatusDeleted   RecipientStatus = "deleted"
	StatusForbidden RecipientStatus = "forbidden"
)

func (s RecipientStatus) Valid() bool {
	switch s {
	case StatusActive, StatusBlocked, StatusDeleted, StatusForbidden:
		return true
	default:
		return false
	}
}

// ContentGroup is a folder of agents sharing one outbound catalog.
type ContentGroup struct {
	ID   int64
	Name string
}

// Agent is one bot credential.
type Agent struct {
	ID       int64
	Name     string
	Token    string
	Username string
	GroupID  fn.Option[int64]
}

// Referrer onboards recipients through a referral deep link.
type Referrer struct {
	ID       int64
	AgentID  int64
	Name     string
	SiteLink string
	BotLink  string
	Invited  int
}

// Recipient is an end user of one agent.
type Recipient struct {
	ID         int64
	AgentID    int64
	ExternalID int64
	Username   string
	FirstName  string
	LastName   string
	ReferrerID fn.Option[int64]
	// ReferralLink is the referrer's site link, joined in by the store.
	ReferralLink string
	Status       RecipientStatus
	JoinedAt     time.Time
}

type MessageKind string

const (
	// KindBroadcast fans out to every recipient of an agent or group.
	KindBroadcast MessageKind = "broadcast"
	// KindTriggered targets a single recipient after onboarding.
	KindTriggered MessageKind = "triggered"
)

// Message is a pending outbound message.
type Message struct {
	ID          int64
	Kind        MessageKind
	AgentID     int64
	GroupID     fn.Option[int64]
	RecipientID fn.Option[int64]
	Text        string
	ButtonText  string
	ButtonLink  fn.Option[string]
	ShowButton  bool
	MediaRef    fn.Option[string]
	SendAt      time.Time
	Sent        bool
	CreatedAt   time.Time
}

type MediaCategory string

const (
	MediaNone     MediaCategory = ""
	MediaImage    MediaCategory = "image"
	MediaVideo    MediaCategory = "video"
	MediaDocument MediaCategory = "document"
)

// Media is a resolved attachment ready for upload.
type Media struct {
	Path     string
	MIME     string
	Category MediaCategory
}

// DispatchReport is the aggregate outcome of one processing pass.
type DispatchReport struct {
	RunID      string
	MessageID  int64
	Kind       MessageKind
	Claimed    bool
	Total      int
	Delivered  int
	Blocked    int
	Deleted    int
	Forbidden  int
	Skipped    int
	Retries    int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Failed is the number of attempts that ended in a terminal failure.
func (r DispatchReport) Failed() int { return r.Blocked + r.Deleted + r.Forbidden }
