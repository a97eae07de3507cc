package storage

import (
	"context"
	"strings"
	"time"

	"funnelbot/internal/model"
)

// The Create* helpers back seeding and tests; the admin panel owns these
// rows in production.

func (s *SQLStore) insertID(ctx context.Context, q string, args ...any) (int64, error) {
	var id int64
	err := s.queryRow(ctx, q+` RETURNING id`, args...).Scan(&id)
	return id, err
}

func (s *SQLStore) CreateGroup(ctx context.Context, name string) (int64, error) {
	return s.insertID(ctx, `INSERT INTO content_groups(name) VALUES(?)`, strings.TrimSpace(name))
}

func (s *SQLStore) CreateAgent(ctx context.Context, a model.Agent) (int64, error) {
	return s.insertID(ctx,
		`INSERT INTO agents(name, token, username, group_id) VALUES(?,?,?,?)`,
		a.Name, a.Token, a.Username, nullable(a.GroupID),
	)
}

func (s *SQLStore) CreateReferrer(ctx context.Context, r model.Referrer) (int64, error) {
	return s.insertID(ctx,
		`INSERT INTO referrers(agent_id, name, site_link, bot_link, invited) VALUES(?,?,?,?,?)`,
		r.AgentID, r.Name, r.SiteLink, r.BotLink, r.Invited,
	)
}

func (s *SQLStore) CreateRecipient(ctx context.Context, r model.Recipient) (int64, error) {
	if r.Status == "" {
		r.Status = model.StatusActive
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	return s.insertID(ctx,
		`INSERT INTO recipients(agent_id, external_id, username, first_name, last_name, referrer_id, status, joined_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.AgentID, r.ExternalID, r.Username, r.FirstName, r.LastName, nullable(r.ReferrerID),
		string(r.Status), r.JoinedAt.UnixMilli(),
	)
}

func (s *SQLStore) CreateMessage(ctx context.Context, m model.Message) (int64, error) {
	if m.Kind == "" {
		m.Kind = model.KindBroadcast
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.SendAt.IsZero() {
		m.SendAt = m.CreatedAt
	}
	return s.insertID(ctx,
		`INSERT INTO messages(kind, agent_id, group_id, recipient_id, body, button_text, button_link,
		 show_button, media_ref, send_at, sent, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(m.Kind), m.AgentID, nullable(m.GroupID), nullable(m.RecipientID), m.Text, m.ButtonText,
		nullable(m.ButtonLink), m.ShowButton, nullable(m.MediaRef), m.SendAt.UnixMilli(), m.Sent,
		m.CreatedAt.UnixMilli(),
	)
}
