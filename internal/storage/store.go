package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/model"
)

var _ broadcast.Store = (*SQLStore)(nil)

const messageCols = `id, kind, agent_id, group_id, recipient_id, body, button_text, button_link,
	show_button, media_ref, send_at, sent, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (model.Message, error) {
	var (
		m                 model.Message
		kind              string
		group, recipient  sql.NullInt64
		link, media       sql.NullString
		sendAt, createdAt int64
	)
	err := sc.Scan(&m.ID, &kind, &m.AgentID, &group, &recipient, &m.Text, &m.ButtonText, &link,
		&m.ShowButton, &media, &sendAt, &m.Sent, &createdAt)
	if err != nil {
		return model.Message{}, err
	}
	m.Kind = model.MessageKind(kind)
	m.GroupID = optInt(group)
	m.RecipientID = optInt(recipient)
	m.ButtonLink = optString(link)
	m.MediaRef = optString(media)
	m.SendAt = time.UnixMilli(sendAt)
	m.CreatedAt = time.UnixMilli(createdAt)
	return m, nil
}

// DueMessages lists unsent messages of kind with send_at <= now, oldest first.
func (s *SQLStore) DueMessages(ctx context.Context, kind model.MessageKind, now time.Time) ([]model.Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE kind = ? AND sent = ? AND send_at <= ?
		 ORDER BY send_at, id`,
		string(kind), false, now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	m, err := scanMessage(s.queryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %d: %w", id, model.ErrNotFound)
	}
	return m, err
}

// MarkSent is the claim: only the caller that flips sent false->true gets true.
func (s *SQLStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx, `UPDATE messages SET sent = ? WHERE id = ? AND sent = ?`, true, id, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) DeleteMessage(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

func scanAgent(sc scanner) (model.Agent, error) {
	var (
		a     model.Agent
		group sql.NullInt64
	)
	if err := sc.Scan(&a.ID, &a.Name, &a.Token, &a.Username, &group); err != nil {
		return model.Agent{}, err
	}
	a.GroupID = optInt(group)
	return a, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id int64) (model.Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, `SELECT id, name, token, username, group_id FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("agent %d: %w", id, model.ErrNotFound)
	}
	return a, err
}

// AgentsInGroup returns the group's agents in id order.
func (s *SQLStore) AgentsInGroup(ctx context.Context, groupID int64) ([]model.Agent, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, token, username, group_id FROM agents WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const recipientSelect = `SELECT r.id, r.agent_id, r.external_id, r.username, r.first_name, r.last_name,
	r.referrer_id, COALESCE(f.site_link, ''), r.status, r.joined_at
	FROM recipients r LEFT JOIN referrers f ON f.id = r.referrer_id`

func scanRecipient(sc scanner) (model.Recipient, error) {
	var (
		r        model.Recipient
		referrer sql.NullInt64
		status   string
		joined   int64
	)
	err := sc.Scan(&r.ID, &r.AgentID, &r.ExternalID, &r.Username, &r.FirstName, &r.LastName,
		&referrer, &r.ReferralLink, &status, &joined)
	if err != nil {
		return model.Recipient{}, err
	}
	r.ReferrerID = optInt(referrer)
	r.Status = model.RecipientStatus(status)
	r.JoinedAt = time.UnixMilli(joined)
	return r, nil
}

// RecipientsByAgent returns every recipient of the agent in id order,
// regardless of status.
func (s *SQLStore) RecipientsByAgent(ctx context.Context, agentID int64) ([]model.Recipient, error) {
	rows, err := s.query(ctx, recipientSelect+` WHERE r.agent_id = ? ORDER BY r.id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetRecipient(ctx context.Context, id int64) (model.Recipient, error) {
	r, err := scanRecipient(s.queryRow(ctx, recipientSelect+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, fmt.Errorf("recipient %d: %w", id, model.ErrNotFound)
	}
	return r, err
}

func (s *SQLStore) SetRecipientStatus(ctx context.Context, id int64, status model.RecipientStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid recipient status %q", status)
	}
	_, err := s.exec(ctx, `UPDATE recipients SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLStore) RecordDispatch(ctx context.Context, r model.DispatchReport) error {
	_, err := s.exec(ctx,
		`INSERT INTO dispatch_runs(run_id, message_id, kind, total, delivered, blocked, deleted, forbidden,
		 skipped, retries, started_at, finished_at, error)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.MessageID, string(r.Kind), r.Total, r.Delivered, r.Blocked, r.Deleted, r.Forbidden,
		r.Skipped, r.Retries, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.Error,
	)
	return err
}

// DispatchRuns lists the persisted reports of one message, oldest first.
func (s *SQLStore) DispatchRuns(ctx context.Context, messageID int64) ([]model.DispatchReport, error) {
	rows, err := s.query(ctx,
		`SELECT run_id, message_id, kind, total, delivered, blocked, deleted, forbidden, skipped, retries,
		 started_at, finished_at, error
		 FROM dispatch_runs WHERE message_id = ? ORDER BY started_at, run_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DispatchReport
	for rows.Next() {
		var (
			r               model.DispatchReport
			kind            string
			started, finish int64
		)
		if err := rows.Scan(&r.RunID, &r.MessageID, &kind, &r.Total, &r.Delivered, &r.Blocked, &r.Deleted,
			&r.Forbidden, &r.Skipped, &r.Retries, &started, &finish, &r.Error); err != nil {
			return nil, err
		}
		r.Kind = model.MessageKind(kind)
		r.Claimed = true
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finish)
		out = append(out, r)
	}
	return out, rows.Err()
}

func optInt(v sql.NullInt64) fn.Option[int64] {
	if !v.Valid {
		return fn.None[int64]()
	}
	return fn.Some(v.Int64)
}

func optString(v sql.NullString) fn.Option[string] {
	if !v.Valid {
		return fn.None[string]()
	}
	return fn.Some(v.String)
}

// nullable maps an Option to a driver value (nil when empty).
func nullable[T any](o fn.Option[T]) any {
	if !o.IsSome() {
		return nil
	}
	var zero T
	return o.UnwrapOr(zero)
}
