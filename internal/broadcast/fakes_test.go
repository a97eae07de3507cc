package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"funnelbot/internal/model"
	logx "funnelbot/pkg/logx"
)

type fakeStore struct {
	mu sync.Mutex

	messages   map[int64]model.Message
	agents     map[int64]model.Agent
	recipients []model.Recipient
	statuses   map[int64]model.RecipientStatus
	deleted    []int64
	reports    []model.DispatchReport

	statusErr error
	dueErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: map[int64]model.Message{},
		agents:   map[int64]model.Agent{},
		statuses: map[int64]model.RecipientStatus{},
	}
}

func (s *fakeStore) addAgent(id int64, group int64) model.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := model.Agent{ID: id, Name: "agent", Token: "tok"}
	if group != 0 {
		a.GroupID = fn.Some(group)
	}
	s.agents[id] = a
	return a
}

// addRecipients adds n referred recipients to agent; external ids start at base.
func (s *fakeStore) addRecipients(agent int64, n int, base int64) []model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Recipient, 0, n)
	for i := 0; i < n; i++ {
		r := model.Recipient{
			ID:           int64(len(s.recipients) + 1),
			AgentID:      agent,
			ExternalID:   base + int64(i),
			FirstName:    "User",
			ReferrerID:   fn.Some(int64(1)),
			ReferralLink: "https://example.com/ref",
			Status:       model.StatusActive,
		}
		s.recipients = append(s.recipients, r)
		out = append(out, r)
	}
	return out
}

func (s *fakeStore) addRecipient(r model.Recipient) model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = int64(len(s.recipients) + 1)
	s.recipients = append(s.recipients, r)
	return r
}

func (s *fakeStore) addMessage(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = int64(len(s.messages) + 1)
	}
	if m.Kind == "" {
		m.Kind = model.KindBroadcast
	}
	s.messages[m.ID] = m
	return m
}

func (s *fakeStore) status(id int64) model.RecipientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *fakeStore) message(id int64) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

func (s *fakeStore) DueMessages(_ context.Context, kind model.MessageKind, now time.Time) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.Kind == kind && !m.Sent && !m.SendAt.After(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].SendAt.Before(out[j].SendAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeStore) GetMessage(_ context.Context, id int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, model.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) MarkSent(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Sent {
		return false, nil
	}
	m.Sent = true
	s.messages[id] = m
	return true, nil
}

func (s *fakeStore) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) GetAgent(_ context.Context, id int64) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, model.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) AgentsInGroup(_ context.Context, groupID int64) ([]model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Agent
	for _, a := range s.agents {
		if a.GroupID.UnwrapOr(0) == groupID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) RecipientsByAgent(_ context.Context, agentID int64) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Recipient
	for _, r := range s.recipients {
		if r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetRecipient(_ context.Context, id int64) (model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if r.ID == id {
			return r, nil
		}
	}
	return model.Recipient{}, model.ErrNotFound
}

func (s *fakeStore) SetRecipientStatus(_ context.Context, id int64, st model.RecipientStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses[id] = st
	return nil
}

func (s *fakeStore) RecordDispatch(_ context.Context, r model.DispatchReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

// sendEvent is one observed provider call.
type sendEvent struct {
	agent  int64
	chat   int64
	kind   string
	text   string
	button *Button
	start  int // global sequence number at call start
	end    int // global sequence number at call end
}

type fakeFactory struct {
	mu sync.Mutex

	seq      int
	inflight int
	maxIn    int
	events   []sendEvent
	opened   []int64
	closed   int

	// errs scripts per-chat results; each call pops the head. nil = success.
	errs    map[int64][]error
	openErr map[int64]error
	delay   time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{errs: map[int64][]error{}, openErr: map[int64]error{}}
}

func (f *fakeFactory) script(chat int64, errs ...error) {
	f.mu.Lock()
	f.errs[chat] = errs
	f.mu.Unlock()
}

func (f *fakeFactory) Open(_ context.Context, a model.Agent) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[a.ID]; err != nil {
		return nil, err
	}
	f.opened = append(f.opened, a.ID)
	return &fakeSession{f: f, agent: a.ID}, nil
}

func (f *fakeFactory) snapshot() []sendEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendEvent(nil), f.events...)
}

type fakeSession struct {
	f     *fakeFactory
	agent int64
}

func (s *fakeSession) call(kind string, out Outgoing) (MessageRef, error) {
	f := s.f
	f.mu.Lock()
	f.seq++
	start := f.seq
	f.inflight++
	if f.inflight > f.maxIn {
		f.maxIn = f.inflight
	}
	var err error
	if q := f.errs[out.ChatID]; len(q) > 0 {
		err = q[0]
		f.errs[out.ChatID] = q[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	f.seq++
	f.events = append(f.events, sendEvent{
		agent: s.agent, chat: out.ChatID, kind: kind, text: out.Text, button: out.Button,
		start: start, end: f.seq,
	})
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: out.ChatID, MessageID: start}, nil
}

func (s *fakeSession) SendText(_ context.Context, out Outgoing) (MessageRef, error) {
	return s.call("text", out)
}
func (s *fakeSession) SendPhoto(_ context.Context, out Outgoing) (MessageRef, error) {
	return s.call("photo", out)
}
func (s *fakeSession) SendVideo(_ context.Context, out Outgoing) (MessageRef, error) {
	return s.call("video", out)
}
func (s *fakeSession) SendDocument(_ context.Context, out Outgoing) (MessageRef, error) {
	return s.call("document", out)
}
func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.closed++
	s.f.mu.Unlock()
	return nil
}

// sleepRecorder captures pacing waits without blocking.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.waits {
		if w == d {
			n++
		}
	}
	return n
}

func (r *sleepRecorder) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t time.Duration
	for _, w := range r.waits {
		t += w
	}
	return t
}

type fakeMedia map[string]model.Media

func (m fakeMedia) Resolve(ref string) (model.Media, error) {
	md, ok := m[ref]
	if !ok {
		return model.Media{}, errors.New("no such file")
	}
	return md, nil
}

type harness struct {
	store   *fakeStore
	factory *fakeFactory
	sleeps  *sleepRecorder
	engine  *Engine
}

func newHarness(cfg Config) *harness {
	h := &harness{store: newFakeStore(), factory: newFakeFactory(), sleeps: &sleepRecorder{}}
	h.engine = New(cfg, h.store, h.factory, fakeMedia{
		"photo.jpg": {Path: "/m/photo.jpg", MIME: "image/jpeg", Category: model.MediaImage},
		"clip.mp4":  {Path: "/m/clip.mp4", MIME: "video/mp4", Category: model.MediaVideo},
		"doc.pdf":   {Path: "/m/doc.pdf", MIME: "application/pdf", Category: model.MediaDocument},
	}, logx.Nop(), WithSleeper(h.sleeps.sleep))
	return h
}
