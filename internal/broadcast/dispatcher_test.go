package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/model"
)

func rateLimited(after time.Duration) error {
	return &ProviderError{Category: CategoryRateLimit, Code: 429, Description: "Too Many Requests", RetryAfter: after}
}

func TestDispatchChunksAndPauses(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rs := h.store.addRecipients(1, 12, 100)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "hello"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.True(t, rep.Claimed)
	require.Equal(t, 12, rep.Total)
	require.Equal(t, 12, rep.Delivered)
	require.Zero(t, rep.Failed())

	require.Equal(t, 2, h.sleeps.count(time.Second), "pause between 3 chunks")
	require.Equal(t, 12, h.sleeps.count(200*time.Millisecond))
	for _, r := range rs {
		require.Equal(t, model.StatusActive, h.store.status(r.ID))
	}
	got, _ := h.store.message(msg.ID)
	require.True(t, got.Sent)
	require.Len(t, h.store.reports, 1)
	require.Equal(t, []int64{1}, h.factory.opened)
	require.Equal(t, 1, h.factory.closed)
}

func TestDispatchBlockedRecipient(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rs := h.store.addRecipients(1, 2, 100)
	h.factory.script(100, &ProviderError{Category: CategoryPermanent, Code: 403, Description: "Forbidden: bot was blocked by the user"})
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "hi"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Blocked)
	require.Equal(t, 1, rep.Delivered)
	require.Equal(t, model.StatusBlocked, h.store.status(rs[0].ID))
	require.Equal(t, model.StatusActive, h.store.status(rs[1].ID))

	got, _ := h.store.message(msg.ID)
	require.True(t, got.Sent)
}

func TestDispatchRateLimitRetry(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rs := h.store.addRecipients(1, 1, 100)
	h.factory.script(100, rateLimited(3*time.Second), nil)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "hi"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Retries)
	require.Equal(t, 1, rep.Delivered)
	require.Equal(t, 1, h.sleeps.count(3*time.Second))
	require.Equal(t, model.StatusActive, h.store.status(rs[0].ID))
	require.Len(t, h.factory.snapshot(), 2)
}

func TestDispatchPersistentRateLimitIsForbidden(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rs := h.store.addRecipients(1, 1, 100)
	h.factory.script(100, rateLimited(2*time.Second), rateLimited(2*time.Second), nil)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "hi"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Forbidden)
	require.Equal(t, 1, rep.Retries)
	require.Equal(t, model.StatusForbidden, h.store.status(rs[0].ID))
	require.Len(t, h.factory.snapshot(), 2, "only one retry")
}

func TestDispatchRendersNameAndButton(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipient(model.Recipient{
		AgentID: 1, ExternalID: 7, FirstName: "Anna",
		ReferrerID: fn.Some(int64(3)), ReferralLink: "https://site/anna",
	})
	msg := h.store.addMessage(model.Message{
		AgentID: 1, Text: "Hi {name}", ShowButton: true, ButtonText: "Play",
	})

	_, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)

	ev := h.factory.snapshot()
	require.Len(t, ev, 1)
	require.Equal(t, "Hi Anna", ev[0].text)
	require.Equal(t, "text", ev[0].kind)
	require.Equal(t, &Button{Label: "Play", URL: "https://site/anna"}, ev[0].button)
}

func TestDispatchMediaPicksPrimitive(t *testing.T) {
	cases := map[string]string{
		"photo.jpg": "photo",
		"clip.mp4":  "video",
		"doc.pdf":   "document",
	}
	for ref, want := range cases {
		t.Run(ref, func(t *testing.T) {
			h := newHarness(Config{})
			h.store.addAgent(1, 0)
			h.store.addRecipients(1, 1, 100)
			msg := h.store.addMessage(model.Message{AgentID: 1, Text: "caption", MediaRef: fn.Some(ref)})

			_, err := h.engine.Dispatch(context.Background(), msg.ID)
			require.NoError(t, err)
			ev := h.factory.snapshot()
			require.Len(t, ev, 1)
			require.Equal(t, want, ev[0].kind)
		})
	}
}

func TestDispatchUnresolvableMediaLeavesPending(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 3, 100)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x", MediaRef: fn.Some("missing.png")})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.False(t, rep.Claimed)
	got, _ := h.store.message(msg.ID)
	require.False(t, got.Sent)
	require.Empty(t, h.factory.snapshot())
}

func TestDispatchGroupAgentsInOrder(t *testing.T) {
	h := newHarness(Config{})
	h.factory.delay = time.Millisecond
	h.store.addAgent(1, 9)
	h.store.addAgent(2, 9)
	h.store.addAgent(3, 0)
	h.store.addRecipients(1, 5, 100)
	h.store.addRecipients(2, 7, 200)
	h.store.addRecipients(3, 4, 300)
	msg := h.store.addMessage(model.Message{AgentID: 1, GroupID: fn.Some(int64(9)), Text: "x"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 12, rep.Total)
	require.Equal(t, []int64{1, 2}, h.factory.opened)
	require.Equal(t, 2, h.sleeps.count(time.Second))

	lastFirst, firstSecond := 0, 1<<30
	for _, ev := range h.factory.snapshot() {
		require.NotEqual(t, int64(3), ev.agent)
		switch ev.agent {
		case 1:
			lastFirst = max(lastFirst, ev.end)
		case 2:
			firstSecond = min(firstSecond, ev.start)
		}
	}
	require.Less(t, lastFirst, firstSecond, "agent 1 must finish before agent 2 starts")
}

func TestDispatchChunkBarrier(t *testing.T) {
	h := newHarness(Config{ChunkSize: 4})
	h.factory.delay = 2 * time.Millisecond
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 12, 0)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x"})

	_, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)

	ends := map[int64]int{}
	starts := map[int64]int{}
	for _, ev := range h.factory.snapshot() {
		c := ev.chat / 4
		ends[c] = max(ends[c], ev.end)
		if s, ok := starts[c]; !ok || ev.start < s {
			starts[c] = ev.start
		}
	}
	require.Len(t, starts, 3)
	require.Less(t, ends[0], starts[1])
	require.Less(t, ends[1], starts[2])
}

func TestDispatchConcurrencyBound(t *testing.T) {
	h := newHarness(Config{Concurrency: 3, ChunkSize: 20})
	h.factory.delay = 5 * time.Millisecond
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 20, 0)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 20, rep.Delivered)
	require.LessOrEqual(t, h.factory.maxIn, 3)
	require.GreaterOrEqual(t, h.factory.maxIn, 1)
}

func TestDispatchSkipsRecipientsWithoutReferrer(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 2, 100)
	orphan := h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 999, FirstName: "X"})
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Total)
	require.Equal(t, model.RecipientStatus(""), h.store.status(orphan.ID))
	for _, ev := range h.factory.snapshot() {
		require.NotEqual(t, int64(999), ev.chat)
	}
}

func TestDispatchSkipsRecipientWithoutLink(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 5, ReferrerID: fn.Some(int64(1))})
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x", ShowButton: true, ButtonText: "Go"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Skipped)
	require.Empty(t, h.factory.snapshot())
}

func TestDispatchAlreadySent(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 1, 100)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x", Sent: true})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.False(t, rep.Claimed)
	require.Empty(t, h.factory.snapshot())
}

func TestDispatchUnknownMessage(t *testing.T) {
	h := newHarness(Config{})
	_, err := h.engine.Dispatch(context.Background(), 42)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDispatchRejectsTriggered(t *testing.T) {
	h := newHarness(Config{})
	msg := h.store.addMessage(model.Message{Kind: model.KindTriggered, AgentID: 1})
	_, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.ErrorIs(t, err, ErrNotBroadcast)
}

func TestDispatchStatusWriteFailureAborts(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 3, 100)
	boom := errors.New("disk full")
	h.store.statusErr = boom
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.ErrorIs(t, err, boom)
	require.True(t, rep.Claimed)
	require.NotEmpty(t, rep.Error)
	got, _ := h.store.message(msg.ID)
	require.True(t, got.Sent, "claim is not rolled back")
}

func TestDispatchSessionOpenFailureSkipsAgent(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 5)
	h.store.addAgent(2, 5)
	h.store.addRecipients(1, 2, 100)
	h.store.addRecipients(2, 3, 200)
	h.factory.openErr[1] = errors.New("bad token")
	msg := h.store.addMessage(model.Message{AgentID: 1, GroupID: fn.Some(int64(5)), Text: "x"})

	rep, err := h.engine.Dispatch(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Skipped)
	require.Equal(t, 3, rep.Delivered)
}

func TestDispatchCancelled(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	h.store.addRecipients(1, 10, 100)
	msg := h.store.addMessage(model.Message{AgentID: 1, Text: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Dispatch(ctx, msg.ID)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTriggeredDeliveredAndDeleted(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rc := h.store.addRecipient(model.Recipient{
		AgentID: 1, ExternalID: 77, Username: "bob",
		ReferrerID: fn.Some(int64(2)), ReferralLink: "https://site/bob",
	})
	msg := h.store.addMessage(model.Message{
		Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rc.ID),
		Text: "Welcome {name}", ShowButton: true, ButtonText: "Open",
	})

	rep, err := h.engine.DispatchTriggered(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Delivered)
	_, ok := h.store.message(msg.ID)
	require.False(t, ok)

	ev := h.factory.snapshot()
	require.Len(t, ev, 1)
	require.Equal(t, "Welcome bob", ev[0].text)
	require.Equal(t, int64(77), ev[0].chat)
}

func TestTriggeredFailureStillDeletes(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rc := h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 77, ReferrerID: fn.Some(int64(2))})
	h.factory.script(77, &ProviderError{Category: CategoryMalformed, Code: 400, Description: "Bad Request: chat not found"})
	msg := h.store.addMessage(model.Message{Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rc.ID), Text: "x"})

	rep, err := h.engine.DispatchTriggered(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Deleted)
	require.Equal(t, model.StatusDeleted, h.store.status(rc.ID))
	require.Contains(t, h.store.deleted, msg.ID)
}

func TestTriggeredDroppedWithoutReferrer(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rc := h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 77})
	msg := h.store.addMessage(model.Message{Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rc.ID), Text: "x"})

	rep, err := h.engine.DispatchTriggered(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, rep.Claimed)
	require.Equal(t, 1, rep.Skipped)
	require.Contains(t, h.store.deleted, msg.ID)
	require.Empty(t, h.factory.snapshot())
}

func TestTriggeredSessionFailureKeepsMessage(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rc := h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 77, ReferrerID: fn.Some(int64(2))})
	h.factory.openErr[1] = errors.New("unauthorized")
	msg := h.store.addMessage(model.Message{Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rc.ID), Text: "x"})

	_, err := h.engine.DispatchTriggered(context.Background(), msg)
	require.NoError(t, err)
	kept, ok := h.store.message(msg.ID)
	require.True(t, ok)
	require.False(t, kept.Sent)
}

func TestTriggeredAlreadyClaimedIsNotSent(t *testing.T) {
	h := newHarness(Config{})
	h.store.addAgent(1, 0)
	rc := h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 77, ReferrerID: fn.Some(int64(2))})
	msg := h.store.addMessage(model.Message{Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rc.ID), Text: "x"})
	ok, err := h.store.MarkSent(context.Background(), msg.ID)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := h.engine.DispatchTriggered(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, rep.Claimed)
	require.Empty(t, h.factory.snapshot())
	require.NotContains(t, h.store.deleted, msg.ID)
}

func TestOverlappingTicksSendTriggeredOnce(t *testing.T) {
	h := newHarness(Config{})
	h.factory.delay = 50 * time.Millisecond
	h.store.addAgent(1, 0)
	rc := h.store.addRecipient(model.Recipient{AgentID: 1, ExternalID: 77, ReferrerID: fn.Some(int64(2))})
	msg := h.store.addMessage(model.Message{
		Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rc.ID), Text: "welcome",
		SendAt: time.Now().Add(-time.Minute),
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	claimed := make([]int, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := h.engine.Tick(context.Background())
			errs[i] = err
			claimed[i] = len(sum.Triggered)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, claimed[0]+claimed[1])
	require.Len(t, h.factory.snapshot(), 1)
	_, ok := h.store.message(msg.ID)
	require.False(t, ok)
}

func TestTickOrdersBroadcastsThenTriggered(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(Config{})
	h.engine = New(Config{}, h.store, h.factory, nil, h.engine.log,
		WithSleeper(h.sleeps.sleep), WithClock(func() time.Time { return now }))

	h.store.addAgent(1, 0)
	rs := h.store.addRecipients(1, 1, 100)
	late := h.store.addMessage(model.Message{AgentID: 1, Text: "second", SendAt: now.Add(-time.Minute)})
	early := h.store.addMessage(model.Message{AgentID: 1, Text: "first", SendAt: now.Add(-time.Hour)})
	future := h.store.addMessage(model.Message{AgentID: 1, Text: "later", SendAt: now.Add(time.Hour)})
	trig := h.store.addMessage(model.Message{Kind: model.KindTriggered, AgentID: 1, RecipientID: fn.Some(rs[0].ID), Text: "welcome", SendAt: now.Add(-2 * time.Hour)})

	sum, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Broadcasts, 2)
	require.Equal(t, early.ID, sum.Broadcasts[0].MessageID)
	require.Equal(t, late.ID, sum.Broadcasts[1].MessageID)
	require.Len(t, sum.Triggered, 1)
	require.Equal(t, trig.ID, sum.Triggered[0].MessageID)

	var texts []string
	for _, ev := range h.factory.snapshot() {
		texts = append(texts, ev.text)
	}
	require.Equal(t, []string{"first", "second", "welcome"}, texts)

	got, _ := h.store.message(future.ID)
	require.False(t, got.Sent)

	again, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, again.Broadcasts)
	require.Empty(t, again.Triggered)
}

func TestTickStoreFailure(t *testing.T) {
	h := newHarness(Config{})
	h.store.dueErr = errors.New("db down")
	_, err := h.engine.Tick(context.Background())
	require.ErrorContains(t, err, "db down")
}
