package chatview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/store/memstore"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC) // Wednesday

func msgAt(id string, at time.Time) models.Message {
	return models.Message{ID: id, ConversationID: "u1_u2", SenderID: "u1", Text: id, SentAt: at}
}

func TestGroupByDay(t *testing.T) {
	msgs := []models.Message{
		msgAt("today-2", now.Add(-time.Minute)),
		msgAt("older", time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC)),
		msgAt("today-1", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)),
		msgAt("yesterday", time.Date(2024, 1, 2, 23, 59, 0, 0, time.UTC)),
	}
	groups := GroupByDay(msgs, now)
	require.Len(t, groups, 3)

	assert.Equal(t, "Monday, Jan 1", groups[0].Label)
	assert.Equal(t, "09:05", groups[0].Messages[0].Time)
	assert.Equal(t, LabelYesterday, groups[1].Label)
	assert.Equal(t, LabelToday, groups[2].Label)
	require.Len(t, groups[2].Messages, 2)
	assert.Equal(t, "today-1", groups[2].Messages[0].ID)
	assert.Equal(t, "today-2", groups[2].Messages[1].ID)
}

func TestGroupByDay_UsesViewerLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := now.In(loc)
	// 23:30 UTC on Jan 2 is already Jan 3 at UTC+2.
	groups := GroupByDay([]models.Message{msgAt("m", time.Date(2024, 1, 2, 23, 30, 0, 0, time.UTC))}, local)
	require.Len(t, groups, 1)
	assert.Equal(t, LabelToday, groups[0].Label)
	assert.Equal(t, "01:30", groups[0].Messages[0].Time)
}

func TestGroupByDay_Empty(t *testing.T) {
	assert.Empty(t, GroupByDay(nil, now))
}

func TestGroupByDay_TiesUseSeq(t *testing.T) {
	a := msgAt("b", now)
	a.Seq = 1
	b := msgAt("a", now)
	b.Seq = 2
	groups := GroupByDay([]models.Message{b, a}, now)
	require.Len(t, groups, 1)
	assert.Equal(t, "b", groups[0].Messages[0].ID)
	assert.Equal(t, "a", groups[0].Messages[1].ID)
}

func TestHeaderStatus(t *testing.T) {
	online := models.PresenceState{State: models.StateOnline, LastChangedAt: now}
	offline := models.PresenceState{State: models.StateOffline, LastChangedAt: now.Add(-5 * time.Minute)}

	assert.Equal(t, StatusTyping, HeaderStatus(true, offline, now))
	assert.Equal(t, StatusTyping, HeaderStatus(true, online, now))
	assert.Equal(t, StatusOnline, HeaderStatus(false, online, now))
	assert.Equal(t, "Last seen 5 minutes ago", HeaderStatus(false, offline, now))
	assert.Equal(t, StatusOffline, HeaderStatus(false, models.PresenceState{State: models.StateOffline}, now))
	future := models.PresenceState{State: models.StateOffline, LastChangedAt: now.Add(time.Minute)}
	assert.Equal(t, "Last seen now", HeaderStatus(false, future, now))
}

type env struct {
	opener   *Opener
	messages *service.MessageService
	typing   *typing.Channel
	tracker  *presence.Tracker
	matches  *service.MatchService
}

func newEnv(t *testing.T) env {
	t.Helper()
	profiles := memstore.NewProfiles(
		models.User{ID: "u1", DisplayName: "Ana"},
		models.User{ID: "u2", DisplayName: "Ben"},
	)
	messages := service.NewMessageService(memstore.NewMessages(), memstore.NewSummaries(), nil)
	messages.SetClock(func() time.Time { return now })
	tc := typing.NewChannel(typing.NewMemoryStore())
	tracker := presence.NewTracker(presence.NewMemoryStore(time.Minute), profiles, time.Minute,
		presence.WithClock(func() time.Time { return now }))
	matches := service.NewMatchService(memstore.NewMatches())
	o := NewOpener(messages, service.NewProfileService(profiles), tc, tracker, matches)
	o.SetClock(func() time.Time { return now })
	return env{opener: o, messages: messages, typing: tc, tracker: tracker, matches: matches}
}

func waitFor(t *testing.T, d *Detail, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-d.Updates():
			require.True(t, ok, "updates closed")
			if cond(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

func count(s Snapshot) int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Messages)
	}
	return n
}

func TestOpen_MissingPeer(t *testing.T) {
	e := newEnv(t)
	_, err := e.opener.Open(context.Background(), "u1", "u9")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = e.opener.Open(context.Background(), "u1", "u1")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestOpen_MarksSeenAndScrolls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.messages.Append(ctx, "u2", "u1", "hello")
	require.NoError(t, err)

	d, err := e.opener.Open(ctx, "u1", "u2")
	require.NoError(t, err)
	defer d.Close()

	s := waitFor(t, d, func(s Snapshot) bool {
		return count(s) == 1 && s.Groups[0].Messages[0].Seen
	})
	assert.Equal(t, "u1_u2", s.ConversationID)
	assert.Equal(t, "Ben", s.Peer.DisplayName)
	n, _ := e.messages.Unread(ctx, "u1", "u2")
	assert.Equal(t, 0, n)

	_, err = e.messages.Append(ctx, "u2", "u1", "again")
	require.NoError(t, err)
	s = waitFor(t, d, func(s Snapshot) bool { return count(s) == 2 && s.ScrollToEnd })
	assert.Equal(t, "again", s.Groups[0].Messages[1].Text)
	assert.Eventually(t, func() bool {
		n, _ := e.messages.Unread(ctx, "u1", "u2")
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestOpen_HeaderFollowsTypingAndPresence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	d, err := e.opener.Open(ctx, "u1", "u2")
	require.NoError(t, err)
	defer d.Close()

	waitFor(t, d, func(s Snapshot) bool { return s.Header == StatusOffline })

	sess, err := e.tracker.Connect(ctx, "u2")
	require.NoError(t, err)
	waitFor(t, d, func(s Snapshot) bool { return s.Header == StatusOnline })

	require.NoError(t, e.typing.SetTyping(ctx, "u2", "u1_u2", true))
	s := waitFor(t, d, func(s Snapshot) bool { return s.Header == StatusTyping })
	assert.True(t, s.Typing)
	assert.False(t, s.ScrollToEnd)

	require.NoError(t, e.typing.SetTyping(ctx, "u2", "u1_u2", false))
	waitFor(t, d, func(s Snapshot) bool { return s.Header == StatusOnline })

	require.NoError(t, sess.Close(ctx))
	waitFor(t, d, func(s Snapshot) bool { return s.Header == "Last seen now" })
}

func TestOpen_CanChatFollowsMutualLike(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.matches.Like(ctx, "u1", "u2"))
	require.NoError(t, e.matches.Like(ctx, "u2", "u1"))

	d, err := e.opener.Open(ctx, "u1", "u2")
	require.NoError(t, err)
	defer d.Close()
	s := waitFor(t, d, func(Snapshot) bool { return true })
	assert.True(t, s.CanChat)
}

func TestDetail_CloseDisposesUpdates(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	d, err := e.opener.Open(ctx, "u1", "u2")
	require.NoError(t, err)

	cancel()
	d.Close()
	d.Close()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-d.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("updates not closed")
		}
	}
}

func TestSnapshot_OneShot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.messages.Append(ctx, "u2", "u1", "hi")
	require.NoError(t, err)

	s, err := e.opener.Snapshot(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Equal(t, 1, count(s))
	assert.True(t, s.Groups[0].Messages[0].Seen)
	assert.Equal(t, LabelToday, s.Groups[0].Label)
	assert.Equal(t, StatusOffline, s.Header)
	assert.False(t, s.CanChat)
}
