package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	router "github.com/dkeye/Classroom/internal/adapters/http"
	"github.com/dkeye/Classroom/internal/adapters/store"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/app/chat"
	"github.com/dkeye/Classroom/internal/app/presence"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type server struct {
	hub    *app.Hub
	stores *store.Memory
	srv    *httptest.Server
	url    string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &server{hub: app.NewHub(app.SimplePolicy{}, 8)}
	s.stores = store.NewMemory(func(m domain.ChatMessage) { s.hub.PublishInsert(m) })
	require.NoError(t, s.stores.PutProfile(context.Background(), domain.User{ID: "t1", FullName: "Ana"}))

	ctx, cancel := context.WithCancel(context.Background())
	engine := router.SetupRouter(ctx, &config.Config{Mode: "test", Secret: "s"}, router.Deps{
		Stores:   s.stores,
		Hub:      s.hub,
		Registry: app.NewRegistry(),
	})
	s.srv = httptest.NewServer(engine)
	s.url = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws/realtime"
	t.Cleanup(func() {
		cancel()
		s.srv.Close()
		s.hub.Close()
	})
	return s
}

func (s *server) client(t *testing.T, identity domain.UserID) *Client {
	t.Helper()
	c := NewClient(s.url, identity)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func participant(t *testing.T, id domain.UserID, name string, role domain.Role) domain.Participant {
	t.Helper()
	p, err := domain.NewParticipant(id, name, role, t0)
	require.NoError(t, err)
	return *p
}

func waitSnapshot(t *testing.T, sub *presence.Subscription, n int) presence.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Snapshots():
			require.True(t, ok, "subscription closed")
			if len(snap.Participants) == n {
				return snap
			}
		case <-deadline:
			t.Fatalf("no snapshot with %d participants", n)
			return presence.Snapshot{}
		}
	}
}

func TestPresenceAcrossClients(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	teacherConn := s.client(t, "t1")
	studentConn := s.client(t, "s1")
	teacher := presence.NewTracker(teacherConn)
	student := presence.NewTracker(studentConn)
	defer student.Close()

	require.NoError(t, teacher.Announce(ctx, "m1", participant(t, "t1", "Ana", domain.RoleOwner)))
	sub, err := student.Subscribe(ctx, "m1")
	require.NoError(t, err)
	snap := waitSnapshot(t, sub, 1)
	assert.Equal(t, domain.UserID("t1"), snap.Participants[0].Identity)
	assert.Equal(t, "Ana (You)", presence.Label(snap.Participants[0], "t1"))

	require.NoError(t, student.Announce(ctx, "m1", participant(t, "s1", "", domain.RoleGuest)))
	snap = waitSnapshot(t, sub, 2)
	names := []string{snap.Participants[0].DisplayName, snap.Participants[1].DisplayName}
	assert.ElementsMatch(t, []string{"Ana", domain.DefaultGuestName}, names)

	require.NoError(t, teacherConn.Close())
	snap = waitSnapshot(t, sub, 1)
	assert.Equal(t, domain.UserID("s1"), snap.Participants[0].Identity)
}

func TestTrackRejectedForOtherIdentity(t *testing.T) {
	s := newServer(t)
	tracker := presence.NewTracker(s.client(t, "s1"))
	defer tracker.Close()

	err := tracker.Announce(context.Background(), "m1", participant(t, "t1", "Ana", domain.RoleOwner))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Contains(t, err.Error(), "identity mismatch")
}

func TestDuplicateJoinRejected(t *testing.T) {
	s := newServer(t)
	c := s.client(t, "s1")
	ctx := context.Background()

	pc, err := c.JoinPresence(ctx, "room-m1")
	require.NoError(t, err)
	_, err = c.JoinPresence(ctx, "room-m1")
	assert.ErrorIs(t, err, core.ErrTransport)

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
	assert.ErrorIs(t, pc.Track(ctx, []byte(`{}`)), core.ErrClosed)

	again, err := c.JoinPresence(ctx, "room-m1")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestChatRelayOverSocket(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	relay, err := chat.NewRelay(s.stores, s.stores, s.client(t, "s1"), 16)
	require.NoError(t, err)

	_, err = s.stores.Insert(ctx, domain.ChatMessage{SessionID: "m1", SenderID: "t1", Text: "before", SentAt: t0})
	require.NoError(t, err)

	l, err := relay.Open(ctx, "m1")
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, 1, l.Len())

	_, err = s.stores.Insert(ctx, domain.ChatMessage{SessionID: "m1", SenderID: "t1", Text: "live", SentAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return l.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := l.Messages()
	assert.Equal(t, "live", msgs[1].Text)
	assert.Equal(t, "Ana", msgs[1].SenderName)
}

func TestInsertFanOutAndUnsubscribe(t *testing.T) {
	s := newServer(t)
	c := s.client(t, "s1")
	ctx := context.Background()

	a, err := c.SubscribeInserts(ctx, "m1")
	require.NoError(t, err)
	b, err := c.SubscribeInserts(ctx, "m1")
	require.NoError(t, err)

	s.hub.PublishInsert(domain.ChatMessage{ID: 1, SessionID: "m1", Text: "x"})
	for _, sub := range []core.InsertSubscription{a, b} {
		select {
		case m := <-sub.Inserts():
			assert.Equal(t, domain.MessageID(1), m.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("insert not delivered")
		}
	}

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool {
		return s.hub.PublishInsert(domain.ChatMessage{SessionID: "m1"}).SendTo == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDropEndsEverythingAndRedials(t *testing.T) {
	s := newServer(t)
	c := s.client(t, "s1")
	ctx := context.Background()

	pc, err := c.JoinPresence(ctx, "room-m1")
	require.NoError(t, err)
	sub, err := c.SubscribeInserts(ctx, "m1")
	require.NoError(t, err)

	conn := c.current()
	require.NotNil(t, conn)
	require.NoError(t, conn.UnderlyingConn().Close())

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Inserts():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	for range pc.States() {
	}

	require.NoError(t, c.Ping(ctx))
}

func TestClosedClient(t *testing.T) {
	s := newServer(t)
	c := s.client(t, "s1")
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())

	_, err := c.JoinPresence(context.Background(), "room-m1")
	assert.True(t, errors.Is(err, core.ErrClosed))
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestStalledWriteDoesNotBlockDispatch(t *testing.T) {
	s := newServer(t)
	c := s.client(t, "s1")
	ctx := context.Background()

	pc, err := c.JoinPresence(ctx, "room-m1")
	require.NoError(t, err)
	record, err := json.Marshal(participant(t, "s1", "Sam", domain.RoleGuest))
	require.NoError(t, err)
	require.NoError(t, pc.Track(ctx, record))
	require.Eventually(t, func() bool {
		info := s.hub.List()
		return len(info) == 1 && info[0].Present == 1
	}, time.Second, 5*time.Millisecond)

	// Hold the socket writer as a slow network would.
	c.writeMu.Lock()
	closed := make(chan struct{})
	go func() {
		_ = pc.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.outbox) == 1
	}, time.Second, 5*time.Millisecond, "unsubscribe queued without holding the client lock")
	assert.NotNil(t, c.current())

	c.writeMu.Unlock()
	<-closed
	require.Eventually(t, func() bool {
		info := s.hub.List()
		return len(info) == 0 || info[0].Present == 0
	}, time.Second, 5*time.Millisecond, "server saw the unsubscribe")
}
