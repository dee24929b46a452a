package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	hub *app.Hub
	reg *app.Registry
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{hub: app.NewHub(app.SimplePolicy{}, 8), reg: app.NewRegistry()}
	ctl := NewSignalWSController(f.hub, f.reg, app.SimplePolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set(IdentityKey, c.Query("as"))
		ctl.HandleSignal(ctx, c)
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		f.srv.Close()
		f.hub.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?as=" + identity
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

// expect reads until a message of type typ with ref arrives.
func expect(t *testing.T, ws *websocket.Conn, typ, ref string) ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg ServerMessage
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s %s", typ, ref)
		if msg.Type == typ && msg.Ref == ref {
			return msg
		}
	}
}

// expectState reads presence pushes for ref until one has n entries.
func expectState(t *testing.T, ws *websocket.Conn, ref string, n int) ServerMessage {
	t.Helper()
	for {
		msg := expect(t, ws, TypePresenceState, ref)
		if len(msg.State) == n {
			return msg
		}
	}
}

const record = `{"user_id":"a","name":"Ann","role":"owner","online_at":"2025-03-10T15:00:00Z"}`

func TestPresenceRoundTrip(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "a")
	b := f.dial(t, "b")

	send(t, a, ClientMessage{Type: TypeSubscribePresence, Ref: "1", Topic: "room-m1"})
	expect(t, a, TypeAck, "1")
	send(t, a, ClientMessage{Type: TypeTrack, Ref: "2", Topic: "room-m1", Record: []byte(record)})
	expect(t, a, TypeAck, "2")

	send(t, b, ClientMessage{Type: TypeSubscribePresence, Ref: "1", Topic: "room-m1"})
	expect(t, b, TypeAck, "1")
	st := expectState(t, b, "1", 1)
	assert.Equal(t, "room-m1", st.Topic)
	for _, recs := range st.State {
		require.Len(t, recs, 1)
		p, err := domain.DecodeParticipant(recs[0])
		require.NoError(t, err)
		assert.Equal(t, domain.UserID("a"), p.Identity)
		assert.Equal(t, "Ann", p.DisplayName)
	}

	require.NoError(t, a.Close())
	expectState(t, b, "1", 0)
	assert.Eventually(t, func() bool { return f.reg.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTrackRejections(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "a")

	send(t, a, ClientMessage{Type: TypeTrack, Ref: "0", Topic: "room-m1", Record: []byte(record)})
	assert.Contains(t, expect(t, a, TypeError, "0").Error, "not subscribed")

	send(t, a, ClientMessage{Type: TypeSubscribePresence, Ref: "1", Topic: "room-m1"})
	expect(t, a, TypeAck, "1")

	send(t, a, ClientMessage{Type: TypeTrack, Ref: "2", Topic: "room-m1", Record: []byte(`{"name":"x"}`)})
	assert.NotEmpty(t, expect(t, a, TypeError, "2").Error)

	other := `{"user_id":"z","name":"Zed","role":"guest","online_at":"2025-03-10T15:00:00Z"}`
	send(t, a, ClientMessage{Type: TypeTrack, Ref: "3", Topic: "room-m1", Record: []byte(other)})
	assert.Equal(t, "identity mismatch", expect(t, a, TypeError, "3").Error)

	info := f.hub.List()
	require.Len(t, info, 1)
	assert.Zero(t, info[0].Present)
}

func TestAnonymousCannotTrack(t *testing.T) {
	f := newFixture(t)
	anon := f.dial(t, "")

	send(t, anon, ClientMessage{Type: TypeSubscribePresence, Ref: "1", Topic: "room-m1"})
	expect(t, anon, TypeAck, "1")
	expectState(t, anon, "1", 0)

	send(t, anon, ClientMessage{Type: TypeTrack, Ref: "2", Topic: "room-m1", Record: []byte(record)})
	assert.Equal(t, "identity required", expect(t, anon, TypeError, "2").Error)

	info := f.hub.List()
	require.Len(t, info, 1)
	assert.Zero(t, info[0].Present)
}

func TestUntrackAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "a")

	send(t, a, ClientMessage{Type: TypeSubscribePresence, Ref: "1", Topic: "room-m1"})
	expect(t, a, TypeAck, "1")
	send(t, a, ClientMessage{Type: TypeTrack, Ref: "2", Topic: "room-m1", Record: []byte(record)})
	expectState(t, a, "1", 1)
	send(t, a, ClientMessage{Type: TypeUntrack, Ref: "3", Topic: "room-m1"})
	expect(t, a, TypeAck, "3")
	expectState(t, a, "1", 0)

	send(t, a, ClientMessage{Type: TypeUnsubscribePresence, Ref: "4", Topic: "room-m1"})
	expect(t, a, TypeAck, "4")
	expect(t, a, TypeClosed, "1")
	assert.Equal(t, 1, f.hub.Sweep())
}

func TestChatInserts(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "a")

	send(t, a, ClientMessage{Type: TypeSubscribeChat, Ref: "1", Session: "m1"})
	expect(t, a, TypeAck, "1")

	res := f.hub.PublishInsert(domain.ChatMessage{ID: 7, SessionID: "m1", SenderID: "t1", Text: "hola"})
	assert.Equal(t, 1, res.SendTo)
	got := expect(t, a, TypeChatInsert, "1")
	require.NotNil(t, got.Message)
	assert.Equal(t, domain.MessageID(7), got.Message.ID)
	assert.Equal(t, "hola", got.Message.Text)
	assert.Equal(t, domain.ModuleID("m1"), got.Session)

	send(t, a, ClientMessage{Type: TypeUnsubscribeChat, Ref: "2", Session: "m1"})
	expect(t, a, TypeAck, "2")
	expect(t, a, TypeClosed, "1")
	assert.Zero(t, f.hub.PublishInsert(domain.ChatMessage{SessionID: "m1"}).SendTo)
}

func TestPingAndUnknown(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "a")

	send(t, a, ClientMessage{Type: TypePing, Ref: "p"})
	expect(t, a, TypePong, "p")

	send(t, a, ClientMessage{Type: "offer", Ref: "x"})
	assert.Contains(t, expect(t, a, TypeError, "x").Error, "unknown type")

	send(t, a, ClientMessage{Type: TypeSubscribeChat, Ref: "y"})
	assert.Equal(t, "session required", expect(t, a, TypeError, "y").Error)
}
