package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvState(t *testing.T, ch <-chan core.PresenceState) core.PresenceState {
	t.Helper()
	select {
	case st, ok := <-ch:
		require.True(t, ok, "presence channel closed")
		return st
	case <-time.After(time.Second):
		t.Fatal("no presence state delivered")
		return nil
	}
}

// latest drains ch and returns the most recent state.
func latest(t *testing.T, ch <-chan core.PresenceState) core.PresenceState {
	t.Helper()
	st := recvState(t, ch)
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return st
			}
			st = next
		default:
			return st
		}
	}
}

func TestHubLateJoinerSeesFullState(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 4)
	ctx := context.Background()

	a, err := hub.JoinPresence(ctx, "room-1")
	require.NoError(t, err)
	b, err := hub.JoinPresence(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, a.Track(ctx, json.RawMessage(`{"user_id":"a"}`)))
	require.NoError(t, b.Track(ctx, json.RawMessage(`{"user_id":"b"}`)))

	late, err := hub.JoinPresence(ctx, "room-1")
	require.NoError(t, err)

	st := recvState(t, late.States())
	assert.Len(t, st, 2)
	assert.Len(t, latest(t, a.States()), 2)
}

func TestHubCloseRemovesRecord(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 4)
	ctx := context.Background()

	a, _ := hub.JoinPresence(ctx, "room-1")
	b, _ := hub.JoinPresence(ctx, "room-1")
	require.NoError(t, a.Track(ctx, json.RawMessage(`{"user_id":"a"}`)))
	require.NoError(t, b.Track(ctx, json.RawMessage(`{"user_id":"b"}`)))
	require.Len(t, latest(t, b.States()), 2)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Len(t, latest(t, b.States()), 1)
	assert.ErrorIs(t, a.Track(ctx, json.RawMessage(`{}`)), core.ErrClosed)

	for range a.States() {
	}
}

func TestHubUntrackKeepsChannel(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 4)
	ctx := context.Background()

	a, _ := hub.JoinPresence(ctx, "room-1")
	require.NoError(t, a.Track(ctx, json.RawMessage(`{"user_id":"a"}`)))
	require.Len(t, latest(t, a.States()), 1)

	require.NoError(t, a.Untrack(ctx))
	assert.Empty(t, latest(t, a.States()))
	assert.Equal(t, []TopicInfo{{Name: "room-1"}}, hub.List())
}

func TestHubContextBindsChannel(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 4)
	ctx, cancel := context.WithCancel(context.Background())

	pc, err := hub.JoinPresence(ctx, "room-1")
	require.NoError(t, err)
	sub, err := hub.SubscribeInserts(ctx, "1")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Inserts():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		hub.Sweep()
		return len(hub.List()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, pc.Close())

	_, err = hub.JoinPresence(ctx, "room-1")
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestHubPublishInsert(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 1)
	ctx := context.Background()

	fast, _ := hub.SubscribeInserts(ctx, "1")
	slow, _ := hub.SubscribeInserts(ctx, "1")
	other, _ := hub.SubscribeInserts(ctx, "2")

	res := hub.PublishInsert(domain.ChatMessage{ID: 1, SessionID: "1", Text: "hola"})
	assert.Equal(t, 2, res.SendTo)
	msg := <-fast.Inserts()
	assert.Equal(t, domain.MessageID(1), msg.ID)

	res = hub.PublishInsert(domain.ChatMessage{ID: 2, SessionID: "1"})
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)

	// slow still holds message 1, then its channel is closed.
	msg, ok := <-slow.Inserts()
	require.True(t, ok)
	assert.Equal(t, domain.MessageID(1), msg.ID)
	_, ok = <-slow.Inserts()
	assert.False(t, ok)

	select {
	case <-other.Inserts():
		t.Fatal("insert leaked across sessions")
	default:
	}
	assert.Equal(t, PublishResult{}, hub.PublishInsert(domain.ChatMessage{SessionID: "9"}))
}

type dropPolicy struct{}

func (dropPolicy) OnBackPressure(string, string) BackpressureAction { return DropMessage }

func TestHubDropPolicyKeepsSubscriber(t *testing.T) {
	hub := NewHub(dropPolicy{}, 1)
	sub, err := hub.SubscribeInserts(context.Background(), "1")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 1, hub.PublishInsert(domain.ChatMessage{ID: 1, SessionID: "1"}).SendTo)
	res := hub.PublishInsert(domain.ChatMessage{ID: 2, SessionID: "1"})
	assert.Zero(t, res.SendTo)
	assert.Len(t, res.Dropped, 1)

	assert.Equal(t, domain.MessageID(1), (<-sub.Inserts()).ID)
	assert.Equal(t, 1, hub.PublishInsert(domain.ChatMessage{ID: 3, SessionID: "1"}).SendTo)
	assert.Equal(t, domain.MessageID(3), (<-sub.Inserts()).ID)
}

func TestHubStopTopic(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 4)
	pc, _ := hub.JoinPresence(context.Background(), "room-1")
	<-pc.States()

	hub.StopTopic("room-1")
	_, ok := <-pc.States()
	assert.False(t, ok)
	assert.NoError(t, pc.Close())
	assert.Empty(t, hub.List())
}

type fakeSignal struct{ closed bool }

func (f *fakeSignal) TrySend(core.Frame) error { return nil }
func (f *fakeSignal) Close()                   { f.closed = true }

func TestRegistryUnbindClosesChannels(t *testing.T) {
	hub := NewHub(SimplePolicy{}, 4)
	reg := NewRegistry()
	ctx := context.Background()

	canceled := false
	reg.BindSignal("s1", "u1", &fakeSignal{}, func() { canceled = true })
	pc, _ := hub.JoinPresence(ctx, "room-1")
	sub, _ := hub.SubscribeInserts(ctx, "1")

	_, ok := reg.AddPresence("s1", "room-1", pc)
	require.True(t, ok)
	_, ok = reg.AddInserts("s1", "1", sub)
	require.True(t, ok)

	got, ok := reg.Presence("s1", "room-1")
	require.True(t, ok)
	assert.Equal(t, pc, got)
	id, _ := reg.Identity("s1")
	assert.Equal(t, domain.UserID("u1"), id)

	assert.True(t, reg.Cancel("s1"))
	assert.True(t, canceled)

	reg.Unbind("s1")
	assert.Equal(t, 0, reg.Count())
	_, ok = <-sub.Inserts()
	assert.False(t, ok)
	assert.False(t, reg.Cancel("s1"))
	_, ok = reg.AddPresence("s1", "room-1", pc)
	assert.False(t, ok)
}
