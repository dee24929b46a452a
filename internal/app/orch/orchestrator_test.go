package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Classroom/internal/adapters/store"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/app/chat"
	"github.com/dkeye/Classroom/internal/app/gate"
	"github.com/dkeye/Classroom/internal/app/media"
	"github.com/dkeye/Classroom/internal/app/presence"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scheduled = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type track struct {
	id      string
	kind    core.TrackKind
	stopped atomic.Bool
	enabled atomic.Bool
	ended   chan struct{}
	once    sync.Once
}

func (t *track) ID() string             { return t.id }
func (t *track) Kind() core.TrackKind   { return t.kind }
func (t *track) Enabled() bool          { return t.enabled.Load() }
func (t *track) SetEnabled(on bool)     { t.enabled.Store(on) }
func (t *track) Ended() <-chan struct{} { return t.ended }
func (t *track) Stop() {
	t.stopped.Store(true)
	t.once.Do(func() { close(t.ended) })
}

type stream struct {
	id           string
	audio, video []core.Track
}

func (s *stream) ID() string                { return s.id }
func (s *stream) AudioTracks() []core.Track { return s.audio }
func (s *stream) VideoTracks() []core.Track { return s.video }

type devices struct {
	calls atomic.Int32
	err   error
	// hold, when set, keeps UserMedia pending like an open permission prompt.
	hold chan struct{}
	mu    sync.Mutex
	all   []*track
}

func (d *devices) newTrack(id string, kind core.TrackKind) *track {
	t := &track{id: id, kind: kind, ended: make(chan struct{})}
	t.enabled.Store(true)
	d.mu.Lock()
	d.all = append(d.all, t)
	d.mu.Unlock()
	return t
}

func (d *devices) UserMedia(context.Context) (core.Stream, error) {
	n := d.calls.Add(1)
	if d.hold != nil {
		<-d.hold
	}
	if d.err != nil {
		return nil, d.err
	}
	return &stream{
		id:    fmt.Sprintf("user-%d", n),
		audio: []core.Track{d.newTrack(fmt.Sprintf("mic-%d", n), core.KindAudio)},
		video: []core.Track{d.newTrack(fmt.Sprintf("cam-%d", n), core.KindVideo)},
	}, nil
}

func (d *devices) DisplayMedia(context.Context) (core.Stream, error) {
	n := d.calls.Add(1)
	return &stream{id: fmt.Sprintf("display-%d", n), video: []core.Track{d.newTrack(fmt.Sprintf("screen-%d", n), core.KindVideo)}}, nil
}

func (d *devices) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.all {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// countingMedia counts ReleaseAll calls on a real manager.
type countingMedia struct {
	*media.Manager
	releases atomic.Int32
}

func (c *countingMedia) ReleaseAll() error {
	c.releases.Add(1)
	return c.Manager.ReleaseAll()
}

// modules counts finalize writes and can hold them open.
type modules struct {
	*store.Memory
	writes atomic.Int32
	hold   chan struct{}
	fail   error
}

func (m *modules) SetModuleStatus(ctx context.Context, id domain.ModuleID, status domain.ModuleStatus) error {
	m.writes.Add(1)
	if m.hold != nil {
		<-m.hold
	}
	if m.fail != nil {
		return m.fail
	}
	return m.Memory.SetModuleStatus(ctx, id, status)
}

// heldTransport blocks JoinPresence and Track until their channel closes.
type heldTransport struct {
	core.PresenceTransport
	join   chan struct{}
	track  chan struct{}
	joins  atomic.Int32
	tracks atomic.Int32
}

func (h *heldTransport) JoinPresence(ctx context.Context, topic string) (core.PresenceChannel, error) {
	h.joins.Add(1)
	if h.join != nil {
		<-h.join
	}
	ch, err := h.PresenceTransport.JoinPresence(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &heldChannel{PresenceChannel: ch, h: h}, nil
}

type heldChannel struct {
	core.PresenceChannel
	h *heldTransport
}

func (c *heldChannel) Track(ctx context.Context, record json.RawMessage) error {
	c.h.tracks.Add(1)
	if c.h.track != nil {
		<-c.h.track
	}
	return c.PresenceChannel.Track(ctx, record)
}

type tokens struct{ rooms []string }

func (t *tokens) IssueToken(_ context.Context, room, participant string) (string, error) {
	t.rooms = append(t.rooms, room)
	return "tok-" + participant, nil
}

type fixture struct {
	hub     *app.Hub
	mem     *store.Memory
	modules *modules
	devices *devices
	media   *countingMedia
	tracker *presence.Tracker
	tokens  *tokens
	orch    *Orchestrator
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	hub := app.NewHub(app.SimplePolicy{}, 16)
	mem := store.NewMemory(func(m domain.ChatMessage) { hub.PublishInsert(m) })
	require.NoError(t, mem.PutCourse(ctx, domain.Course{ID: "c1", TeacherID: "teacher"}))
	require.NoError(t, mem.PutModule(ctx, domain.Module{ID: "m1", CourseID: "c1", Title: "Intro", ScheduledAt: scheduled}))
	require.NoError(t, mem.PutProfile(ctx, domain.User{ID: "teacher", FullName: "Ana"}))

	relay, err := chat.NewRelay(mem, mem, hub, 16)
	require.NoError(t, err)

	f := &fixture{
		hub:     hub,
		mem:     mem,
		modules: &modules{Memory: mem},
		devices: &devices{},
		tracker: presence.NewTracker(hub),
		tokens:  &tokens{},
	}
	f.media = &countingMedia{Manager: media.NewManager(f.devices, nil)}
	f.orch = New(Deps{
		Gate:     gate.New(mem),
		Modules:  f.modules,
		Presence: f.tracker,
		Chat:     relay,
		Media:    f.media,
		Tokens:   f.tokens,
		Clock:    func() time.Time { return now },
	})
	return f
}

func TestOwnerOpensBeforeStart(t *testing.T) {
	f := newFixture(t, scheduled.Add(-5*time.Minute))
	ctx := context.Background()

	report, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher", DisplayName: "Ana"})
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, Live, f.orch.State())
	assert.Equal(t, domain.CourseID("c1"), report.CourseID)
	assert.Equal(t, "tok-Ana", report.Token)
	assert.Equal(t, []string{"room-m1"}, f.tokens.rooms)
	assert.Equal(t, 2, f.devices.live())

	watcher := presence.NewTracker(f.hub)
	defer watcher.Close()
	sub, err := watcher.Subscribe(ctx, "m1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := sub.Latest()
		return ok && len(snap.Participants) == 1 && snap.Participants[0].Role == domain.RoleOwner
	}, time.Second, 5*time.Millisecond)

	elig := f.orch.Eligibility(f.orch.Module())
	assert.True(t, elig.CanJoin)
	f.orch.Teardown()
}

func TestNonOwnerDeniedWithoutAcquiring(t *testing.T) {
	f := newFixture(t, scheduled.Add(-5*time.Minute))
	ctx := context.Background()

	_, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher", DisplayName: "Ana"})
	require.NoError(t, err)
	callsAfterOwner := f.devices.calls.Load()

	other := newFixture(t, scheduled.Add(-5*time.Minute))
	report, err := other.orch.Open(ctx, "m1", Requester{Identity: "student"})
	assert.ErrorIs(t, err, core.ErrAccessDenied)
	assert.Equal(t, Pending, other.orch.State())
	assert.Zero(t, other.devices.calls.Load())
	assert.Nil(t, report.Module)
	assert.Empty(t, other.hub.List(), "no presence or chat channel opened")

	// the same instance rejects a second identity the same way
	_, err = f.orch.Open(ctx, "m1", Requester{Identity: "student"})
	assert.ErrorIs(t, err, core.ErrAccessDenied)
	assert.Equal(t, Live, f.orch.State())
	assert.Equal(t, callsAfterOwner, f.devices.calls.Load())
	f.orch.Teardown()
}

func TestFinishedModuleNeverGoesLive(t *testing.T) {
	f := newFixture(t, scheduled)
	ctx := context.Background()
	require.NoError(t, f.mem.SetModuleStatus(ctx, "m1", domain.ModuleFinished))

	report, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher"})
	assert.ErrorIs(t, err, core.ErrAlreadyEnded)
	assert.ErrorIs(t, err, core.ErrAccessDenied)
	assert.Equal(t, domain.CourseID("c1"), report.CourseID)
	assert.Equal(t, Ended, f.orch.State())
	assert.Zero(t, f.devices.calls.Load())

	_, err = f.orch.Open(ctx, "m1", Requester{Identity: "teacher"})
	assert.ErrorIs(t, err, core.ErrAlreadyEnded)
}

func TestOpenUnknownModule(t *testing.T) {
	f := newFixture(t, scheduled)
	require.NoError(t, f.mem.PutModule(context.Background(), domain.Module{ID: "m2", CourseID: "c1"}))
	f.orch.Modules = &modules{Memory: store.NewMemory(nil)}

	_, err := f.orch.Open(context.Background(), "m2", Requester{Identity: "teacher"})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, Pending, f.orch.State())
	assert.Zero(t, f.devices.calls.Load())
}

func TestCameraFailureIsAWarning(t *testing.T) {
	f := newFixture(t, scheduled)
	f.devices.err = errors.New("NotAllowedError")

	report, err := f.orch.Open(context.Background(), "m1", Requester{Identity: "teacher", DisplayName: "Ana"})
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.ErrorIs(t, report.Warnings[0], core.ErrDeviceUnavailable)
	assert.Equal(t, Live, f.orch.State())
	assert.NotNil(t, f.orch.ChatLog())
	assert.NotNil(t, f.orch.Roster())
	f.orch.Teardown()
}

func TestDoubleHangUpFinalizesOnce(t *testing.T) {
	f := newFixture(t, scheduled)
	ctx := context.Background()
	_, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher", DisplayName: "Ana"})
	require.NoError(t, err)

	f.modules.hold = make(chan struct{})
	first := make(chan error, 1)
	go func() { first <- f.orch.HangUp(ctx) }()
	require.Eventually(t, func() bool { return f.modules.writes.Load() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.orch.HangUp(ctx), core.ErrHangUpInFlight)
	close(f.modules.hold)
	require.NoError(t, <-first)
	assert.ErrorIs(t, f.orch.HangUp(ctx), core.ErrHangUpInFlight)

	assert.Equal(t, int32(1), f.modules.writes.Load())
	assert.Equal(t, int32(1), f.media.releases.Load())
	assert.Equal(t, Ended, f.orch.State())
	assert.Zero(t, f.devices.live())

	m, err := f.mem.GetModule(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.Finished())

	f.orch.Teardown()
	assert.Equal(t, int32(1), f.media.releases.Load())
	select {
	case <-f.orch.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestHangUpReleasesBeforeFailedFinalize(t *testing.T) {
	f := newFixture(t, scheduled)
	ctx := context.Background()
	_, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher"})
	require.NoError(t, err)
	f.modules.fail = errors.New("timeout")

	err = f.orch.HangUp(ctx)
	assert.ErrorIs(t, err, core.ErrFinalizeWriteFailed)
	assert.Equal(t, Ended, f.orch.State())
	assert.Zero(t, f.devices.live())
	assert.Equal(t, int32(1), f.media.releases.Load())
}

func TestTeardownDoesNotFinalize(t *testing.T) {
	f := newFixture(t, scheduled)
	ctx := context.Background()
	_, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher"})
	require.NoError(t, err)

	f.orch.Teardown()
	f.orch.Teardown()
	assert.Equal(t, Ended, f.orch.State())
	assert.Zero(t, f.modules.writes.Load())
	assert.Equal(t, int32(1), f.media.releases.Load())
	assert.Zero(t, f.devices.live())

	require.Eventually(t, func() bool {
		f.hub.Sweep()
		return len(f.hub.List()) == 0
	}, time.Second, 5*time.Millisecond)

	m, err := f.mem.GetModule(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m.Finished())

	assert.ErrorIs(t, f.orch.HangUp(ctx), core.ErrAccessDenied)
}

func TestHangUpBeforeOpen(t *testing.T) {
	f := newFixture(t, scheduled)
	err := f.orch.HangUp(context.Background())
	assert.ErrorIs(t, err, ErrNotLive)
	assert.Zero(t, f.modules.writes.Load())
}

func TestCanJoinWindow(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		reason domain.JoinReason
	}{
		{"too early", scheduled.Add(-11 * time.Minute), domain.JoinTooEarly},
		{"window open", scheduled.Add(-10 * time.Minute), domain.JoinAllowed},
		{"running", scheduled.Add(time.Hour), domain.JoinAllowed},
		{"expired", scheduled.Add(2*time.Hour + time.Second), domain.JoinExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.now)
			elig, err := f.orch.CanJoin(context.Background(), "m1")
			require.NoError(t, err)
			assert.Equal(t, tt.reason, elig.Reason)
		})
	}

	f := newFixture(t, scheduled)
	_, err := f.orch.CanJoin(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRosterOutlivesOpenContext(t *testing.T) {
	f := newFixture(t, scheduled)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	_, err := f.orch.Open(ctx, "m1", Requester{Identity: "teacher", DisplayName: "Ana"})
	require.NoError(t, err)
	cancel()

	roster := f.orch.Roster()
	require.NotNil(t, roster)
	watcher := presence.NewTracker(f.hub)
	defer watcher.Close()
	require.NoError(t, watcher.Announce(context.Background(), "m1", domain.Participant{Identity: "student", Role: domain.RoleGuest, JoinedAt: scheduled}))

	var last presence.Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap, ok := <-roster.Snapshots():
			if !ok {
				return false
			}
			last = snap
		default:
		}
		return len(last.Participants) == 2
	}, time.Second, 5*time.Millisecond, "roster keeps delivering after the open context ends")
	assert.Equal(t, Live, f.orch.State())
	f.orch.Teardown()
}

// openAsync starts Open and returns its result channel.
func openAsync(f *fixture) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Open(context.Background(), "m1", Requester{Identity: "teacher", DisplayName: "Ana"})
		done <- err
	}()
	return done
}

func assertNothingHeld(t *testing.T, f *fixture) {
	t.Helper()
	assert.Equal(t, Ended, f.orch.State())
	assert.Zero(t, f.devices.live())
	require.Eventually(t, func() bool {
		f.hub.Sweep()
		return len(f.hub.List()) == 0
	}, time.Second, 5*time.Millisecond, "no presence record or chat feed left")
}

func TestTeardownWhileCameraPending(t *testing.T) {
	f := newFixture(t, scheduled)
	f.devices.hold = make(chan struct{})
	done := openAsync(f)
	require.Eventually(t, func() bool { return f.devices.calls.Load() == 1 }, time.Second, time.Millisecond)

	f.orch.Teardown()
	close(f.devices.hold)
	assert.ErrorIs(t, <-done, core.ErrReleased)
	assertNothingHeld(t, f)
	assert.Nil(t, f.orch.Roster(), "presence never opened")
}

func TestTeardownWhilePresenceJoinPending(t *testing.T) {
	f := newFixture(t, scheduled)
	held := &heldTransport{PresenceTransport: f.hub, join: make(chan struct{})}
	f.tracker.Transport = held
	done := openAsync(f)
	require.Eventually(t, func() bool { return held.joins.Load() == 1 }, time.Second, time.Millisecond)

	// Teardown waits on the tracker while the join is pending.
	torn := make(chan struct{})
	go func() {
		f.orch.Teardown()
		close(torn)
	}()
	require.Eventually(t, func() bool { return f.orch.State() == Ended }, time.Second, time.Millisecond)
	close(held.join)

	assert.ErrorIs(t, <-done, core.ErrReleased)
	<-torn
	assert.Zero(t, held.tracks.Load(), "never announced")
	assert.Nil(t, f.orch.Roster())
	assertNothingHeld(t, f)
}

func TestTeardownWhileAnnouncePending(t *testing.T) {
	f := newFixture(t, scheduled)
	held := &heldTransport{PresenceTransport: f.hub, track: make(chan struct{})}
	f.tracker.Transport = held
	done := openAsync(f)
	require.Eventually(t, func() bool { return held.tracks.Load() == 1 }, time.Second, time.Millisecond)

	f.orch.Teardown()
	close(held.track)
	assert.ErrorIs(t, <-done, core.ErrReleased)
	assertNothingHeld(t, f)

	watcher := presence.NewTracker(f.hub)
	defer watcher.Close()
	sub, err := watcher.Subscribe(context.Background(), "m1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := sub.Latest()
		return ok && len(snap.Participants) == 0
	}, time.Second, 5*time.Millisecond, "teacher record never lands")
}
