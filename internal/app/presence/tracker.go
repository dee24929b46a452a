// Package presence keeps the latest known participant set of each session a
// client has joined.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const selfSuffix = " (You)"

// Snapshot is the full participant set of one session at one point in time.
// Participants may hold several records for the same identity (a second tab,
// a reconnect). Use Distinct when one entry per user is needed.
type Snapshot struct {
	SessionID    domain.ModuleID      `json:"session_id"`
	Participants []domain.Participant `json:"participants"`
	// Rejected counts records dropped as malformed.
	Rejected int `json:"rejected,omitempty"`
}

// Distinct collapses Participants by identity. The record with the latest
// JoinedAt wins.
func (s Snapshot) Distinct() []domain.Participant {
	byID := make(map[domain.UserID]domain.Participant, len(s.Participants))
	for _, p := range s.Participants {
		if cur, ok := byID[p.Identity]; ok && !p.JoinedAt.After(cur.JoinedAt) {
			continue
		}
		byID[p.Identity] = p
	}
	out := make([]domain.Participant, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sortParticipants(out)
	return out
}

// Label is the name shown for p to the local participant self.
func Label(p domain.Participant, self domain.UserID) string {
	if p.Identity == self {
		return p.DisplayName + selfSuffix
	}
	return p.DisplayName
}

func sortParticipants(ps []domain.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].Identity < ps[j].Identity
	})
}

// decode turns a raw transport state into a snapshot, dropping records that
// fail validation.
func decode(id domain.ModuleID, st core.PresenceState) Snapshot {
	snap := Snapshot{SessionID: id, Participants: make([]domain.Participant, 0, len(st))}
	for key, records := range st {
		for _, raw := range records {
			p, err := domain.DecodeParticipant(raw)
			if err != nil {
				snap.Rejected++
				log.Warn().Str("module", "app.presence").Str("session", string(id)).Str("key", key).Err(err).Msg("dropped presence record")
				continue
			}
			snap.Participants = append(snap.Participants, *p)
		}
	}
	sortParticipants(snap.Participants)
	return snap
}

// Tracker holds one presence channel per joined session. Announce and
// Subscribe share that channel, so a client shows up once per session.
type Tracker struct {
	Transport core.PresenceTransport

	mu    sync.Mutex
	rooms map[domain.ModuleID]*room
}

func NewTracker(transport core.PresenceTransport) *Tracker {
	return &Tracker{Transport: transport, rooms: make(map[domain.ModuleID]*room)}
}

// join returns the live room for id, opening a channel if there is none.
// The channel outlives ctx; only Leave or the transport ends it.
func (t *Tracker) join(ctx context.Context, id domain.ModuleID) (*room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rooms[id]; ok && !r.isClosed() {
		return r, nil
	}
	roomCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := t.Transport.JoinPresence(roomCtx, core.PresenceTopic(id))
	if err != nil {
		cancel()
		return nil, core.NewError(core.ErrTransport, "presence.join", err)
	}
	r := &room{
		id:     id,
		ch:     ch,
		cancel: cancel,
		subs:   make(map[*Subscription]struct{}),
	}
	t.rooms[id] = r
	go t.pump(r)
	log.Info().Str("module", "app.presence").Str("session", string(id)).Msg("joined presence topic")
	return r, nil
}

// pump decodes transport states until the channel closes.
func (t *Tracker) pump(r *room) {
	for st := range r.ch.States() {
		r.publish(decode(r.id, st))
	}
	r.closeAll()

	t.mu.Lock()
	if t.rooms[r.id] == r {
		delete(t.rooms, r.id)
	}
	t.mu.Unlock()
	r.cancel()
	log.Info().Str("module", "app.presence").Str("session", string(r.id)).Msg("presence topic ended")
}

// Announce publishes p as this client's record on the session topic. A second
// call replaces the earlier record.
func (t *Tracker) Announce(ctx context.Context, id domain.ModuleID, p domain.Participant) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r, err := t.join(ctx, id)
	if err != nil {
		return err
	}
	if err := r.ch.Track(ctx, raw); err != nil {
		return core.NewError(core.ErrTransport, "presence.announce", err)
	}
	log.Info().Str("module", "app.presence").Str("session", string(id)).Str("identity", string(p.Identity)).Msg("announced")
	return nil
}

// Subscribe returns a subscription delivering the latest snapshot of the
// session. It is closed by Close, Leave, or ctx.
func (t *Tracker) Subscribe(ctx context.Context, id domain.ModuleID) (*Subscription, error) {
	r, err := t.join(ctx, id)
	if err != nil {
		return nil, err
	}
	s := &Subscription{room: r, out: make(chan Snapshot, 1)}
	if !r.add(ctx, s) {
		return nil, core.NewError(core.ErrTransport, "presence.subscribe", core.ErrClosed)
	}
	return s, nil
}

// Leave untracks this client and closes every subscription on the session.
// Leaving a session that was never joined is a no-op.
func (t *Tracker) Leave(id domain.ModuleID) error {
	t.mu.Lock()
	r, ok := t.rooms[id]
	delete(t.rooms, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	err := r.ch.Close()
	r.cancel()
	r.closeAll()
	log.Info().Str("module", "app.presence").Str("session", string(id)).Msg("left presence topic")
	return err
}

// Close leaves every joined session.
func (t *Tracker) Close() {
	t.mu.Lock()
	ids := make([]domain.ModuleID, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		_ = t.Leave(id)
	}
}

type room struct {
	id     domain.ModuleID
	ch     core.PresenceChannel
	cancel context.CancelFunc

	mu     sync.Mutex
	latest *Snapshot
	subs   map[*Subscription]struct{}
	closed bool
}

func (r *room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *room) add(ctx context.Context, s *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.subs[s] = struct{}{}
	s.stop = context.AfterFunc(ctx, s.Close)
	if r.latest != nil {
		s.offerLocked(*r.latest)
	}
	return true
}

func (r *room) publish(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = &snap
	for s := range r.subs {
		s.offerLocked(snap)
	}
}

func (r *room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for s := range r.subs {
		delete(r.subs, s)
		s.closeLocked()
	}
}

// Subscription is one consumer of a session's snapshots. Its unexported
// state is guarded by room.mu.
type Subscription struct {
	room   *room
	out    chan Snapshot
	stop   func() bool
	closed bool
}

// Snapshots delivers the newest snapshot; an unread one is replaced by a
// newer one. Closed when the subscription ends.
func (s *Subscription) Snapshots() <-chan Snapshot { return s.out }

// Latest returns the most recent snapshot seen on the session, if any.
func (s *Subscription) Latest() (Snapshot, bool) {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()
	if s.room.latest == nil {
		return Snapshot{}, false
	}
	return *s.room.latest, true
}

// Close is idempotent.
func (s *Subscription) Close() {
	r := s.room
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, s)
	s.closeLocked()
}

func (s *Subscription) offerLocked(snap Snapshot) {
	if s.closed {
		return
	}
	select {
	case <-s.out:
	default:
	}
	s.out <- snap
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	close(s.out)
}
