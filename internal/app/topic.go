package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PublishResult reports delivery stats/backpressure for one insert.
type PublishResult struct {
	SendTo  int
	Dropped []string
}

type TopicInfo struct {
	Name        string `json:"name"`
	Present     int    `json:"present"`
	Subscribers int    `json:"subscribers"`
}

// topic is a threadsafe in-memory broadcast topic. It holds the presence
// state of its members and fans out chat inserts to its subscribers.
type topic struct {
	name   string
	policy Policy
	buffer int

	mu       sync.Mutex
	presence map[string]*presenceChannel
	inserts  map[string]*insertSub
}

func newTopic(name string, policy Policy, buffer int) *topic {
	return &topic{
		name:     name,
		policy:   policy,
		buffer:   buffer,
		presence: make(map[string]*presenceChannel),
		inserts:  make(map[string]*insertSub),
	}
}

func (t *topic) info() TopicInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TopicInfo{Name: t.name, Subscribers: len(t.inserts)}
	for _, pc := range t.presence {
		if pc.record != nil {
			info.Present++
		}
	}
	return info
}

func (t *topic) empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.presence) == 0 && len(t.inserts) == 0
}

// stateLocked builds the full presence state. Caller holds t.mu.
func (t *topic) stateLocked() core.PresenceState {
	st := make(core.PresenceState, len(t.presence))
	for key, pc := range t.presence {
		if pc.record == nil {
			continue
		}
		st[key] = []json.RawMessage{pc.record}
	}
	return st
}

// syncLocked pushes the current state to every member. Caller holds t.mu.
func (t *topic) syncLocked() {
	st := t.stateLocked()
	for _, pc := range t.presence {
		pc.offer(st)
	}
	log.Debug().Str("module", "app.topic").Str("topic", t.name).Int("present", len(st)).Msg("presence sync")
}

func (t *topic) joinPresence(ctx context.Context) *presenceChannel {
	pc := &presenceChannel{
		key:   uuid.NewString(),
		topic: t,
		out:   make(chan core.PresenceState, 1),
	}
	t.mu.Lock()
	t.presence[pc.key] = pc
	pc.offer(t.stateLocked())
	pc.stop = context.AfterFunc(ctx, func() { _ = pc.Close() })
	t.mu.Unlock()

	log.Info().Str("module", "app.topic").Str("topic", t.name).Str("key", pc.key).Msg("presence joined")
	return pc
}

func (t *topic) subscribeInserts(ctx context.Context) *insertSub {
	s := &insertSub{
		key:   uuid.NewString(),
		topic: t,
		out:   make(chan domain.ChatMessage, t.buffer),
	}
	t.mu.Lock()
	t.inserts[s.key] = s
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	t.mu.Unlock()

	log.Info().Str("module", "app.topic").Str("topic", t.name).Str("key", s.key).Msg("insert subscriber added")
	return s
}

func (t *topic) publish(msg domain.ChatMessage) PublishResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := PublishResult{}
	for key, s := range t.inserts {
		select {
		case s.out <- msg:
			res.SendTo++
			continue
		default:
		}
		res.Dropped = append(res.Dropped, key)
		if t.policy != nil && t.policy.OnBackPressure(t.name, key) == KickSubscriber {
			delete(t.inserts, key)
			s.closeLocked()
			log.Warn().Str("module", "app.topic").Str("topic", t.name).Str("key", key).Msg("slow insert subscriber kicked")
		}
	}
	log.Debug().Str("module", "app.topic").Str("topic", t.name).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("insert broadcast")
	return res
}

// closeAll ends every channel on the topic.
func (t *topic) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, pc := range t.presence {
		delete(t.presence, key)
		pc.closeLocked()
	}
	for key, s := range t.inserts {
		delete(t.inserts, key)
		s.closeLocked()
	}
}

// presenceChannel implements core.PresenceChannel on an in-memory topic.
// Its fields other than key/topic/out are guarded by topic.mu.
type presenceChannel struct {
	key    string
	topic  *topic
	out    chan core.PresenceState
	stop   func() bool
	record json.RawMessage
	closed bool
}

// offer delivers st, replacing an undelivered older state. Caller holds topic.mu.
func (pc *presenceChannel) offer(st core.PresenceState) {
	if pc.closed {
		return
	}
	select {
	case pc.out <- st:
		return
	default:
	}
	select {
	case <-pc.out:
	default:
	}
	select {
	case pc.out <- st:
	default:
	}
}

func (pc *presenceChannel) Track(_ context.Context, record json.RawMessage) error {
	t := pc.topic
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc.closed {
		return core.ErrClosed
	}
	pc.record = append(json.RawMessage(nil), record...)
	t.syncLocked()
	return nil
}

func (pc *presenceChannel) Untrack(_ context.Context) error {
	t := pc.topic
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc.closed {
		return core.ErrClosed
	}
	if pc.record == nil {
		return nil
	}
	pc.record = nil
	t.syncLocked()
	return nil
}

func (pc *presenceChannel) States() <-chan core.PresenceState { return pc.out }

func (pc *presenceChannel) Close() error {
	t := pc.topic
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc.closed {
		return nil
	}
	tracked := pc.record != nil
	delete(t.presence, pc.key)
	pc.closeLocked()
	if tracked {
		t.syncLocked()
	}
	log.Info().Str("module", "app.topic").Str("topic", t.name).Str("key", pc.key).Msg("presence left")
	return nil
}

func (pc *presenceChannel) closeLocked() {
	if pc.closed {
		return
	}
	pc.closed = true
	pc.record = nil
	if pc.stop != nil {
		pc.stop()
	}
	close(pc.out)
}

// insertSub implements core.InsertSubscription. closed is guarded by topic.mu.
type insertSub struct {
	key    string
	topic  *topic
	out    chan domain.ChatMessage
	stop   func() bool
	closed bool
}

func (s *insertSub) Inserts() <-chan domain.ChatMessage { return s.out }

func (s *insertSub) Close() error {
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return nil
	}
	delete(t.inserts, s.key)
	s.closeLocked()
	log.Info().Str("module", "app.topic").Str("topic", t.name).Str("key", s.key).Msg("insert subscriber removed")
	return nil
}

func (s *insertSub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	close(s.out)
}
