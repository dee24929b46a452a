package app

import (
	"context"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultInsertBuffer = 64

// Hub owns the per-session broadcast topics. It is the in-process presence
// transport and insert feed; remote clients reach it through the signal adapter.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	policy Policy
	buffer int
}

var (
	_ core.PresenceTransport = (*Hub)(nil)
	_ core.InsertFeed        = (*Hub)(nil)
)

func NewHub(policy Policy, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultInsertBuffer
	}
	return &Hub{
		topics: make(map[string]*topic),
		policy: policy,
		buffer: buffer,
	}
}

// getOrCreateLocked returns the named topic, creating it. Caller holds h.mu.
func (h *Hub) getOrCreateLocked(name string) *topic {
	if t, ok := h.topics[name]; ok {
		return t
	}
	t := newTopic(name, h.policy, h.buffer)
	h.topics[name] = t
	log.Debug().Str("module", "app.hub").Str("topic", name).Msg("topic created")
	return t
}

// JoinPresence opens a presence channel whose lifetime is also bound to ctx.
func (h *Hub) JoinPresence(ctx context.Context, name string) (core.PresenceChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.ErrTransport, "hub.join_presence", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getOrCreateLocked(name).joinPresence(ctx), nil
}

// SubscribeInserts opens an insert subscription whose lifetime is also bound to ctx.
func (h *Hub) SubscribeInserts(ctx context.Context, id domain.ModuleID) (core.InsertSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.ErrTransport, "hub.subscribe_inserts", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getOrCreateLocked(core.ChatTopic(id)).subscribeInserts(ctx), nil
}

// PublishInsert fans a stored message out to the session's insert subscribers.
func (h *Hub) PublishInsert(msg domain.ChatMessage) PublishResult {
	h.mu.RLock()
	t, ok := h.topics[core.ChatTopic(msg.SessionID)]
	h.mu.RUnlock()
	if !ok {
		return PublishResult{}
	}
	return t.publish(msg)
}

func (h *Hub) List() []TopicInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TopicInfo, 0, len(h.topics))
	for _, t := range h.topics {
		out = append(out, t.info())
	}
	return out
}

// StopTopic closes every channel on the topic and forgets it.
func (h *Hub) StopTopic(name string) {
	h.mu.Lock()
	t, ok := h.topics[name]
	delete(h.topics, name)
	h.mu.Unlock()
	if ok {
		t.closeAll()
		log.Info().Str("module", "app.hub").Str("topic", name).Msg("topic stopped")
	}
}

// Sweep forgets topics with no channels left.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for name, t := range h.topics {
		if t.empty() {
			delete(h.topics, name)
			n++
		}
	}
	return n
}

// Close stops every topic.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()
	for _, t := range topics {
		t.closeAll()
	}
}
