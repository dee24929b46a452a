package app

import (
	"context"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type SessionID string

type sessionEntry struct {
	Identity domain.UserID
	Signal   core.SignalConnection
	Cancel   context.CancelFunc
	presence map[string]core.PresenceChannel
	inserts  map[domain.ModuleID]core.InsertSubscription
}

// Registry tracks which hub channels each realtime connection holds, so a
// dropped connection releases all of them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionID]*sessionEntry)}
}

func (r *Registry) BindSignal(sid SessionID, identity domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{
		Identity: identity,
		Signal:   conn,
		Cancel:   cancel,
		presence: make(map[string]core.PresenceChannel),
		inserts:  make(map[domain.ModuleID]core.InsertSubscription),
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) Identity(sid SessionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Identity, true
	}
	return "", false
}

// AddPresence records pc under topic. An existing channel on the same topic
// is returned so the caller can close it.
func (r *Registry) AddPresence(sid SessionID, topic string, pc core.PresenceChannel) (core.PresenceChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	old := e.presence[topic]
	e.presence[topic] = pc
	return old, true
}

func (r *Registry) Presence(sid SessionID, topic string) (core.PresenceChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	pc, ok := e.presence[topic]
	return pc, ok
}

func (r *Registry) RemovePresence(sid SessionID, topic string) core.PresenceChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	pc := e.presence[topic]
	delete(e.presence, topic)
	return pc
}

func (r *Registry) AddInserts(sid SessionID, id domain.ModuleID, sub core.InsertSubscription) (core.InsertSubscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	old := e.inserts[id]
	e.inserts[id] = sub
	return old, true
}

func (r *Registry) RemoveInserts(sid SessionID, id domain.ModuleID) core.InsertSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	sub := e.inserts[id]
	delete(e.inserts, id)
	return sub
}

// Unbind forgets sid and closes every channel it still held.
func (r *Registry) Unbind(sid SessionID) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, pc := range e.presence {
		_ = pc.Close()
	}
	for _, sub := range e.inserts {
		_ = sub.Close()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("presence", len(e.presence)).Int("inserts", len(e.inserts)).Msg("unbind session")
}

func (r *Registry) Cancel(sid SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
