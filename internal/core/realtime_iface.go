package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Classroom/internal/domain"
)

// PresenceState is the full raw state of a presence topic: presence key to
// the records tracked under that key. Records are untrusted until decoded.
type PresenceState map[string][]json.RawMessage

func PresenceTopic(id domain.ModuleID) string { return "room-" + string(id) }
func ChatTopic(id domain.ModuleID) string     { return "chat-room-" + string(id) }

type PresenceTransport interface {
	JoinPresence(ctx context.Context, topic string) (PresenceChannel, error)
}

// PresenceChannel is one endpoint on a presence topic.
type PresenceChannel interface {
	// Track publishes (or replaces) this endpoint's own record.
	Track(ctx context.Context, record json.RawMessage) error
	Untrack(ctx context.Context) error
	// States delivers the full state after every change. An undelivered state
	// is superseded by a newer one. Closed when the channel ends.
	States() <-chan PresenceState
	// Close untracks and leaves the topic. Safe to call more than once.
	Close() error
}

type InsertFeed interface {
	SubscribeInserts(ctx context.Context, id domain.ModuleID) (InsertSubscription, error)
}

// InsertSubscription delivers messages inserted after it was opened, in
// insert order. Inserts is closed when the subscription ends.
type InsertSubscription interface {
	Inserts() <-chan domain.ChatMessage
	Close() error
}
