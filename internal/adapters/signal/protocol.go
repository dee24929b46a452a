package signal

import (
	"encoding/json"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

// Client to server message types.
const (
	TypeSubscribePresence   = "subscribe_presence"
	TypeTrack               = "track"
	TypeUntrack             = "untrack"
	TypeUnsubscribePresence = "unsubscribe_presence"
	TypeSubscribeChat       = "subscribe_chat"
	TypeUnsubscribeChat     = "unsubscribe_chat"
	TypePing                = "ping"
)

// Server to client message types.
const (
	TypeAck           = "ack"
	TypeError         = "error"
	TypePong          = "pong"
	TypePresenceState = "presence_state"
	TypeChatInsert    = "chat_insert"
	// TypeClosed reports that the subscription opened by Ref has ended on the
	// server side.
	TypeClosed = "closed"
)

// ClientMessage is every frame a client sends. Ref correlates the reply; on a
// subscribe it also names the subscription in later pushes.
type ClientMessage struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Session domain.ModuleID `json:"session,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
}

type ServerMessage struct {
	Type    string              `json:"type"`
	Ref     string              `json:"ref,omitempty"`
	Topic   string              `json:"topic,omitempty"`
	Session domain.ModuleID     `json:"session,omitempty"`
	State   core.PresenceState  `json:"state,omitempty"`
	Message *domain.ChatMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}
