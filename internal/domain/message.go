package domain

import (
	"errors"
	"strings"
	"time"
)

const MaxMessageLen = 2000

var (
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
)

type MessageID int64

// ChatMessage is immutable once stored. SenderName is resolved, never persisted.
type ChatMessage struct {
	ID         MessageID `json:"id" db:"id"`
	SessionID  ModuleID  `json:"module_id" db:"module_id"`
	SenderID   UserID    `json:"sender_id" db:"sender_id"`
	Text       string    `json:"message_text" db:"message_text"`
	SentAt     time.Time `json:"time" db:"sent_at"`
	SenderName string    `json:"sender_name,omitempty" db:"sender_name"`
}

// Before orders messages by (SentAt, ID) ascending.
func (m ChatMessage) Before(o ChatMessage) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// CleanText trims text and enforces the length bound.
func CleanText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrMessageEmpty
	}
	if len(text) > MaxMessageLen {
		return "", ErrMessageTooLong
	}
	return text, nil
}
