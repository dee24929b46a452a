package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Role string

const (
	RoleOwner Role = "owner"
	RoleGuest Role = "guest"
)

const (
	DefaultOwnerName = "Teacher"
	DefaultGuestName = "Guest"
)

var ErrMalformedParticipant = errors.New("malformed participant record")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Participant is one presence record: who is connected to a session topic.
// No transport or lifecycle logic here.
type Participant struct {
	Identity    UserID    `json:"user_id" validate:"required,max=36"`
	DisplayName string    `json:"name" validate:"required,max=64"`
	Role        Role      `json:"role" validate:"required,oneof=owner guest"`
	JoinedAt    time.Time `json:"online_at" validate:"required"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id UserID, displayName string, role Role, joinedAt time.Time) (*Participant, error) {
	p := &Participant{Identity: id, DisplayName: displayName, Role: role, JoinedAt: joinedAt.UTC()}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Normalize fills defaults and validates the required fields.
func (p *Participant) Normalize() error {
	switch strings.ToLower(string(p.Role)) {
	case "owner", "teacher":
		p.Role = RoleOwner
	case "guest", "student", "":
		p.Role = RoleGuest
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.DisplayName == "" {
		if p.Role == RoleOwner {
			p.DisplayName = DefaultOwnerName
		} else {
			p.DisplayName = DefaultGuestName
		}
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedParticipant, err)
	}
	return nil
}

// DecodeParticipant parses a raw presence payload and normalizes it.
func DecodeParticipant(raw []byte) (*Participant, error) {
	var p Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedParticipant, err)
	}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}
