// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

// User is a profile row: identity plus the name shown to other participants.
type User struct {
	ID       UserID `json:"id" db:"id"`
	FullName string `json:"full_name" db:"full_name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(fullName string) (*User, error) {
	u := &User{ID: UserID(uuid.NewString())}
	if err := u.SetFullName(fullName); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetFullName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.FullName = name
	return nil
}

// ValidUserID reports whether id is usable as an identity key.
func ValidUserID(id UserID) bool {
	return len(id) > 0 && len(id) <= MaxUserIDLen && !strings.ContainsAny(string(id), " \t\r\n")
}
