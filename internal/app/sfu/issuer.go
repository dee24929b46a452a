// Package sfu issues credentials for the external media relay.
package sfu

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog/log"
)

const DefaultTokenTTL = 6 * time.Hour

var (
	ErrNotConfigured  = errors.New("media relay keys not configured")
	ErrMissingRoom    = errors.New("room name required")
	ErrMissingSubject = errors.New("participant name required")
)

// Issuer signs room access tokens with the relay's api key pair. Each token
// lets the holder join one room, publish and subscribe.
type Issuer struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

var _ core.TokenIssuer = (*Issuer)(nil)

func NewIssuer(key, secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{APIKey: key, APISecret: secret, TTL: ttl}
}

func (i *Issuer) IssueToken(_ context.Context, roomName, participantName string) (string, error) {
	roomName = strings.TrimSpace(roomName)
	participantName = strings.TrimSpace(participantName)
	switch {
	case i == nil || i.APIKey == "" || i.APISecret == "":
		return "", ErrNotConfigured
	case roomName == "":
		return "", ErrMissingRoom
	case participantName == "":
		return "", ErrMissingSubject
	}

	allow := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		CanPublish:   &allow,
		CanSubscribe: &allow,
	}
	at := auth.NewAccessToken(i.APIKey, i.APISecret)
	at.AddGrant(grant).
		SetIdentity(participantName).
		SetName(participantName).
		SetValidFor(i.TTL)

	token, err := at.ToJWT()
	if err != nil {
		log.Error().Str("module", "sfu").Str("room", roomName).Err(err).Msg("sign token")
		return "", err
	}
	log.Debug().Str("module", "sfu").Str("room", roomName).Str("identity", participantName).Msg("token issued")
	return token, nil
}
