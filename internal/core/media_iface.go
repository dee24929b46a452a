package core

import "context"

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local capture handle.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	// SetEnabled mutes or unmutes without releasing the device.
	SetEnabled(bool)
	// Stop releases the device. Calling it on a stopped track is a no-op.
	Stop()
	// Ended is closed once the track has ended for any reason, including the
	// platform revoking it (e.g. the OS "stop sharing" control).
	Ended() <-chan struct{}
}

// Stream groups the tracks returned by one acquisition.
type Stream interface {
	ID() string
	AudioTracks() []Track
	VideoTracks() []Track
}

// Devices acquires local capture streams. Acquisition may block on a user
// permission prompt; implementations honour ctx cancellation.
type Devices interface {
	// UserMedia acquires camera and microphone.
	UserMedia(ctx context.Context) (Stream, error)
	// DisplayMedia acquires a screen-share stream.
	DisplayMedia(ctx context.Context) (Stream, error)
}

// Publisher attaches local tracks to the outgoing media connection.
type Publisher interface {
	// PublishVideo makes t the primary video source. A nil t detaches video.
	PublishVideo(ctx context.Context, t Track) error
	PublishAudio(ctx context.Context, t Track) error
	Close() error
}

// TokenIssuer exchanges a room and participant for a media relay credential.
type TokenIssuer interface {
	IssueToken(ctx context.Context, roomName, participantName string) (string, error)
}
