// Package rtc backs local capture with pion tracks and publishes them on a
// peer connection.
package rtc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateEnded
)

const (
	videoPayloadType = 96
	audioPayloadType = 111
	videoClockRate   = 90000
	audioClockRate   = 48000
)

// LocalTrack is a core.Track writing RTP into a pion static track. A muted
// track drops frames; an ended one rejects them.
type LocalTrack struct {
	local *webrtc.TrackLocalStaticRTP
	kind  core.TrackKind
	state atomic.Int32 // zero is TrackStateOk

	ended chan struct{}
	once  sync.Once

	mu        sync.Mutex
	seq       uint16
	timestamp uint32
	ssrc      uint32
	written   int
}

var _ core.Track = (*LocalTrack)(nil)

// NewLocalTrack creates a VP8 video or Opus audio track with a fresh id.
func NewLocalTrack(kind core.TrackKind, streamID string) (*LocalTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	if kind == core.KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{
		local: local,
		kind:  kind,
		ended: make(chan struct{}),
		ssrc:  uuid.New().ID(),
	}, nil
}

func (t *LocalTrack) ID() string                         { return t.local.ID() }
func (t *LocalTrack) Kind() core.TrackKind               { return t.kind }
func (t *LocalTrack) Local() *webrtc.TrackLocalStaticRTP { return t.local }
func (t *LocalTrack) State() TrackState                  { return TrackState(t.state.Load()) }
func (t *LocalTrack) Enabled() bool                      { return t.State() == TrackStateOk }
func (t *LocalTrack) Ended() <-chan struct{}             { return t.ended }

func (t *LocalTrack) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateEnded {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *LocalTrack) Stop() {
	t.state.Store(int32(TrackStateEnded))
	t.once.Do(func() { close(t.ended) })
}

// Written is the number of packets written so far.
func (t *LocalTrack) Written() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// WriteFrame packetizes one encoded frame of the given duration.
func (t *LocalTrack) WriteFrame(payload []byte, duration time.Duration) error {
	switch t.State() {
	case TrackStateEnded:
		return core.ErrReleased
	case TrackStateMuted:
		return nil
	}

	pt, rate := uint8(videoPayloadType), uint32(videoClockRate)
	if t.kind == core.KindAudio {
		pt, rate = audioPayloadType, audioClockRate
	}

	t.mu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    pt,
			SequenceNumber: t.seq,
			Timestamp:      t.timestamp,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}
	t.seq++
	t.timestamp += uint32(duration.Seconds() * float64(rate))
	t.written++
	t.mu.Unlock()

	return t.local.WriteRTP(pkt)
}

// Stream groups the tracks of one acquisition.
type Stream struct {
	id    string
	audio []core.Track
	video []core.Track
}

var _ core.Stream = (*Stream)(nil)

func (s *Stream) ID() string                { return s.id }
func (s *Stream) AudioTracks() []core.Track { return s.audio }
func (s *Stream) VideoTracks() []core.Track { return s.video }
