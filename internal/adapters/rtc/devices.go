package rtc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FrameSource yields encoded frames. io.EOF means the source ended on its
// own, e.g. the user stopped sharing from the OS control.
type FrameSource interface {
	NextFrame(ctx context.Context) (payload []byte, duration time.Duration, err error)
}

// SourceKind names what a FrameSource captures.
type SourceKind string

const (
	SourceMicrophone SourceKind = "microphone"
	SourceCamera     SourceKind = "camera"
	SourceDisplay    SourceKind = "display"
)

// OpenFunc opens a capture source. It may block, e.g. on a permission prompt.
type OpenFunc func(ctx context.Context, kind SourceKind) (FrameSource, error)

// Devices implements core.Devices. Each acquired track is fed by its own
// source until the track is stopped or the source ends.
type Devices struct {
	Open OpenFunc
}

var _ core.Devices = (*Devices)(nil)

func NewDevices(open OpenFunc) *Devices {
	return &Devices{Open: open}
}

func (d *Devices) UserMedia(ctx context.Context) (core.Stream, error) {
	return d.acquire(ctx, SourceMicrophone, SourceCamera)
}

func (d *Devices) DisplayMedia(ctx context.Context) (core.Stream, error) {
	return d.acquire(ctx, SourceDisplay)
}

func (d *Devices) acquire(ctx context.Context, kinds ...SourceKind) (core.Stream, error) {
	if d.Open == nil {
		return nil, errors.New("no capture backend")
	}
	s := &Stream{id: uuid.NewString()}
	type feed struct {
		track *LocalTrack
		src   FrameSource
	}
	var feeds []feed
	for _, k := range kinds {
		src, err := d.Open(ctx, k)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			for _, f := range feeds {
				f.track.Stop()
			}
			return nil, err
		}
		kind := core.KindVideo
		if k == SourceMicrophone {
			kind = core.KindAudio
		}
		t, err := NewLocalTrack(kind, s.id)
		if err != nil {
			for _, f := range feeds {
				f.track.Stop()
			}
			return nil, err
		}
		feeds = append(feeds, feed{track: t, src: src})
		if kind == core.KindAudio {
			s.audio = append(s.audio, t)
		} else {
			s.video = append(s.video, t)
		}
	}
	for _, f := range feeds {
		go pump(f.track, f.src)
	}
	log.Debug().Str("module", "rtc").Str("stream", s.id).Int("tracks", len(feeds)).Msg("stream acquired")
	return s, nil
}

// pump copies frames from src into t until either ends. A source that ends on
// its own ends the track with it.
func pump(t *LocalTrack, src FrameSource) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.Ended():
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		payload, d, err := src.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Str("module", "rtc").Str("track", t.ID()).Msg("source ended")
			} else if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "rtc").Str("track", t.ID()).Msg("source failed")
			}
			t.Stop()
			return
		}
		if err := t.WriteFrame(payload, d); err != nil {
			if !errors.Is(err, core.ErrReleased) {
				log.Error().Err(err).Str("module", "rtc").Str("track", t.ID()).Msg("write frame")
			}
			return
		}
	}
}

// SyntheticSource emits blank frames at a fixed interval. With Frames > 0 it
// ends after that many.
type SyntheticSource struct {
	Size     int
	Interval time.Duration
	Frames   int

	sent int
}

func (s *SyntheticSource) NextFrame(ctx context.Context) ([]byte, time.Duration, error) {
	if s.Frames > 0 && s.sent >= s.Frames {
		return nil, 0, io.EOF
	}
	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-timer.C:
	}
	s.sent++
	return make([]byte, s.Size), s.Interval, nil
}

// SyntheticOpen opens a SyntheticSource for every kind: 20ms audio frames and
// 30fps video frames.
func SyntheticOpen(_ context.Context, kind SourceKind) (FrameSource, error) {
	if kind == SourceMicrophone {
		return &SyntheticSource{Size: 160, Interval: 20 * time.Millisecond}, nil
	}
	return &SyntheticSource{Size: 1200, Interval: time.Second / 30}, nil
}
