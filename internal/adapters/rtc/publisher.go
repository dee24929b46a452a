package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Publisher keeps one video and one audio sender on the connection and swaps
// their tracks in place, so switching the primary source needs no
// renegotiation.
type Publisher struct {
	conn *Connection
	life context.Context

	mu     sync.Mutex
	video  *webrtc.RTPSender
	audio  *webrtc.RTPSender
	closed bool
}

var _ core.Publisher = (*Publisher)(nil)

// NewPublisher takes over conn. The publisher stops accepting tracks once the
// connection fails or closes.
func NewPublisher(conn *Connection) *Publisher {
	p := &Publisher{conn: conn}
	conn.OnClosed(p.dropped)
	p.life = conn.Start(context.Background())
	return p
}

func (p *Publisher) dropped() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	log.Info().Str("module", "rtc").Str("sid", p.conn.sid).Msg("publisher connection ended")
}

// Done is closed when the connection to the relay is lost or closed.
func (p *Publisher) Done() <-chan struct{} { return p.life.Done() }

// Exchange sends a local offer to the relay and returns its answer.
type Exchange func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// Negotiate runs one offer/answer round carrying the current senders.
func (p *Publisher) Negotiate(ctx context.Context, exchange Exchange) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return core.ErrClosed
	}
	offer, err := p.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	answer, err := exchange(ctx, *offer)
	if err != nil {
		return core.NewError(core.ErrTransport, "rtc.negotiate", err)
	}
	if err := p.conn.ApplyAnswer(answer); err != nil {
		return fmt.Errorf("rtc: apply answer: %w", err)
	}
	log.Info().Str("module", "rtc").Str("sid", p.conn.sid).Msg("negotiated")
	return nil
}

func (p *Publisher) PublishVideo(_ context.Context, t core.Track) error {
	return p.publish(&p.video, t)
}

func (p *Publisher) PublishAudio(_ context.Context, t core.Track) error {
	return p.publish(&p.audio, t)
}

func (p *Publisher) publish(sender **webrtc.RTPSender, t core.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrClosed
	}

	var local *webrtc.TrackLocalStaticRTP
	if t != nil {
		lt, ok := t.(*LocalTrack)
		if !ok {
			return fmt.Errorf("rtc: cannot publish %T", t)
		}
		local = lt.Local()
	}

	if *sender == nil {
		if local == nil {
			return nil
		}
		s, err := p.conn.AddLocalTrack(local)
		if err != nil {
			return err
		}
		*sender = s
		log.Info().Str("module", "rtc").Str("sid", p.conn.sid).Str("track", local.ID()).Msg("track added")
		return nil
	}

	if local == nil {
		if err := (*sender).ReplaceTrack(nil); err != nil {
			return err
		}
		log.Info().Str("module", "rtc").Str("sid", p.conn.sid).Msg("track detached")
		return nil
	}
	if err := (*sender).ReplaceTrack(local); err != nil {
		return err
	}
	log.Info().Str("module", "rtc").Str("sid", p.conn.sid).Str("track", local.ID()).Msg("track replaced")
	return nil
}

// Current returns the local track on the video sender, if any.
func (p *Publisher) Current() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.video == nil {
		return nil
	}
	return p.video.Track()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.conn.Close()
	return nil
}
