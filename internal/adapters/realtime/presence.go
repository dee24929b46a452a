package realtime

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/rs/zerolog/log"
)

// presenceChannel is a remote core.PresenceChannel. Fields other than
// client/topic/ref/out are guarded by Client.mu.
type presenceChannel struct {
	client *Client
	topic  string
	ref    string
	out    chan core.PresenceState
	stop   func() bool
	closed bool
}

// JoinPresence subscribes to topic on the server. One channel per topic may be
// open on a client at a time.
func (c *Client) JoinPresence(ctx context.Context, topic string) (core.PresenceChannel, error) {
	var pc *presenceChannel
	err := c.subscribe(ctx, "realtime.join_presence",
		signal.ClientMessage{Type: signal.TypeSubscribePresence, Topic: topic},
		func(ref string) route {
			if _, taken := c.presence[topic]; taken {
				return nil
			}
			pc = &presenceChannel{client: c, topic: topic, ref: ref, out: make(chan core.PresenceState, 1)}
			c.presence[topic] = pc
			return pc
		})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !pc.closed {
		pc.stop = context.AfterFunc(ctx, func() { _ = pc.Close() })
	}
	c.mu.Unlock()
	log.Info().Str("module", "realtime").Str("topic", topic).Msg("presence joined")
	return pc, nil
}

// pushLocked keeps only the newest undelivered state.
func (pc *presenceChannel) pushLocked(msg signal.ServerMessage) {
	if pc.closed {
		return
	}
	st := msg.State
	if st == nil {
		st = core.PresenceState{}
	}
	select {
	case pc.out <- st:
		return
	default:
	}
	select {
	case <-pc.out:
	default:
	}
	select {
	case pc.out <- st:
	default:
	}
}

func (pc *presenceChannel) endLocked() {
	if pc.closed {
		return
	}
	pc.closed = true
	c := pc.client
	delete(c.routes, pc.ref)
	if c.presence[pc.topic] == pc {
		delete(c.presence, pc.topic)
	}
	if pc.stop != nil {
		pc.stop()
	}
	close(pc.out)
}

func (pc *presenceChannel) isClosed() bool {
	pc.client.mu.Lock()
	defer pc.client.mu.Unlock()
	return pc.closed
}

func (pc *presenceChannel) Track(ctx context.Context, record json.RawMessage) error {
	if pc.isClosed() {
		return core.ErrClosed
	}
	return pc.client.request(ctx, "realtime.track",
		signal.ClientMessage{Type: signal.TypeTrack, Topic: pc.topic, Record: record})
}

func (pc *presenceChannel) Untrack(ctx context.Context) error {
	if pc.isClosed() {
		return core.ErrClosed
	}
	return pc.client.request(ctx, "realtime.untrack",
		signal.ClientMessage{Type: signal.TypeUntrack, Topic: pc.topic})
}

func (pc *presenceChannel) States() <-chan core.PresenceState { return pc.out }

// Close leaves the topic. The server untracks the record with it.
func (pc *presenceChannel) Close() error {
	c := pc.client
	c.mu.Lock()
	if pc.closed {
		c.mu.Unlock()
		return nil
	}
	pc.endLocked()
	c.notifyLocked(signal.ClientMessage{Type: signal.TypeUnsubscribePresence, Topic: pc.topic})
	c.mu.Unlock()
	c.flush()
	log.Info().Str("module", "realtime").Str("topic", pc.topic).Msg("presence left")
	return nil
}
