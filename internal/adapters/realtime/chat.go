package realtime

import (
	"context"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// chatFeed is the one server subscription for a session, fanned out to every
// local subscriber. Guarded by Client.mu.
type chatFeed struct {
	client  *Client
	session domain.ModuleID
	ref     string
	subs    map[*insertSub]struct{}
	ended   bool
}

type insertSub struct {
	feed   *chatFeed
	out    chan domain.ChatMessage
	stop   func() bool
	closed bool
}

// SubscribeInserts joins the session's server feed, opening it on first use.
func (c *Client) SubscribeInserts(ctx context.Context, id domain.ModuleID) (core.InsertSubscription, error) {
	sub := &insertSub{out: make(chan domain.ChatMessage, insertBuffer)}

	c.mu.Lock()
	if feed, ok := c.chats[id]; ok && c.conn != nil {
		sub.feed = feed
		feed.subs[sub] = struct{}{}
		sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
		c.mu.Unlock()
		return sub, nil
	}
	c.mu.Unlock()

	err := c.subscribe(ctx, "realtime.subscribe_inserts",
		signal.ClientMessage{Type: signal.TypeSubscribeChat, Session: id},
		func(ref string) route {
			if old, ok := c.chats[id]; ok {
				old.endLocked()
			}
			feed := &chatFeed{client: c, session: id, ref: ref, subs: map[*insertSub]struct{}{sub: {}}}
			sub.feed = feed
			c.chats[id] = feed
			return feed
		})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !sub.closed {
		sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	}
	c.mu.Unlock()
	log.Info().Str("module", "realtime").Str("session", string(id)).Msg("chat subscribed")
	return sub, nil
}

// pushLocked delivers to every local subscriber. A subscriber with a full
// buffer is closed and must resubscribe.
func (f *chatFeed) pushLocked(msg signal.ServerMessage) {
	if msg.Message == nil {
		return
	}
	for s := range f.subs {
		select {
		case s.out <- *msg.Message:
		default:
			log.Warn().Str("module", "realtime").Str("session", string(f.session)).Msg("slow insert subscriber dropped")
			s.closeLocked()
		}
	}
	if len(f.subs) == 0 {
		f.endLocked()
		f.client.notifyLocked(signal.ClientMessage{Type: signal.TypeUnsubscribeChat, Session: f.session})
	}
}

func (f *chatFeed) endLocked() {
	if f.ended {
		return
	}
	f.ended = true
	c := f.client
	delete(c.routes, f.ref)
	if c.chats[f.session] == f {
		delete(c.chats, f.session)
	}
	for s := range f.subs {
		s.closeLocked()
	}
}

func (s *insertSub) Inserts() <-chan domain.ChatMessage { return s.out }

// Close leaves the feed. The last subscriber out also ends the server
// subscription.
func (s *insertSub) Close() error {
	c := s.feed.client
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return nil
	}
	s.closeLocked()
	f := s.feed
	last := len(f.subs) == 0 && !f.ended
	if last {
		f.endLocked()
		c.notifyLocked(signal.ClientMessage{Type: signal.TypeUnsubscribeChat, Session: f.session})
	}
	c.mu.Unlock()
	if last {
		c.flush()
	}
	return nil
}

func (s *insertSub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.feed.subs, s)
	if s.stop != nil {
		s.stop()
	}
	close(s.out)
}
