// Package chat relays session messages between the persisted chat table and
// the live insert feed.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNameCacheSize = 256
	DefaultRetryDelay    = time.Second

	// HistoryFallbackName is shown for stored messages with no joined profile.
	HistoryFallbackName = "User"
	// LiveFallbackName is shown for live inserts whose profile lookup failed.
	LiveFallbackName = "Unknown"
)

type Relay struct {
	Store    core.ChatStore
	Profiles core.ProfileStore
	Feed     core.InsertFeed
	Clock    func() time.Time
	// RetryDelay spaces resubscribe attempts of an open Log.
	RetryDelay time.Duration

	names *lru.Cache[domain.UserID, string]
}

func NewRelay(store core.ChatStore, profiles core.ProfileStore, feed core.InsertFeed, cacheSize int) (*Relay, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultNameCacheSize
	}
	names, err := lru.New[domain.UserID, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Relay{Store: store, Profiles: profiles, Feed: feed, Clock: time.Now, RetryDelay: DefaultRetryDelay, names: names}, nil
}

// LoadHistory returns the stored messages of the session, ascending by
// (SentAt, ID).
func (r *Relay) LoadHistory(ctx context.Context, id domain.ModuleID) ([]domain.ChatMessage, error) {
	msgs, err := r.Store.History(ctx, id)
	if err != nil {
		return nil, core.NewError(core.ErrTransport, "chat.load_history", err)
	}
	less := func(i, j int) bool { return msgs[i].Before(msgs[j]) }
	if !sort.SliceIsSorted(msgs, less) {
		sort.SliceStable(msgs, less)
	}
	for i := range msgs {
		if msgs[i].SenderName == "" {
			msgs[i].SenderName = HistoryFallbackName
			continue
		}
		r.names.Add(msgs[i].SenderID, msgs[i].SenderName)
	}
	log.Debug().Str("module", "app.chat").Str("session", string(id)).Int("count", len(msgs)).Msg("history loaded")
	return msgs, nil
}

// SubscribeToInserts opens a live stream of messages inserted into the
// session from now on, each with its sender name resolved. A closed stream
// can be replaced by subscribing again.
func (r *Relay) SubscribeToInserts(ctx context.Context, id domain.ModuleID) (*Stream, error) {
	sub, err := r.Feed.SubscribeInserts(ctx, id)
	if err != nil {
		return nil, core.NewError(core.ErrTransport, "chat.subscribe", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		sub:    sub,
		cancel: cancel,
		out:    make(chan domain.ChatMessage),
		done:   make(chan struct{}),
	}
	go r.resolveLoop(ctx, id, s)
	log.Info().Str("module", "app.chat").Str("session", string(id)).Msg("subscribed to inserts")
	return s, nil
}

func (r *Relay) resolveLoop(ctx context.Context, id domain.ModuleID, s *Stream) {
	defer close(s.done)
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.Inserts():
			if !ok {
				log.Warn().Str("module", "app.chat").Str("session", string(id)).Msg("insert feed ended")
				return
			}
			if msg.SessionID != id {
				continue
			}
			msg.SenderName = r.resolveName(ctx, msg.SenderID)
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// resolveName looks the sender up through the name cache. Failed lookups
// are not cached.
func (r *Relay) resolveName(ctx context.Context, id domain.UserID) string {
	if name, ok := r.names.Get(id); ok {
		return name
	}
	if r.Profiles == nil {
		return LiveFallbackName
	}
	u, err := r.Profiles.GetProfile(ctx, id)
	if err != nil || u == nil || u.FullName == "" {
		log.Debug().Str("module", "app.chat").Str("sender", string(id)).Err(err).Msg("sender profile unavailable")
		return LiveFallbackName
	}
	r.names.Add(id, u.FullName)
	return u.FullName
}

// Send stores text as a message from sender. It does not wait for the
// broadcast echo and does not touch any local log. Blank text is ignored.
func (r *Relay) Send(ctx context.Context, id domain.ModuleID, sender domain.UserID, text string) (domain.ChatMessage, error) {
	clean, err := domain.CleanText(text)
	if errors.Is(err, domain.ErrMessageEmpty) {
		return domain.ChatMessage{}, nil
	}
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg, err := r.Store.Insert(ctx, domain.ChatMessage{
		SessionID: id,
		SenderID:  sender,
		Text:      clean,
		SentAt:    r.Clock().UTC(),
	})
	if err != nil {
		return domain.ChatMessage{}, core.NewError(core.ErrTransport, "chat.send", err)
	}
	log.Debug().Str("module", "app.chat").Str("session", string(id)).Int64("id", int64(msg.ID)).Msg("message sent")
	return msg, nil
}

// Stream is a cancellable live insert subscription.
type Stream struct {
	sub    core.InsertSubscription
	cancel context.CancelFunc
	out    chan domain.ChatMessage
	done   chan struct{}
	once   sync.Once
}

// Messages delivers resolved inserts in feed order. Closed when the stream ends.
func (s *Stream) Messages() <-chan domain.ChatMessage { return s.out }

// Close is idempotent and returns once the resolve loop has exited.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.sub.Close()
		<-s.done
	})
	return err
}
