package chat

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Line is a message as shown to one participant.
type Line struct {
	domain.ChatMessage
	IsMine bool `json:"is_mine"`
}

// Format marks which messages were sent by self.
func Format(msgs []domain.ChatMessage, self domain.UserID) []Line {
	out := make([]Line, len(msgs))
	for i, m := range msgs {
		out[i] = Line{ChatMessage: m, IsMine: m.SenderID == self}
	}
	return out
}

// Log is the append-only message log of one open session: stored history
// followed by the live tail, each message id at most once.
type Log struct {
	SessionID domain.ModuleID

	relay   *Relay
	mu      sync.RWMutex
	msgs    []domain.ChatMessage
	seen    map[domain.MessageID]struct{}
	changed chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open subscribes to inserts before fetching history, so a message sent in
// between shows up once instead of being missed. If the feed drops later the
// log resubscribes and refetches history until closed.
func (r *Relay) Open(ctx context.Context, id domain.ModuleID) (*Log, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := r.SubscribeToInserts(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}
	history, err := r.LoadHistory(ctx, id)
	if err != nil {
		_ = stream.Close()
		cancel()
		return nil, err
	}

	l := &Log{
		SessionID: id,
		relay:     r,
		seen:      make(map[domain.MessageID]struct{}, len(history)),
		changed:   make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	l.merge(history)
	go l.run(ctx, stream)
	return l, nil
}

func (l *Log) run(ctx context.Context, stream *Stream) {
	defer close(l.done)
	for {
		for msg := range stream.Messages() {
			l.append(msg)
		}
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		stream = l.resubscribe(ctx)
		if stream == nil {
			return
		}
	}
}

// resubscribe retries until it has a new stream and a fresh history, or ctx ends.
func (l *Log) resubscribe(ctx context.Context) *Stream {
	logger := log.With().Str("module", "app.chat").Str("session", string(l.SessionID)).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.relay.RetryDelay):
		}
		stream, err := l.relay.SubscribeToInserts(ctx, l.SessionID)
		if err != nil {
			logger.Error().Err(err).Msg("resubscribe failed")
			continue
		}
		history, err := l.relay.LoadHistory(ctx, l.SessionID)
		if err != nil {
			logger.Error().Err(err).Msg("history reload failed")
			_ = stream.Close()
			continue
		}
		l.merge(history)
		logger.Info().Msg("chat feed restored")
		return stream
	}
}

// merge appends the messages of an ordered batch that are not in the log yet.
func (l *Log) merge(batch []domain.ChatMessage) {
	l.mu.Lock()
	n := 0
	for _, m := range batch {
		if _, ok := l.seen[m.ID]; ok {
			continue
		}
		l.seen[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
		n++
	}
	l.mu.Unlock()
	if n > 0 {
		l.notify()
	}
}

func (l *Log) append(m domain.ChatMessage) {
	l.mu.Lock()
	if _, ok := l.seen[m.ID]; ok {
		l.mu.Unlock()
		log.Debug().Str("module", "app.chat").Str("session", string(l.SessionID)).Int64("id", int64(m.ID)).Msg("duplicate insert skipped")
		return
	}
	l.seen[m.ID] = struct{}{}
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
	l.notify()
}

func (l *Log) notify() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Changed signals that messages were appended since the last receive.
func (l *Log) Changed() <-chan struct{} { return l.changed }

func (l *Log) Messages() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ChatMessage(nil), l.msgs...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

func (l *Log) Format(self domain.UserID) []Line {
	return Format(l.Messages(), self)
}

// Close stops the live tail. It is idempotent and waits for the feed to be released.
func (l *Log) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		log.Info().Str("module", "app.chat").Str("session", string(l.SessionID)).Msg("chat log closed")
	})
	return nil
}
