// Package orch drives one client's classroom session from open to end.
package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Classroom/internal/app/chat"
	"github.com/dkeye/Classroom/internal/app/presence"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	Pending State = iota
	Live
	Ended
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Live:
		return "LIVE"
	case Ended:
		return "ENDED"
	}
	return "UNKNOWN"
}

var (
	ErrAlreadyOpen = errors.New("session already open")
	ErrNotLive     = errors.New("session not live")
)

type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, id domain.ModuleID, requester domain.UserID) bool
}

type PresenceService interface {
	Announce(ctx context.Context, id domain.ModuleID, p domain.Participant) error
	Subscribe(ctx context.Context, id domain.ModuleID) (*presence.Subscription, error)
	Leave(id domain.ModuleID) error
}

type ChatService interface {
	Open(ctx context.Context, id domain.ModuleID) (*chat.Log, error)
}

type MediaController interface {
	AcquireCamera(ctx context.Context) error
	ReleaseAll() error
}

// Requester is the local participant opening the session.
type Requester struct {
	Identity    domain.UserID
	DisplayName string
}

// Deps are the collaborators of one session instance.
type Deps struct {
	Gate     OwnershipVerifier
	Modules  core.ModuleStore
	Presence PresenceService
	Chat     ChatService
	Media    MediaController
	// Tokens is optional; without it no relay credential is issued.
	Tokens core.TokenIssuer
	Window domain.JoinWindow
	Clock  func() time.Time
}

// Orchestrator is the lifecycle controller of one session instance. It is
// PENDING until Open succeeds, LIVE until HangUp or Teardown, then ENDED.
type Orchestrator struct {
	Deps

	state   atomic.Int32
	hanging atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	session   domain.ModuleID
	requester Requester
	module    *domain.Module
	roster    *presence.Subscription
	chatLog   *chat.Log
	released  sync.Once
	endOnce   sync.Once
}

func New(d Deps) *Orchestrator {
	if d.Window == (domain.JoinWindow{}) {
		d.Window = domain.DefaultJoinWindow()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Orchestrator{Deps: d, done: make(chan struct{})}
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Done is closed once the session is ENDED.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) logger() zerolog.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return log.With().Str("module", "orch").Str("session", string(o.session)).Str("identity", string(o.requester.Identity)).Logger()
}

func (o *Orchestrator) end() {
	o.endOnce.Do(func() {
		o.state.Store(int32(Ended))
		close(o.done)
	})
}

// Eligibility reports whether m can be joined now under the join window.
func (o *Orchestrator) Eligibility(m *domain.Module) domain.Eligibility {
	return o.Window.Check(m, o.Clock())
}

// CanJoin looks the module up and checks the join window.
func (o *Orchestrator) CanJoin(ctx context.Context, id domain.ModuleID) (domain.Eligibility, error) {
	m, err := o.getModule(ctx, id, "orch.can_join")
	if err != nil {
		return domain.Eligibility{}, err
	}
	return o.Eligibility(m), nil
}

func (o *Orchestrator) getModule(ctx context.Context, id domain.ModuleID, op string) (*domain.Module, error) {
	m, err := o.Modules.GetModule(ctx, id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return nil, core.NewError(core.ErrNotFound, op, err)
	case err != nil:
		return nil, core.NewError(core.ErrTransport, op, err)
	case m == nil:
		return nil, core.NewError(core.ErrNotFound, op, nil)
	}
	return m, nil
}

// Module returns the module loaded by Open, if any.
func (o *Orchestrator) Module() *domain.Module {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.module
}

func (o *Orchestrator) ChatLog() *chat.Log {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatLog
}

func (o *Orchestrator) Roster() *presence.Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roster
}
