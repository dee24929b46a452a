package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Classroom/internal/app/chat"
	"github.com/dkeye/Classroom/internal/app/presence"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Report is the outcome of Open. CourseID is set whenever the module was
// found, so a caller can navigate back to the course.
type Report struct {
	Module   *domain.Module  `json:"module,omitempty"`
	CourseID domain.CourseID `json:"course_id,omitempty"`
	Token    string          `json:"token,omitempty"`
	// Warnings hold failures the session survives: chat, presence, camera
	// or token. Each can be retried on its own.
	Warnings []error `json:"-"`
}

func (r *Report) warn(err error) { r.Warnings = append(r.Warnings, err) }

// Open takes the session from PENDING to LIVE. Ownership is checked before
// anything else, so a denied requester acquires nothing. A finished module
// ends the session without entering LIVE.
func (o *Orchestrator) Open(ctx context.Context, id domain.ModuleID, req Requester) (*Report, error) {
	logger := log.With().Str("module", "orch").Str("session", string(id)).Str("identity", string(req.Identity)).Logger()
	report := &Report{}

	if o.Gate == nil || !o.Gate.VerifyOwnership(ctx, id, req.Identity) {
		logger.Warn().Msg("open denied")
		return report, core.NewError(core.ErrAccessDenied, "orch.open", nil)
	}
	switch o.State() {
	case Live:
		return report, core.NewError(ErrAlreadyOpen, "orch.open", nil)
	case Ended:
		return report, core.NewError(core.ErrAlreadyEnded, "orch.open", nil)
	}

	m, err := o.getModule(ctx, id, "orch.open")
	if err != nil {
		logger.Warn().Err(err).Msg("module lookup failed")
		return report, err
	}
	report.Module = m
	report.CourseID = m.CourseID
	if m.Finished() {
		o.end()
		logger.Info().Str("course", string(m.CourseID)).Msg("module already finished")
		return report, core.NewError(core.ErrAlreadyEnded, "orch.open", nil)
	}

	o.mu.Lock()
	if !o.state.CompareAndSwap(int32(Pending), int32(Live)) {
		o.mu.Unlock()
		if o.State() == Ended {
			return report, core.NewError(core.ErrAlreadyEnded, "orch.open", nil)
		}
		return report, core.NewError(ErrAlreadyOpen, "orch.open", nil)
	}
	o.session = id
	o.requester = req
	o.module = m
	o.mu.Unlock()
	logger.Info().Msg("session live")

	if o.Tokens != nil {
		token, err := o.Tokens.IssueToken(ctx, m.RoomName(), req.DisplayName)
		if err != nil {
			logger.Error().Err(err).Msg("media token not issued")
			report.warn(core.NewError(core.ErrTransport, "orch.issue_token", err))
		}
		report.Token = token
	}

	if err := o.openChat(ctx, id, report); err != nil {
		return report, err
	}
	if err := o.openMedia(ctx, report); err != nil {
		return report, err
	}
	if err := o.openPresence(ctx, id, req, report); err != nil {
		return report, err
	}
	return report, nil
}

// errAborted reports that Teardown or HangUp ran while Open was still acquiring.
func errAborted(op string) error {
	return core.NewError(core.ErrReleased, op, nil)
}

func (o *Orchestrator) openChat(ctx context.Context, id domain.ModuleID, report *Report) error {
	if o.Chat == nil {
		return nil
	}
	l, err := o.Chat.Open(ctx, id)
	if err != nil {
		log.Error().Str("module", "orch").Str("session", string(id)).Err(err).Msg("chat unavailable")
		report.warn(err)
		return nil
	}
	if !o.attach(func() { o.chatLog = l }) {
		_ = l.Close()
		return errAborted("orch.open_chat")
	}
	return nil
}

func (o *Orchestrator) openMedia(ctx context.Context, report *Report) error {
	if o.Media == nil {
		return nil
	}
	err := o.Media.AcquireCamera(ctx)
	switch {
	case errors.Is(err, core.ErrReleased):
		return errAborted("orch.open_media")
	case err != nil:
		report.warn(err)
	}
	return nil
}

func (o *Orchestrator) openPresence(ctx context.Context, id domain.ModuleID, req Requester, report *Report) error {
	if o.Presence == nil {
		return nil
	}
	// The roster lives until release, not until the caller's ctx ends.
	sub, err := o.Presence.Subscribe(context.WithoutCancel(ctx), id)
	if err != nil && o.State() != Live {
		return errAborted("orch.open_presence")
	}
	if err != nil {
		log.Error().Str("module", "orch").Str("session", string(id)).Err(err).Msg("presence unavailable")
		report.warn(err)
		return nil
	}
	if !o.attach(func() { o.roster = sub }) {
		sub.Close()
		_ = o.Presence.Leave(id)
		return errAborted("orch.open_presence")
	}

	p := domain.Participant{
		Identity:    req.Identity,
		DisplayName: req.DisplayName,
		Role:        domain.RoleOwner,
		JoinedAt:    o.Clock().UTC(),
	}
	err = o.Presence.Announce(ctx, id, p)
	// A teardown that ran during Announce may have left before the record landed.
	if o.State() != Live {
		_ = o.Presence.Leave(id)
		return errAborted("orch.open_presence")
	}
	if err != nil {
		report.warn(err)
	}
	return nil
}

// attach runs set under o.mu if the session is still LIVE.
func (o *Orchestrator) attach(set func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.State() != Live {
		return false
	}
	set()
	return true
}

var (
	_ ChatService     = (*chat.Relay)(nil)
	_ PresenceService = (*presence.Tracker)(nil)
)
