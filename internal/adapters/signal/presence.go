package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleSubscribePresence(ctx context.Context, sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	if msg.Topic == "" {
		ctl.sendError(sid, c, msg.Ref, "topic required")
		return
	}
	pc, err := ctl.Hub.JoinPresence(ctx, msg.Topic)
	if err != nil {
		ctl.sendError(sid, c, msg.Ref, err.Error())
		return
	}
	old, ok := ctl.Registry.AddPresence(sid, msg.Topic, pc)
	if !ok {
		_ = pc.Close()
		ctl.sendError(sid, c, msg.Ref, "connection gone")
		return
	}
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("topic", msg.Topic).Msg("presence subscribed")

	ctl.ack(sid, c, msg.Ref)
	go ctl.forwardPresence(sid, c, msg.Ref, msg.Topic, pc)
}

func (ctl *SignalWSController) forwardPresence(sid app.SessionID, c *WsSignalConn, ref, topic string, pc core.PresenceChannel) {
	for st := range pc.States() {
		ctl.sendJSON(sid, c, ServerMessage{Type: TypePresenceState, Ref: ref, Topic: topic, State: st})
	}
	ctl.sendJSON(sid, c, ServerMessage{Type: TypeClosed, Ref: ref, Topic: topic})
}

// handleTrack publishes the caller's own record. Records are normalized here
// so no other client ever sees a malformed one. A connection may only track
// its own identity; anonymous connections may watch but not track.
func (ctl *SignalWSController) handleTrack(ctx context.Context, sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	pc, ok := ctl.Registry.Presence(sid, msg.Topic)
	if !ok {
		ctl.sendError(sid, c, msg.Ref, "not subscribed to "+msg.Topic)
		return
	}
	p, err := domain.DecodeParticipant(msg.Record)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("rejected presence record")
		ctl.sendError(sid, c, msg.Ref, err.Error())
		return
	}
	identity, _ := ctl.Registry.Identity(sid)
	if identity == "" {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("record", string(p.Identity)).Msg("anonymous track rejected")
		ctl.sendError(sid, c, msg.Ref, "identity required")
		return
	}
	if identity != p.Identity {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("identity", string(identity)).Str("record", string(p.Identity)).Msg("identity mismatch")
		ctl.sendError(sid, c, msg.Ref, "identity mismatch")
		return
	}
	record, err := json.Marshal(p)
	if err != nil {
		ctl.sendError(sid, c, msg.Ref, err.Error())
		return
	}
	if err := pc.Track(ctx, record); err != nil {
		ctl.sendError(sid, c, msg.Ref, err.Error())
		return
	}
	ctl.ack(sid, c, msg.Ref)
}

func (ctl *SignalWSController) handleUntrack(ctx context.Context, sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	pc, ok := ctl.Registry.Presence(sid, msg.Topic)
	if !ok {
		ctl.sendError(sid, c, msg.Ref, "not subscribed to "+msg.Topic)
		return
	}
	if err := pc.Untrack(ctx); err != nil {
		ctl.sendError(sid, c, msg.Ref, err.Error())
		return
	}
	ctl.ack(sid, c, msg.Ref)
}

func (ctl *SignalWSController) handleUnsubscribePresence(sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	if pc := ctl.Registry.RemovePresence(sid, msg.Topic); pc != nil {
		_ = pc.Close()
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("topic", msg.Topic).Msg("presence unsubscribed")
	}
	ctl.ack(sid, c, msg.Ref)
}
