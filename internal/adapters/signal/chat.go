package signal

import (
	"context"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleSubscribeChat(ctx context.Context, sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	if msg.Session == "" {
		ctl.sendError(sid, c, msg.Ref, "session required")
		return
	}
	sub, err := ctl.Hub.SubscribeInserts(ctx, msg.Session)
	if err != nil {
		ctl.sendError(sid, c, msg.Ref, err.Error())
		return
	}
	old, ok := ctl.Registry.AddInserts(sid, msg.Session, sub)
	if !ok {
		_ = sub.Close()
		ctl.sendError(sid, c, msg.Ref, "connection gone")
		return
	}
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("session", string(msg.Session)).Msg("chat subscribed")

	ctl.ack(sid, c, msg.Ref)
	go ctl.forwardInserts(sid, c, msg.Ref, msg.Session, sub)
}

func (ctl *SignalWSController) forwardInserts(sid app.SessionID, c *WsSignalConn, ref string, id domain.ModuleID, sub core.InsertSubscription) {
	for m := range sub.Inserts() {
		ctl.sendJSON(sid, c, ServerMessage{Type: TypeChatInsert, Ref: ref, Session: id, Message: &m})
	}
	ctl.sendJSON(sid, c, ServerMessage{Type: TypeClosed, Ref: ref, Session: id})
}

func (ctl *SignalWSController) handleUnsubscribeChat(sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	if sub := ctl.Registry.RemoveInserts(sid, msg.Session); sub != nil {
		_ = sub.Close()
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("session", string(msg.Session)).Msg("chat unsubscribed")
	}
	ctl.ack(sid, c, msg.Ref)
}
