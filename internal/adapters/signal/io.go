package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return DefaultPingPeriod
	}
	return ctl.PingPeriod
}

func (ctl *SignalWSController) writePump(ctx context.Context, sid app.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid app.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Registry.Cancel(sid)
		ctl.Registry.Unbind(sid)
		c.Close()
	}()

	limit := ctl.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	wait := ctl.pingPeriod() * 10 / 9
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(wait))
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid app.SessionID, c *WsSignalConn, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(sid, c, "", "bad json")
		return
	}

	switch msg.Type {
	case TypeSubscribePresence:
		ctl.handleSubscribePresence(ctx, sid, c, msg)
	case TypeTrack:
		ctl.handleTrack(ctx, sid, c, msg)
	case TypeUntrack:
		ctl.handleUntrack(ctx, sid, c, msg)
	case TypeUnsubscribePresence:
		ctl.handleUnsubscribePresence(sid, c, msg)
	case TypeSubscribeChat:
		ctl.handleSubscribeChat(ctx, sid, c, msg)
	case TypeUnsubscribeChat:
		ctl.handleUnsubscribeChat(sid, c, msg)
	case TypePing:
		ctl.handlePing(sid, c, msg)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
		ctl.sendError(sid, c, msg.Ref, "unknown type "+msg.Type)
	}
}

func (ctl *SignalWSController) sendJSON(sid app.SessionID, c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, core.ErrBackpressure) {
		ctl.kick(sid, c)
	}
}

func (ctl *SignalWSController) ack(sid app.SessionID, c *WsSignalConn, ref string) {
	ctl.sendJSON(sid, c, ServerMessage{Type: TypeAck, Ref: ref})
}

func (ctl *SignalWSController) sendError(sid app.SessionID, c *WsSignalConn, ref, reason string) {
	ctl.sendJSON(sid, c, ServerMessage{Type: TypeError, Ref: ref, Error: reason})
}
