package signal

import "github.com/dkeye/Classroom/internal/app"

func (ctl *SignalWSController) handlePing(sid app.SessionID, c *WsSignalConn, msg ClientMessage) {
	ctl.sendJSON(sid, c, ServerMessage{Type: TypePong, Ref: msg.Ref})
}
