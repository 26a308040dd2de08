package server

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/odin-realtime/hub/internal/connection"
)

const (
	pongWait   = 120 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// readPump blocks reading client frames until the connection errors or
// closes, dispatching each text frame to handleFrame. It always ends in
// cleanupConnection so every exit path (read error, close frame, or a panic
// in frame handling, which is recovered and answered with close code 1011)
// tears the connection down exactly once.
func (s *Server) readPump(c *connection.Conn) {
	reason := "read_error"
	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			s.logger.Error().Interface("panic", r).Str("socket_id", c.SocketID).Msg("server: panic in frame loop")
			closeWithCode(c, ws.StatusInternalServerError, "internal error")
		}
		s.cleanupConnection(c, reason)
	}()

	netConn := c.NetConn()
	netConn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(netConn)
		if err != nil {
			return
		}
		netConn.SetReadDeadline(time.Now().Add(pongWait))

		s.metrics.MessagesReceived.Inc()
		s.metrics.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			s.handleFrame(c, msg)
		case ws.OpClose:
			reason = "client_close"
			return
		case ws.OpPing:
			// gobwas/ws answers pings at the wsutil layer for us when using
			// wsutil.ReadClientData; nothing further to do here.
		}
	}
}

// writePump drains c's outbound queue onto the wire and sends periodic
// pings. It exits when the connection closes or a write fails.
func (s *Server) writePump(c *connection.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	netConn := c.NetConn()
	for {
		select {
		case <-c.Done():
			return
		case frame := <-c.Outbound():
			netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(netConn, ws.OpText, frame); err != nil {
				return
			}
			s.metrics.MessagesSent.Inc()
			s.metrics.BytesSent.Add(float64(len(frame)))
		case <-ticker.C:
			netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(netConn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// closeWithCode sends a close frame carrying code before the transport is
// torn down, used for the 1001 shutdown close and the 1011 close after a
// panic in frame handling.
func closeWithCode(c *connection.Conn, code ws.StatusCode, reason string) {
	frame := ws.NewCloseFrameBody(code, reason)
	wsutil.WriteServerMessage(c.NetConn(), ws.OpClose, frame)
	c.Close()
}
