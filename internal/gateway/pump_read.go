package gateway

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"watchsync-server/internal/monitoring"
)

// readPump reads frames from the connection and dispatches them. One pump
// per client; handler execution is serialized here, so per-client event
// ordering holds without extra locking.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": c.id,
	})

	var disconnectReason string
	var initiatedBy string

	defer func() {
		if disconnectReason == "" {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
		}
		s.disconnectClient(c, disconnectReason, initiatedBy)
	}()

	readDeadline := s.cfg.PingInterval + s.cfg.PingTimeout

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			s.dispatch(c, msg)
		case ws.OpPing:
			// wsutil answers pings automatically.
		case ws.OpClose:
			return
		}
	}
}
