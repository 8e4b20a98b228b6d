package relay

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"whiteboard/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Close texts sent when the relay drops a client. Only ServerDisconnect,
// sent with a normal closure, tells the client not to reconnect.
const (
	ServerDisconnect = "io server disconnect"
	SlowClient       = "slow client"
)

func (r *Relay) handleWebSocket(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := r.welcome()

	// The session frame goes out before the pumps start so it is always
	// the first frame on the wire.
	hello := envelope(protocol.EventSession, protocol.SessionInfo{ID: client.ID})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		r.RemoveClient(client)
		conn.Close()
		return
	}

	r.logger.Info("client connected", "client", client.ID, "transport", "websocket")

	go r.writePump(client, conn)
	r.readPump(client, conn)
}

// writePump pumps messages from the Send channel to the WebSocket connection
func (r *Relay) writePump(client *Client, conn *websocket.Conn) {
	defer func() {
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-client.kicked:
			code, text := client.closeCode(), ServerDisconnect
			if code != websocket.CloseNormalClosure {
				text = SlowClient
				r.logger.Warn("dropping slow client", "client", client.ID, "buffer", cap(client.Send))
			}
			msg := websocket.FormatCloseMessage(code, text)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			r.RemoveClient(client)
			return
		}
	}
}

// readPump pumps messages from the WebSocket connection to the relay
func (r *Relay) readPump(client *Client, conn *websocket.Conn) {
	defer func() {
		r.RemoveClient(client)
		conn.Close()
		r.logger.Info("client disconnected", "client", client.ID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("websocket error", "client", client.ID, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msgBytes, &env); err != nil {
			r.logger.Warn("json unmarshal error", "client", client.ID, "err", err)
			continue
		}

		r.handleMessage(client, env)
	}
}
