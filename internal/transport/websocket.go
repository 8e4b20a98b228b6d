package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"whiteboard/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketDialer opens a WebSocket to <baseURL><Path>
type WebSocketDialer struct {
	// Path defaults to /ws.
	Path   string
	Header http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, baseURL string) (Conn, error) {
	path := d.Path
	if path == "" {
		path = "/ws"
	}

	u, err := websocketURL(baseURL, path)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	conn, _, err := dialer.DialContext(ctx, u, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}

	// The relay opens every connection with a session frame.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	var env protocol.Envelope
	err = conn.ReadJSON(&env)
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("websocket handshake: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	var info protocol.SessionInfo
	if env.Event != protocol.EventSession || env.Decode(&info) != nil || info.ID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %q frame", ErrHandshake, env.Event)
	}

	c := &wsConn{
		link: newLink(info.ID),
		conn: conn,
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}

	return u.JoinPath(path).String(), nil
}

type wsConn struct {
	*link
	conn *websocket.Conn
}

// Close ends the connection with a normal closure.
func (c *wsConn) Close() error {
	c.finish(ReasonClientDisconnect)
	return nil
}

// readPump pumps frames from the WebSocket to the inbound channel
func (c *wsConn) readPump() {
	defer c.conn.Close()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(readReason(err))
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}

		if !c.deliver(env) {
			return
		}
	}
}

// writePump pumps queued envelopes to the WebSocket and keeps the
// connection alive with pings
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ready:
			for _, env := range c.take() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(env); err != nil {
					c.finish(ReasonTransportError)
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.finish(ReasonTransportError)
				return
			}

		case <-c.done:
			if c.Reason() == ReasonClientDisconnect {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ReasonClientDisconnect))
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// readReason maps a read failure to a disconnect reason. A normal
// closure initiated by the relay is a server disconnect.
func readReason(err error) Reason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return ReasonServerDisconnect
		}
		return ReasonTransportClose
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransportError
}
