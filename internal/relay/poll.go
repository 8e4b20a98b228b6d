package relay

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"whiteboard/internal/protocol"
)

// PollWait is how long a long-poll is held open without traffic.
const PollWait = 25 * time.Second

// pollIdle drops a long-poll client that stopped polling.
const pollIdle = PollWait + pongWait

type pollSession struct {
	client *Client
	idle   *time.Timer
}

func (r *Relay) pollSession(id string) (*pollSession, bool) {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	s, ok := r.polls[id]
	return s, ok
}

func (r *Relay) dropPoll(s *pollSession) {
	r.pollMu.Lock()
	delete(r.polls, s.client.ID)
	r.pollMu.Unlock()

	s.idle.Stop()
	r.RemoveClient(s.client)
}

func (r *Relay) handlePollOpen(c *gin.Context) {
	client := r.welcome()
	s := &pollSession{client: client}
	s.idle = time.AfterFunc(pollIdle, func() { r.dropPoll(s) })

	r.pollMu.Lock()
	r.polls[client.ID] = s
	r.pollMu.Unlock()

	r.logger.Info("client connected", "client", client.ID, "transport", "polling")
	c.JSON(http.StatusOK, protocol.SessionInfo{ID: client.ID})
}

// handlePoll holds the request until at least one frame is queued, the
// poll window passes or the client is dropped.
func (r *Relay) handlePoll(c *gin.Context) {
	s, ok := r.pollSession(c.Param("id"))
	if !ok {
		c.Status(http.StatusGone)
		return
	}
	s.idle.Reset(pollIdle)

	select {
	case <-s.client.kicked:
		r.kickPoll(c, s)
		return
	default:
	}

	var batch [][]byte
	select {
	case msg, ok := <-s.client.Send:
		if !ok {
			c.Status(http.StatusGone)
			return
		}
		batch = append(batch, msg)
	case <-s.client.kicked:
		r.kickPoll(c, s)
		return
	case <-time.After(PollWait):
		c.Status(http.StatusNoContent)
		return
	case <-c.Request.Context().Done():
		return
	}

drain:
	for {
		select {
		case msg, ok := <-s.client.Send:
			if !ok {
				break drain
			}
			batch = append(batch, msg)
		default:
			break drain
		}
	}

	c.Data(http.StatusOK, "application/json", joinFrames(batch))
}

// kickPoll ends a kicked long-poll session. 410 Gone is final; a slow
// client gets 503 and reconnects.
func (r *Relay) kickPoll(c *gin.Context, s *pollSession) {
	r.dropPoll(s)
	if s.client.closeCode() != websocket.CloseNormalClosure {
		r.logger.Warn("dropping slow client", "client", s.client.ID, "buffer", cap(s.client.Send))
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusGone)
}

func (r *Relay) handlePollSend(c *gin.Context) {
	s, ok := r.pollSession(c.Param("id"))
	if !ok {
		c.Status(http.StatusGone)
		return
	}

	var batch []protocol.Envelope
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	for _, env := range batch {
		r.handleMessage(s.client, env)
	}
	c.Status(http.StatusNoContent)
}

func (r *Relay) handlePollClose(c *gin.Context) {
	s, ok := r.pollSession(c.Param("id"))
	if ok {
		r.dropPoll(s)
	}
	c.Status(http.StatusNoContent)
}

// joinFrames wraps already encoded envelopes in a JSON array.
func joinFrames(frames [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
