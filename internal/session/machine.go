package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"whiteboard/internal/notify"
	"whiteboard/internal/presence"
	"whiteboard/internal/protocol"
	"whiteboard/internal/transport"
)

// connect validates user and starts a connection cycle.
func (s *Session) connect(user protocol.UserInfo) error {
	name, err := protocol.ValidateName(user.Name)
	if err != nil {
		s.notifications.Push(err.Error(), notify.TypeError)
		return err
	}
	if s.state != StateIdle && s.state != StateDisconnected {
		return ErrAlreadyConnected
	}

	// A manual retry from Disconnected starts over.
	s.release()

	user.Name = name
	if user.AvatarColor == "" {
		user.AvatarColor = presence.RandomAvatarColor()
	}
	s.user = &user
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wokeUp = false
	s.replayed = false

	s.logger.Info("joining board", "name", name)
	if s.probeFirst {
		s.setWaking(true)
		s.probe()
		return nil
	}
	s.dial(0)
	return nil
}

// teardown returns the session to Idle. Nothing started before it can
// change state afterwards.
func (s *Session) teardown() {
	s.release()
	s.notifications.Reset()
	s.presence.Reset()
	s.user = nil
	s.setState(StateIdle)
}

// release drops the connection and every pending timer and invalidates
// in-flight work.
func (s *Session) release() {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.probeTimer.Stop()
	s.probeTimer = nil
	s.reconnectTimer.Stop()
	s.reconnectTimer = nil

	s.connected = false
	s.waking = false
	s.localID = ""
}

func (s *Session) setState(state State) {
	if s.state != state {
		s.logger.Debug("state change", "from", s.state, "to", state)
	}
	s.state = state
}

func (s *Session) setWaking(waking bool) {
	s.waking = waking
	if waking {
		s.setState(StateWakingUp)
	}
}

// current wraps fn so it only runs while the connection cycle that
// created it is still active.
func (s *Session) current(fn func()) func() {
	epoch := s.epoch
	return func() {
		if s.epoch == epoch {
			fn()
		}
	}
}

// probe checks the liveness endpoint off the loop and retries every
// probe interval until the relay answers.
func (s *Session) probe() {
	ctx, client, endpoint := s.ctx, s.httpClient, s.baseURL
	epoch := s.epoch

	go func() {
		err := ping(ctx, client, endpoint)
		s.loop.post(func() {
			if s.epoch != epoch {
				return
			}
			s.onProbe(err)
		})
	}()
}

func (s *Session) onProbe(err error) {
	if err != nil {
		s.logger.Info("server still waking up", "err", err)
		s.setWaking(true)
		s.probeTimer = s.clock.AfterFunc(s.probeInterval, s.current(s.probe))
		return
	}

	s.probeTimer = nil
	s.wokeUp = true
	s.notifications.Push(MsgServerReady, notify.TypeJoin)
	s.dial(0)
}

// ping treats any 2xx answer carrying a JSON body as awake.
func ping(ctx context.Context, client *http.Client, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	endpoint, err := url.JoinPath(baseURL, "ping")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ping returned %d", resp.StatusCode)
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("ping body: %w", err)
	}
	return nil
}

// dial opens the transport off the loop. attempt 0 is the initial
// handshake, later attempts are reconnections.
func (s *Session) dial(attempt int) {
	if attempt == 0 {
		s.setState(StateConnecting)
	} else {
		s.setState(StateReconnecting)
	}

	ctx, dialer, endpoint := s.ctx, s.dialer, s.baseURL
	epoch := s.epoch

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
		defer cancel()

		conn, err := dialer.Dial(dialCtx, endpoint)
		posted := s.loop.post(func() {
			if s.epoch != epoch {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			s.onDial(attempt, conn, err)
		})
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) onDial(attempt int, conn transport.Conn, err error) {
	if err != nil {
		s.logger.Warn("connection error", "attempt", attempt, "err", err)

		if attempt == 0 && !s.waking && !s.wokeUp {
			s.notifications.Push(MsgWakingUp, notify.TypeInfo)
			s.setWaking(true)
			s.probe()
			return
		}
		s.scheduleReconnect(attempt + 1)
		return
	}

	s.conn = conn
	s.localID = conn.ID()
	s.connected = true
	s.probeTimer.Stop()
	s.probeTimer = nil
	s.setState(StateConnected)
	s.logger.Info("connected", "id", conn.ID(), "attempt", attempt)

	if attempt > 0 {
		s.notifications.Push(MsgReconnected, notify.TypeJoin)
	}
	s.waking = false

	if err := (emitter{s}).Emit(protocol.EventUserInfo, *s.user); err != nil {
		s.logger.Warn("announce failed", "err", err)
	}

	go s.read(conn, s.epoch)
}

// scheduleReconnect waits out the backoff for attempt and dials again.
// Giving up leaves the session Disconnected.
func (s *Session) scheduleReconnect(attempt int) {
	if attempt > s.backoff.attempts {
		s.logger.Warn("reconnection failed", "attempts", s.backoff.attempts)
		s.waking = false
		s.setState(StateDisconnected)
		s.notifications.Push(MsgUnreachable, notify.TypeError)
		return
	}

	if attempt == 1 {
		s.notifications.Push(MsgMaybeSleeping, notify.TypeInfo)
		s.waking = true
	}
	s.setState(StateReconnecting)

	delay := s.backoff.duration(attempt)
	s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	s.reconnectTimer = s.clock.AfterFunc(delay, s.current(func() {
		s.reconnectTimer = nil
		s.dial(attempt)
	}))
}

// read forwards inbound envelopes to the loop until conn ends.
func (s *Session) read(conn transport.Conn, epoch uint64) {
	forward := func(env protocol.Envelope) bool {
		return s.loop.post(func() {
			if s.epoch == epoch && s.conn == conn {
				s.dispatch(env)
			}
		})
	}

	for {
		select {
		case env := <-conn.Inbound():
			if !forward(env) {
				return
			}
		case <-conn.Done():
			for drained := false; !drained; {
				select {
				case env := <-conn.Inbound():
					if !forward(env) {
						return
					}
				default:
					drained = true
				}
			}
			s.loop.post(func() {
				if s.epoch == epoch && s.conn == conn {
					s.onDisconnect(conn.Reason())
				}
			})
			return
		}
	}
}

func (s *Session) onDisconnect(reason transport.Reason) {
	s.logger.Info("disconnected", "reason", reason)
	s.conn = nil
	s.connected = false

	switch reason {
	case transport.ReasonServerDisconnect:
		s.setState(StateDisconnected)
		s.notifications.Push(MsgServerGone, notify.TypeError)
	case transport.ReasonClientDisconnect:
		s.setState(StateDisconnected)
	default:
		s.notifications.Push(MsgConnLost, notify.TypeError)
		s.scheduleReconnect(1)
	}
}
