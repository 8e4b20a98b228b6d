package session

import (
	"whiteboard/internal/notify"
	"whiteboard/internal/protocol"
)

// handlers maps relay events to the component that owns their state.
var handlers = map[string]func(*Session, protocol.Envelope) error{
	protocol.EventUsersUpdate:    (*Session).onUsersUpdate,
	protocol.EventUserJoined:     (*Session).onUserJoined,
	protocol.EventUserLeft:       (*Session).onUserLeft,
	protocol.EventDrawing:        (*Session).onDrawing,
	protocol.EventDrawingHistory: (*Session).onDrawingHistory,
	protocol.EventClearCanvas:    (*Session).onClearCanvas,
	protocol.EventServerStatus:   (*Session).onServerStatus,
}

func (s *Session) dispatch(env protocol.Envelope) {
	handle, ok := handlers[env.Event]
	if !ok {
		s.logger.Debug("ignored event", "event", env.Event)
		return
	}
	if err := handle(s, env); err != nil {
		s.logger.Warn("dropped event", "event", env.Event, "err", err)
	}
}

func (s *Session) onUsersUpdate(env protocol.Envelope) error {
	var users []protocol.User
	if err := env.Decode(&users); err != nil {
		return err
	}
	s.presence.OnSnapshot(users)
	return nil
}

func (s *Session) onUserJoined(env protocol.Envelope) error {
	var user protocol.User
	if err := env.Decode(&user); err != nil {
		return err
	}
	if msg, ok := s.presence.JoinMessage(user, s.localID); ok {
		s.notifications.Push(msg, notify.TypeJoin)
	}
	return nil
}

func (s *Session) onUserLeft(env protocol.Envelope) error {
	var id string
	if err := env.Decode(&id); err != nil {
		return err
	}
	s.notifications.Push(s.presence.LeaveMessage(id), notify.TypeLeave)
	return nil
}

func (s *Session) onDrawing(env protocol.Envelope) error {
	var ev protocol.DrawEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	if !ev.Valid() {
		return errIncomplete
	}
	s.replicator.ApplyRemote(ev)
	return nil
}

// onDrawingHistory replays the relay's history once per connection
// cycle. Later copies, sent after a reconnect, are ignored unless
// resync is enabled.
func (s *Session) onDrawingHistory(env protocol.Envelope) error {
	var events []protocol.DrawEvent
	if err := env.Decode(&events); err != nil {
		return err
	}
	if s.replayed && !s.resync {
		s.logger.Warn("ignoring history after reconnect", "events", len(events))
		return nil
	}
	s.replayed = true
	applied := s.replicator.ReplayHistory(events)
	s.logger.Info("replayed history", "events", len(events), "applied", applied)
	return nil
}

func (s *Session) onClearCanvas(protocol.Envelope) error {
	s.replicator.ApplyRemoteClear()
	return nil
}

func (s *Session) onServerStatus(env protocol.Envelope) error {
	var status protocol.ServerStatus
	if err := env.Decode(&status); err != nil {
		return err
	}
	s.logger.Info("server status", "status", status.Status, "users", status.Users, "history", status.History)
	return nil
}
