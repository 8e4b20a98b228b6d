// Package protocol defines the events and payloads exchanged with the
// whiteboard relay, and the rules for display names.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Event names exchanged with the relay
const (
	EventSession        = "session"
	EventUserInfo       = "user-info"
	EventDrawing        = "drawing"
	EventClearCanvas    = "clear-canvas"
	EventUsersUpdate    = "users-update"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventDrawingHistory = "drawing-history"
	EventServerStatus   = "server-status"
)

// Name length bounds, counted in runes after trimming.
const (
	MinNameLength = 2
	MaxNameLength = 30
)

var (
	ErrNameEmpty    = errors.New("please enter your name")
	ErrNameTooShort = fmt.Errorf("name must be at least %d characters", MinNameLength)
	ErrNameTooLong  = fmt.Errorf("name must be at most %d characters", MaxNameLength)
)

// Envelope is the frame for every message on the wire
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload produces
// an envelope without data.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = b
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// SessionInfo is the handshake payload carrying the relay-assigned id
type SessionInfo struct {
	ID string `json:"id"`
}

// UserInfo is what a participant announces about itself on join
type UserInfo struct {
	Name        string `json:"name"`
	AvatarColor string `json:"avatarColor"`
}

// User is a connected participant as reported by the relay
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AvatarColor string `json:"avatarColor"`
}

// Tool selects how a stroke segment is composited
type Tool string

const (
	ToolBrush  Tool = "brush"
	ToolEraser Tool = "eraser"
)

// Point is a canvas coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DrawEvent is one line-segment paint intent
type DrawEvent struct {
	From      *Point  `json:"from"`
	To        *Point  `json:"to"`
	Color     string  `json:"color"`
	BrushSize float64 `json:"brushSize"`
	Tool      Tool    `json:"tool"`
}

// Segment builds a DrawEvent from two points.
func Segment(from, to Point, color string, width float64, tool Tool) DrawEvent {
	return DrawEvent{
		From:      &from,
		To:        &to,
		Color:     color,
		BrushSize: width,
		Tool:      tool,
	}
}

// Valid reports whether the event carries both endpoints.
func (d DrawEvent) Valid() bool {
	return d.From != nil && d.To != nil
}

// ServerStatus is the diagnostic payload the relay sends on connect
type ServerStatus struct {
	Status    string `json:"status"`
	Users     int    `json:"users"`
	History   int    `json:"history"`
	Timestamp int64  `json:"timestamp"`
}

// ValidateName trims name and checks its length. It returns the trimmed
// name when valid.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	switch {
	case n == 0:
		return "", ErrNameEmpty
	case n < MinNameLength:
		return "", ErrNameTooShort
	case n > MaxNameLength:
		return "", ErrNameTooLong
	}
	return trimmed, nil
}
