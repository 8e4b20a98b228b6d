// Package presence tracks who is connected to the relay.
package presence

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode"
	"unicode/utf8"

	"whiteboard/internal/protocol"
)

// AvatarColors is the palette participants pick their avatar colour from.
var AvatarColors = []string{
	"#3B82F6", "#EF4444", "#10B981", "#F59E0B", "#8B5CF6",
	"#F97316", "#06B6D4", "#84CC16", "#EC4899", "#6366F1",
	"#14B8A6", "#F472B6", "#A855F7", "#22C55E", "#FB923C",
}

// RandomAvatarColor picks a colour from AvatarColors.
func RandomAvatarColor() string {
	return AvatarColors[rand.Intn(len(AvatarColors))]
}

// Tracker holds the roster as last reported by the relay. The roster is
// only ever replaced by a snapshot; join and leave notices are used to
// word notifications and never mutate it.
type Tracker struct {
	users []protocol.User
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// OnSnapshot replaces the roster with users. Entries repeating an id
// already seen in the snapshot are dropped.
func (t *Tracker) OnSnapshot(users []protocol.User) {
	roster := make([]protocol.User, 0, len(users))
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		roster = append(roster, u)
	}
	t.users = roster
}

// JoinMessage words the notification for a user joining. It reports
// false when the joining user is the local participant.
func (t *Tracker) JoinMessage(u protocol.User, localID string) (string, bool) {
	if u.ID == localID {
		return "", false
	}
	return fmt.Sprintf("%s joined the session", u.Name), true
}

// LeaveMessage words the notification for userID leaving, using the
// roster as it stands when the notice arrives.
func (t *Tracker) LeaveMessage(userID string) string {
	if u, ok := t.Lookup(userID); ok {
		return fmt.Sprintf("%s left the session", u.Name)
	}
	return "A user left the session"
}

// Lookup finds a user by id.
func (t *Tracker) Lookup(id string) (protocol.User, bool) {
	for _, u := range t.users {
		if u.ID == id {
			return u, true
		}
	}
	return protocol.User{}, false
}

// Users returns a copy of the roster in relay order.
func (t *Tracker) Users() []protocol.User {
	out := make([]protocol.User, len(t.users))
	copy(out, t.users)
	return out
}

func (t *Tracker) Count() int { return len(t.users) }

// Reset empties the roster.
func (t *Tracker) Reset() {
	t.users = nil
}

// Initials returns the upper-cased first letter of each
// whitespace-separated word in name, at most two letters.
func Initials(name string) string {
	var b strings.Builder
	n := 0
	for _, word := range strings.Fields(name) {
		if n == 2 {
			break
		}
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
		n++
	}
	return b.String()
}
