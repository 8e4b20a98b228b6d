// Package notify holds short-lived status messages for display.
package notify

import (
	"time"

	"github.com/segmentio/ksuid"

	"whiteboard/internal/clock"
)

// TTL is how long a notification stays queued.
const TTL = 4000 * time.Millisecond

// Type classifies a notification for display
type Type string

const (
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"
	TypeInfo  Type = "info"
	TypeError Type = "error"
)

// Notification is one queued status message
type Notification struct {
	ID        ksuid.KSUID `json:"id"`
	Message   string      `json:"message"`
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Queue keeps notifications in insertion order and expires each one
// independently after TTL. A Queue is not safe for concurrent use; the
// clock it is given must deliver AfterFunc callbacks on the goroutine
// that owns the queue.
type Queue struct {
	clock  clock.Clock
	ttl    time.Duration
	items  []Notification
	timers map[ksuid.KSUID]*clock.Timer
	last   ksuid.KSUID
}

// NewQueue returns an empty queue using TTL.
func NewQueue(c clock.Clock) *Queue {
	return &Queue{
		clock:  c,
		ttl:    TTL,
		timers: make(map[ksuid.KSUID]*clock.Timer),
	}
}

// Push appends a notification and schedules its removal.
func (q *Queue) Push(message string, typ Type) Notification {
	now := q.clock.Now()
	n := Notification{
		ID:        q.nextID(now),
		Message:   message,
		Type:      typ,
		Timestamp: now,
	}

	q.items = append(q.items, n)
	q.timers[n.ID] = q.clock.AfterFunc(q.ttl, func() {
		q.Remove(n.ID)
	})
	return n
}

// Remove drops the notification with the given id. Removing an unknown
// id is a no-op.
func (q *Queue) Remove(id ksuid.KSUID) {
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}

	for i, n := range q.items {
		if n.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Items returns a copy of the queued notifications, oldest first.
func (q *Queue) Items() []Notification {
	out := make([]Notification, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int { return len(q.items) }

// Reset cancels every pending expiry and empties the queue.
func (q *Queue) Reset() {
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.items = nil
}

// nextID mints a time-derived id that sorts after every id handed out
// before it.
func (q *Queue) nextID(now time.Time) ksuid.KSUID {
	id, err := ksuid.NewRandomWithTime(now)
	if err != nil || ksuid.Compare(id, q.last) <= 0 {
		id = q.last.Next()
	}
	q.last = id
	return id
}
