package session

import (
	"sync"
	"time"

	"whiteboard/internal/clock"
)

// loop runs queued tasks one at a time on a single goroutine. Every
// mutation of session state happens inside a task, so the state needs
// no locks of its own.
type loop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	// idle runs after each batch of tasks.
	idle func()
}

func newLoop(idle func()) *loop {
	return &loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		idle: idle,
	}
}

func (l *loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, task := range tasks {
			select {
			case <-l.quit:
				return
			default:
			}
			task()
		}
		if len(tasks) > 0 && l.idle != nil {
			l.idle()
		}

		select {
		case <-l.wake:
		case <-l.quit:
			return
		}
	}
}

// post queues fn without waiting. It reports false once the loop has
// been stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it. It must not be called from a
// task.
func (l *loop) do(fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// stop prevents further tasks and waits for the loop goroutine to exit.
func (l *loop) stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.quit)
	}
	l.mu.Unlock()
	<-l.done
}

// loopClock delivers AfterFunc callbacks as loop tasks.
type loopClock struct {
	clock.Clock
	loop *loop
}

func (c loopClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	return c.Clock.AfterFunc(d, func() { c.loop.post(f) })
}
