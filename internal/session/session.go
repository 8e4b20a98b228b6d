// Package session is the whiteboard client. A Session owns the relay
// connection and arbitrates recovery from failures, and it wires the
// presence roster, the notification queue and the drawing replicator to
// the events the relay sends.
package session

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/segmentio/ksuid"

	"whiteboard/internal/canvas"
	"whiteboard/internal/clock"
	"whiteboard/internal/config"
	"whiteboard/internal/notify"
	"whiteboard/internal/presence"
	"whiteboard/internal/protocol"
	"whiteboard/internal/transport"
)

const (
	// ProbeInterval separates wake-up probes while the relay is asleep.
	ProbeInterval = 3 * time.Second

	// ReconnectAttempts is how many reconnections are tried before giving up.
	ReconnectAttempts = 10
	// ReconnectDelay is the wait before the first reconnection.
	ReconnectDelay    = 2000 * time.Millisecond
	// ReconnectDelayMax caps the doubling reconnection delay.
	ReconnectDelayMax = 10000 * time.Millisecond
	// ReconnectJitter randomizes each delay by up to this fraction.
	ReconnectJitter   = 0.5

	// AttemptTimeout bounds one probe or one transport handshake.
	AttemptTimeout = 20000 * time.Millisecond
)

// Notification texts.
const (
	MsgWakingUp      = "Waking up server, please wait..."
	MsgMaybeSleeping = "Server may be sleeping. Waking it up..."
	MsgReconnected   = "Reconnected to server!"
	MsgServerGone    = "Server disconnected"
	MsgConnLost      = "Connection lost. Reconnecting..."
	MsgServerReady   = "Server is ready!"
	MsgUnreachable   = "Unable to reach server"
)

var (
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrClosed           = errors.New("session: closed")

	errIncomplete = errors.New("drawing event without endpoints")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWakingUp
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWakingUp:
		return "waking-up"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. It defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithClock sets the clock driving timers and notification expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.baseClock = c }
}

// WithDialer replaces the WebSocket-then-polling transport.
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithHTTPClient sets the client used for wake-up probes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// WithReconnect overrides the reconnection policy. A jitter of 0 makes
// the delays exact.
func WithReconnect(attempts int, delay, maxDelay time.Duration, jitter float64) Option {
	return func(s *Session) {
		s.backoff = backoff{attempts: attempts, delay: delay, max: maxDelay, jitter: jitter}
	}
}

// WithProbeInterval sets the wait between wake-up checks.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Session) { s.probeInterval = d }
}

// WithProbeFirst overrides whether a wake-up probe precedes the first
// handshake. By default it follows the configured mode.
func WithProbeFirst(probe bool) Option {
	return func(s *Session) { s.probeFirst = probe }
}

// WithResyncOnReconnect replays drawing history received after a
// reconnect instead of ignoring it.
func WithResyncOnReconnect() Option {
	return func(s *Session) { s.resync = true }
}

// WithCanvasSize sets the raster dimensions in pixels.
func WithCanvasSize(width, height int) Option {
	return func(s *Session) { s.width, s.height = width, height }
}

// Session is a whiteboard client. All methods are safe for concurrent
// use; they run on the session's event loop.
type Session struct {
	baseURL       string
	probeFirst    bool
	probeInterval time.Duration
	resync        bool
	backoff       backoff
	width, height int

	logger     *slog.Logger
	baseClock  clock.Clock
	clock      clock.Clock
	dialer     transport.Dialer
	httpClient *http.Client
	loop       *loop
	changes    chan struct{}

	notifications *notify.Queue
	presence      *presence.Tracker
	replicator    *canvas.Replicator

	// Everything below is owned by the loop.
	state     State
	user      *protocol.UserInfo
	conn      transport.Conn
	localID   string
	connected bool
	waking    bool
	wokeUp    bool
	replayed  bool

	epoch          uint64
	ctx            context.Context
	cancel         context.CancelFunc
	probeTimer     *clock.Timer
	reconnectTimer *clock.Timer
}

// New creates an idle session for the relay cfg resolves to.
func New(cfg config.Config, opts ...Option) *Session {
	s := &Session{
		baseURL:       cfg.ResolveBackendURL(),
		probeFirst:    cfg.ProbeFirst(),
		probeInterval: ProbeInterval,
		backoff: backoff{
			attempts: ReconnectAttempts,
			delay:    ReconnectDelay,
			max:      ReconnectDelayMax,
			jitter:   ReconnectJitter,
		},
		width:      canvas.DefaultWidth,
		height:     canvas.DefaultHeight,
		logger:     slog.Default(),
		baseClock:  clock.Real(),
		dialer:     transport.Default(),
		httpClient: &http.Client{},
		changes:    make(chan struct{}, 1),
		presence:   presence.NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("backend", s.baseURL)
	s.loop = newLoop(s.changed)
	s.clock = loopClock{Clock: s.baseClock, loop: s.loop}
	s.notifications = notify.NewQueue(s.clock)
	s.replicator = canvas.NewReplicator(canvas.NewRaster(s.width, s.height), emitter{s}, s.logger)

	go s.loop.run()
	return s
}

// Connect joins the board as user. An invalid name is reported both as
// an error notification and as the returned error.
func (s *Session) Connect(user protocol.UserInfo) error {
	var err error
	if doErr := s.loop.do(func() { err = s.connect(user) }); doErr != nil {
		return doErr
	}
	return err
}

// Teardown closes the connection, cancels every pending timer and
// resets the session to idle. The raster is kept.
func (s *Session) Teardown() error {
	return s.loop.do(s.teardown)
}

// Close tears the session down and stops its event loop.
func (s *Session) Close() error {
	if err := s.loop.do(s.teardown); err != nil {
		return err
	}
	s.loop.stop()
	return nil
}

// Changes signals after session state may have changed. Signals are
// coalesced.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	var state State
	_ = s.loop.do(func() { state = s.state })
	return state
}

// Connected reports whether strokes are currently being transmitted.
func (s *Session) Connected() bool {
	var connected bool
	_ = s.loop.do(func() { connected = s.connected })
	return connected
}

// Waking reports whether the relay is believed to be cold-starting.
func (s *Session) Waking() bool {
	var waking bool
	_ = s.loop.do(func() { waking = s.waking })
	return waking
}

// LocalID is the relay-assigned id of the current connection.
func (s *Session) LocalID() string {
	var id string
	_ = s.loop.do(func() { id = s.localID })
	return id
}

// CurrentUser returns the user of the current connection cycle, if any.
func (s *Session) CurrentUser() (protocol.UserInfo, bool) {
	var (
		user protocol.UserInfo
		ok   bool
	)
	_ = s.loop.do(func() {
		if s.user != nil {
			user, ok = *s.user, true
		}
	})
	return user, ok
}

// Users returns the latest roster snapshot.
func (s *Session) Users() []protocol.User {
	var users []protocol.User
	_ = s.loop.do(func() { users = s.presence.Users() })
	return users
}

// Notifications returns the pending notifications, oldest first.
func (s *Session) Notifications() []notify.Notification {
	var items []notify.Notification
	_ = s.loop.do(func() { items = s.notifications.Items() })
	return items
}

// DismissNotification removes a notification before it expires.
func (s *Session) DismissNotification(id ksuid.KSUID) error {
	return s.loop.do(func() { s.notifications.Remove(id) })
}

// Paint draws a segment locally and replicates it when connected.
func (s *Session) Paint(from, to protocol.Point, color string, width float64, tool protocol.Tool) (protocol.DrawEvent, error) {
	var ev protocol.DrawEvent
	err := s.loop.do(func() { ev = s.replicator.Paint(from, to, color, width, tool) })
	return ev, err
}

// Clear wipes the board locally and for everyone when connected.
func (s *Session) Clear() error {
	return s.loop.do(s.replicator.Clear)
}

// Snapshot returns a copy of the raster.
func (s *Session) Snapshot() *image.RGBA {
	var img *image.RGBA
	_ = s.loop.do(func() { img = s.replicator.Raster().Snapshot() })
	return img
}

// WritePNG encodes the raster to w.
func (s *Session) WritePNG(w io.Writer) error {
	var err error
	if doErr := s.loop.do(func() { err = s.replicator.Raster().WritePNG(w) }); doErr != nil {
		return doErr
	}
	return err
}

// emitter gives the replicator access to the connection. Its methods run
// on the loop.
type emitter struct {
	s *Session
}

func (e emitter) Connected() bool {
	return e.s.connected && e.s.conn != nil
}

func (e emitter) Emit(event string, payload any) error {
	if !e.Connected() {
		return transport.ErrClosed
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return e.s.conn.Send(env)
}
