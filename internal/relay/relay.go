// Package relay is a reference relay for the whiteboard wire contract. It
// fans drawing and presence events out between participants of a single
// board and keeps the strokes drawn since the last clear so late joiners
// can replay them.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"whiteboard/internal/protocol"
)

const (
	// DefaultMaxHistory keeps every stroke since the last clear.
	DefaultMaxHistory = 0

	// DefaultSendBuffer is how many frames a client may fall behind
	// before it is disconnected.
	DefaultSendBuffer = 4096
)

// Client represents a connected participant
type Client struct {
	ID   string
	User *protocol.User
	Send chan []byte

	seq      uint64
	closed   bool
	kicked   chan struct{}
	kickCode int
	mu       sync.Mutex
}

// Relay holds the participants and the replay buffer
type Relay struct {
	Clients    map[string]*Client
	Elements   []protocol.DrawEvent
	MaxHistory int
	SendBuffer int

	seq      uint64
	trimmed  bool
	started  time.Time
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// mu orders every change to Clients and Elements together with the
	// frames it fans out.
	mu sync.RWMutex

	polls  map[string]*pollSession
	pollMu sync.Mutex
}

// New creates an empty relay.
func New(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Clients:    make(map[string]*Client),
		Elements:   make([]protocol.DrawEvent, 0),
		MaxHistory: DefaultMaxHistory,
		SendBuffer: DefaultSendBuffer,
		started:    time.Now(),
		logger:     logger,
		polls:      make(map[string]*pollSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router returns the HTTP surface of the relay.
func (r *Relay) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ping", r.handlePing)
	router.GET("/ws", r.handleWebSocket)
	router.POST("/poll", r.handlePollOpen)
	router.GET("/poll/:id", r.handlePoll)
	router.POST("/poll/:id", r.handlePollSend)
	router.DELETE("/poll/:id", r.handlePollClose)

	return router
}

func (r *Relay) handlePing(c *gin.Context) {
	r.mu.RLock()
	users := len(r.Clients)
	r.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"users":     users,
		"uptime":    time.Since(r.started).Round(time.Second).String(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (r *Relay) newClient() *Client {
	size := r.SendBuffer
	if size <= 0 {
		size = DefaultSendBuffer
	}
	return &Client{
		ID:     ksuid.New().String(),
		Send:   make(chan []byte, size),
		kicked: make(chan struct{}),
	}
}

// AddClient registers a connection
func (r *Relay) AddClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	client.seq = r.seq
	r.Clients[client.ID] = client
}

// RemoveClient drops a connection and tells everyone else when it had
// joined
func (r *Relay) RemoveClient(client *Client) {
	r.mu.Lock()
	_, ok := r.Clients[client.ID]
	delete(r.Clients, client.ID)
	user := client.User
	if ok && user != nil {
		r.broadcastLocked(envelope(protocol.EventUserLeft, client.ID), nil)
		r.broadcastLocked(envelope(protocol.EventUsersUpdate, r.userListLocked()), nil)
	}
	r.mu.Unlock()

	client.close()
	if ok && user != nil {
		r.logger.Info("user left", "client", client.ID, "name", user.Name)
	}
}

// Lookup finds a connection by id
func (r *Relay) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.Clients[id]
	return client, ok
}

// broadcastLocked sends a message to every client except the sender.
// r.mu must be held.
func (r *Relay) broadcastLocked(msg []byte, sender *Client) {
	for _, client := range r.Clients {
		if client != sender {
			client.enqueue(msg)
		}
	}
}

// AddElement appends a stroke to the replay buffer
func (r *Relay) AddElement(element protocol.DrawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addElementLocked(element)
}

func (r *Relay) addElementLocked(element protocol.DrawEvent) {
	r.Elements = append(r.Elements, element)
	if r.MaxHistory <= 0 || len(r.Elements) <= r.MaxHistory {
		return
	}

	r.Elements = r.Elements[len(r.Elements)-r.MaxHistory:]
	if !r.trimmed {
		r.trimmed = true
		r.logger.Warn("history full, late joiners will miss the oldest strokes", "max_history", r.MaxHistory)
	}
}

// ClearElements empties the replay buffer
func (r *Relay) ClearElements() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearElementsLocked()
}

func (r *Relay) clearElementsLocked() {
	r.Elements = make([]protocol.DrawEvent, 0)
	r.trimmed = false
}

// GetElements returns a copy of the replay buffer
func (r *Relay) GetElements() []protocol.DrawEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	elements := make([]protocol.DrawEvent, len(r.Elements))
	copy(elements, r.Elements)
	return elements
}

// GetUserList returns the joined users in join order
func (r *Relay) GetUserList() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userListLocked()
}

func (r *Relay) userListLocked() []protocol.User {
	clients := make([]*Client, 0, len(r.Clients))
	for _, client := range r.Clients {
		if client.User != nil {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].seq < clients[j].seq })

	users := make([]protocol.User, 0, len(clients))
	for _, client := range clients {
		users = append(users, *client.User)
	}
	return users
}

// Kick disconnects a client from the relay side. The client treats it
// as final and does not reconnect.
func (r *Relay) Kick(id string) bool {
	client, ok := r.Lookup(id)
	if !ok {
		return false
	}
	client.kick(websocket.CloseNormalClosure)
	return true
}

// handleMessage applies one inbound envelope from client
func (r *Relay) handleMessage(client *Client, env protocol.Envelope) {
	log := r.logger.With("client", client.ID, "event", env.Event)

	switch env.Event {
	case protocol.EventUserInfo:
		var info protocol.UserInfo
		if err := env.Decode(&info); err != nil {
			log.Warn("bad user-info", "err", err)
			return
		}
		name, err := protocol.ValidateName(info.Name)
		if err != nil {
			log.Warn("rejected user-info", "err", err)
			return
		}

		user := protocol.User{ID: client.ID, Name: name, AvatarColor: info.AvatarColor}

		// The history is queued under the same lock that orders strokes,
		// so every stroke the client receives before it is also in it.
		r.mu.Lock()
		rejoin := client.User != nil
		client.User = &user
		client.enqueue(envelope(protocol.EventDrawingHistory, r.Elements))
		if !rejoin {
			r.broadcastLocked(envelope(protocol.EventUserJoined, user), nil)
		}
		r.broadcastLocked(envelope(protocol.EventUsersUpdate, r.userListLocked()), nil)
		r.mu.Unlock()

		if !rejoin {
			log.Info("user joined", "name", name)
		}

	case protocol.EventDrawing:
		var element protocol.DrawEvent
		if err := env.Decode(&element); err != nil || !element.Valid() {
			log.Warn("bad drawing", "err", err)
			return
		}
		r.mu.Lock()
		r.addElementLocked(element)
		r.broadcastLocked(envelope(protocol.EventDrawing, element), client)
		r.mu.Unlock()

	case protocol.EventClearCanvas:
		r.mu.Lock()
		r.clearElementsLocked()
		r.broadcastLocked(envelope(protocol.EventClearCanvas, nil), client)
		r.mu.Unlock()

	default:
		log.Debug("ignored event")
	}
}

// welcome registers a new connection and queues its server-status frame.
func (r *Relay) welcome() *Client {
	client := r.newClient()
	r.AddClient(client)

	r.mu.RLock()
	status := protocol.ServerStatus{
		Status:    "ok",
		Users:     len(r.Clients),
		History:   len(r.Elements),
		Timestamp: time.Now().UnixMilli(),
	}
	r.mu.RUnlock()

	client.enqueue(envelope(protocol.EventServerStatus, status))
	return client
}

// enqueue queues msg for the client. A client whose buffer is full is
// disconnected with CloseTryAgainLater so it reconnects and resyncs
// instead of silently missing frames.
func (c *Client) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- msg:
	default:
		c.kickLocked(websocket.CloseTryAgainLater)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) kick(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kickLocked(code)
}

func (c *Client) kickLocked(code int) {
	select {
	case <-c.kicked:
	default:
		c.kickCode = code
		close(c.kicked)
	}
}

// closeCode is the WebSocket close code explaining why the client was
// kicked.
func (c *Client) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kickCode
}

func envelope(event string, payload any) []byte {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return b
}
