package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"whiteboard/internal/protocol"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newServer(t *testing.T) (*Relay, *httptest.Server) {
	t.Helper()
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(r.Router())
	t.Cleanup(srv.Close)
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != protocol.EventSession {
		t.Fatalf("first frame = %q, want session", env.Event)
	}

	var info protocol.SessionInfo
	if err := env.Decode(&info); err != nil {
		t.Fatal(err)
	}
	return conn, info.ID
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

// readUntil returns the first envelope carrying event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func join(t *testing.T, srv *httptest.Server, name string) (*websocket.Conn, string) {
	t.Helper()
	conn, id := dial(t, srv)
	send(t, conn, protocol.EventUserInfo, protocol.UserInfo{Name: name, AvatarColor: "#3B82F6"})
	readUntil(t, conn, protocol.EventDrawingHistory)
	return conn, id
}

func TestPing(t *testing.T) {
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestJoinBroadcasts(t *testing.T) {
	_, srv := newServer(t)

	a, _ := join(t, srv, "Ada Lovelace")
	_, bID := join(t, srv, "Grace Hopper")

	var joined protocol.User
	if err := readUntil(t, a, protocol.EventUserJoined).Decode(&joined); err != nil {
		t.Fatal(err)
	}
	// Ada sees her own join first; skip to Grace's.
	if joined.ID != bID {
		if err := readUntil(t, a, protocol.EventUserJoined).Decode(&joined); err != nil {
			t.Fatal(err)
		}
	}
	if joined.ID != bID || joined.Name != "Grace Hopper" {
		t.Fatalf("joined = %+v", joined)
	}

	var users []protocol.User
	if err := readUntil(t, a, protocol.EventUsersUpdate).Decode(&users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Name != "Ada Lovelace" || users[1].Name != "Grace Hopper" {
		t.Errorf("users = %+v", users)
	}
}

func TestRejectsInvalidName(t *testing.T) {
	r, srv := newServer(t)

	conn, _ := dial(t, srv)
	send(t, conn, protocol.EventUserInfo, protocol.UserInfo{Name: "a"})
	time.Sleep(100 * time.Millisecond)

	if users := r.GetUserList(); len(users) != 0 {
		t.Fatalf("users = %+v", users)
	}
}

func TestDrawingFanOutAndHistoryAfterClear(t *testing.T) {
	r, srv := newServer(t)

	a, _ := join(t, srv, "Ada Lovelace")
	b, _ := join(t, srv, "Grace Hopper")

	stroke := func(x float64) protocol.DrawEvent {
		return protocol.Segment(protocol.Point{X: x, Y: x}, protocol.Point{X: x + 10, Y: x + 10}, "#FF0000", 5, protocol.ToolBrush)
	}

	for i := 0; i < 3; i++ {
		send(t, a, protocol.EventDrawing, stroke(float64(i*10)))
	}
	for i := 0; i < 3; i++ {
		var ev protocol.DrawEvent
		if err := readUntil(t, b, protocol.EventDrawing).Decode(&ev); err != nil {
			t.Fatal(err)
		}
		if ev.From.X != float64(i*10) {
			t.Fatalf("stroke %d arrived out of order: %+v", i, ev.From)
		}
	}

	send(t, a, protocol.EventClearCanvas, nil)
	readUntil(t, b, protocol.EventClearCanvas)
	send(t, a, protocol.EventDrawing, stroke(100))
	readUntil(t, b, protocol.EventDrawing)

	if n := len(r.GetElements()); n != 1 {
		t.Fatalf("history has %d strokes, want 1", n)
	}

	c, _ := dial(t, srv)
	send(t, c, protocol.EventUserInfo, protocol.UserInfo{Name: "Alan Turing"})
	var history []protocol.DrawEvent
	if err := readUntil(t, c, protocol.EventDrawingHistory).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].From.X != 100 {
		t.Fatalf("history = %+v", history)
	}
}

func TestLeaveBroadcast(t *testing.T) {
	_, srv := newServer(t)

	a, _ := join(t, srv, "Ada Lovelace")
	b, bID := join(t, srv, "Grace Hopper")
	b.Close()

	var left string
	if err := readUntil(t, a, protocol.EventUserLeft).Decode(&left); err != nil {
		t.Fatal(err)
	}
	if left != bID {
		t.Errorf("left = %q, want %q", left, bID)
	}
}

func TestKick(t *testing.T) {
	r, srv := newServer(t)
	a, aID := join(t, srv, "Ada Lovelace")

	if !r.Kick(aID) {
		t.Fatal("Kick reported unknown client")
	}

	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := a.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("err = %v, want close frame", err)
		}
		if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != ServerDisconnect {
			t.Fatalf("close = %d %q", closeErr.Code, closeErr.Text)
		}
		break
	}

	if r.Kick("unknown") {
		t.Error("Kick of unknown id reported true")
	}
}

func TestPolling(t *testing.T) {
	r, srv := newServer(t)

	resp, err := http.Post(srv.URL+"/poll", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var info protocol.SessionInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil || info.ID == "" {
		t.Fatalf("open: %v %+v", err, info)
	}

	env, _ := protocol.NewEnvelope(protocol.EventUserInfo, protocol.UserInfo{Name: "Ada Lovelace"})
	body, _ := json.Marshal([]protocol.Envelope{env})
	resp, err = http.Post(srv.URL+"/poll/"+info.ID, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	seen := map[string]bool{}
	for !seen[protocol.EventDrawingHistory] {
		resp, err := http.Get(srv.URL + "/poll/" + info.ID)
		if err != nil {
			t.Fatal(err)
		}
		var batch []protocol.Envelope
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		for _, env := range batch {
			seen[env.Event] = true
		}
	}

	if !seen[protocol.EventServerStatus] {
		t.Error("server-status not delivered")
	}
	if users := r.GetUserList(); len(users) != 1 || users[0].ID != info.ID {
		t.Errorf("users = %+v", users)
	}

	r.Kick(info.ID)
	resp, err = http.Get(srv.URL + "/poll/" + info.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Errorf("poll after kick = %d, want 410", resp.StatusCode)
	}
}

func TestJoinDuringLiveDrawing(t *testing.T) {
	r, srv := newServer(t)
	painter, _ := join(t, srv, "Ada Lovelace")

	// The joiner is connected, so it receives live strokes, but has not
	// announced itself yet.
	joiner, _ := dial(t, srv)

	const strokes = 500
	sent := make(chan error, 1)
	go func() {
		for i := 0; i < strokes; i++ {
			ev := protocol.Segment(protocol.Point{X: float64(i)}, protocol.Point{X: float64(i), Y: 1}, "#FF0000", 2, protocol.ToolBrush)
			env, _ := protocol.NewEnvelope(protocol.EventDrawing, ev)
			if err := painter.WriteJSON(env); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(r.GetElements()) < strokes/10 {
		if time.Now().After(deadline) {
			t.Fatal("painter never got going")
		}
		time.Sleep(time.Millisecond)
	}
	send(t, joiner, protocol.EventUserInfo, protocol.UserInfo{Name: "Grace Hopper"})

	_ = joiner.SetReadDeadline(time.Now().Add(10 * time.Second))
	var (
		early   []float64
		history []protocol.DrawEvent
	)
	for history == nil {
		var env protocol.Envelope
		if err := joiner.ReadJSON(&env); err != nil {
			t.Fatal(err)
		}
		switch env.Event {
		case protocol.EventDrawing:
			var ev protocol.DrawEvent
			if err := env.Decode(&ev); err != nil {
				t.Fatal(err)
			}
			early = append(early, ev.From.X)
		case protocol.EventDrawingHistory:
			if err := env.Decode(&history); err != nil {
				t.Fatal(err)
			}
			if history == nil {
				history = []protocol.DrawEvent{}
			}
		}
	}

	have := make(map[float64]bool)
	for _, ev := range history {
		have[ev.From.X] = true
	}
	for _, x := range early {
		if !have[x] {
			t.Fatalf("stroke %v arrived before the history but is missing from it", x)
		}
	}

	// Live strokes after the history complete the board.
	for len(have) < strokes {
		var env protocol.Envelope
		if err := joiner.ReadJSON(&env); err != nil {
			t.Fatalf("board has %d of %d strokes: %v", len(have), strokes, err)
		}
		if env.Event != protocol.EventDrawing {
			continue
		}
		var ev protocol.DrawEvent
		if err := env.Decode(&ev); err != nil {
			t.Fatal(err)
		}
		have[ev.From.X] = true
	}

	if err := <-sent; err != nil {
		t.Fatal(err)
	}
}

func TestFullBufferKicksClient(t *testing.T) {
	r, _ := newServer(t)
	r.SendBuffer = 2

	client := r.newClient()
	for i := 0; i < 3; i++ {
		client.enqueue([]byte(`{"event":"server-status"}`))
	}

	select {
	case <-client.kicked:
	default:
		t.Fatal("client with a full buffer was not kicked")
	}
	if code := client.closeCode(); code != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d, want %d", code, websocket.CloseTryAgainLater)
	}
	if n := len(client.Send); n != 2 {
		t.Errorf("%d frames queued, want 2", n)
	}
}

func TestSlowWebSocketClientMayReconnect(t *testing.T) {
	r, srv := newServer(t)
	a, aID := join(t, srv, "Ada Lovelace")

	client, ok := r.Lookup(aID)
	if !ok {
		t.Fatal("client not registered")
	}
	client.kick(websocket.CloseTryAgainLater)

	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := a.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("err = %v, want close frame", err)
		}
		if closeErr.Code != websocket.CloseTryAgainLater || closeErr.Text != SlowClient {
			t.Fatalf("close = %d %q", closeErr.Code, closeErr.Text)
		}
		break
	}
}

func TestSlowPollingClientMayReconnect(t *testing.T) {
	r, srv := newServer(t)
	r.SendBuffer = 8
	painter, _ := join(t, srv, "Ada Lovelace")

	resp, err := http.Post(srv.URL+"/poll", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var info protocol.SessionInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil || info.ID == "" {
		t.Fatalf("open: %v %+v", err, info)
	}

	env, _ := protocol.NewEnvelope(protocol.EventUserInfo, protocol.UserInfo{Name: "Grace Hopper"})
	body, _ := json.Marshal([]protocol.Envelope{env})
	resp, err = http.Post(srv.URL+"/poll/"+info.ID, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Grace never polls while Ada draws.
	const strokes = 20
	for i := 0; i < strokes; i++ {
		send(t, painter, protocol.EventDrawing, protocol.Segment(protocol.Point{X: float64(i)}, protocol.Point{X: float64(i), Y: 1}, "#FF0000", 2, protocol.ToolBrush))
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(r.GetElements()) < strokes {
		if time.Now().After(deadline) {
			t.Fatalf("relay stored %d strokes", len(r.GetElements()))
		}
		time.Sleep(time.Millisecond)
	}

	resp, err = http.Get(srv.URL + "/poll/" + info.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("poll after overflow = %d, want 503", resp.StatusCode)
	}
	if _, ok := r.Lookup(info.ID); ok {
		t.Error("slow client still registered")
	}
}

func TestHistoryUnboundedByDefault(t *testing.T) {
	r, _ := newServer(t)
	for i := 0; i < 3*DefaultSendBuffer; i++ {
		r.AddElement(protocol.Segment(protocol.Point{X: float64(i)}, protocol.Point{X: float64(i), Y: 1}, "#FF0000", 2, protocol.ToolBrush))
	}
	if n := len(r.GetElements()); n != 3*DefaultSendBuffer {
		t.Errorf("history has %d strokes", n)
	}
}

func TestHistoryTrimWarnsOnce(t *testing.T) {
	var logs bytes.Buffer
	r := New(slog.New(slog.NewTextHandler(&logs, nil)))
	r.MaxHistory = 2

	for i := 0; i < 5; i++ {
		r.AddElement(protocol.Segment(protocol.Point{X: float64(i)}, protocol.Point{X: float64(i), Y: 1}, "#FF0000", 2, protocol.ToolBrush))
	}

	elements := r.GetElements()
	if len(elements) != 2 || elements[0].From.X != 3 || elements[1].From.X != 4 {
		t.Fatalf("history = %+v", elements)
	}
	if n := strings.Count(logs.String(), "level=WARN"); n != 1 {
		t.Errorf("%d warnings, want 1:\n%s", n, logs.String())
	}

	r.ClearElements()
	r.AddElement(protocol.Segment(protocol.Point{}, protocol.Point{Y: 1}, "#FF0000", 2, protocol.ToolBrush))
	r.AddElement(protocol.Segment(protocol.Point{}, protocol.Point{Y: 1}, "#FF0000", 2, protocol.ToolBrush))
	r.AddElement(protocol.Segment(protocol.Point{}, protocol.Point{Y: 1}, "#FF0000", 2, protocol.ToolBrush))
	if n := strings.Count(logs.String(), "level=WARN"); n != 2 {
		t.Errorf("%d warnings after clear, want 2", n)
	}
}
