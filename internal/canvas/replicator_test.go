package canvas

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"whiteboard/internal/protocol"
)

type recordingEmitter struct {
	connected bool
	events    []string
	payloads  []any
}

func (e *recordingEmitter) Connected() bool { return e.connected }

func (e *recordingEmitter) Emit(event string, payload any) error {
	e.events = append(e.events, event)
	e.payloads = append(e.payloads, payload)
	return nil
}

var (
	red   = color.RGBA{R: 255, A: 255}
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

func newReplicator(connected bool) (*Replicator, *recordingEmitter) {
	e := &recordingEmitter{connected: connected}
	return NewReplicator(NewRaster(DefaultWidth, DefaultHeight), e, nil), e
}

func pixel(r *Replicator, x, y int) color.RGBA {
	return r.Raster().Snapshot().RGBAAt(x, y)
}

func TestPaintWhileDisconnected(t *testing.T) {
	r, e := newReplicator(false)

	r.Paint(protocol.Point{X: 10, Y: 10}, protocol.Point{X: 50, Y: 50}, "#FF0000", 5, protocol.ToolBrush)

	if got := pixel(r, 30, 30); got != red {
		t.Errorf("pixel = %v, want red", got)
	}
	if len(e.events) != 0 {
		t.Errorf("emitted %v while disconnected", e.events)
	}
}

func TestPaintTransmitsUnchanged(t *testing.T) {
	r, e := newReplicator(true)

	sent := r.Paint(protocol.Point{X: 1, Y: 2}, protocol.Point{X: 3, Y: 4}, "#00FF00", 7, "")

	if len(e.events) != 1 || e.events[0] != protocol.EventDrawing {
		t.Fatalf("events = %v", e.events)
	}
	got := e.payloads[0].(protocol.DrawEvent)
	if got.Tool != protocol.ToolBrush || got.BrushSize != 7 || *got.From != *sent.From || *got.To != *sent.To {
		t.Errorf("payload = %+v", got)
	}
}

func TestSameSenderOrderConverges(t *testing.T) {
	local, e := newReplicator(true)
	remote, _ := newReplicator(false)

	strokes := []struct {
		from, to protocol.Point
		color    string
		width    float64
		tool     protocol.Tool
	}{
		{protocol.Point{X: 20, Y: 20}, protocol.Point{X: 200, Y: 120}, "#FF0000", 12, protocol.ToolBrush},
		{protocol.Point{X: 200, Y: 120}, protocol.Point{X: 240, Y: 300}, "#0000FF", 8, protocol.ToolBrush},
		{protocol.Point{X: 100, Y: 60}, protocol.Point{X: 220, Y: 200}, "#000000", 20, protocol.ToolEraser},
		{protocol.Point{X: 150, Y: 150}, protocol.Point{X: 152, Y: 151}, "#10B981", 30, protocol.ToolBrush},
	}

	for _, s := range strokes {
		local.Paint(s.from, s.to, s.color, s.width, s.tool)
	}
	for _, p := range e.payloads {
		remote.ApplyRemote(p.(protocol.DrawEvent))
	}

	if !bytes.Equal(local.Raster().Snapshot().Pix, remote.Raster().Snapshot().Pix) {
		t.Fatal("remote raster diverged from local raster")
	}
}

func TestEraserIgnoresColor(t *testing.T) {
	r, _ := newReplicator(false)

	r.Paint(protocol.Point{X: 10, Y: 100}, protocol.Point{X: 300, Y: 100}, "#FF0000", 10, protocol.ToolBrush)
	r.Paint(protocol.Point{X: 100, Y: 100}, protocol.Point{X: 200, Y: 100}, "#00FF00", 20, protocol.ToolEraser)

	if got := pixel(r, 150, 100); got.A != 0 {
		t.Errorf("erased pixel = %v, want transparent", got)
	}
	if got := pixel(r, 50, 100); got != red {
		t.Errorf("pixel outside eraser = %v, want red", got)
	}
	if got := pixel(r, 150, 60); got != white {
		t.Errorf("background outside eraser = %v, want white", got)
	}
}

func TestClear(t *testing.T) {
	r, e := newReplicator(true)
	r.Paint(protocol.Point{X: 10, Y: 10}, protocol.Point{X: 50, Y: 50}, "#FF0000", 5, protocol.ToolBrush)

	r.Clear()

	if got := pixel(r, 30, 30); got != white {
		t.Errorf("pixel after clear = %v", got)
	}
	if last := e.events[len(e.events)-1]; last != protocol.EventClearCanvas {
		t.Errorf("last event = %s", last)
	}

	n := len(e.events)
	r.ApplyRemoteClear()
	if len(e.events) != n {
		t.Error("remote clear was rebroadcast")
	}
}

func TestReplayHistory(t *testing.T) {
	r, _ := newReplicator(false)
	r.Paint(protocol.Point{X: 400, Y: 400}, protocol.Point{X: 450, Y: 450}, "#000000", 9, protocol.ToolBrush)

	history := []protocol.DrawEvent{
		protocol.Segment(protocol.Point{X: 10, Y: 10}, protocol.Point{X: 50, Y: 50}, "#FF0000", 5, protocol.ToolBrush),
		{Color: "#00FF00", BrushSize: 3},
	}

	if n := r.ReplayHistory(history); n != 1 {
		t.Fatalf("applied %d events, want 1", n)
	}
	if got := pixel(r, 30, 30); got != red {
		t.Errorf("replayed pixel = %v", got)
	}
	if got := pixel(r, 425, 425); got != white {
		t.Errorf("replay did not start from a blank raster: %v", got)
	}
}

func TestWritePNG(t *testing.T) {
	r, _ := newReplicator(false)

	var buf bytes.Buffer
	if err := r.Raster().WritePNG(&buf); err != nil {
		t.Fatal(err)
	}

	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != DefaultWidth || b.Dy() != DefaultHeight {
		t.Errorf("bounds = %v", b)
	}
}
