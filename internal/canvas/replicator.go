// Package canvas applies drawing operations to the local raster and
// replicates them through the session.
package canvas

import (
	"log/slog"

	"whiteboard/internal/protocol"
)

// Emitter transmits events to the relay. Connected reports whether
// emitting is currently possible.
type Emitter interface {
	Connected() bool
	Emit(event string, payload any) error
}

// Replicator owns the raster. Every paint goes through it so local,
// remote and replayed strokes render identically.
type Replicator struct {
	raster  *Raster
	emitter Emitter
	logger  *slog.Logger
}

// NewReplicator wires a raster to an emitter.
func NewReplicator(raster *Raster, emitter Emitter, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		raster:  raster,
		emitter: emitter,
		logger:  logger,
	}
}

// Paint applies a segment locally and, when connected, sends it
// unchanged. Painting while disconnected is allowed and never reported
// as an error.
func (r *Replicator) Paint(from, to protocol.Point, color string, width float64, tool protocol.Tool) protocol.DrawEvent {
	if tool == "" {
		tool = protocol.ToolBrush
	}
	ev := protocol.Segment(from, to, color, width, tool)
	r.raster.Stroke(ev)
	r.transmit(protocol.EventDrawing, ev)
	return ev
}

// ApplyRemote paints a segment received from the relay.
func (r *Replicator) ApplyRemote(ev protocol.DrawEvent) {
	r.raster.Stroke(ev)
}

// ReplayHistory rebuilds the raster from an authoritative history: the
// raster is wiped and every complete event applied in order. It returns
// the number of events applied.
func (r *Replicator) ReplayHistory(events []protocol.DrawEvent) int {
	r.raster.Wipe()
	applied := 0
	for _, ev := range events {
		if !ev.Valid() {
			continue
		}
		r.raster.Stroke(ev)
		applied++
	}
	return applied
}

// Clear wipes the raster and, when connected, tells the other
// participants to do the same.
func (r *Replicator) Clear() {
	r.raster.Wipe()
	r.transmit(protocol.EventClearCanvas, nil)
}

// ApplyRemoteClear wipes the raster without broadcasting.
func (r *Replicator) ApplyRemoteClear() {
	r.raster.Wipe()
}

func (r *Replicator) Raster() *Raster { return r.raster }

func (r *Replicator) transmit(event string, payload any) {
	if r.emitter == nil || !r.emitter.Connected() {
		return
	}
	if err := r.emitter.Emit(event, payload); err != nil {
		r.logger.Warn("failed to transmit", "event", event, "err", err)
	}
}
