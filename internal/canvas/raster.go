package canvas

import (
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"

	"github.com/fogleman/gg"

	"whiteboard/internal/protocol"
)

// Default board dimensions
const (
	DefaultWidth  = 900
	DefaultHeight = 600
)

// Raster is the pixel surface strokes are painted onto
type Raster struct {
	dc         *gg.Context
	mask       *gg.Context
	background color.Color
}

// NewRaster creates a raster filled with a white background.
func NewRaster(width, height int) *Raster {
	r := &Raster{
		dc:         gg.NewContext(width, height),
		mask:       gg.NewContext(width, height),
		background: color.White,
	}
	r.Wipe()
	return r
}

// Stroke paints one segment. Brush strokes composite normally in the
// event colour; eraser strokes remove whatever is under them and ignore
// the colour.
func (r *Raster) Stroke(ev protocol.DrawEvent) {
	if !ev.Valid() {
		return
	}

	if ev.Tool == protocol.ToolEraser {
		r.erase(ev)
		return
	}

	r.dc.SetHexColor(ev.Color)
	pen(r.dc, ev)
}

// erase strokes the segment into the mask and clears the covered
// pixels, the equivalent of destination-out compositing.
func (r *Raster) erase(ev protocol.DrawEvent) {
	dst := r.dc.Image().(*image.RGBA)
	mask := r.mask.Image().(*image.RGBA)
	area := segmentBounds(ev).Intersect(dst.Bounds())
	if area.Empty() {
		return
	}

	draw.Draw(mask, area, image.Transparent, image.Point{}, draw.Src)
	r.mask.SetColor(color.Black)
	pen(r.mask, ev)

	destinationOut(dst, mask, area)
}

// destinationOut scales every premultiplied channel of dst by the
// inverse of the mask coverage.
func destinationOut(dst, mask *image.RGBA, area image.Rectangle) {
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			m := uint32(mask.Pix[mask.PixOffset(x, y)+3])
			if m == 0 {
				continue
			}
			keep := 255 - m
			i := dst.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				dst.Pix[i+c] = uint8(uint32(dst.Pix[i+c]) * keep / 255)
			}
		}
	}
}

func pen(dc *gg.Context, ev protocol.DrawEvent) {
	dc.SetLineWidth(ev.BrushSize)
	dc.SetLineCapRound()
	dc.SetLineJoinRound()
	dc.DrawLine(ev.From.X, ev.From.Y, ev.To.X, ev.To.Y)
	dc.Stroke()
}

// segmentBounds covers the segment including its round caps.
func segmentBounds(ev protocol.DrawEvent) image.Rectangle {
	pad := ev.BrushSize/2 + 2
	return image.Rect(
		int(math.Floor(math.Min(ev.From.X, ev.To.X)-pad)),
		int(math.Floor(math.Min(ev.From.Y, ev.To.Y)-pad)),
		int(math.Ceil(math.Max(ev.From.X, ev.To.X)+pad)),
		int(math.Ceil(math.Max(ev.From.Y, ev.To.Y)+pad)),
	)
}

// Wipe resets every pixel to the background.
func (r *Raster) Wipe() {
	r.dc.SetColor(r.background)
	r.dc.Clear()
}

// Bounds returns the raster rectangle.
func (r *Raster) Bounds() image.Rectangle {
	return r.dc.Image().Bounds()
}

// Snapshot returns a copy of the current pixels.
func (r *Raster) Snapshot() *image.RGBA {
	src := r.dc.Image()
	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	return out
}

// WritePNG encodes the current pixels as PNG.
func (r *Raster) WritePNG(w io.Writer) error {
	return r.dc.EncodePNG(w)
}
