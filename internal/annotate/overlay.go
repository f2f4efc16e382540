// Package annotate draws detection overlays on frames and prepares the
// downscaled JPEG previews sent to live subscribers.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

var (
	headerColor  = color.RGBA{0, 255, 0, 255}
	uniqueColor  = color.RGBA{255, 255, 0, 255}
	unknownColor = color.RGBA{255, 255, 255, 255}
	labelText    = color.RGBA{0, 0, 0, 255}
)

// ClassColors maps bean classes to their overlay colour
var ClassColors = map[string]color.RGBA{
	"BLACK":       hex("#000000"),
	"BROKEN":      hex("#8B4513"),
	"BROWN":       hex("#A52A2A"),
	"BigBroken":   hex("#D2691E"),
	"IMMATURE":    hex("#90EE90"),
	"INSECT":      hex("#FF6347"),
	"MOLD":        hex("#808080"),
	"PartlyBlack": hex("#696969"),
	"LIGHTFM":     hex("#FFD700"),
	"HEAVYFM":     hex("#FF4500"),
}

// Header is the running status printed in the top-left corner
type Header struct {
	Frame      int
	Total      int
	Detections int
	Quality    float64
	Unique     int
	Tracking   bool
}

// Lines returns the header text, one entry per line
func (h Header) Lines() []string {
	total := "?"
	if h.Total > 0 {
		total = strconv.Itoa(h.Total)
	}
	lines := []string{
		fmt.Sprintf("Frame: %d/%s", h.Frame, total),
		fmt.Sprintf("Detections: %d", h.Detections),
		fmt.Sprintf("Quality: %.1f%%", h.Quality),
	}
	if h.Tracking {
		lines = append(lines, fmt.Sprintf("Unique: %d", h.Unique))
	}
	return lines
}

// Annotate returns a copy of frame with boxes, labels and the header drawn.
// When tracks is non-nil it is used instead of detections so labels carry ids.
func Annotate(frame *image.RGBA, detections []models.Detection, tracks []models.Track, header Header) *image.RGBA {
	out := image.NewRGBA(frame.Rect)
	draw.Draw(out, out.Rect, frame, frame.Rect.Min, draw.Src)

	if tracks != nil {
		for _, t := range tracks {
			drawDetection(out, t.Detection, t.Label+" #"+strconv.Itoa(t.ID))
		}
	} else {
		for _, d := range detections {
			drawDetection(out, d, d.Label)
		}
	}

	for i, line := range header.Lines() {
		c := headerColor
		if strings.HasPrefix(line, "Unique") {
			c = uniqueColor
		}
		drawText(out, 10, 20+i*18, line, c)
	}
	return out
}

func drawDetection(img *image.RGBA, d models.Detection, label string) {
	b := img.Rect
	w, h := float64(b.Dx()), float64(b.Dy())
	r := image.Rect(
		b.Min.X+int(d.Box.X*w),
		b.Min.Y+int(d.Box.Y*h),
		b.Min.X+int((d.Box.X+d.Box.Width)*w),
		b.Min.Y+int((d.Box.Y+d.Box.Height)*h),
	).Intersect(b)
	if r.Empty() {
		return
	}

	c, ok := ClassColors[d.Label]
	if !ok {
		c = unknownColor
	}
	strokeRect(img, r, 2, c)

	// Label sits on a filled tab above the box, or inside it at the top edge
	tw := len(label)*7 + 4
	tab := image.Rect(r.Min.X, r.Min.Y-15, r.Min.X+tw, r.Min.Y)
	if tab.Min.Y < b.Min.Y {
		tab = tab.Add(image.Pt(0, r.Min.Y-tab.Min.Y))
	}
	draw.Draw(img, tab.Intersect(b), image.NewUniform(c), image.Point{}, draw.Src)
	textColor := labelText
	if luminance(c) < 128 {
		textColor = unknownColor
	}
	drawText(img, tab.Min.X+2, tab.Max.Y-3, label, textColor)
}

func strokeRect(img *image.RGBA, r image.Rectangle, thickness int, c color.RGBA) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Rect), u, image.Point{}, draw.Src)
	}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func luminance(c color.RGBA) int {
	return (299*int(c.R) + 587*int(c.G) + 114*int(c.B)) / 1000
}

func hex(s string) color.RGBA {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return unknownColor
	}
	return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}
}
