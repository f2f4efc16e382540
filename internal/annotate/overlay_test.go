package annotate

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestAnnotateDrawsOnACopy(t *testing.T) {
	gray := color.RGBA{50, 50, 50, 255}
	src := solid(200, 200, gray)
	dets := []models.Detection{{Label: "INSECT", Confidence: 0.9, Box: models.BoundingBox{X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25}}}

	out := Annotate(src, dets, nil, Header{Frame: 1, Total: 10, Detections: 1, Quality: 0})

	if src.RGBAAt(100, 120) != gray {
		t.Fatal("source frame was modified")
	}
	// Left edge of the box spans x=100..101
	if got := out.RGBAAt(100, 120); got != ClassColors["INSECT"] {
		t.Fatalf("box edge colour = %+v, want %+v", got, ClassColors["INSECT"])
	}
	// Box interior untouched
	if got := out.RGBAAt(120, 140); got != gray {
		t.Fatalf("box interior changed to %+v", got)
	}
}

func TestAnnotateIgnoresOffFrameBoxes(t *testing.T) {
	src := solid(50, 50, color.RGBA{0, 0, 0, 255})
	dets := []models.Detection{{Label: "MOLD", Box: models.BoundingBox{X: 2, Y: 2, Width: 0.1, Height: 0.1}}}
	Annotate(src, dets, nil, Header{})
}

func TestHeaderLines(t *testing.T) {
	lines := Header{Frame: 3, Total: 0, Detections: 2, Quality: 87.456, Unique: 4, Tracking: true}.Lines()
	want := []string{"Frame: 3/?", "Detections: 2", "Quality: 87.5%", "Unique: 4"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if got := len(Header{}.Lines()); got != 3 {
		t.Fatalf("untracked header should have 3 lines, got %d", got)
	}
}

func TestPreviewEncoderResizes(t *testing.T) {
	enc := NewPreviewEncoder(64, 48, 85)
	b64, err := enc.Encode(solid(320, 240, color.RGBA{200, 10, 10, 255}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("not base64: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a jpeg: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("preview is %dx%d, want 64x48", b.Dx(), b.Dy())
	}
}
