package annotate

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// PreviewEncoder downscales frames for live subscribers
type PreviewEncoder struct {
	Width   int
	Height  int
	Quality int

	scaled *image.RGBA
	buf    bytes.Buffer
}

// NewPreviewEncoder returns an encoder producing width×height JPEGs at quality
func NewPreviewEncoder(width, height, quality int) *PreviewEncoder {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &PreviewEncoder{Width: width, Height: height, Quality: quality}
}

// Encode resizes frame and returns it as a base64 JPEG. Not safe for concurrent use.
func (p *PreviewEncoder) Encode(frame image.Image) (string, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return "", fmt.Errorf("preview size %dx%d is invalid", p.Width, p.Height)
	}
	if p.scaled == nil {
		p.scaled = image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	}
	xdraw.ApproxBiLinear.Scale(p.scaled, p.scaled.Rect, frame, frame.Bounds(), xdraw.Src, nil)

	p.buf.Reset()
	if err := jpeg.Encode(&p.buf, p.scaled, &jpeg.Options{Quality: p.Quality}); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return base64.StdEncoding.EncodeToString(p.buf.Bytes()), nil
}
