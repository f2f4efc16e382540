package utils

import (
	"fmt"
	"image"
	"sync"
)

// RGB24FrameSize returns the byte length of one packed rgb24 frame
func RGB24FrameSize(width, height int) int {
	return width * height * 3
}

// RGB24ToRGBA unpacks an rgb24 frame into dst, which must already have the
// frame's dimensions
func RGB24ToRGBA(dst *image.RGBA, src []byte) error {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	if len(src) != RGB24FrameSize(w, h) {
		return fmt.Errorf("rgb24 frame is %d bytes, want %d for %dx%d", len(src), RGB24FrameSize(w, h), w, h)
	}
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		in := src[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			row[x*4] = in[x*3]
			row[x*4+1] = in[x*3+1]
			row[x*4+2] = in[x*3+2]
			row[x*4+3] = 0xff
		}
	}
	return nil
}

// RGBAToRGB24 packs img into dst, growing it if needed, and returns the frame bytes
func RGBAToRGB24(dst []byte, img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	size := RGB24FrameSize(w, h)
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		out := dst[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			out[x*3] = row[x*4]
			out[x*3+1] = row[x*4+1]
			out[x*3+2] = row[x*4+2]
		}
	}
	return dst
}

// TailBuffer is an io.Writer that keeps the last Max bytes written.
// Used to capture ffmpeg stderr without unbounded growth.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := t.Max
	if max <= 0 {
		max = 4096
	}
	t.buf = append(t.buf, p...)
	if len(t.buf) > max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-max:]...)
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
