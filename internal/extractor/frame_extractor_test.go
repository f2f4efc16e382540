package extractor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// pipeSource builds a source over frames whole rgb24 frames whose decoder
// exits with exitErr
func pipeSource(frames int, exitErr error) (*ffmpegSource, *int) {
	meta := models.VideoMetadata{Width: 2, Height: 2, FrameRate: 10}
	size := utils.RGB24FrameSize(meta.Width, meta.Height)
	waits := 0
	return &ffmpegSource{
		meta:   meta,
		wait:   func() error { waits++; return exitErr },
		stdout: io.NopCloser(bytes.NewReader(make([]byte, frames*size))),
		stderr: &utils.TailBuffer{Max: 256},
		cancel: func() {},
		buf:    make([]byte, size),
	}, &waits
}

func drain(t *testing.T, src *ffmpegSource) (int, error) {
	t.Helper()
	n := 0
	for {
		_, err := src.Next(context.Background())
		if err != nil {
			return n, err
		}
		n++
	}
}

func TestSourceCleanExitEndsWithEOF(t *testing.T) {
	src, waits := pipeSource(3, nil)
	n, err := drain(t, src)
	if !errors.Is(err, io.EOF) || n != 3 {
		t.Fatalf("read %d frames, err %v; want 3 and io.EOF", n, err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if *waits != 1 {
		t.Fatalf("decoder reaped %d times", *waits)
	}
}

func TestSourceDecoderFailureOnFrameBoundary(t *testing.T) {
	src, waits := pipeSource(3, errors.New("exit status 1"))
	n, err := drain(t, src)
	if n != 3 {
		t.Fatalf("read %d frames, want 3", n)
	}
	if !errors.Is(err, ErrDecoderFailed) {
		t.Fatalf("expected ErrDecoderFailed, got %v", err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrDecoderFailed) {
		t.Fatalf("later Next should repeat the failure, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close should not report a failure Next returned: %v", err)
	}
	if *waits != 1 {
		t.Fatalf("decoder reaped %d times", *waits)
	}
}

func TestSourceCloseBeforeEndIgnoresKill(t *testing.T) {
	src, _ := pipeSource(3, errors.New("signal: killed"))
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close of a stopped decoder: %v", err)
	}
}
