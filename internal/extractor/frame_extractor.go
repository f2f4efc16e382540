package extractor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// ErrDecoderFailed marks a decode that ended with a non-zero decoder exit
var ErrDecoderFailed = errors.New("decoder failed")

// Source yields the decoded frames of one video in source order
type Source interface {
	Metadata() models.VideoMetadata
	// Next returns the next frame, or io.EOF after the last one. The returned
	// image is owned by the caller.
	Next(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// Opener opens a Source for a file
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// FrameExtractor opens sources by probing with ffprobe and decoding through
// an ffmpeg rawvideo pipe
type FrameExtractor struct {
	ffmpeg   *utils.FFmpegHelper
	metadata *MetadataExtractor
	logger   *slog.Logger
}

// NewFrameExtractor creates a new frame extractor
func NewFrameExtractor(ffmpeg *utils.FFmpegHelper, logger *slog.Logger) *FrameExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameExtractor{
		ffmpeg:   ffmpeg,
		metadata: NewMetadataExtractor(ffmpeg),
		logger:   logger,
	}
}

// Open probes path and starts the decoder. Probe failures wrap ErrUnsupportedInput.
func (fe *FrameExtractor) Open(ctx context.Context, path string) (Source, error) {
	meta, err := fe.metadata.Extract(ctx, path)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := fe.ffmpeg.DecodeCommand(procCtx, path)
	stderr := &utils.TailBuffer{Max: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	fe.logger.Debug("decoder started",
		"path", path,
		"width", meta.Width,
		"height", meta.Height,
		"fps", meta.FrameRate,
		"frames", meta.FrameCount,
		"quality", Quality(meta.Width, meta.Height),
	)

	return &ffmpegSource{
		meta:   *meta,
		wait:   cmd.Wait,
		stdout: stdout,
		stderr: stderr,
		cancel: cancel,
		buf:    make([]byte, utils.RGB24FrameSize(meta.Width, meta.Height)),
	}, nil
}

type ffmpegSource struct {
	meta   models.VideoMetadata
	wait   func() error // exec.Cmd.Wait of the decoder
	stdout io.ReadCloser
	stderr *utils.TailBuffer
	cancel context.CancelFunc
	buf    []byte
	eof    bool

	stopOnce sync.Once
	exitErr  error // decoder failure seen after the last frame
	reported bool  // exitErr already returned from Next
}

func (s *ffmpegSource) Metadata() models.VideoMetadata { return s.meta }

// Next returns io.EOF only once the decoder has exited cleanly. A decoder that
// dies mid-stream can close its pipe on a frame boundary, so its exit status
// decides between end of input and a failed decode.
func (s *ffmpegSource) Next(ctx context.Context) (*image.RGBA, error) {
	if s.eof {
		if s.exitErr != nil {
			return nil, s.exitErr
		}
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, err := io.ReadFull(s.stdout, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
		if err := s.stop(false); err != nil {
			s.reported = true
			return nil, err
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.eof = true
		s.stop(false)
		s.reported = true
		return nil, fmt.Errorf("%w: truncated frame: %s", ErrDecoderFailed, strings.TrimSpace(s.stderr.String()))
	case err != nil:
		return nil, fmt.Errorf("read frame: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, s.meta.Width, s.meta.Height))
	if err := utils.RGB24ToRGBA(img, s.buf); err != nil {
		return nil, err
	}
	return img, nil
}

// stop reaps the decoder once. With kill set the decoder is cancelled first
// and its exit status is not an error.
func (s *ffmpegSource) stop(kill bool) error {
	s.stopOnce.Do(func() {
		if kill {
			s.cancel()
		}
		err := s.wait()
		s.cancel()
		if !kill && err != nil {
			s.exitErr = fmt.Errorf("%w: %v: %s", ErrDecoderFailed, err, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.exitErr
}

// Close stops the decoder. A decoder stopped before the end of the stream is
// not reported, and neither is a failure Next already returned.
func (s *ffmpegSource) Close() error {
	err := s.stop(!s.eof)
	if s.reported {
		return nil
	}
	return err
}
