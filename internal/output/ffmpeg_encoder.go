package output

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// FFmpegEncoder opens sinks backed by an ffmpeg subprocess reading rawvideo on stdin
type FFmpegEncoder struct {
	ffmpeg *utils.FFmpegHelper
}

// NewFFmpegEncoder creates an opener using the given helper
func NewFFmpegEncoder(ffmpeg *utils.FFmpegHelper) *FFmpegEncoder {
	return &FFmpegEncoder{ffmpeg: ffmpeg}
}

// Open checks the codec is built into ffmpeg and starts the encoder
func (e *FFmpegEncoder) Open(ctx context.Context, profile Profile, spec StreamSpec, path string) (Sink, error) {
	ok, err := e.ffmpeg.HasEncoder(ctx, profile.Codec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("encoder %s not available in ffmpeg build", profile.Codec)
	}

	// The encoder outlives the open call; only Abort may kill it
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := e.ffmpeg.EncodeCommand(procCtx, profile.Codec, profile.Container, spec.Width, spec.Height, spec.FPS, path, profile.Args)
	stderr := &utils.TailBuffer{Max: 4096}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	sink := &ffmpegSink{cmd: cmd, stdin: stdin, stderr: stderr, cancel: cancel, done: make(chan struct{})}
	go func() {
		sink.waitErr = cmd.Wait()
		close(sink.done)
	}()

	// A muxer/codec combination ffmpeg rejects fails right after start
	select {
	case <-sink.done:
		cancel()
		return nil, fmt.Errorf("encoder exited at startup: %v: %s", sink.waitErr, strings.TrimSpace(stderr.String()))
	case <-time.After(150 * time.Millisecond):
	}
	return sink, nil
}

type ffmpegSink struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *utils.TailBuffer
	cancel  context.CancelFunc
	done    chan struct{}
	waitErr error // valid once done is closed
}

// WriteFrame fails as soon as the encoder has exited, even when the pipe
// would still accept the bytes
func (s *ffmpegSink) WriteFrame(rgb24 []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("encoder exited: %v: %s", s.waitErr, strings.TrimSpace(s.stderr.String()))
	default:
	}
	if _, err := s.stdin.Write(rgb24); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	defer s.cancel()
	if err := s.stdin.Close(); err != nil {
		return fmt.Errorf("close encoder input: %w", err)
	}
	<-s.done
	if s.waitErr != nil {
		return fmt.Errorf("encoder failed: %w: %s", s.waitErr, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

func (s *ffmpegSink) Abort() {
	s.cancel()
	s.stdin.Close()
	<-s.done
}
